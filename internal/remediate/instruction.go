package remediate

import "strings"

const retrySuffix = "\n\nIMPORTANT: Apply the code changes now. Do not ask any question. " +
	"If no changes are needed, say NO_CHANGES_NEEDED."

// Instruction wraps the task prompt in the fixed agent instruction.
func Instruction(prompt string, createTests bool) string {
	var b strings.Builder
	b.WriteString("You are an automated code-change agent working in the current repository.\n")
	b.WriteString("- Implement the requested code changes directly in files.\n")
	b.WriteString("- Do not ask for confirmation; apply the edits immediately.\n")
	b.WriteString("- Keep behavior unchanged unless the task says otherwise.\n")
	if createTests {
		b.WriteString("- Add appropriate tests for the change, and run these if possible.\n")
	} else {
		b.WriteString("- Do NOT create new tests.\n")
	}
	b.WriteString("- Output a concise PR report: summary, rationale, risks.\n")
	b.WriteString("- Use ASCII characters only in the PR report (e.g., write O(n^2), use [x] instead of checkmarks).\n\n")
	b.WriteString("Task:\n")
	b.WriteString(prompt)
	return b.String()
}

// RetryInstruction is the amended instruction used after the agent asked for
// confirmation.
func RetryInstruction(instruction string) string {
	return instruction + retrySuffix
}
