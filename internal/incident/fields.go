package incident

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrUnparsableFields = errors.New("no JSON object in generated incident fields")

// titlePattern is the required shape of an incident title.
var titlePattern = regexp.MustCompile(`^For \S.* caused by \S.*$`)

// FieldRequest is the material a generator drafts incident fields from.
type FieldRequest struct {
	Prompt   string
	PRTitle  string
	PRBody   string
	Endpoint string
}

// Fields are the human-readable parts of an incident.
type Fields struct {
	Title               string `json:"title"`
	ProblemDescription  string `json:"problemDescription"`
	SolutionDescription string `json:"solutionDescription"`
	Severity            string `json:"severity"`
}

// Task is the instruction sent to a text generator.
func Task(req FieldRequest) string {
	var b strings.Builder
	b.WriteString("You are generating fields for an incident record in a monitoring dashboard.\n")
	b.WriteString("Given the incident-detection prompt and the suggested pull request title/description, ")
	b.WriteString("write concise, accurate incident metadata.\n")
	b.WriteString("Output ONLY a valid JSON object with exactly these string keys: ")
	b.WriteString("title, problemDescription, solutionDescription, severity.\n")
	b.WriteString("Requirements:\n")
	b.WriteString("- ASCII only.\n")
	b.WriteString("- No markdown fences.\n")
	b.WriteString(`- title MUST be formatted exactly like: "For {page} caused by {brief description}".` + "\n")
	b.WriteString("- Infer {page} from the HTTP route/target if possible.\n")
	b.WriteString("- {brief description} should be short and specific.\n")
	b.WriteString("- problemDescription should describe the observed issue and impact.\n")
	b.WriteString("- solutionDescription should summarize what the suggested PR changes/fixes.\n")
	b.WriteString("- severity must be one of: low, medium, high, critical, blocker.\n\n")
	if req.Endpoint != "" {
		fmt.Fprintf(&b, "Affected endpoint:\n%s\n\n", req.Endpoint)
	}
	fmt.Fprintf(&b, "Incident detection prompt:\n%s\n\n", req.Prompt)
	fmt.Fprintf(&b, "Suggested PR title:\n%s\n\n", req.PRTitle)
	fmt.Fprintf(&b, "Suggested PR description:\n%s\n", req.PRBody)
	return b.String()
}

// ParseFields decodes generator output. The whole text is tried first, then
// the span from the first '{' to the last '}'.
func ParseFields(text string) (Fields, error) {
	text = strings.TrimSpace(text)
	var f Fields
	if err := decodeObject(text, &f); err == nil {
		return f.normalize(), nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Fields{}, ErrUnparsableFields
	}
	if err := decodeObject(text[start:end+1], &f); err != nil {
		return Fields{}, fmt.Errorf("%w: %v", ErrUnparsableFields, err)
	}
	return f.normalize(), nil
}

// decodeObject accepts only JSON objects, with any value types for the keys.
func decodeObject(s string, f *Fields) error {
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return err
	}
	str := func(key string) string {
		if v, ok := raw[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	*f = Fields{
		Title:               str("title"),
		ProblemDescription:  str("problemDescription"),
		SolutionDescription: str("solutionDescription"),
		Severity:            str("severity"),
	}
	return nil
}

func (f Fields) normalize() Fields {
	return Fields{
		Title:               strings.TrimSpace(f.Title),
		ProblemDescription:  strings.TrimSpace(f.ProblemDescription),
		SolutionDescription: strings.TrimSpace(f.SolutionDescription),
		Severity:            strings.ToLower(strings.TrimSpace(f.Severity)),
	}
}

// ValidTitle reports whether title has the "For <page> caused by <brief>" shape.
func ValidTitle(title string) bool {
	return titlePattern.MatchString(title)
}
