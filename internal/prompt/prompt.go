// Package prompt turns an incident candidate into the task description handed
// to the coding agent.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"slowquery-agent/internal/tracing"
)

var ErrMalformedCandidate = errors.New("candidate has no call operations")

// MaxQueries caps how many aggregated queries are quoted in a prompt.
const MaxQueries = 5

const preamble = "An endpoint in this codebase is slow because of how it accesses the database. " +
	"Identify and fix inefficient repeated-query patterns (N+1 queries, queries issued inside loops, " +
	"missing batching or eager loading) at the call site below, without changing behavior."

// Build returns the remediation task for c. The call site is taken from the
// slowest call operation, which the miner places first.
func Build(c tracing.Candidate) (string, error) {
	if len(c.CallOperations) == 0 {
		return "", fmt.Errorf("trace %s: %w", c.TraceID, ErrMalformedCandidate)
	}
	op := c.CallOperations[0]

	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\nCall site:\n")
	b.WriteString(callSite(op))
	b.WriteString("\n")

	if c.Endpoint != "" || c.RootDuration > 0 {
		b.WriteString("\nContext:\n")
		if c.Endpoint != "" {
			fmt.Fprintf(&b, "- Endpoint: %s\n", c.Endpoint)
		}
		if c.RootDuration > 0 {
			fmt.Fprintf(&b, "- Request duration: %.2fs\n", float64(c.RootDuration)/1e6)
		}
		fmt.Fprintf(&b, "- ORM calls in this request: %d\n", len(c.CallOperations))
		if op.Args != "" {
			fmt.Fprintf(&b, "- Arguments of the slowest call: %s\n", op.Args)
		}
	}

	if len(op.Queries) > 0 {
		b.WriteString("\nMost frequent queries issued by this call:\n")
		for i, q := range op.Queries {
			if i == MaxQueries {
				break
			}
			fmt.Fprintf(&b, "- %dx (%.1fms total): %s\n", q.Count, float64(q.TotalDuration)/1e3, q.Text)
		}
	}

	return b.String(), nil
}

func callSite(op tracing.CallOperation) string {
	if f := strings.TrimSpace(op.Frame); f != "" {
		return f
	}
	return "(unknown frame, span " + op.SpanID + ")"
}
