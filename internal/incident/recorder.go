// Package incident turns a registered remediation into a persisted incident.
package incident

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/remediate"
	"slowquery-agent/internal/storage"
	"slowquery-agent/internal/tracing"
)

// IncidentStore persists incidents.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *storage.Incident) error
}

// Recorder derives incident metrics from the candidate and asks a generator
// for the descriptive fields, falling back to templates per field.
type Recorder struct {
	store   IncidentStore
	fields  FieldGenerator
	timeout time.Duration
}

// NewRecorder returns a Recorder. A zero timeout means 30 minutes.
func NewRecorder(store IncidentStore, fields FieldGenerator, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 1800 * time.Second
	}
	return &Recorder{store: store, fields: fields, timeout: timeout}
}

// Record builds and stores the incident for a remediated candidate. pr may be
// nil when registration failed; the incident is then unlinked.
func (r *Recorder) Record(ctx context.Context, c tracing.Candidate, outcome *remediate.Outcome, prompt string, pr *storage.PullRequest) (*storage.Incident, error) {
	inc := &storage.Incident{
		URL:         c.Endpoint,
		TimeImpact:  TimeImpact(c.RootDuration),
		ImpactCount: len(c.CallOperations),
	}
	if pr != nil && pr.ID != 0 {
		id := pr.ID
		inc.PullRequestID = &id
	}

	fields := r.generate(ctx, c, outcome, prompt, pr)
	inc.Title = fields.Title
	inc.ProblemDescription = fields.ProblemDescription
	inc.SolutionDescription = fields.SolutionDescription
	inc.Severity = storage.Severity(fields.Severity)

	if err := r.store.CreateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("storing incident for trace %s: %w", c.TraceID, err)
	}
	return inc, nil
}

// generate returns fields that are always valid: each one missing or
// malformed in the generated output is replaced by its template.
func (r *Recorder) generate(ctx context.Context, c tracing.Candidate, outcome *remediate.Outcome, prompt string, pr *storage.PullRequest) Fields {
	fallback := templateFields(c, outcome, pr)
	logger := log.With().Str("trace_id", c.TraceID).Logger()

	if r.fields == nil {
		return fallback
	}

	req := FieldRequest{Prompt: prompt, Endpoint: c.Endpoint}
	if pr != nil {
		req.PRTitle, req.PRBody = pr.Title, pr.Body
	} else if outcome != nil {
		req.PRBody = outcome.Report
	}

	genCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.fields.Generate(genCtx, req)
	if err != nil {
		logger.Warn().Err(err).Msg("incident field generation failed, using templates")
		return fallback
	}
	got, err := ParseFields(text)
	if err != nil {
		logger.Warn().Err(err).Msg("incident field output unparsable, using templates")
		return fallback
	}

	out := fallback
	if ValidTitle(got.Title) {
		out.Title = got.Title
	} else if got.Title != "" {
		logger.Warn().Str("title", got.Title).Msg("generated title has wrong format")
	}
	if got.ProblemDescription != "" {
		out.ProblemDescription = got.ProblemDescription
	}
	if got.SolutionDescription != "" {
		out.SolutionDescription = got.SolutionDescription
	}
	if sev := storage.Severity(got.Severity); sev.Valid() {
		out.Severity = got.Severity
	} else {
		logger.Warn().Str("severity", got.Severity).Msg("generated severity invalid, using medium")
	}
	return out
}

// TimeImpact converts microseconds to seconds rounded to two decimals.
func TimeImpact(rootMicros int64) float64 {
	return math.Round(float64(rootMicros)/1e4) / 100
}

func templateFields(c tracing.Candidate, outcome *remediate.Outcome, pr *storage.PullRequest) Fields {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = "unknown endpoint"
	}

	var problem strings.Builder
	fmt.Fprintf(&problem, "Requests to %s took %.2fs (trace %s) and issued %d ORM call(s).",
		endpoint, TimeImpact(c.RootDuration), c.TraceID, len(c.CallOperations))
	if len(c.CallOperations) > 0 {
		top := c.CallOperations[0]
		frame := top.Frame
		if frame == "" {
			frame = "span " + top.SpanID
		}
		fmt.Fprintf(&problem, " The slowest call at %s took %.1fms.", frame, float64(top.Duration)/1000)
	}

	solution := "An automated fix was attempted for the slow data access."
	switch {
	case pr != nil && pr.Title != "":
		solution = fmt.Sprintf("See pull request %q, which reduces repeated queries on this path.", pr.Title)
	case outcome != nil && outcome.Report != "":
		solution = firstLine(outcome.Report)
	}

	return Fields{
		Title:               fmt.Sprintf("For %s caused by slow database access", endpoint),
		ProblemDescription:  problem.String(),
		SolutionDescription: solution,
		Severity:            string(storage.SeverityMedium),
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
