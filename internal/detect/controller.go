// Package detect sequences one detection run: mine slow traces, then for each
// candidate build a prompt, remediate, register the pull request and record
// the incident. Every step is written to the run log.
package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/agent"
	"slowquery-agent/internal/monitor"
	"slowquery-agent/internal/prompt"
	"slowquery-agent/internal/registrar"
	"slowquery-agent/internal/remediate"
	"slowquery-agent/internal/storage"
	"slowquery-agent/internal/tracing"
)

// LogSource tags every run-log entry written by the controller.
const LogSource = "detect_incidents"

// Step names as they appear in the run log.
const (
	StepStart          = "start"
	StepFetchServices  = "fetch_services"
	StepFetchTraces    = "fetch_traces"
	StepAnalyzeTraces  = "analyze_traces"
	StepGeneratePrompt = "generate_prompt"
	StepGeneratePR     = "generate_pr"
	StepRegisterPR     = "register_pr"
	StepCreateIncident = "create_incident"
	StepComplete       = "complete"
)

// Miner fetches and analyses traces.
type Miner interface {
	FetchServices(ctx context.Context) ([]string, error)
	FetchTraces(ctx context.Context, services []string) ([]tracing.Trace, int, error)
	Analyze(traces []tracing.Trace) *tracing.Result
}

// Remediator runs one agent attempt against the repository.
type Remediator interface {
	Remediate(ctx context.Context, task remediate.Task) (*remediate.Outcome, error)
}

// Recorder stores the incident for a registered remediation.
type Recorder interface {
	Record(ctx context.Context, c tracing.Candidate, outcome *remediate.Outcome, prompt string, pr *storage.PullRequest) (*storage.Incident, error)
}

// RunStore tracks detection run status.
type RunStore interface {
	CreateDetectionRun(ctx context.Context, run *storage.DetectionRun) error
	UpdateDetectionRun(ctx context.Context, run *storage.DetectionRun) error
}

// Deps are the controller's collaborators. Runs, Metrics and Tracer are optional.
type Deps struct {
	Miner      Miner
	Remediator Remediator
	Registrar  registrar.Registrar
	Recorder   Recorder
	Logs       storage.LogSink
	Runs       RunStore
	Metrics    *monitor.Metrics
	Tracer     *monitor.Tracer
}

// Options describe the target repository and failure policy.
type Options struct {
	RepoURL     string
	BaseBranch  string
	CreateTests bool
	// RegistrarRequired aborts the run when a pull request cannot be registered.
	RegistrarRequired bool
}

// Summary is what a run produced. It is returned on failure too, with the
// counts reached before the failing step.
type Summary struct {
	RunID            string                       `json:"run_id"`
	RunType          storage.RunType              `json:"run_type"`
	Status           storage.RunStatus            `json:"status"`
	Candidates       map[string]tracing.Candidate `json:"candidates"`
	CandidateCount   int                          `json:"count"`
	IncidentCount    int                          `json:"incident_count"`
	PullRequestCount int                          `json:"pull_request_count"`
	NoChangeCount    int                          `json:"no_change_count"`
	ManualURLs       []string                     `json:"manual_urls,omitempty"`
	Stats            tracing.Stats                `json:"stats"`
	Error            string                       `json:"error,omitempty"`
}

// Controller runs the detection pipeline. It does not guard against
// concurrent runs; callers serialize.
type Controller struct {
	deps     Deps
	opts     Options
	newRunID func() string
	now      func() time.Time
}

// New returns a Controller over deps.
func New(deps Deps, opts Options) *Controller {
	return &Controller{
		deps:     deps,
		opts:     opts,
		newRunID: uuid.NewString,
		now:      time.Now,
	}
}

// run carries per-run state through the steps.
type run struct {
	summary *Summary
	logger  zerolog.Logger
}

// Run executes one detection run end to end.
func (c *Controller) Run(ctx context.Context, runType storage.RunType) (*Summary, error) {
	started := c.now()
	r := &run{
		summary: &Summary{
			RunID:      c.newRunID(),
			RunType:    runType,
			Status:     storage.RunRunning,
			Candidates: map[string]tracing.Candidate{},
		},
	}
	r.logger = log.With().Str("run_id", r.summary.RunID).Str("run_type", string(runType)).Logger()

	c.deps.Metrics.RunStarted()
	defer c.deps.Metrics.RunFinished()

	ctx, span := c.deps.Tracer.StartSpan(ctx, "detect",
		monitor.AttrRunID.String(r.summary.RunID),
		monitor.AttrRunType.String(string(runType)),
	)

	record := &storage.DetectionRun{
		RunID:   r.summary.RunID,
		Date:    started.UTC(),
		RunType: runType,
		Status:  storage.RunRunning,
	}
	if c.deps.Runs != nil {
		if err := c.deps.Runs.CreateDetectionRun(ctx, record); err != nil {
			r.logger.Warn().Err(err).Msg("failed to record detection run start")
		}
	}

	c.emit(ctx, r, StepStart, storage.LevelInfo, "Detection run started", map[string]any{
		"run_type": string(runType),
	}, nil, nil)

	err := c.execute(ctx, r)

	if err != nil {
		r.summary.Status = storage.RunFailure
		r.summary.Error = err.Error()
		c.emit(ctx, r, StepComplete, storage.LevelError, "Detection run failed: "+err.Error(), map[string]any{
			"incident_count": r.summary.IncidentCount,
		}, nil, nil)
	} else {
		r.summary.Status = storage.RunSuccess
		c.emit(ctx, r, StepComplete, storage.LevelInfo,
			fmt.Sprintf("Detection run completed: %d candidate(s), %d incident(s)", r.summary.CandidateCount, r.summary.IncidentCount),
			map[string]any{
				"candidates":     r.summary.CandidateCount,
				"incident_count": r.summary.IncidentCount,
				"pull_requests":  r.summary.PullRequestCount,
				"no_changes":     r.summary.NoChangeCount,
			}, nil, nil)
	}

	if c.deps.Runs != nil {
		record.Status = r.summary.Status
		record.ErrorMessage = r.summary.Error
		record.IncidentCount = r.summary.IncidentCount
		// The run's context may already be cancelled; the final status must still land.
		updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if uerr := c.deps.Runs.UpdateDetectionRun(updateCtx, record); uerr != nil {
			r.logger.Warn().Err(uerr).Msg("failed to record detection run result")
		}
		cancel()
	}

	elapsed := c.now().Sub(started)
	c.deps.Metrics.RecordRun(string(runType), string(r.summary.Status), elapsed.Seconds())
	span.SetAttributes(monitor.AttrCandidates.Int(r.summary.CandidateCount))
	monitor.EndSpan(span, err)

	r.logger.Info().
		Str("status", string(r.summary.Status)).
		Int("candidates", r.summary.CandidateCount).
		Int("incidents", r.summary.IncidentCount).
		Dur("elapsed", elapsed).
		Msg("detection run finished")

	return r.summary, err
}

func (c *Controller) execute(ctx context.Context, r *run) error {
	services, err := c.deps.Miner.FetchServices(ctx)
	if err != nil {
		return c.stepFailed(ctx, r, StepFetchServices, err)
	}
	c.emit(ctx, r, StepFetchServices, storage.LevelInfo,
		fmt.Sprintf("Fetched %d service(s)", len(services)),
		map[string]any{"services": services}, nil, nil)

	traces, skipped, err := c.deps.Miner.FetchTraces(ctx, services)
	if err != nil {
		return c.stepFailed(ctx, r, StepFetchTraces, err)
	}
	level := storage.LevelInfo
	if skipped > 0 {
		level = storage.LevelWarning
	}
	c.emit(ctx, r, StepFetchTraces, level,
		fmt.Sprintf("Fetched %d trace(s)", len(traces)),
		map[string]any{"traces": len(traces), "services_skipped": skipped}, nil, nil)

	result := c.deps.Miner.Analyze(traces)
	result.Stats.Services = len(services)
	result.Stats.ServicesSkipped = skipped
	r.summary.Stats = result.Stats
	r.summary.Candidates = result.Candidates
	r.summary.CandidateCount = len(result.Candidates)
	c.deps.Metrics.RecordMining(result.Stats.Traces, result.Stats.Duplicates,
		result.Stats.DiscardedNoCalls, result.Stats.DiscardedFast, result.Stats.Candidates)
	c.emit(ctx, r, StepAnalyzeTraces, storage.LevelInfo,
		fmt.Sprintf("Found %d candidate incident(s)", r.summary.CandidateCount),
		map[string]any{
			"traces":             result.Stats.Traces,
			"duplicates":         result.Stats.Duplicates,
			"discarded_no_calls": result.Stats.DiscardedNoCalls,
			"discarded_fast":     result.Stats.DiscardedFast,
			"candidates":         result.Stats.Candidates,
		}, nil, nil)

	for _, cand := range result.Ordered() {
		if err := c.processCandidate(ctx, r, cand); err != nil {
			return err
		}
	}
	return nil
}

// processCandidate returns an error only for failures that abort the run.
func (c *Controller) processCandidate(ctx context.Context, r *run, cand tracing.Candidate) error {
	ctx, span := c.deps.Tracer.StartSpan(ctx, "candidate",
		monitor.AttrTraceID.String(cand.TraceID),
		monitor.AttrEndpoint.String(cand.Endpoint),
		monitor.AttrDurationUS.Int64(cand.RootDuration),
	)
	var spanErr error
	defer func() { monitor.EndSpan(span, spanErr) }()

	base := map[string]any{
		"trace_id":         cand.TraceID,
		"endpoint":         cand.Endpoint,
		"root_duration_us": cand.RootDuration,
	}
	with := func(extra map[string]any) map[string]any {
		out := make(map[string]any, len(base)+len(extra))
		for k, v := range base {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	text, err := prompt.Build(cand)
	if err != nil {
		c.deps.Metrics.RecordStepError(StepGeneratePrompt)
		c.emit(ctx, r, StepGeneratePrompt, storage.LevelWarning,
			"Skipping candidate: "+err.Error(), with(nil), nil, nil)
		return nil
	}
	c.emit(ctx, r, StepGeneratePrompt, storage.LevelInfo, "Prompt generated",
		with(map[string]any{"call_site": cand.CallOperations[0].Frame, "prompt": text}), nil, nil)

	started := c.now()
	outcome, err := c.deps.Remediator.Remediate(ctx, remediate.Task{
		RepoURL:     c.opts.RepoURL,
		BaseBranch:  c.opts.BaseBranch,
		Prompt:      text,
		CreateTests: c.opts.CreateTests,
	})
	elapsed := c.now().Sub(started).Seconds()
	if err != nil {
		timedOut := agent.IsTimeout(err)
		status := "failed"
		if timedOut {
			status = "timeout"
		}
		c.deps.Metrics.RecordAgent(status, elapsed)
		c.deps.Metrics.RecordStepError(StepGeneratePR)
		c.emit(ctx, r, StepGeneratePR, storage.LevelError,
			"Pull request generation failed: "+err.Error(), with(map[string]any{"timeout": timedOut}), nil, nil)
		spanErr = err
		return fmt.Errorf("generating pull request for trace %s: %w", cand.TraceID, err)
	}
	if outcome.NoChanges {
		c.deps.Metrics.RecordAgent("no_changes", elapsed)
		r.summary.NoChangeCount++
		c.emit(ctx, r, StepGeneratePR, storage.LevelInfo, "Agent made no changes; nothing to register",
			with(map[string]any{"remediation_id": outcome.RunID, "attempts": outcome.Attempts}), nil, nil)
		return nil
	}
	c.deps.Metrics.RecordAgent("pushed", elapsed)
	span.SetAttributes(monitor.AttrBranch.String(outcome.Branch))
	c.emit(ctx, r, StepGeneratePR, storage.LevelInfo, "Branch "+outcome.Branch+" pushed",
		with(map[string]any{
			"remediation_id": outcome.RunID,
			"branch":         outcome.Branch,
			"ahead":          outcome.AheadCount,
			"attempts":       outcome.Attempts,
		}), nil, nil)

	pr, err := c.register(ctx, outcome)
	if err != nil {
		manual := registrar.ManualURL(err)
		if manual != "" {
			r.summary.ManualURLs = append(r.summary.ManualURLs, manual)
		}
		c.deps.Metrics.RecordPullRequest("failed")
		c.deps.Metrics.RecordStepError(StepRegisterPR)
		c.emit(ctx, r, StepRegisterPR, storage.LevelError,
			"Pull request registration failed: "+err.Error(),
			with(map[string]any{"branch": outcome.Branch, "compare_url": manual}), nil, nil)
		if c.opts.RegistrarRequired {
			spanErr = err
			return fmt.Errorf("registering pull request for %s: %w", outcome.Branch, err)
		}
		return nil
	}
	c.deps.Metrics.RecordPullRequest("registered")
	r.summary.PullRequestCount++
	var prID *int64
	if pr.ID != 0 {
		id := pr.ID
		prID = &id
		outcome.PullRequestID = prID
	}
	c.emit(ctx, r, StepRegisterPR, storage.LevelInfo, "Pull request registered: "+pr.Title,
		with(map[string]any{"branch": pr.HeadBranch, "compare_url": pr.CompareURL}), nil, prID)

	inc, err := c.deps.Recorder.Record(ctx, cand, outcome, text, pr)
	if err != nil {
		c.deps.Metrics.RecordStepError(StepCreateIncident)
		c.emit(ctx, r, StepCreateIncident, storage.LevelError,
			"Incident creation failed: "+err.Error(), with(nil), nil, prID)
		return nil
	}
	c.deps.Metrics.RecordIncident(string(inc.Severity))
	r.summary.IncidentCount++
	incID := inc.ID
	c.emit(ctx, r, StepCreateIncident, storage.LevelInfo, "Incident created: "+inc.Title,
		with(map[string]any{
			"severity":     string(inc.Severity),
			"time_impact":  inc.TimeImpact,
			"impact_count": inc.ImpactCount,
		}), &incID, prID)
	return nil
}

func (c *Controller) register(ctx context.Context, outcome *remediate.Outcome) (*storage.PullRequest, error) {
	owner, repo, err := registrar.OwnerRepo(c.opts.RepoURL)
	if err != nil {
		return nil, err
	}
	return c.deps.Registrar.Register(ctx, registrar.Request{
		RepoURL: c.opts.RepoURL,
		Owner:   owner,
		Repo:    repo,
		Base:    outcome.BaseBranch,
		Head:    outcome.Branch,
		Title:   fmt.Sprintf("Automated query fix (%s)", outcome.RunID),
		Body:    outcome.Report,
	})
}

func (c *Controller) stepFailed(ctx context.Context, r *run, step string, err error) error {
	c.deps.Metrics.RecordStepError(step)
	ctxMap := map[string]any{}
	var upErr *tracing.UpstreamFetchError
	if errors.As(err, &upErr) {
		ctxMap["service"] = upErr.Service
		ctxMap["status_code"] = upErr.StatusCode
	}
	c.emit(ctx, r, step, storage.LevelError, err.Error(), ctxMap, nil, nil)
	return err
}

// emit mirrors a run-log entry to zerolog and the log sink. Sink failures are
// logged and otherwise ignored.
func (c *Controller) emit(ctx context.Context, r *run, step string, level storage.LogLevel, msg string, fields map[string]any, incidentID, prID *int64) {
	ev := r.logger.Info()
	switch level {
	case storage.LevelWarning:
		ev = r.logger.Warn()
	case storage.LevelError:
		ev = r.logger.Error()
	}
	ev.Str("step", step).Fields(withoutPrompt(fields)).Msg(msg)

	if c.deps.Logs == nil {
		return
	}
	entry := &storage.LogEntry{
		RunID:         r.summary.RunID,
		Source:        LogSource,
		Step:          step,
		Level:         level,
		Message:       msg,
		Context:       fields,
		IncidentID:    incidentID,
		PullRequestID: prID,
		CreatedAt:     c.now().UTC(),
	}
	if err := c.deps.Logs.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn().Err(err).Str("step", step).Msg("failed to persist run log entry")
	}
}

// withoutPrompt keeps console logs short; the full prompt goes to the run log only.
func withoutPrompt(fields map[string]any) map[string]any {
	if _, ok := fields["prompt"]; !ok {
		return fields
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "prompt" {
			out[k] = v
		}
	}
	return out
}
