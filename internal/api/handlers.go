package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"slowquery-agent/internal/registrar"
	"slowquery-agent/internal/storage"
)

type Handlers struct {
	store  storage.Store
	guard  *RunGuard
	merger registrar.Merger
	hub    *LogHub
}

// NewHandlers wires the record API. guard, merger and hub may be nil; the
// routes that need them then answer with an error.
func NewHandlers(store storage.Store, guard *RunGuard, merger registrar.Merger, hub *LogHub) *Handlers {
	return &Handlers{
		store:  store,
		guard:  guard,
		merger: merger,
		hub:    hub,
	}
}

func (h *Handlers) HandleListPullRequests(w http.ResponseWriter, r *http.Request) {
	prs, err := h.store.ListPullRequests(r.Context())
	if err != nil {
		h.internalError(w, r, "listing pull requests", err)
		return
	}
	writeJSON(w, http.StatusOK, prs)
}

func (h *Handlers) HandleCreatePullRequest(w http.ResponseWriter, r *http.Request) {
	var req PullRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if missing := firstMissing(
		[2]string{"repo_url", req.RepoURL},
		[2]string{"base_branch", req.BaseBranch},
		[2]string{"head_branch", req.HeadBranch},
		[2]string{"title", req.Title},
	); missing != "" {
		writeError(w, missing+" is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.RepoOwner == "" || req.RepoName == "" {
		owner, repo, err := registrar.OwnerRepo(req.RepoURL)
		if err != nil {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		if req.RepoOwner == "" {
			req.RepoOwner = owner
		}
		if req.RepoName == "" {
			req.RepoName = repo
		}
	}
	if req.CompareURL == "" {
		req.CompareURL = registrar.CompareURL(req.RepoOwner, req.RepoName, req.BaseBranch, req.HeadBranch)
	}

	pr := req.record()
	if err := h.store.CreatePullRequest(r.Context(), pr); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, err.Error(), "DUPLICATE", http.StatusConflict, r)
			return
		}
		h.internalError(w, r, "creating pull request", err)
		return
	}
	writeJSON(w, http.StatusCreated, pr)
}

func (h *Handlers) HandleGetPullRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pr, err := h.store.GetPullRequest(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "fetching pull request", err)
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

// HandleDiscardPullRequest deletes a pull request record and its incidents.
func (h *Handlers) HandleDiscardPullRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := h.removePullRequest(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "discarding pull request", err)
		return
	}
	log.Info().Int64("pr_id", id).Int64("incidents_deleted", n).Msg("pull request discarded")
	writeJSON(w, http.StatusOK, DiscardResponse{PullRequest: id, IncidentsDeleted: n})
}

// HandleMergePullRequest squash-merges the pull request on GitHub, then drops
// the record and its incidents.
func (h *Handlers) HandleMergePullRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if h.merger == nil {
		writeError(w, registrar.ErrMergeUnsupported.Error(), "MERGE_UNSUPPORTED", http.StatusNotImplemented, r)
		return
	}
	pr, err := h.store.GetPullRequest(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "fetching pull request", err)
		return
	}

	res, err := h.merger.Merge(r.Context(), pr.RepoOwner, pr.RepoName, pr.BaseBranch, pr.HeadBranch)
	if err != nil {
		if errors.Is(err, registrar.ErrNoOpenPullRequest) {
			writeError(w, err.Error(), "NO_OPEN_PULL_REQUEST", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Int64("pr_id", id).Str("request_id", RequestIDFromContext(r.Context())).Msg("merge failed")
		writeError(w, "merge failed: "+err.Error(), "MERGE_FAILED", http.StatusBadGateway, r)
		return
	}

	n, err := h.removePullRequest(r.Context(), id)
	if err != nil {
		h.storeError(w, r, "removing merged pull request", err)
		return
	}
	writeJSON(w, http.StatusOK, MergeResponse{
		PullRequest:      id,
		Number:           res.Number,
		SHA:              res.SHA,
		Merged:           res.Merged,
		IncidentsDeleted: n,
	})
}

func (h *Handlers) removePullRequest(ctx context.Context, id int64) (int64, error) {
	n, err := h.store.DeleteIncidentsByPullRequest(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := h.store.DeletePullRequest(ctx, id); err != nil {
		return n, err
	}
	return n, nil
}

func (h *Handlers) HandleListIncidents(w http.ResponseWriter, r *http.Request) {
	var filter storage.IncidentFilter
	q := r.URL.Query()
	if raw := q.Get("pull_request"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, "pull_request must be an integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.PullRequestID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	incidents, err := h.store.ListIncidents(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "listing incidents", err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (h *Handlers) HandleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req IncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, "title is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	inc := &storage.Incident{
		PullRequestID:       req.PullRequest,
		URL:                 req.URL,
		Severity:            storage.Severity(req.Severity),
		Title:               req.Title,
		ProblemDescription:  req.ProblemDescription,
		SolutionDescription: req.SolutionDescription,
		TimeImpact:          req.TimeImpact,
		ImpactCount:         req.ImpactCount,
	}
	if err := h.store.CreateIncident(r.Context(), inc); err != nil {
		h.internalError(w, r, "creating incident", err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (h *Handlers) HandleDeleteIncident(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteIncident(r.Context(), id); err != nil {
		h.storeError(w, r, "deleting incident", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDetect runs one manual detection and answers when it finishes.
func (h *Handlers) HandleDetect(w http.ResponseWriter, r *http.Request) {
	if h.guard == nil {
		writeError(w, "detection not configured", "DETECTION_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	// A disconnecting client does not abort a run that is already pushing branches.
	ctx := context.WithoutCancel(r.Context())
	summary, err := h.guard.Run(ctx, storage.RunManual)
	if errors.Is(err, ErrRunInProgress) {
		writeError(w, err.Error(), "DETECTION_RUNNING", http.StatusConflict, r)
		return
	}
	if summary == nil {
		h.internalError(w, r, "running detection", err)
		return
	}

	resp := DetectResponse{
		RunID:            summary.RunID,
		Status:           summary.Status,
		Count:            summary.CandidateCount,
		Candidates:       summary.Candidates,
		IncidentCount:    summary.IncidentCount,
		PullRequestCount: summary.PullRequestCount,
		ManualURLs:       summary.ManualURLs,
		Error:            summary.Error,
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	entries, err := h.store.ListLogs(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "listing logs", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseLogFilter(r *http.Request) (storage.LogFilter, error) {
	q := r.URL.Query()
	filter := storage.LogFilter{
		RunID:  q.Get("run_id"),
		Source: q.Get("source"),
		Step:   q.Get("step"),
		Level:  storage.LogLevel(q.Get("level")),
	}
	for _, p := range []struct {
		name string
		dst  **int64
	}{
		{"incident", &filter.IncidentID},
		{"pull_request", &filter.PullRequestID},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, errors.New(p.name + " must be an integer")
		}
		*p.dst = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		filter.Limit = n
	}
	filter.Limit = storage.ClampLogLimit(filter.Limit)
	return filter, nil
}

func (h *Handlers) HandleListDetectionRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		limit = n
	}
	runs, err := h.store.ListDetectionRuns(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, "listing detection runs", err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, "id must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return 0, false
	}
	return id, true
}

// firstMissing returns the name of the first blank {name, value} pair.
func firstMissing(fields ...[2]string) string {
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			return f[0]
		}
	}
	return ""
}

func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	h.internalError(w, r, op, err)
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	log.Error().Err(err).Str("op", op).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
	writeError(w, op+" failed", "INTERNAL", http.StatusInternalServerError, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
