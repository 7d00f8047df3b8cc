package api

import (
	"slowquery-agent/internal/storage"
	"slowquery-agent/internal/tracing"
)

// PullRequestRequest is the body of POST /pull-requests.
type PullRequestRequest struct {
	RepoOwner  string `json:"repo_owner"`
	RepoName   string `json:"repo_name"`
	RepoURL    string `json:"repo_url"`
	BaseBranch string `json:"base_branch"`
	HeadBranch string `json:"head_branch"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	CompareURL string `json:"compare_url"`
}

func (r PullRequestRequest) record() *storage.PullRequest {
	return &storage.PullRequest{
		RepoOwner:  r.RepoOwner,
		RepoName:   r.RepoName,
		RepoURL:    r.RepoURL,
		BaseBranch: r.BaseBranch,
		HeadBranch: r.HeadBranch,
		Title:      r.Title,
		Body:       r.Body,
		CompareURL: r.CompareURL,
	}
}

// IncidentRequest is the body of POST /incidents. Field names follow the
// incident JSON representation.
type IncidentRequest struct {
	PullRequest         *int64  `json:"pullRequest"`
	URL                 string  `json:"url"`
	Severity            string  `json:"severity"`
	Title               string  `json:"title"`
	ProblemDescription  string  `json:"problemDescription"`
	SolutionDescription string  `json:"solutionDescription"`
	TimeImpact          float64 `json:"timeImpact"`
	ImpactCount         int     `json:"impactCount"`
}

// DetectResponse is returned by POST /incidents/detect.
type DetectResponse struct {
	RunID            string                       `json:"run_id"`
	Status           storage.RunStatus            `json:"status"`
	Count            int                          `json:"count"`
	Candidates       map[string]tracing.Candidate `json:"candidates"`
	IncidentCount    int                          `json:"incident_count"`
	PullRequestCount int                          `json:"pull_request_count"`
	ManualURLs       []string                     `json:"manual_urls,omitempty"`
	Error            string                       `json:"error,omitempty"`
}

// MergeResponse is returned by POST /pull-requests/{id}/merge.
type MergeResponse struct {
	PullRequest      int64  `json:"pull_request"`
	Number           int    `json:"number"`
	SHA              string `json:"sha"`
	Merged           bool   `json:"merged"`
	IncidentsDeleted int64  `json:"incidents_deleted"`
}

// DiscardResponse is returned by DELETE /pull-requests/{id}.
type DiscardResponse struct {
	PullRequest      int64 `json:"pull_request"`
	IncidentsDeleted int64 `json:"incidents_deleted"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Database         bool   `json:"database"`
	DatabaseDriver   string `json:"database_driver,omitempty"`
	DetectionRunning bool   `json:"detection_running"`
	Uptime           string `json:"uptime"`
}
