package storage

import (
	"strings"
	"time"
)

// PullRequest is a remediation branch registered for review.
type PullRequest struct {
	ID         int64     `json:"id"`
	RepoOwner  string    `json:"repo_owner"`
	RepoName   string    `json:"repo_name"`
	RepoURL    string    `json:"repo_url"`
	BaseBranch string    `json:"base_branch"`
	HeadBranch string    `json:"head_branch"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	CompareURL string    `json:"compare_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Severity of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	SeverityBlocker  Severity = "blocker"
)

// Valid reports whether s is one of the five known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, SeverityBlocker:
		return true
	}
	return false
}

// ParseSeverity normalizes s and falls back to medium for anything unknown.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Valid() {
		return sev
	}
	return SeverityMedium
}

// Incident is a slow endpoint with its suggested fix.
type Incident struct {
	ID                  int64    `json:"id"`
	PullRequestID       *int64   `json:"pullRequest"`
	URL                 string   `json:"url"`
	Severity            Severity `json:"severity"`
	Title               string   `json:"title"`
	ProblemDescription  string   `json:"problemDescription"`
	SolutionDescription string   `json:"solutionDescription"`
	TimeImpact          float64  `json:"timeImpact"` // seconds
	ImpactCount         int      `json:"impactCount"`
}

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogEntry is one step of a detection run. Entries are append-only.
type LogEntry struct {
	ID            int64          `json:"id"`
	RunID         string         `json:"run_id"`
	Source        string         `json:"source"`
	Step          string         `json:"step"`
	Level         LogLevel       `json:"level"`
	Message       string         `json:"message"`
	Context       map[string]any `json:"context"`
	IncidentID    *int64         `json:"incident"`
	PullRequestID *int64         `json:"pull_request"`
	CreatedAt     time.Time      `json:"created_at"`
}

type RunType string

const (
	RunManual    RunType = "manual"
	RunAutomatic RunType = "automatic"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

// DetectionRun summarizes one execution of the detection pipeline.
type DetectionRun struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id"`
	Date          time.Time `json:"date"`
	RunType       RunType   `json:"runType"`
	Status        RunStatus `json:"status"`
	ErrorMessage  string    `json:"errorMessage"`
	IncidentCount int       `json:"incidentCount"`
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	PullRequestID *int64
	Limit         int
}

// LogFilter narrows ListLogs. Zero values match everything.
type LogFilter struct {
	RunID         string
	Source        string
	Step          string
	Level         LogLevel
	IncidentID    *int64
	PullRequestID *int64
	Limit         int
}
