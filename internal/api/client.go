package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"slowquery-agent/internal/registrar"
	"slowquery-agent/internal/storage"
)

// StatusError is a non-2xx answer from the record API.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// HTTPStatus exposes the status code to callers that only see an error.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// Client calls the record API. It backs the CLI and the record-store registrar.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ registrar.PullRequestSink = (*Client)(nil)

// NewClient returns a record API client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// CreatePullRequest posts pr and fills it from the stored record.
func (c *Client) CreatePullRequest(ctx context.Context, pr *storage.PullRequest) error {
	body := PullRequestRequest{
		RepoOwner:  pr.RepoOwner,
		RepoName:   pr.RepoName,
		RepoURL:    pr.RepoURL,
		BaseBranch: pr.BaseBranch,
		HeadBranch: pr.HeadBranch,
		Title:      pr.Title,
		Body:       pr.Body,
		CompareURL: pr.CompareURL,
	}
	return c.do(ctx, http.MethodPost, "/pull-requests", body, pr)
}

// CreateIncident posts inc and fills it from the stored record.
func (c *Client) CreateIncident(ctx context.Context, inc *storage.Incident) error {
	body := IncidentRequest{
		PullRequest:         inc.PullRequestID,
		URL:                 inc.URL,
		Severity:            string(inc.Severity),
		Title:               inc.Title,
		ProblemDescription:  inc.ProblemDescription,
		SolutionDescription: inc.SolutionDescription,
		TimeImpact:          inc.TimeImpact,
		ImpactCount:         inc.ImpactCount,
	}
	return c.do(ctx, http.MethodPost, "/incidents", body, inc)
}

func (c *Client) ListPullRequests(ctx context.Context) ([]storage.PullRequest, error) {
	var out []storage.PullRequest
	err := c.do(ctx, http.MethodGet, "/pull-requests", nil, &out)
	return out, err
}

func (c *Client) MergePullRequest(ctx context.Context, id int64) (*MergeResponse, error) {
	var out MergeResponse
	if err := c.do(ctx, http.MethodPost, "/pull-requests/"+strconv.FormatInt(id, 10)+"/merge", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DiscardPullRequest(ctx context.Context, id int64) (*DiscardResponse, error) {
	var out DiscardResponse
	if err := c.do(ctx, http.MethodDelete, "/pull-requests/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListIncidents(ctx context.Context, filter storage.IncidentFilter) ([]storage.Incident, error) {
	q := url.Values{}
	if filter.PullRequestID != nil {
		q.Set("pull_request", strconv.FormatInt(*filter.PullRequestID, 10))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out []storage.Incident
	err := c.do(ctx, http.MethodGet, withQuery("/incidents", q), nil, &out)
	return out, err
}

// Detect triggers a manual run on the server and waits for it to finish.
// A failed run still returns its response alongside the error.
func (c *Client) Detect(ctx context.Context) (*DetectResponse, error) {
	var out DetectResponse
	err := c.do(ctx, http.MethodPost, "/incidents/detect", nil, &out)
	if err != nil && out.RunID == "" {
		return nil, err
	}
	return &out, err
}

func (c *Client) ListLogs(ctx context.Context, filter storage.LogFilter) ([]storage.LogEntry, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"run_id": filter.RunID,
		"source": filter.Source,
		"step":   filter.Step,
		"level":  string(filter.Level),
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if filter.IncidentID != nil {
		q.Set("incident", strconv.FormatInt(*filter.IncidentID, 10))
	}
	if filter.PullRequestID != nil {
		q.Set("pull_request", strconv.FormatInt(*filter.PullRequestID, 10))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out []storage.LogEntry
	err := c.do(ctx, http.MethodGet, withQuery("/logs", q), nil, &out)
	return out, err
}

func (c *Client) ListDetectionRuns(ctx context.Context, limit int) ([]storage.DetectionRun, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []storage.DetectionRun
	err := c.do(ctx, http.MethodGet, withQuery("/detection-runs", q), nil, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	if err != nil && out.Status == "" {
		return nil, err
	}
	return &out, err
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// do sends the request and decodes the answer into out. Error bodies without
// an error code (a failed detection run, a degraded health check) are decoded
// into out as well.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("reading %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var apiErr ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			statusErr.Code = apiErr.Code
			statusErr.Message = apiErr.Error
		} else if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return statusErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
