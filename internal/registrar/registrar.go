// Package registrar records remediation branches as pull requests, either in
// the record store or directly on GitHub.
package registrar

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"slowquery-agent/internal/config"
	"slowquery-agent/internal/storage"
)

// Request describes the pull request to open.
type Request struct {
	RepoURL string
	Owner   string
	Repo    string
	Base    string
	Head    string
	Title   string
	Body    string
}

// Registrar opens a pull request for a pushed branch.
type Registrar interface {
	Register(ctx context.Context, req Request) (*storage.PullRequest, error)
}

// MergeResult is the outcome of a squash merge.
type MergeResult struct {
	Number int    `json:"number"`
	SHA    string `json:"sha"`
	Merged bool   `json:"merged"`
}

// Merger squash-merges the open pull request for a head branch.
type Merger interface {
	Merge(ctx context.Context, owner, repo, base, head string) (*MergeResult, error)
}

// PullRequestSink persists pull request records. The local store and the
// record API client both satisfy it.
type PullRequestSink interface {
	CreatePullRequest(ctx context.Context, pr *storage.PullRequest) error
}

// CompareURL is the GitHub page for opening a pull request by hand.
func CompareURL(owner, repo, base, head string) string {
	return fmt.Sprintf("https://github.com/%s/%s/compare/%s...%s?expand=1", owner, repo, base, head)
}

// OwnerRepo extracts owner and repository name from an https or scp-style
// (git@host:owner/repo.git) remote URL.
func OwnerRepo(repoURL string) (owner, repo string, err error) {
	var path string
	if strings.HasPrefix(repoURL, "git@") {
		_, rest, ok := strings.Cut(repoURL, ":")
		if !ok {
			return "", "", fmt.Errorf("parsing repository url %q: missing path", repoURL)
		}
		path = rest
	} else {
		u, perr := url.Parse(repoURL)
		if perr != nil {
			return "", "", fmt.Errorf("parsing repository url %q: %w", repoURL, perr)
		}
		path = u.Path
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	owner, repo, ok := strings.Cut(path, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("parsing repository url %q: expected owner/repo", repoURL)
	}
	return owner, repo, nil
}

// Deps are the collaborators New may need depending on the mode.
type Deps struct {
	// GitHubToken authenticates github mode.
	GitHubToken string
	// RecordStore receives registrations in record_store mode.
	RecordStore PullRequestSink
	// Store mirrors pull requests created in github mode. Optional.
	Store PullRequestSink
	// Transport overrides the outbound HTTP transport.
	Transport http.RoundTripper
}

// New builds the registrar selected by cfg.Mode.
func New(ctx context.Context, cfg config.RegistrarConfig, deps Deps) (Registrar, error) {
	switch cfg.Mode {
	case "", "record_store":
		if deps.RecordStore == nil {
			return nil, fmt.Errorf("record_store registrar requires a record store client")
		}
		return NewRecordStore(deps.RecordStore), nil
	case "github":
		transport := deps.Transport
		if transport == nil {
			transport = otelhttp.NewTransport(http.DefaultTransport)
		}
		return NewGitHub(ctx, GitHubOptions{
			Token:     deps.GitHubToken,
			APIURL:    cfg.GitHubAPIURL,
			Timeout:   cfg.Timeout,
			Transport: transport,
			Store:     deps.Store,
		})
	default:
		return nil, fmt.Errorf("unknown registrar mode %q", cfg.Mode)
	}
}
