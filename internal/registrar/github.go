package registrar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v84/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"slowquery-agent/internal/storage"
)

const defaultGitHubAPI = "https://api.github.com/"

// GitHubOptions configures the GitHub registrar.
type GitHubOptions struct {
	Token     string
	APIURL    string // defaults to https://api.github.com/
	Timeout   time.Duration
	Transport http.RoundTripper
	Store     PullRequestSink
}

// GitHub opens and merges pull requests through the GitHub REST API. Every
// call is tried with a bearer token first and then with the legacy "token"
// scheme, falling through only when GitHub rejects the credentials.
type GitHub struct {
	schemes []authScheme
	store   PullRequestSink
}

type authScheme struct {
	name   string
	client *github.Client
}

var (
	_ Registrar = (*GitHub)(nil)
	_ Merger    = (*GitHub)(nil)
)

// NewGitHub returns a registrar that opens pull requests through the GitHub API.
func NewGitHub(ctx context.Context, opts GitHubOptions) (*GitHub, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("github registrar requires GITHUB_TOKEN")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	apiURL := opts.APIURL
	if apiURL == "" {
		apiURL = defaultGitHubAPI
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	base, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("parsing github api url: %w", err)
	}

	// oauth2.NewClient takes its underlying client from the context.
	baseClient := &http.Client{Transport: opts.Transport, Timeout: opts.Timeout}
	bearerHTTP := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, baseClient),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"}),
	)
	bearerHTTP.Timeout = opts.Timeout

	legacyHTTP := &http.Client{
		Transport: &tokenTransport{token: opts.Token, base: opts.Transport},
		Timeout:   opts.Timeout,
	}

	newClient := func(hc *http.Client) *github.Client {
		c := github.NewClient(hc)
		c.BaseURL = base
		return c
	}

	return &GitHub{
		schemes: []authScheme{
			{name: "bearer", client: newClient(bearerHTTP)},
			{name: "token", client: newClient(legacyHTTP)},
		},
		store: opts.Store,
	}, nil
}

// tokenTransport sets the legacy "Authorization: token ..." header.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "token "+t.token)
	return t.base.RoundTrip(r)
}

func isAuthFailure(resp *github.Response) bool {
	return resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)
}

// withAuthFallback runs call with each auth scheme in turn until one is not
// rejected as unauthorized.
func (g *GitHub) withAuthFallback(op string, call func(c *github.Client) (*github.Response, error)) error {
	var lastErr error
	for i, scheme := range g.schemes {
		resp, err := call(scheme.client)
		if err == nil {
			if i > 0 {
				log.Debug().Str("op", op).Str("scheme", scheme.name).Msg("github accepted fallback auth scheme")
			}
			return nil
		}
		lastErr = err
		if !isAuthFailure(resp) {
			return err
		}
		log.Warn().
			Str("op", op).
			Str("scheme", scheme.name).
			Int("status", resp.StatusCode).
			Msg("github rejected auth scheme")
	}
	return lastErr
}

// Register opens the pull request on GitHub and mirrors it into the store.
func (g *GitHub) Register(ctx context.Context, req Request) (*storage.PullRequest, error) {
	compare := CompareURL(req.Owner, req.Repo, req.Base, req.Head)

	var created *github.PullRequest
	err := g.withAuthFallback("create_pull_request", func(c *github.Client) (*github.Response, error) {
		pr, resp, err := c.PullRequests.Create(ctx, req.Owner, req.Repo, &github.NewPullRequest{
			Title: github.Ptr(req.Title),
			Head:  github.Ptr(req.Head),
			Base:  github.Ptr(req.Base),
			Body:  github.Ptr(req.Body),
		})
		if err == nil {
			created = pr
		}
		return resp, err
	})
	if err != nil {
		return nil, newPRCreationError(err, compare)
	}

	record := &storage.PullRequest{
		RepoOwner:  req.Owner,
		RepoName:   req.Repo,
		RepoURL:    req.RepoURL,
		BaseBranch: req.Base,
		HeadBranch: req.Head,
		Title:      req.Title,
		Body:       req.Body,
		CompareURL: compare,
	}
	if created.GetTitle() != "" {
		record.Title = created.GetTitle()
	}
	if created.GetBody() != "" {
		record.Body = created.GetBody()
	}
	if t := created.GetCreatedAt(); !t.IsZero() {
		record.CreatedAt = t.Time
	}

	log.Info().
		Int("number", created.GetNumber()).
		Str("url", created.GetHTMLURL()).
		Str("head", req.Head).
		Msg("pull request opened on github")

	if g.store != nil {
		if err := g.store.CreatePullRequest(ctx, record); err != nil {
			log.Warn().Err(err).Str("head", req.Head).Msg("pull request opened but not recorded")
		}
	}
	return record, nil
}

func newPRCreationError(err error, compare string) *PRCreationError {
	out := &PRCreationError{CompareURL: compare, Err: err}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		out.Message = ghErr.Message
		if ghErr.Response != nil {
			out.StatusCode = ghErr.Response.StatusCode
		}
		for _, fe := range ghErr.Errors {
			switch {
			case fe.Message != "":
				out.Errors = append(out.Errors, fe.Message)
			default:
				out.Errors = append(out.Errors, fmt.Sprintf("%s.%s: %s", fe.Resource, fe.Field, fe.Code))
			}
		}
	}
	return out
}

// Merge squash-merges the first open pull request from head into base.
func (g *GitHub) Merge(ctx context.Context, owner, repo, base, head string) (*MergeResult, error) {
	headRef := head
	if !strings.Contains(headRef, ":") {
		headRef = owner + ":" + head
	}

	var open []*github.PullRequest
	err := g.withAuthFallback("list_pull_requests", func(c *github.Client) (*github.Response, error) {
		prs, resp, err := c.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
			State: "open",
			Head:  headRef,
			Base:  base,
		})
		if err == nil {
			open = prs
		}
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing open pull requests for %s: %w", headRef, err)
	}
	if len(open) == 0 {
		return nil, fmt.Errorf("%s into %s: %w", headRef, base, ErrNoOpenPullRequest)
	}

	number := open[0].GetNumber()
	var merged *github.PullRequestMergeResult
	err = g.withAuthFallback("merge_pull_request", func(c *github.Client) (*github.Response, error) {
		res, resp, err := c.PullRequests.Merge(ctx, owner, repo, number, "", &github.PullRequestOptions{
			MergeMethod: "squash",
		})
		if err == nil {
			merged = res
		}
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("merging pull request #%d: %w", number, err)
	}

	log.Info().Int("number", number).Str("sha", merged.GetSHA()).Msg("pull request squash-merged")
	return &MergeResult{Number: number, SHA: merged.GetSHA(), Merged: merged.GetMerged()}, nil
}
