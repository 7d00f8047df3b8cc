package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"slowquery-agent/internal/config"
	"slowquery-agent/internal/storage"
)

func TestOwnerRepo(t *testing.T) {
	tests := []struct {
		in        string
		owner     string
		repo      string
		wantError bool
	}{
		{"https://github.com/acme/shop.git", "acme", "shop", false},
		{"https://github.com/acme/shop", "acme", "shop", false},
		{"https://github.com/acme/shop/", "acme", "shop", false},
		{"git@github.com:acme/shop.git", "acme", "shop", false},
		{"https://github.com/acme", "", "", true},
		{"git@github.com", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, repo, err := OwnerRepo(tt.in)
			if (err != nil) != tt.wantError {
				t.Fatalf("OwnerRepo(%q) error = %v, wantError %v", tt.in, err, tt.wantError)
			}
			if owner != tt.owner || repo != tt.repo {
				t.Errorf("OwnerRepo(%q) = %q, %q; want %q, %q", tt.in, owner, repo, tt.owner, tt.repo)
			}
		})
	}
}

func TestCompareURL(t *testing.T) {
	got := CompareURL("acme", "shop", "main", "claude/fix-1")
	want := "https://github.com/acme/shop/compare/main...claude/fix-1?expand=1"
	if got != want {
		t.Errorf("CompareURL = %q, want %q", got, want)
	}
}

type fakeSink struct {
	mu  sync.Mutex
	prs []storage.PullRequest
	err error
}

func (s *fakeSink) CreatePullRequest(_ context.Context, pr *storage.PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	pr.ID = int64(len(s.prs) + 1)
	s.prs = append(s.prs, *pr)
	return nil
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return "record api returned " + http.StatusText(e.code) }
func (e statusErr) HTTPStatus() int { return e.code }

func sampleRequest() Request {
	return Request{
		RepoURL: "https://github.com/acme/shop.git",
		Owner:   "acme",
		Repo:    "shop",
		Base:    "main",
		Head:    "claude/fix-1",
		Title:   "Automated query fix (1)",
		Body:    "Batched the product lookups.",
	}
}

func TestRecordStore_Register(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecordStore(sink)

	pr, err := r.Register(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if pr.ID != 1 {
		t.Errorf("ID = %d, want 1", pr.ID)
	}
	if pr.CompareURL != CompareURL("acme", "shop", "main", "claude/fix-1") {
		t.Errorf("CompareURL = %q", pr.CompareURL)
	}
}

func TestRecordStore_Unavailable(t *testing.T) {
	r := NewRecordStore(&fakeSink{err: statusErr{code: http.StatusBadGateway}})

	_, err := r.Register(context.Background(), sampleRequest())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("error = %v, want ErrBackendUnavailable", err)
	}
	var beErr *BackendUnavailableError
	if !errors.As(err, &beErr) {
		t.Fatalf("error type = %T", err)
	}
	if beErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", beErr.StatusCode)
	}
	if ManualURL(err) == "" {
		t.Error("expected manual compare URL")
	}
}

// fakeGitHub answers each path with a status chosen by auth header.
type fakeGitHub struct {
	t        *testing.T
	mu       sync.Mutex
	auths    []string
	bearerOK bool
	tokenOK  bool
	openPRs  string
	merged   []string
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	authorize := func(w http.ResponseWriter, r *http.Request) bool {
		auth := r.Header.Get("Authorization")
		f.mu.Lock()
		f.auths = append(f.auths, strings.Fields(auth)[0])
		f.mu.Unlock()
		switch {
		case strings.HasPrefix(auth, "Bearer ") && f.bearerOK:
			return true
		case strings.HasPrefix(auth, "token ") && f.tokenOK:
			return true
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"Bad credentials"}`)
		return false
	}

	mux.HandleFunc("POST /repos/acme/shop/pulls", func(w http.ResponseWriter, r *http.Request) {
		if !authorize(w, r) {
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			f.t.Errorf("decode create body: %v", err)
		}
		if body["head"] == "exists" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"message":"Validation Failed","errors":[{"resource":"PullRequest","code":"custom","message":"A pull request already exists for acme:exists."}]}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"title":    body["title"],
			"body":     body["body"],
			"html_url": "https://github.com/acme/shop/pull/7",
		})
	})
	mux.HandleFunc("GET /repos/acme/shop/pulls", func(w http.ResponseWriter, r *http.Request) {
		if !authorize(w, r) {
			return
		}
		q := r.URL.Query()
		if q.Get("state") != "open" || q.Get("head") != "acme:claude/fix-1" || q.Get("base") != "main" {
			f.t.Errorf("unexpected list query: %s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, f.openPRs)
	})
	mux.HandleFunc("PUT /repos/acme/shop/pulls/{number}/merge", func(w http.ResponseWriter, r *http.Request) {
		if !authorize(w, r) {
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["merge_method"] != "squash" {
			f.t.Errorf("merge_method = %v, want squash", body["merge_method"])
		}
		f.mu.Lock()
		f.merged = append(f.merged, r.PathValue("number"))
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"sha":"abc123","merged":true,"message":"Pull Request successfully merged"}`)
	})
	return mux
}

func newTestGitHub(t *testing.T, fake *fakeGitHub, store PullRequestSink) *GitHub {
	t.Helper()
	fake.t = t
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	g, err := NewGitHub(context.Background(), GitHubOptions{
		Token:  "ghp_test",
		APIURL: srv.URL,
		Store:  store,
	})
	if err != nil {
		t.Fatalf("NewGitHub: %v", err)
	}
	return g
}

func TestGitHub_RegisterBearer(t *testing.T) {
	fake := &fakeGitHub{bearerOK: true, tokenOK: true}
	store := &fakeSink{}
	g := newTestGitHub(t, fake, store)

	pr, err := g.Register(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if diff := cmp.Diff([]string{"Bearer"}, fake.auths); diff != "" {
		t.Errorf("auth attempts mismatch (-want +got):\n%s", diff)
	}
	if pr.ID != 1 || len(store.prs) != 1 {
		t.Errorf("pull request not mirrored to store: %+v", pr)
	}
}

func TestGitHub_RegisterFallsBackOnUnauthorized(t *testing.T) {
	fake := &fakeGitHub{bearerOK: false, tokenOK: true}
	g := newTestGitHub(t, fake, nil)

	pr, err := g.Register(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if diff := cmp.Diff([]string{"Bearer", "token"}, fake.auths); diff != "" {
		t.Errorf("auth attempts mismatch (-want +got):\n%s", diff)
	}
	if pr.Title != "Automated query fix (1)" {
		t.Errorf("Title = %q, want title from legacy-scheme response", pr.Title)
	}
}

func TestGitHub_RegisterNoFallbackOnValidationError(t *testing.T) {
	fake := &fakeGitHub{bearerOK: true, tokenOK: true}
	g := newTestGitHub(t, fake, nil)

	req := sampleRequest()
	req.Head = "exists"
	_, err := g.Register(context.Background(), req)

	var prErr *PRCreationError
	if !errors.As(err, &prErr) {
		t.Fatalf("error = %v, want *PRCreationError", err)
	}
	if prErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d, want 422", prErr.StatusCode)
	}
	if prErr.Message != "Validation Failed" {
		t.Errorf("Message = %q", prErr.Message)
	}
	if len(prErr.Errors) != 1 || !strings.Contains(prErr.Errors[0], "already exists") {
		t.Errorf("Errors = %v", prErr.Errors)
	}
	if len(fake.auths) != 1 {
		t.Errorf("auth attempts = %v, want a single bearer attempt", fake.auths)
	}
	if !errors.Is(err, ErrPRCreation) {
		t.Error("expected errors.Is(err, ErrPRCreation)")
	}
}

func TestGitHub_RegisterBothSchemesRejected(t *testing.T) {
	fake := &fakeGitHub{}
	g := newTestGitHub(t, fake, nil)

	_, err := g.Register(context.Background(), sampleRequest())
	var prErr *PRCreationError
	if !errors.As(err, &prErr) {
		t.Fatalf("error = %v, want *PRCreationError", err)
	}
	if prErr.StatusCode != http.StatusUnauthorized || prErr.Message != "Bad credentials" {
		t.Errorf("PRCreationError = %+v", prErr)
	}
	if prErr.CompareURL == "" {
		t.Error("expected compare URL for manual fallback")
	}
	if len(fake.auths) != 2 {
		t.Errorf("auth attempts = %v, want 2", fake.auths)
	}
}

func TestGitHub_Merge(t *testing.T) {
	fake := &fakeGitHub{
		bearerOK: false,
		tokenOK:  true,
		openPRs:  `[{"number":7},{"number":9}]`,
	}
	g := newTestGitHub(t, fake, nil)

	res, err := g.Merge(context.Background(), "acme", "shop", "main", "claude/fix-1")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := &MergeResult{Number: 7, SHA: "abc123", Merged: true}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"7"}, fake.merged); diff != "" {
		t.Errorf("merged mismatch (-want +got):\n%s", diff)
	}
}

func TestGitHub_MergeNoOpenPullRequest(t *testing.T) {
	fake := &fakeGitHub{bearerOK: true, openPRs: `[]`}
	g := newTestGitHub(t, fake, nil)

	_, err := g.Merge(context.Background(), "acme", "shop", "main", "claude/fix-1")
	if !errors.Is(err, ErrNoOpenPullRequest) {
		t.Errorf("error = %v, want ErrNoOpenPullRequest", err)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, config.RegistrarConfig{Mode: "record_store"}, Deps{}); err == nil {
		t.Error("expected error without record store client")
	}
	r, err := New(ctx, config.RegistrarConfig{Mode: "record_store"}, Deps{RecordStore: &fakeSink{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*RecordStore); !ok {
		t.Errorf("record_store mode built %T", r)
	}

	if _, err := New(ctx, config.RegistrarConfig{Mode: "github"}, Deps{}); err == nil {
		t.Error("expected error without github token")
	}
	r, err = New(ctx, config.RegistrarConfig{Mode: "github"}, Deps{GitHubToken: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(Merger); !ok {
		t.Errorf("github mode built %T, want a Merger", r)
	}

	if _, err := New(ctx, config.RegistrarConfig{Mode: "gitlab"}, Deps{}); err == nil {
		t.Error("expected error for unknown mode")
	}
}
