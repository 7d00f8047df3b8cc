package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "records.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func samplePR() *PullRequest {
	return &PullRequest{
		RepoOwner:  "acme",
		RepoName:   "shop",
		RepoURL:    "https://github.com/acme/shop.git",
		BaseBranch: "main",
		HeadBranch: "claude/fix-abc123",
		Title:      "Automated query fix (abc123)",
		Body:       "Report",
		CompareURL: "https://github.com/acme/shop/compare/main...claude/fix-abc123?expand=1",
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ? LIMIT ?"
	if got := dialectSQLite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := "SELECT a FROM t WHERE b = $1 AND c = $2 LIMIT $3"
	if got := dialectPostgres.rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	got, err := parseTimestamp(formatTime(ts))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(ts) {
		t.Errorf("round trip = %s, want %s", got, ts)
	}
	if _, err := parseTimestamp("yesterday"); err == nil {
		t.Error("expected error for garbage timestamp")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	for i := 0; i < 2; i++ {
		db, err := NewSQLite(context.Background(), path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		_ = db.Close()
	}
}

func TestPullRequests(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	pr := samplePR()
	if err := db.CreatePullRequest(ctx, pr); err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pr.ID == 0 {
		t.Fatal("expected ID to be assigned")
	}

	got, err := db.GetPullRequest(ctx, pr.ID)
	if err != nil {
		t.Fatalf("GetPullRequest: %v", err)
	}
	if diff := cmp.Diff(pr, got); diff != "" {
		t.Errorf("GetPullRequest mismatch (-want +got):\n%s", diff)
	}

	dup := samplePR()
	if err := db.CreatePullRequest(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate insert error = %v, want ErrDuplicate", err)
	}

	other := samplePR()
	other.HeadBranch = "claude/fix-def456"
	if err := db.CreatePullRequest(ctx, other); err != nil {
		t.Fatalf("CreatePullRequest other: %v", err)
	}

	list, err := db.ListPullRequests(ctx)
	if err != nil {
		t.Fatalf("ListPullRequests: %v", err)
	}
	if len(list) != 2 || list[0].ID != other.ID {
		t.Errorf("ListPullRequests = %+v, want newest first", list)
	}

	if _, err := db.GetPullRequest(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPullRequest(999) error = %v, want ErrNotFound", err)
	}
}

func TestDeletePullRequestCascades(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	pr := samplePR()
	if err := db.CreatePullRequest(ctx, pr); err != nil {
		t.Fatal(err)
	}
	inc := &Incident{PullRequestID: &pr.ID, Title: "For /orders caused by N+1", Severity: SeverityHigh}
	if err := db.CreateIncident(ctx, inc); err != nil {
		t.Fatal(err)
	}
	unrelated := &Incident{Title: "For /users caused by slow database access"}
	if err := db.CreateIncident(ctx, unrelated); err != nil {
		t.Fatal(err)
	}
	entry := &LogEntry{RunID: "r1", Step: "create_incident", Message: "created", IncidentID: &inc.ID, PullRequestID: &pr.ID}
	if err := db.AppendLog(ctx, entry); err != nil {
		t.Fatal(err)
	}

	if err := db.DeletePullRequest(ctx, pr.ID); err != nil {
		t.Fatalf("DeletePullRequest: %v", err)
	}

	incidents, err := db.ListIncidents(ctx, IncidentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 || incidents[0].ID != unrelated.ID {
		t.Errorf("incidents after delete = %+v, want only the unrelated one", incidents)
	}

	logs, err := db.ListLogs(ctx, LogFilter{RunID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1 (logs are never deleted)", len(logs))
	}
	if logs[0].IncidentID != nil || logs[0].PullRequestID != nil {
		t.Errorf("log links not cleared: %+v", logs[0])
	}

	if err := db.DeletePullRequest(ctx, pr.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestIncidents(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	pr := samplePR()
	if err := db.CreatePullRequest(ctx, pr); err != nil {
		t.Fatal(err)
	}

	inc := &Incident{
		PullRequestID:       &pr.ID,
		URL:                 "/api/orders",
		Severity:            "urgent",
		Title:               "For orders page caused by missing index",
		ProblemDescription:  "slow",
		SolutionDescription: "index",
		TimeImpact:          3.0,
		ImpactCount:         2,
	}
	if err := db.CreateIncident(ctx, inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if inc.Severity != SeverityMedium {
		t.Errorf("Severity = %q, want medium for unknown input", inc.Severity)
	}

	got, err := db.ListIncidents(ctx, IncidentFilter{PullRequestID: &pr.ID})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Incident{*inc}, got); diff != "" {
		t.Errorf("ListIncidents mismatch (-want +got):\n%s", diff)
	}

	n, err := db.DeleteIncidentsByPullRequest(ctx, pr.ID)
	if err != nil || n != 1 {
		t.Errorf("DeleteIncidentsByPullRequest = %d, %v; want 1, nil", n, err)
	}
	if err := db.DeleteIncident(ctx, inc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteIncident error = %v, want ErrNotFound", err)
	}
}

func TestLogsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	steps := []string{"start", "fetch_services", "fetch_traces", "complete"}
	for i, step := range steps {
		entry := &LogEntry{
			RunID:     "run-a",
			Step:      step,
			Message:   step,
			Context:   map[string]any{"i": float64(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := db.AppendLog(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}
	// Same timestamp as the last entry: id breaks the tie.
	if err := db.AppendLog(ctx, &LogEntry{RunID: "run-b", Step: "start", Level: LevelError, Message: "boom", CreatedAt: base.Add(3 * time.Second)}); err != nil {
		t.Fatal(err)
	}

	all, err := db.ListLogs(ctx, LogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var gotSteps []string
	for _, e := range all {
		gotSteps = append(gotSteps, e.RunID+"/"+e.Step)
	}
	want := []string{"run-b/start", "run-a/complete", "run-a/fetch_traces", "run-a/fetch_services", "run-a/start"}
	if diff := cmp.Diff(want, gotSteps); diff != "" {
		t.Errorf("log order mismatch (-want +got):\n%s", diff)
	}
	if all[1].Source != "detect_incidents" || all[1].Level != LevelInfo {
		t.Errorf("defaults not applied: %+v", all[1])
	}
	if all[1].Context["i"] != float64(3) {
		t.Errorf("context = %v", all[1].Context)
	}

	errs, err := db.ListLogs(ctx, LogFilter{Level: LevelError})
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].Message != "boom" {
		t.Errorf("level filter = %+v", errs)
	}

	limited, err := db.ListLogs(ctx, LogFilter{RunID: "run-a", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].Step != "complete" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestClampLogLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 200},
		{-5, 200},
		{1, 1},
		{1000, 1000},
		{5000, 1000},
	}
	for _, tt := range tests {
		if got := ClampLogLimit(tt.in); got != tt.want {
			t.Errorf("ClampLogLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDetectionRuns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	run := &DetectionRun{RunID: "run-1", RunType: RunManual, Status: RunRunning}
	if err := db.CreateDetectionRun(ctx, run); err != nil {
		t.Fatalf("CreateDetectionRun: %v", err)
	}
	run.Status = RunSuccess
	run.IncidentCount = 3
	if err := db.UpdateDetectionRun(ctx, run); err != nil {
		t.Fatalf("UpdateDetectionRun: %v", err)
	}

	runs, err := db.ListDetectionRuns(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != RunSuccess || runs[0].IncidentCount != 3 {
		t.Errorf("runs = %+v", runs)
	}

	if err := db.UpdateDetectionRun(ctx, &DetectionRun{RunID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing error = %v, want ErrNotFound", err)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	entries []string
	fail    int
}

func (s *recordingSink) AppendLog(_ context.Context, e *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("transient")
	}
	s.entries = append(s.entries, e.Step)
	return nil
}

func TestLogWriterPreservesOrder(t *testing.T) {
	sink := &recordingSink{fail: 1}
	w := NewLogWriter(sink, 100)
	w.Start()

	want := []string{"start", "fetch_services", "fetch_traces", "analyze_traces", "complete"}
	for _, step := range want {
		_ = w.AppendLog(context.Background(), &LogEntry{RunID: "r", Step: step})
	}
	w.Flush(5 * time.Second)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if diff := cmp.Diff(want, sink.entries); diff != "" {
		t.Errorf("written order mismatch (-want +got):\n%s", diff)
	}
}
