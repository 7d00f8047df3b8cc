package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the record store used by the API, the registrar and the
// detection controller.
type Store interface {
	LogSink

	CreatePullRequest(ctx context.Context, pr *PullRequest) error
	GetPullRequest(ctx context.Context, id int64) (*PullRequest, error)
	ListPullRequests(ctx context.Context) ([]PullRequest, error)
	DeletePullRequest(ctx context.Context, id int64) error

	CreateIncident(ctx context.Context, inc *Incident) error
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	DeleteIncident(ctx context.Context, id int64) error
	DeleteIncidentsByPullRequest(ctx context.Context, prID int64) (int64, error)

	ListLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error)

	CreateDetectionRun(ctx context.Context, run *DetectionRun) error
	UpdateDetectionRun(ctx context.Context, run *DetectionRun) error
	ListDetectionRuns(ctx context.Context, limit int) ([]DetectionRun, error)

	Healthy(ctx context.Context) bool
	Close() error
}

// LogSink accepts run-log entries.
type LogSink interface {
	AppendLog(ctx context.Context, entry *LogEntry) error
}

const (
	DefaultLogLimit = 200
	MaxLogLimit     = 1000

	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

var now = func() time.Time { return time.Now().UTC() }

type dialect struct {
	name string
}

var (
	dialectSQLite   = dialect{name: "sqlite"}
	dialectPostgres = dialect{name: "postgres"}
)

// rebind rewrites ? placeholders to $n for postgres.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) timeArg(t time.Time) any {
	if d == dialectPostgres {
		return t.UTC()
	}
	return formatTime(t)
}

func (d dialect) jsonParam() string {
	if d == dialectPostgres {
		return "CAST(CAST(? AS TEXT) AS JSONB)"
	}
	return "?"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scanTime reads a timestamp column stored natively (postgres) or as text (sqlite).
type scanTime struct {
	t *time.Time
}

func (s scanTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s.t = time.Time{}
	case time.Time:
		*s.t = v.UTC()
	case string:
		parsed, err := parseTimestamp(v)
		if err != nil {
			return err
		}
		*s.t = parsed
	case []byte:
		parsed, err := parseTimestamp(string(v))
		if err != nil {
			return err
		}
		*s.t = parsed
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	layouts := []string{
		sqliteTimeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", raw)
}

func idArg(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

// DB is a record store over database/sql, backed by PostgreSQL or SQLite.
type DB struct {
	db      *sql.DB
	dialect dialect
	ping    func(ctx context.Context) error
	closeFn func()

	// SQLite allows a single writer; postgres writes skip the lock.
	writeMu sync.Mutex
}

var _ Store = (*DB)(nil)

// Driver returns "postgres" or "sqlite".
func (s *DB) Driver() string {
	return s.dialect.name
}

func (s *DB) lockWrite() func() {
	if s.dialect != dialectSQLite {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

// Close shuts down the underlying connections.
func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.closeFn != nil {
		s.closeFn()
	}
	return err
}

// Healthy checks database connectivity.
func (s *DB) Healthy(ctx context.Context) bool {
	if s.ping != nil {
		return s.ping(ctx) == nil
	}
	return s.db.PingContext(ctx) == nil
}

// CreatePullRequest inserts pr and fills its ID and timestamps.
func (s *DB) CreatePullRequest(ctx context.Context, pr *PullRequest) error {
	defer s.lockWrite()()

	ts := now()
	if pr.CreatedAt.IsZero() {
		pr.CreatedAt = ts
	}
	pr.UpdatedAt = ts

	query := s.dialect.rebind(`
		INSERT INTO pull_requests (repo_owner, repo_name, repo_url, base_branch, head_branch,
			title, body, compare_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.QueryRowContext(ctx, query,
		pr.RepoOwner, pr.RepoName, pr.RepoURL, pr.BaseBranch, pr.HeadBranch,
		pr.Title, pr.Body, pr.CompareURL,
		s.dialect.timeArg(pr.CreatedAt), s.dialect.timeArg(pr.UpdatedAt),
	).Scan(&pr.ID)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("pull request %s@%s: %w", pr.RepoURL, pr.HeadBranch, ErrDuplicate)
		}
		return fmt.Errorf("inserting pull request: %w", err)
	}
	return nil
}

const pullRequestColumns = `id, repo_owner, repo_name, repo_url, base_branch, head_branch,
	title, body, compare_url, created_at, updated_at`

func scanPullRequest(row interface{ Scan(...any) error }) (*PullRequest, error) {
	var pr PullRequest
	err := row.Scan(
		&pr.ID, &pr.RepoOwner, &pr.RepoName, &pr.RepoURL, &pr.BaseBranch, &pr.HeadBranch,
		&pr.Title, &pr.Body, &pr.CompareURL,
		scanTime{&pr.CreatedAt}, scanTime{&pr.UpdatedAt},
	)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// GetPullRequest retrieves a single pull request by ID.
func (s *DB) GetPullRequest(ctx context.Context, id int64) (*PullRequest, error) {
	query := s.dialect.rebind(`SELECT ` + pullRequestColumns + ` FROM pull_requests WHERE id = ?`)
	pr, err := scanPullRequest(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pull request %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying pull request %d: %w", id, err)
	}
	return pr, nil
}

// ListPullRequests returns all pull requests, newest first.
func (s *DB) ListPullRequests(ctx context.Context) ([]PullRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pullRequestColumns+` FROM pull_requests ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying pull requests: %w", err)
	}
	defer rows.Close()

	results := []PullRequest{}
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pull request row: %w", err)
		}
		results = append(results, *pr)
	}
	return results, rows.Err()
}

// DeletePullRequest removes a pull request and its incidents. Log entries
// keep their text but lose the links.
func (s *DB) DeletePullRequest(ctx context.Context, id int64) error {
	defer s.lockWrite()()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`UPDATE logs SET incident_id = NULL WHERE incident_id IN (SELECT id FROM incidents WHERE pull_request_id = ?)`,
		`UPDATE logs SET pull_request_id = NULL WHERE pull_request_id = ?`,
		`DELETE FROM incidents WHERE pull_request_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(stmt), id); err != nil {
			return fmt.Errorf("deleting pull request %d: %w", id, err)
		}
	}

	res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM pull_requests WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting pull request %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pull request %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// CreateIncident inserts inc. Unknown severities are stored as medium.
func (s *DB) CreateIncident(ctx context.Context, inc *Incident) error {
	defer s.lockWrite()()

	if !inc.Severity.Valid() {
		inc.Severity = ParseSeverity(string(inc.Severity))
	}

	query := s.dialect.rebind(`
		INSERT INTO incidents (pull_request_id, url, severity, title, problem_description,
			solution_description, time_impact, impact_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.QueryRowContext(ctx, query,
		idArg(inc.PullRequestID), inc.URL, string(inc.Severity), inc.Title,
		inc.ProblemDescription, inc.SolutionDescription, inc.TimeImpact, inc.ImpactCount,
	).Scan(&inc.ID)
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	return nil
}

// ListIncidents returns incidents, newest first.
func (s *DB) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	query := `SELECT id, pull_request_id, url, severity, title, problem_description,
		solution_description, time_impact, impact_count FROM incidents`
	var args []any
	if filter.PullRequestID != nil {
		query += ` WHERE pull_request_id = ?`
		args = append(args, *filter.PullRequestID)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	defer rows.Close()

	results := []Incident{}
	for rows.Next() {
		var (
			inc      Incident
			prID     sql.NullInt64
			severity string
		)
		if err := rows.Scan(&inc.ID, &prID, &inc.URL, &severity, &inc.Title,
			&inc.ProblemDescription, &inc.SolutionDescription, &inc.TimeImpact, &inc.ImpactCount); err != nil {
			return nil, fmt.Errorf("scanning incident row: %w", err)
		}
		inc.PullRequestID = nullableID(prID)
		inc.Severity = ParseSeverity(severity)
		results = append(results, inc)
	}
	return results, rows.Err()
}

// DeleteIncident removes one incident.
func (s *DB) DeleteIncident(ctx context.Context, id int64) error {
	defer s.lockWrite()()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE logs SET incident_id = NULL WHERE incident_id = ?`), id); err != nil {
		return fmt.Errorf("unlinking logs of incident %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM incidents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting incident %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// DeleteIncidentsByPullRequest removes every incident linked to prID and
// returns how many were deleted.
func (s *DB) DeleteIncidentsByPullRequest(ctx context.Context, prID int64) (int64, error) {
	defer s.lockWrite()()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	unlink := `UPDATE logs SET incident_id = NULL WHERE incident_id IN (SELECT id FROM incidents WHERE pull_request_id = ?)`
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(unlink), prID); err != nil {
		return 0, fmt.Errorf("unlinking logs of pull request %d: %w", prID, err)
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM incidents WHERE pull_request_id = ?`), prID)
	if err != nil {
		return 0, fmt.Errorf("deleting incidents of pull request %d: %w", prID, err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// AppendLog inserts a run-log entry. Missing source, level and timestamp are
// defaulted.
func (s *DB) AppendLog(ctx context.Context, entry *LogEntry) error {
	defer s.lockWrite()()

	if entry.Source == "" {
		entry.Source = "detect_incidents"
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}
	ctxJSON := []byte("{}")
	if len(entry.Context) > 0 {
		encoded, err := json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("encoding log context: %w", err)
		}
		ctxJSON = encoded
	}

	query := s.dialect.rebind(`
		INSERT INTO logs (run_id, source, step, level, message, context, incident_id, pull_request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ` + s.dialect.jsonParam() + `, ?, ?, ?)
		RETURNING id`)

	err := s.db.QueryRowContext(ctx, query,
		entry.RunID, entry.Source, entry.Step, string(entry.Level), entry.Message,
		string(ctxJSON), idArg(entry.IncidentID), idArg(entry.PullRequestID),
		s.dialect.timeArg(entry.CreatedAt),
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}

// ListLogs returns log entries matching filter, newest first.
func (s *DB) ListLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if filter.RunID != "" {
		add("run_id = ?", filter.RunID)
	}
	if filter.Source != "" {
		add("source = ?", filter.Source)
	}
	if filter.Step != "" {
		add("step = ?", filter.Step)
	}
	if filter.Level != "" {
		add("level = ?", string(filter.Level))
	}
	if filter.IncidentID != nil {
		add("incident_id = ?", *filter.IncidentID)
	}
	if filter.PullRequestID != nil {
		add("pull_request_id = ?", *filter.PullRequestID)
	}

	query := `SELECT id, run_id, source, step, level, message, CAST(context AS TEXT),
		incident_id, pull_request_id, created_at FROM logs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, ClampLogLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	results := []LogEntry{}
	for rows.Next() {
		var (
			entry   LogEntry
			level   string
			ctxJSON string
			incID   sql.NullInt64
			prID    sql.NullInt64
		)
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.Source, &entry.Step, &level,
			&entry.Message, &ctxJSON, &incID, &prID, scanTime{&entry.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		entry.Level = LogLevel(level)
		entry.IncidentID = nullableID(incID)
		entry.PullRequestID = nullableID(prID)
		if ctxJSON != "" && ctxJSON != "{}" {
			if err := json.Unmarshal([]byte(ctxJSON), &entry.Context); err != nil {
				return nil, fmt.Errorf("decoding log context %d: %w", entry.ID, err)
			}
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

// ClampLogLimit bounds a requested log page size to 1..MaxLogLimit.
func ClampLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	}
	return limit
}

// CreateDetectionRun inserts run and fills its ID.
func (s *DB) CreateDetectionRun(ctx context.Context, run *DetectionRun) error {
	defer s.lockWrite()()

	if run.Date.IsZero() {
		run.Date = now()
	}
	query := s.dialect.rebind(`
		INSERT INTO detection_runs (run_id, date, run_type, status, error_message, incident_count)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.QueryRowContext(ctx, query,
		run.RunID, s.dialect.timeArg(run.Date), string(run.RunType), string(run.Status),
		run.ErrorMessage, run.IncidentCount,
	).Scan(&run.ID)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("detection run %s: %w", run.RunID, ErrDuplicate)
		}
		return fmt.Errorf("inserting detection run: %w", err)
	}
	return nil
}

// UpdateDetectionRun stores the final status of run, matched by RunID.
func (s *DB) UpdateDetectionRun(ctx context.Context, run *DetectionRun) error {
	defer s.lockWrite()()

	query := s.dialect.rebind(`
		UPDATE detection_runs SET status = ?, error_message = ?, incident_count = ?
		WHERE run_id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(run.Status), run.ErrorMessage, run.IncidentCount, run.RunID)
	if err != nil {
		return fmt.Errorf("updating detection run %s: %w", run.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("detection run %s: %w", run.RunID, ErrNotFound)
	}
	return nil
}

// ListDetectionRuns returns the most recent runs first.
func (s *DB) ListDetectionRuns(ctx context.Context, limit int) ([]DetectionRun, error) {
	if limit <= 0 || limit > MaxLogLimit {
		limit = 100
	}
	query := s.dialect.rebind(`
		SELECT id, run_id, date, run_type, status, error_message, incident_count
		FROM detection_runs ORDER BY date DESC, id DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying detection runs: %w", err)
	}
	defer rows.Close()

	results := []DetectionRun{}
	for rows.Next() {
		var (
			run     DetectionRun
			runType string
			status  string
		)
		if err := rows.Scan(&run.ID, &run.RunID, scanTime{&run.Date}, &runType, &status,
			&run.ErrorMessage, &run.IncidentCount); err != nil {
			return nil, fmt.Errorf("scanning detection run row: %w", err)
		}
		run.RunType = RunType(runType)
		run.Status = RunStatus(status)
		results = append(results, run)
	}
	return results, rows.Err()
}
