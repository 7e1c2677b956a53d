package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobflow/internal/backoff"
	"jobflow/internal/domain"
)

// ErrEmpty means no job is ready to claim right now.
var ErrEmpty = errors.New("no jobs ready")

// ErrNotProcessing means a completion or failure was reported for a job
// that is no longer locked, usually because a stale-recovery sweep or a
// competing claimer got there first.
var ErrNotProcessing = errors.New("job is not processing")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  job_type TEXT NOT NULL,
  dedup_key TEXT,
  params BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  run_after DATETIME NOT NULL,
  locked_at DATETIME,
  error_message TEXT,
  result BLOB,
  result_summary TEXT,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, run_after);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup ON jobs(dedup_key)
  WHERE dedup_key IS NOT NULL AND status IN ('pending','processing');
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  job_type TEXT NOT NULL,
  params BLOB NOT NULL,
  dedup_key TEXT,
  max_retries INTEGER NOT NULL DEFAULT 3,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// EnqueueRequest is the caller-facing shape of a new job.
type EnqueueRequest struct {
	Type       string
	DedupKey   *string
	Params     json.RawMessage
	RunAfter   time.Time // zero means now
	MaxRetries int       // zero means the store default
}

type Store interface {
	// Enqueue inserts a pending job. When DedupKey is set and another job
	// with the same key is already pending or processing, nothing is
	// inserted: skipped is true and id is the existing job's id.
	Enqueue(ctx context.Context, req EnqueueRequest) (id string, skipped bool, err error)

	// ClaimNext atomically claims the ready job with the smallest
	// run_after, or a processing job whose lock has gone stale. Returns
	// ErrEmpty when nothing is claimable.
	ClaimNext(ctx context.Context, now time.Time) (domain.Job, error)

	Complete(ctx context.Context, id string, result json.RawMessage, summary string) error
	// Fail either reschedules the job with backoff or, once retries are
	// exhausted, moves it to the terminal failed state. A job retries only
	// while retryCount+1 < maxRetries, so maxRetries counts total attempts.
	Fail(ctx context.Context, id, errMsg string) error
	// FailPermanent moves the job straight to failed regardless of the
	// retry budget. Used for configuration errors a retry cannot fix.
	FailPermanent(ctx context.Context, id, errMsg string) error

	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Cleanup(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (domain.Stats, error)
	// StatsSince counts only jobs created at or after since.
	StatsSince(ctx context.Context, since time.Time) (domain.Stats, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Job, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// Options tunes one queue instance. Call sites keep their own retry and
// backoff constants by constructing separate stores over the same table.
type Options struct {
	Backoff           backoff.Policy
	LockTimeout       time.Duration
	Retention         time.Duration
	DefaultMaxRetries int
}

const (
	DefaultLockTimeout = 5 * time.Minute
	DefaultRetention   = 7 * 24 * time.Hour
	DefaultMaxRetries  = 3
)

type sqliteStore struct {
	db   *sql.DB
	opts Options
}

func NewSQLiteStore(db *sql.DB, opts Options) Store {
	if opts.Backoff == nil {
		opts.Backoff = backoff.Exponential(time.Second, time.Minute)
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}
	if opts.DefaultMaxRetries == 0 {
		opts.DefaultMaxRetries = DefaultMaxRetries
	}
	return &sqliteStore{db: db, opts: opts}
}

const jobColumns = `id,job_type,dedup_key,params,status,retry_count,max_retries,run_after,locked_at,error_message,result,result_summary,created_at,updated_at,completed_at`

func (s *sqliteStore) Enqueue(ctx context.Context, req EnqueueRequest) (string, bool, error) {
	now := time.Now().UTC()
	runAfter := req.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.opts.DefaultMaxRetries
	}
	params := []byte(req.Params)
	if params == nil {
		params = []byte(`{}`)
	}

	if req.DedupKey != nil {
		row := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE dedup_key = ? AND status IN ('pending','processing')`, *req.DedupKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, true, nil
		}
	}

	id := "job_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id,job_type,dedup_key,params,status,retry_count,max_retries,run_after,created_at,updated_at)
VALUES (?,?,?,?,'pending',0,?,?,?,?)
`, id, req.Type, req.DedupKey, params, maxRetries, runAfter, now, now)
	if err != nil {
		// The partial unique index closes the race between the select
		// above and this insert; the loser is a dedup skip, not an error.
		if req.DedupKey != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			row := s.db.QueryRowContext(ctx,
				`SELECT id FROM jobs WHERE dedup_key = ? AND status IN ('pending','processing')`, *req.DedupKey)
			var existingID string
			if scanErr := row.Scan(&existingID); scanErr == nil {
				return existingID, true, nil
			}
			return "", true, nil
		}
		return "", false, err
	}
	return id, false, nil
}

func (s *sqliteStore) ClaimNext(ctx context.Context, now time.Time) (domain.Job, error) {
	staleBefore := now.Add(-s.opts.LockTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return domain.Job{}, err
		}
		row := s.db.QueryRowContext(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE (status='pending' AND run_after <= ?)
   OR (status='processing' AND locked_at IS NOT NULL AND locked_at < ?)
ORDER BY run_after ASC
LIMIT 1
`, now, staleBefore)
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrEmpty
		}
		if err != nil {
			return domain.Job{}, err
		}

		// Conditional write: the claim only lands if nobody changed the row
		// since it was read. Zero rows affected means we lost the race, so
		// go back and select again.
		var res sql.Result
		if job.Status == domain.StatusPending {
			res, err = s.db.ExecContext(ctx,
				`UPDATE jobs SET status='processing', locked_at=?, updated_at=? WHERE id=? AND status='pending'`,
				now, now, job.ID)
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE jobs SET locked_at=?, updated_at=? WHERE id=? AND status='processing' AND locked_at=?`,
				now, now, job.ID, job.LockedAt)
		}
		if err != nil {
			return domain.Job{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		job.Status = domain.StatusProcessing
		lockedAt := now
		job.LockedAt = &lockedAt
		job.UpdatedAt = now
		return job, nil
	}
}

func (s *sqliteStore) Complete(ctx context.Context, id string, result json.RawMessage, summary string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='completed', result=?, result_summary=?, locked_at=NULL, completed_at=?, updated_at=?
WHERE id=? AND status='processing'`, []byte(result), summary, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (s *sqliteStore) Fail(ctx context.Context, id, errMsg string) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT retry_count, max_retries FROM jobs WHERE id=? AND status='processing'`, id)
	var retryCount, maxRetries int
	if err := row.Scan(&retryCount, &maxRetries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotProcessing
		}
		return err
	}

	now := time.Now().UTC()
	if retryCount+1 < maxRetries {
		runAfter := now.Add(s.opts.Backoff(retryCount))
		_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='pending', retry_count=retry_count+1, locked_at=NULL, error_message=?, run_after=?, updated_at=?
WHERE id=? AND status='processing'`, errMsg, runAfter, now, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='failed', retry_count=retry_count+1, locked_at=NULL, error_message=?, completed_at=?, updated_at=?
WHERE id=? AND status='processing'`, errMsg, now, now, id)
	return err
}

func (s *sqliteStore) FailPermanent(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='failed', locked_at=NULL, error_message=?, completed_at=?, updated_at=?
WHERE id=? AND status='processing'`, errMsg, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (s *sqliteStore) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	staleBefore := now.Add(-s.opts.LockTimeout)
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='pending', locked_at=NULL, updated_at=?
WHERE status='processing' AND locked_at IS NOT NULL AND locked_at < ?`, now, staleBefore)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.opts.Retention)
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs WHERE status IN ('completed','failed') AND completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Stats(ctx context.Context) (domain.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return domain.Stats{}, err
	}
	return collectStats(rows)
}

func (s *sqliteStore) StatsSince(ctx context.Context, since time.Time) (domain.Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE created_at >= ? GROUP BY status`, since)
	if err != nil {
		return domain.Stats{}, err
	}
	return collectStats(rows)
}

func collectStats(rows *sql.Rows) (domain.Stats, error) {
	defer rows.Close()

	var stats domain.Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return domain.Stats{}, err
		}
		switch domain.Status(status) {
		case domain.StatusPending:
			stats.Pending = count
		case domain.StatusProcessing:
			stats.Processing = count
		case domain.StatusCompleted:
			stats.Completed = count
		case domain.StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row)
}

func (s *sqliteStore) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var dedup, errMsg, summary sql.NullString
	var lockedAt, completedAt sql.NullTime
	var params, result []byte
	err := row.Scan(&j.ID, &j.Type, &dedup, &params, &j.Status, &j.RetryCount, &j.MaxRetries,
		&j.RunAfter, &lockedAt, &errMsg, &result, &summary, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.Params = params
	j.Result = result
	if dedup.Valid {
		v := dedup.String
		j.DedupKey = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		j.ErrorMessage = &v
	}
	if summary.Valid {
		v := summary.String
		j.ResultSummary = &v
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sch domain.Schedule) (string, error) {
	id := sch.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if sch.MaxRetries == 0 {
		sch.MaxRetries = s.opts.DefaultMaxRetries
	}
	params := []byte(sch.Params)
	if params == nil {
		params = []byte(`{}`)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,job_type,params,dedup_key,max_retries,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, id, sch.Name, sch.CronExpr, sch.JobType, params, sch.DedupKey, sch.MaxRetries, sch.Enabled, sch.LastRun, sch.NextRun, now, now)
	return id, err
}

const scheduleColumns = `id,name,cron_expr,job_type,params,dedup_key,max_retries,enabled,last_run,next_run,created_at,updated_at`

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var sch domain.Schedule
	var dedup sql.NullString
	var lastRun sql.NullTime
	var params []byte
	err := row.Scan(&sch.ID, &sch.Name, &sch.CronExpr, &sch.JobType, &params, &dedup,
		&sch.MaxRetries, &sch.Enabled, &lastRun, &sch.NextRun, &sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	sch.Params = params
	if dedup.Valid {
		v := dedup.String
		sch.DedupKey = &v
	}
	if lastRun.Valid {
		t := lastRun.Time
		sch.LastRun = &t
	}
	return sch, nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	return scanSchedule(row)
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sch domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,job_type=?,params=?,dedup_key=?,max_retries=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`, sch.Name, sch.CronExpr, sch.JobType, []byte(sch.Params), sch.DedupKey, sch.MaxRetries, sch.Enabled, sch.NextRun, time.Now().UTC(), sch.ID)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (s *sqliteStore) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *sqliteStore) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`, lastRun, nextRun, time.Now().UTC(), id)
	return err
}
