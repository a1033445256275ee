package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/dlq"
	"github.com/austindbirch/harbor_notify/internal/job"
)

//go:embed sqlite.sql
var sqliteSchema string

// SQLite is a single-file Store for single-node deployments. Timestamps are
// stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

const sqliteJobColumns = `id, idempotency_key, variant, kind, subject, body, target_global, recipient_ids,
	status, target_count, sent_count, failed_count, created_by, last_error, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (job.Job, error) {
	var (
		j          job.Job
		recipients string
		createdAt  int64
		completed  sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.IdempotencyKey, &j.Variant, &j.Kind, &j.Subject, &j.Body,
		&j.Target.Global, &recipients, &j.Status, &j.TargetCount, &j.SentCount, &j.FailedCount,
		&j.CreatedBy, &j.LastError, &createdAt, &completed)
	if err != nil {
		return job.Job{}, err
	}
	if recipients != "" && recipients != "[]" && recipients != "null" {
		if err := json.Unmarshal([]byte(recipients), &j.Target.RecipientIDs); err != nil {
			return job.Job{}, fmt.Errorf("decode recipient ids: %w", err)
		}
	}
	j.CreatedAt = fromMillis(createdAt)
	j.CompletedAt = timePtr(completed)
	return j, nil
}

func (s *SQLite) ReserveJob(ctx context.Context, j job.Job) (job.Job, bool, error) {
	recipients, err := json.Marshal(j.Target.RecipientIDs)
	if err != nil {
		return job.Job{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs(id, idempotency_key, variant, kind, subject, body, target_global, recipient_ids,
			status, created_by, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		j.ID, j.IdempotencyKey, string(j.Variant), string(j.Kind), j.Subject, j.Body, j.Target.Global,
		string(recipients), string(j.Status), j.CreatedBy, toMillis(j.CreatedAt),
	)
	if err != nil {
		return job.Job{}, false, unavailable("insert job (idempotent)", err)
	}
	n, _ := res.RowsAffected()

	stored, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE idempotency_key = ?`, j.IdempotencyKey))
	if err != nil {
		return job.Job{}, false, unavailable("select job by key", err)
	}
	return stored, n == 1, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (job.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, ErrNotFound
	}
	if err != nil {
		return job.Job{}, unavailable("get job", err)
	}
	return j, nil
}

func (s *SQLite) SaveJob(ctx context.Context, j job.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, target_count=?, sent_count=?, failed_count=?, last_error=?, completed_at=?
		WHERE id=? AND status NOT IN ('COMPLETED', 'FAILED')`,
		string(j.Status), j.TargetCount, j.SentCount, j.FailedCount, j.LastError, nullMillis(j.CompletedAt), j.ID,
	)
	if err != nil {
		return unavailable("save job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id=?`, j.ID).Scan(&exists); err != nil {
			return unavailable("check job", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *SQLite) ListActiveJobs(ctx context.Context) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM jobs
		WHERE status IN ('PENDING', 'PROCESSING')
		ORDER BY created_at, id`)
	if err != nil {
		return nil, unavailable("list active jobs", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateAttempts(ctx context.Context, jobID string, recipients []string, now time.Time) error {
	if len(recipients) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin create attempts", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO delivery_attempts(job_id, recipient_id, attempt_number, outcome, updated_at)
		VALUES (?, ?, 1, 'PENDING', ?)
		ON CONFLICT(job_id, recipient_id) DO NOTHING`)
	if err != nil {
		return unavailable("prepare create attempts", err)
	}
	defer stmt.Close()

	for _, r := range recipients {
		if _, err := stmt.ExecContext(ctx, jobID, r, toMillis(now)); err != nil {
			return unavailable("create attempts", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit create attempts", err)
	}
	return nil
}

func (s *SQLite) SaveAttempt(ctx context.Context, a delivery.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts(job_id, recipient_id, attempt_number, outcome, last_error, next_retry_at, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(job_id, recipient_id) DO UPDATE
		SET attempt_number=excluded.attempt_number, outcome=excluded.outcome, last_error=excluded.last_error,
			next_retry_at=excluded.next_retry_at, updated_at=excluded.updated_at
		WHERE delivery_attempts.outcome NOT IN ('DELIVERED', 'DEAD_LETTERED')`,
		a.JobID, a.RecipientID, a.AttemptNumber, string(a.Outcome), a.LastError, nullMillis(a.NextRetryAt), toMillis(a.UpdatedAt),
	)
	if err != nil {
		return unavailable("save attempt", err)
	}
	return nil
}

func (s *SQLite) ListAttempts(ctx context.Context, jobID string) ([]delivery.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, recipient_id, attempt_number, outcome, last_error, next_retry_at, updated_at
		FROM delivery_attempts WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, unavailable("list attempts", err)
	}
	defer rows.Close()

	out := []delivery.Attempt{}
	for rows.Next() {
		var (
			a       delivery.Attempt
			next    sql.NullInt64
			updated int64
		)
		if err := rows.Scan(&a.JobID, &a.RecipientID, &a.AttemptNumber, &a.Outcome, &a.LastError, &next, &updated); err != nil {
			return nil, err
		}
		a.NextRetryAt = timePtr(next)
		a.UpdatedAt = fromMillis(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendOutcome(ctx context.Context, o Outcome) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes(job_id, recipient_id, outcome, attempts, recorded_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(job_id, recipient_id) DO NOTHING`,
		o.JobID, o.RecipientID, string(o.Outcome), o.Attempts, toMillis(o.RecordedAt),
	)
	if err != nil {
		return false, unavailable("append outcome", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) OutcomeStats(ctx context.Context, since time.Time) (dlq.OutcomeTotals, error) {
	var t dlq.OutcomeTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN outcome = 'DELIVERED' THEN 1 ELSE 0 END), 0), COUNT(*), COALESCE(SUM(attempts), 0)
		FROM outcomes WHERE recorded_at >= ?`, toMillis(since)).Scan(&t.Delivered, &t.Terminal, &t.AttemptsSum)
	if err != nil {
		return dlq.OutcomeTotals{}, unavailable("outcome stats", err)
	}
	return t, nil
}

func (s *SQLite) PutDeadLetter(ctx context.Context, r dlq.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters(id, job_id, recipient_id, attempts_made, last_error, reason,
			first_failed_at, last_failed_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(job_id, recipient_id, attempts_made) DO NOTHING`,
		r.ID, r.JobID, r.RecipientID, r.AttemptsMade, r.LastError, r.Reason,
		toMillis(r.FirstFailedAt), toMillis(r.LastFailedAt), toMillis(r.CreatedAt),
	)
	if err != nil {
		return unavailable("insert dead letter", err)
	}
	return nil
}

func (s *SQLite) ListDeadLetters(ctx context.Context, f dlq.Filter) ([]dlq.Record, error) {
	q := `
		SELECT id, job_id, recipient_id, attempts_made, last_error, reason,
			first_failed_at, last_failed_at, created_at, resolved_at, resolved_by
		FROM dead_letters`
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.UnresolvedOnly {
		where = append(where, "resolved_at IS NULL")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list dead letters", err)
	}
	defer rows.Close()

	out := []dlq.Record{}
	for rows.Next() {
		var (
			r                      dlq.Record
			first, last, createdAt int64
			resolved               sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.RecipientID, &r.AttemptsMade, &r.LastError, &r.Reason,
			&first, &last, &createdAt, &resolved, &r.ResolvedBy); err != nil {
			return nil, err
		}
		r.FirstFailedAt = fromMillis(first)
		r.LastFailedAt = fromMillis(last)
		r.CreatedAt = fromMillis(createdAt)
		r.ResolvedAt = timePtr(resolved)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) ResolveDeadLetter(ctx context.Context, id, by string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET resolved_at=?, resolved_by=? WHERE id=? AND resolved_at IS NULL`,
		toMillis(at), by, id)
	if err != nil {
		return unavailable("resolve dead letter", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE id=?`, id).Scan(&exists); err != nil {
		return unavailable("check dead letter", err)
	}
	if exists == 0 {
		return dlq.ErrNotFound
	}
	return nil
}

func (s *SQLite) CountUnresolved(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, unavailable("count dead letters", err)
	}
	return n, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
