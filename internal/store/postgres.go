package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/dlq"
	"github.com/austindbirch/harbor_notify/internal/job"
)

// Postgres stores everything under the harbornotify schema (see db.Migrate).
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const jobColumns = `id::text, idempotency_key, variant, kind, subject, body, target_global, recipient_ids,
	status, target_count, sent_count, failed_count, created_by, last_error, created_at, completed_at`

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j          job.Job
		recipients []string
	)
	err := row.Scan(&j.ID, &j.IdempotencyKey, &j.Variant, &j.Kind, &j.Subject, &j.Body,
		&j.Target.Global, &recipients, &j.Status, &j.TargetCount, &j.SentCount, &j.FailedCount,
		&j.CreatedBy, &j.LastError, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return job.Job{}, err
	}
	if len(recipients) > 0 {
		j.Target.RecipientIDs = recipients
	}
	j.CreatedAt = j.CreatedAt.UTC()
	if j.CompletedAt != nil {
		t := j.CompletedAt.UTC()
		j.CompletedAt = &t
	}
	return j, nil
}

func (p *Postgres) ReserveJob(ctx context.Context, j job.Job) (job.Job, bool, error) {
	recipients := j.Target.RecipientIDs
	if recipients == nil {
		recipients = []string{}
	}
	// Insert-or-ignore, then read back whichever row owns the key.
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO harbornotify.jobs(id, idempotency_key, variant, kind, subject, body,
			target_global, recipient_ids, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT ON CONSTRAINT uq_jobs_idempotency_key DO NOTHING`,
		j.ID, j.IdempotencyKey, string(j.Variant), string(j.Kind), j.Subject, j.Body,
		j.Target.Global, recipients, string(j.Status), j.CreatedBy, j.CreatedAt,
	)
	if err != nil {
		return job.Job{}, false, unavailable("insert job (idempotent)", err)
	}

	stored, err := scanJob(p.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM harbornotify.jobs WHERE idempotency_key = $1`, j.IdempotencyKey))
	if err != nil {
		return job.Job{}, false, unavailable("select job by key", err)
	}
	return stored, ct.RowsAffected() == 1, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (job.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM harbornotify.jobs WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Job{}, ErrNotFound
	}
	if err != nil {
		return job.Job{}, unavailable("get job", err)
	}
	return j, nil
}

func (p *Postgres) SaveJob(ctx context.Context, j job.Job) error {
	ct, err := p.pool.Exec(ctx, `
		UPDATE harbornotify.jobs
		SET status=$2, target_count=$3, sent_count=$4, failed_count=$5, last_error=$6, completed_at=$7
		WHERE id=$1 AND status NOT IN ('COMPLETED', 'FAILED')`,
		j.ID, string(j.Status), j.TargetCount, j.SentCount, j.FailedCount, j.LastError, j.CompletedAt,
	)
	if err != nil {
		return unavailable("save job", err)
	}
	if ct.RowsAffected() == 0 {
		// terminal rows are immutable; only a missing row is an error
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM harbornotify.jobs WHERE id=$1)`, j.ID).Scan(&exists); err != nil {
			return unavailable("check job", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *Postgres) ListActiveJobs(ctx context.Context) ([]job.Job, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM harbornotify.jobs
		WHERE status IN ('PENDING', 'PROCESSING')
		ORDER BY created_at, id`)
	if err != nil {
		return nil, unavailable("list active jobs", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateAttempts(ctx context.Context, jobID string, recipients []string, now time.Time) error {
	if len(recipients) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recipients {
		batch.Queue(`
			INSERT INTO harbornotify.delivery_attempts(job_id, recipient_id, attempt_number, outcome, updated_at)
			VALUES ($1, $2, 1, 'PENDING', $3)
			ON CONFLICT (job_id, recipient_id) DO NOTHING`,
			jobID, r, now)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range recipients {
		if _, err := br.Exec(); err != nil {
			return unavailable("create attempts", err)
		}
	}
	return nil
}

func (p *Postgres) SaveAttempt(ctx context.Context, a delivery.Attempt) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO harbornotify.delivery_attempts(job_id, recipient_id, attempt_number, outcome, last_error, next_retry_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, recipient_id) DO UPDATE
		SET attempt_number=EXCLUDED.attempt_number, outcome=EXCLUDED.outcome, last_error=EXCLUDED.last_error,
			next_retry_at=EXCLUDED.next_retry_at, updated_at=EXCLUDED.updated_at
		WHERE harbornotify.delivery_attempts.outcome NOT IN ('DELIVERED', 'DEAD_LETTERED')`,
		a.JobID, a.RecipientID, a.AttemptNumber, string(a.Outcome), a.LastError, a.NextRetryAt, a.UpdatedAt,
	)
	if err != nil {
		return unavailable("save attempt", err)
	}
	return nil
}

func (p *Postgres) ListAttempts(ctx context.Context, jobID string) ([]delivery.Attempt, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT job_id::text, recipient_id, attempt_number, outcome, last_error, next_retry_at, updated_at
		FROM harbornotify.delivery_attempts
		WHERE job_id::text = $1
		ORDER BY seq`, jobID)
	if err != nil {
		return nil, unavailable("list attempts", err)
	}
	defer rows.Close()

	out := []delivery.Attempt{}
	for rows.Next() {
		var a delivery.Attempt
		if err := rows.Scan(&a.JobID, &a.RecipientID, &a.AttemptNumber, &a.Outcome, &a.LastError, &a.NextRetryAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.UpdatedAt = a.UpdatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendOutcome(ctx context.Context, o Outcome) (bool, error) {
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO harbornotify.outcomes(job_id, recipient_id, outcome, attempts, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, recipient_id) DO NOTHING`,
		o.JobID, o.RecipientID, string(o.Outcome), o.Attempts, o.RecordedAt,
	)
	if err != nil {
		return false, unavailable("append outcome", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (p *Postgres) OutcomeStats(ctx context.Context, since time.Time) (dlq.OutcomeTotals, error) {
	var t dlq.OutcomeTotals
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE outcome = 'DELIVERED'), COUNT(*), COALESCE(SUM(attempts), 0)
		FROM harbornotify.outcomes
		WHERE recorded_at >= $1`, since).Scan(&t.Delivered, &t.Terminal, &t.AttemptsSum)
	if err != nil {
		return dlq.OutcomeTotals{}, unavailable("outcome stats", err)
	}
	return t, nil
}

func (p *Postgres) PutDeadLetter(ctx context.Context, r dlq.Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO harbornotify.dead_letters(id, job_id, recipient_id, attempts_made, last_error, reason,
			first_failed_at, last_failed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT uq_dead_letters_unit DO NOTHING`,
		r.ID, r.JobID, r.RecipientID, r.AttemptsMade, r.LastError, r.Reason,
		r.FirstFailedAt, r.LastFailedAt, r.CreatedAt,
	)
	if err != nil {
		return unavailable("insert dead letter", err)
	}
	return nil
}

func (p *Postgres) ListDeadLetters(ctx context.Context, f dlq.Filter) ([]dlq.Record, error) {
	q := `
		SELECT id::text, job_id::text, recipient_id, attempts_made, last_error, reason,
			first_failed_at, last_failed_at, created_at, resolved_at, resolved_by
		FROM harbornotify.dead_letters`
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		args = append(args, f.JobID)
		where = append(where, fmt.Sprintf("job_id::text = $%d", len(args)))
	}
	if f.UnresolvedOnly {
		where = append(where, "resolved_at IS NULL")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list dead letters", err)
	}
	defer rows.Close()

	out := []dlq.Record{}
	for rows.Next() {
		var r dlq.Record
		if err := rows.Scan(&r.ID, &r.JobID, &r.RecipientID, &r.AttemptsMade, &r.LastError, &r.Reason,
			&r.FirstFailedAt, &r.LastFailedAt, &r.CreatedAt, &r.ResolvedAt, &r.ResolvedBy); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveDeadLetter(ctx context.Context, id, by string, at time.Time) error {
	ct, err := p.pool.Exec(ctx, `
		UPDATE harbornotify.dead_letters SET resolved_at=$2, resolved_by=$3
		WHERE id::text=$1 AND resolved_at IS NULL`, id, at, by)
	if err != nil {
		return unavailable("resolve dead letter", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM harbornotify.dead_letters WHERE id::text=$1)`, id).Scan(&exists); err != nil {
		return unavailable("check dead letter", err)
	}
	if !exists {
		return dlq.ErrNotFound
	}
	return nil
}

func (p *Postgres) CountUnresolved(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM harbornotify.dead_letters WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, unavailable("count dead letters", err)
	}
	return n, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
