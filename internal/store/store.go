// Package store persists jobs, delivery attempts, the terminal outcome log and
// dead-letter records. Memory, Postgres and SQLite implementations share one
// contract, exercised by the same test suite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/dlq"
	"github.com/austindbirch/harbor_notify/internal/job"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("store unavailable")
)

// Outcome is one row of the append-only terminal outcome log.
type Outcome struct {
	JobID       string
	RecipientID string
	Outcome     delivery.Outcome
	Attempts    int
	RecordedAt  time.Time
}

type Store interface {
	// ReserveJob inserts j unless a job with the same idempotency key exists.
	// It returns the stored job and whether this call created it.
	ReserveJob(ctx context.Context, j job.Job) (job.Job, bool, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	// SaveJob writes status, counters and completion fields. Jobs already in a
	// terminal state are left untouched.
	SaveJob(ctx context.Context, j job.Job) error
	// ListActiveJobs returns PENDING and PROCESSING jobs, oldest first.
	ListActiveJobs(ctx context.Context) ([]job.Job, error)

	// CreateAttempts adds a PENDING attempt per recipient; existing rows are kept.
	CreateAttempts(ctx context.Context, jobID string, recipients []string, now time.Time) error
	// SaveAttempt upserts progress. Terminal attempts are never overwritten.
	SaveAttempt(ctx context.Context, a delivery.Attempt) error
	ListAttempts(ctx context.Context, jobID string) ([]delivery.Attempt, error)

	// AppendOutcome records a terminal outcome once per (job, recipient).
	// inserted is false when one was already recorded.
	AppendOutcome(ctx context.Context, o Outcome) (inserted bool, err error)

	dlq.Store

	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
