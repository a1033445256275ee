package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_notify/internal/logging"
)

// ErrNotFound is returned when a dead-letter record does not exist.
var ErrNotFound = errors.New("dead letter not found")

const (
	ReasonMaxAttempts = "max_attempts"
	ReasonPermanent   = "permanent"
)

// Record is the durable copy of a delivery unit at the moment it exhausted retries.
// Records are keyed by (JobID, RecipientID, AttemptsMade) and only the resolution
// marker is ever written after insert.
type Record struct {
	ID            string     `json:"id"`
	JobID         string     `json:"jobId"`
	RecipientID   string     `json:"recipientId"`
	AttemptsMade  int        `json:"attemptsMade"`
	LastError     string     `json:"lastError,omitempty"`
	Reason        string     `json:"reason"`
	FirstFailedAt time.Time  `json:"firstFailedAt"`
	LastFailedAt  time.Time  `json:"lastFailedAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
}

// Filter narrows List results.
type Filter struct {
	JobID          string
	UnresolvedOnly bool
	Limit          int
}

// OutcomeTotals summarizes the terminal outcome log over a window.
type OutcomeTotals struct {
	Delivered   int64
	Terminal    int64
	AttemptsSum int64
}

// Store is the persistence the dead-letter service needs.
type Store interface {
	PutDeadLetter(ctx context.Context, r Record) error
	ListDeadLetters(ctx context.Context, f Filter) ([]Record, error)
	ResolveDeadLetter(ctx context.Context, id, by string, at time.Time) error
	CountUnresolved(ctx context.Context) (int64, error)
	OutcomeStats(ctx context.Context, since time.Time) (OutcomeTotals, error)
}

// Stats is the point-in-time aggregate consumed by /metrics and the JSON mirror.
type Stats struct {
	FailedCount     int64     `json:"failedCount"`
	DeliveredCount  int64     `json:"deliveredCount"`
	AverageAttempts float64   `json:"averageAttempts"`
	Window          string    `json:"window"`
	ComputedAt      time.Time `json:"computedAt"`
}

// Service owns dead-letter writes, operator inspection and stats aggregation.
type Service struct {
	store  Store
	window time.Duration
	log    *logging.Logger
	now    func() time.Time
}

// NewService builds the service. A zero window aggregates over all history.
func NewService(store Store, window time.Duration, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{store: store, window: window, log: log, now: time.Now}
}

// RecordDeadLetter appends a record. Writing the same (job, recipient, attempts)
// twice is a no-op at the store.
func (s *Service) RecordDeadLetter(ctx context.Context, r Record) error {
	if r.JobID == "" || r.RecipientID == "" {
		return fmt.Errorf("dead letter requires job and recipient ids")
	}
	now := s.now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastFailedAt.IsZero() {
		r.LastFailedAt = now
	}
	if r.FirstFailedAt.IsZero() {
		r.FirstFailedAt = r.LastFailedAt
	}
	if r.Reason == "" {
		r.Reason = ReasonMaxAttempts
	}
	if err := s.store.PutDeadLetter(ctx, r); err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	s.log.WithContext(ctx).WithJob(r.JobID).WithRecipient(r.RecipientID).WithFields(map[string]any{
		"attempts": r.AttemptsMade,
		"reason":   r.Reason,
	}).Warn("delivery dead-lettered")
	return nil
}

// List returns dead-letter records, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	return s.store.ListDeadLetters(ctx, f)
}

// Resolve marks a record as handled by an operator. Job counters are untouched;
// only the unresolved failedCount drops.
func (s *Service) Resolve(ctx context.Context, id, by string) error {
	if id == "" {
		return ErrNotFound
	}
	return s.store.ResolveDeadLetter(ctx, id, by, s.now().UTC())
}

// Stats computes failedCount, deliveredCount and averageAttempts from the
// append-only outcome log and the dead-letter table. It takes no locks shared
// with the delivery path.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.now().UTC()
	var since time.Time
	window := "all"
	if s.window > 0 {
		since = now.Add(-s.window)
		window = s.window.String()
	}

	failed, err := s.store.CountUnresolved(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count dead letters: %w", err)
	}
	totals, err := s.store.OutcomeStats(ctx, since)
	if err != nil {
		return Stats{}, fmt.Errorf("outcome stats: %w", err)
	}
	return Stats{
		FailedCount:     failed,
		DeliveredCount:  totals.Delivered,
		AverageAttempts: AverageAttempts(totals),
		Window:          window,
		ComputedAt:      now,
	}, nil
}

// AverageAttempts is the mean attempts per terminal outcome, 0 when there are none.
func AverageAttempts(t OutcomeTotals) float64 {
	if t.Terminal == 0 {
		return 0
	}
	return float64(t.AttemptsSum) / float64(t.Terminal)
}
