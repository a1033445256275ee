package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/job"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

// ErrUnknownJob is returned for outcomes of jobs that are not being tracked.
var ErrUnknownJob = delivery.ErrUnknownJob

// Store is the persistence the tracker writes through.
type Store interface {
	SaveJob(ctx context.Context, j job.Job) error
	GetJob(ctx context.Context, id string) (job.Job, error)
	AppendOutcome(ctx context.Context, o store.Outcome) (bool, error)
}

// StatusPublisher is told about every applied transition.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, j job.Job) error
}

type entry struct {
	mu        sync.Mutex
	job       job.Job
	units     map[string]UnitState
	remaining int
	dirty     bool // job row differs from the store
}

// Tracker is the only writer of job status and counters. Each job is guarded
// by its own mutex so outcomes for different jobs never contend.
type Tracker struct {
	mu    sync.RWMutex
	jobs  map[string]*entry
	store Store
	pub   StatusPublisher
	log   *logging.Logger
	now   func() time.Time
}

func New(s Store, pub StatusPublisher, log *logging.Logger) *Tracker {
	if log == nil {
		log = logging.Nop()
	}
	return &Tracker{
		jobs:  make(map[string]*entry),
		store: s,
		pub:   pub,
		log:   log,
		now:   time.Now,
	}
}

func (t *Tracker) get(id string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.jobs[id]
}

// Begin moves a PENDING job to PROCESSING with one pending unit per recipient.
// A job with no recipients fails immediately. Calling Begin for a job that is
// already tracked returns its current state.
func (t *Tracker) Begin(ctx context.Context, j job.Job, recipients []string) (job.Job, error) {
	t.mu.Lock()
	if e, ok := t.jobs[j.ID]; ok {
		t.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job, nil
	}
	e := &entry{job: j, units: make(map[string]UnitState, len(recipients))}
	e.mu.Lock()
	t.jobs[j.ID] = e
	t.mu.Unlock()

	for _, r := range recipients {
		e.units[r] = UnitState{Phase: PhasePending}
	}
	e.remaining = len(e.units)
	e.job.TargetCount = len(e.units)
	e.job.SentCount = 0
	e.job.FailedCount = 0
	e.job.Status = job.StatusProcessing
	if e.remaining == 0 {
		t.finish(&e.job, "audience resolved to zero recipients")
	}

	err := t.store.SaveJob(ctx, e.job)
	snapshot := e.job
	e.mu.Unlock()
	if err != nil {
		t.mu.Lock()
		delete(t.jobs, j.ID)
		t.mu.Unlock()
		return job.Job{}, fmt.Errorf("save job: %w", err)
	}

	t.publish(ctx, snapshot)
	t.log.WithContext(ctx).WithJob(j.ID).WithFields(map[string]any{
		"status":       string(snapshot.Status),
		"target_count": snapshot.TargetCount,
	}).Info("job started")
	return snapshot, nil
}

// Fail moves a job that never started delivery to FAILED with reason.
// Terminal jobs are returned unchanged.
func (t *Tracker) Fail(ctx context.Context, jobID, reason string) (job.Job, error) {
	if e := t.get(jobID); e != nil {
		e.mu.Lock()
		if e.job.Status.Terminal() {
			defer e.mu.Unlock()
			return e.job, nil
		}
		t.finishFailed(&e.job, reason)
		t.saveLocked(ctx, e)
		snapshot := e.job
		e.mu.Unlock()
		t.publish(ctx, snapshot)
		return snapshot, nil
	}

	j, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status.Terminal() {
		return j, nil
	}
	t.finishFailed(&j, reason)
	if err := t.store.SaveJob(ctx, j); err != nil {
		return job.Job{}, fmt.Errorf("save job: %w", err)
	}
	t.publish(ctx, j)
	t.log.WithContext(ctx).WithJob(jobID).WithField("reason", reason).Warn("job failed before delivery")
	return j, nil
}

func (t *Tracker) finishFailed(j *job.Job, reason string) {
	j.Status = job.StatusFailed
	j.LastError = reason
	now := t.now().UTC()
	j.CompletedAt = &now
}

// finish performs the terminal transition once every unit is terminal.
func (t *Tracker) finish(j *job.Job, emptyReason string) {
	now := t.now().UTC()
	j.CompletedAt = &now
	if j.SentCount >= 1 {
		j.Status = job.StatusCompleted
		return
	}
	j.Status = job.StatusFailed
	if j.TargetCount == 0 {
		j.LastError = emptyReason
	}
}

// RecordOutcome applies a unit outcome exactly once. applied is false for a
// repeated terminal report, a report for a terminal job, a stale retry, or an
// outcome another process had already logged.
// On a store error nothing changes and the caller may report again.
func (t *Tracker) RecordOutcome(ctx context.Context, jobID, recipientID string, outcome delivery.Outcome, attempts int) (bool, error) {
	e := t.get(jobID)
	if e == nil {
		return false, fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}

	ctx, span := tracing.StartSpan(ctx, "tracker.RecordOutcome",
		attribute.String("job_id", jobID),
		attribute.String("recipient_id", recipientID),
		attribute.String("outcome", string(outcome)),
	)
	defer span.End()

	e.mu.Lock()
	applied, counted, err := t.applyLocked(ctx, e, recipientID, outcome, attempts)
	snapshot := e.job
	e.mu.Unlock()
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return false, err
	}
	if !counted {
		return applied, nil
	}

	t.publish(ctx, snapshot)
	if snapshot.Status.Terminal() {
		t.log.WithContext(ctx).WithJob(jobID).WithFields(map[string]any{
			"status":       string(snapshot.Status),
			"sent_count":   snapshot.SentCount,
			"failed_count": snapshot.FailedCount,
		}).Info("job finished")
	}
	return applied, nil
}

// applyLocked runs with e.mu held. counted reports whether the job counters
// moved and a status event is due.
func (t *Tracker) applyLocked(ctx context.Context, e *entry, recipientID string, outcome delivery.Outcome, attempts int) (applied, counted bool, err error) {
	jobID := e.job.ID
	if e.job.Status.Terminal() {
		return false, false, nil
	}
	cur, ok := e.units[recipientID]
	if !ok {
		return false, false, fmt.Errorf("recipient %s of job %s: %w", recipientID, jobID, ErrUnknownJob)
	}
	next, changed := Apply(cur, outcome, attempts)
	if !changed {
		if outcome.Terminal() {
			t.log.WithContext(ctx).WithJob(jobID).WithRecipient(recipientID).
				WithField("outcome", string(outcome)).Warn("duplicate terminal report discarded")
		}
		return false, false, nil
	}
	if !next.Phase.Terminal() {
		e.units[recipientID] = next
		return true, false, nil
	}

	inserted, err := t.store.AppendOutcome(ctx, store.Outcome{
		JobID:       jobID,
		RecipientID: recipientID,
		Outcome:     outcome,
		Attempts:    attempts,
		RecordedAt:  t.now().UTC(),
	})
	if err != nil {
		return false, false, fmt.Errorf("append outcome: %w", err)
	}
	if !inserted {
		// Logged by another process, but this unit is still pending here.
		// It still counts here so remaining reaches zero.
		t.log.WithContext(ctx).WithJob(jobID).WithRecipient(recipientID).
			WithField("outcome", string(outcome)).Warn("outcome already logged, counting locally")
	}

	e.units[recipientID] = next
	switch next.Phase {
	case PhaseDelivered:
		e.job.SentCount++
	case PhaseDeadLettered:
		e.job.FailedCount++
	}
	e.remaining--
	if e.remaining == 0 {
		t.finish(&e.job, "")
	}
	t.saveLocked(ctx, e)
	return inserted, true, nil
}

// saveLocked writes the job row. A failed write leaves the entry dirty: it is
// served from memory and kept from eviction until Flush succeeds.
func (t *Tracker) saveLocked(ctx context.Context, e *entry) {
	if err := t.store.SaveJob(ctx, e.job); err != nil {
		e.dirty = true
		t.log.WithContext(ctx).WithJob(e.job.ID).WithError(err).Error("save job progress failed")
		return
	}
	e.dirty = false
}

// Flush writes every job row whose last save failed and returns how many are
// still unsaved.
func (t *Tracker) Flush(ctx context.Context) int {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.jobs))
	for _, e := range t.jobs {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	left := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.dirty {
			t.saveLocked(ctx, e)
			if e.dirty {
				left++
			}
		}
		e.mu.Unlock()
	}
	return left
}

// Restore rebuilds a PROCESSING job from persisted attempts after a restart.
// Terminal attempts are counted and backfilled into the outcome log; the
// returned attempts are the units still to run.
func (t *Tracker) Restore(ctx context.Context, j job.Job, attempts []delivery.Attempt) (job.Job, []delivery.Attempt, error) {
	e := &entry{job: j, units: make(map[string]UnitState, len(attempts))}
	e.mu.Lock()
	defer e.mu.Unlock()

	var pending []delivery.Attempt
	e.job.SentCount, e.job.FailedCount = 0, 0
	for _, a := range attempts {
		st := stateOf(a)
		e.units[a.RecipientID] = st
		if !st.Phase.Terminal() {
			pending = append(pending, a)
			continue
		}
		if _, err := t.store.AppendOutcome(ctx, store.Outcome{
			JobID:       a.JobID,
			RecipientID: a.RecipientID,
			Outcome:     a.Outcome,
			Attempts:    a.AttemptNumber,
			RecordedAt:  a.UpdatedAt,
		}); err != nil {
			return job.Job{}, nil, fmt.Errorf("backfill outcome: %w", err)
		}
		if st.Phase == PhaseDelivered {
			e.job.SentCount++
		} else {
			e.job.FailedCount++
		}
	}
	e.job.TargetCount = len(e.units)
	e.job.Status = job.StatusProcessing
	e.remaining = e.job.TargetCount - e.job.SentCount - e.job.FailedCount
	if e.remaining == 0 {
		t.finish(&e.job, "audience resolved to zero recipients")
	}
	if err := t.store.SaveJob(ctx, e.job); err != nil {
		return job.Job{}, nil, fmt.Errorf("save job: %w", err)
	}

	t.mu.Lock()
	t.jobs[j.ID] = e
	t.mu.Unlock()

	t.log.WithContext(ctx).WithJob(j.ID).WithFields(map[string]any{
		"pending":      len(pending),
		"sent_count":   e.job.SentCount,
		"failed_count": e.job.FailedCount,
	}).Info("job restored")
	return e.job, pending, nil
}

// Status returns the current view of a job, falling back to the store for jobs
// not held in memory.
func (t *Tracker) Status(ctx context.Context, jobID string) (job.Job, error) {
	if e := t.get(jobID); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.job, nil
	}
	j, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// Units returns a copy of the per-recipient state of a tracked job.
func (t *Tracker) Units(jobID string) (map[string]UnitState, bool) {
	e := t.get(jobID)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]UnitState, len(e.units))
	for k, v := range e.units {
		out[k] = v
	}
	return out, true
}

// Prune evicts terminal jobs that completed more than olderThan ago. Jobs whose
// row is not yet saved stay in memory.
func (t *Tracker) Prune(olderThan time.Duration) int {
	cutoff := t.now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.jobs {
		e.mu.Lock()
		evict := !e.dirty && e.job.Status.Terminal() && e.job.CompletedAt != nil && !e.job.CompletedAt.After(cutoff)
		e.mu.Unlock()
		if evict {
			delete(t.jobs, id)
			n++
		}
	}
	return n
}

// Tracked is the number of jobs held in memory.
func (t *Tracker) Tracked() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func (t *Tracker) publish(ctx context.Context, j job.Job) {
	if t.pub == nil {
		return
	}
	if err := t.pub.PublishStatus(ctx, j); err != nil && !errors.Is(err, context.Canceled) {
		t.log.WithContext(ctx).WithJob(j.ID).WithError(err).Warn("publish status failed")
	}
}
