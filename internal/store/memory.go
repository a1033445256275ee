package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/dlq"
	"github.com/austindbirch/harbor_notify/internal/job"
)

type unitKey struct {
	jobID       string
	recipientID string
}

type dlqKey struct {
	unitKey
	attempts int
}

// Memory is a process-local Store. Every method takes one mutex, which makes
// ReserveJob and AppendOutcome atomic.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]job.Job
	byKey    map[string]string
	attempts map[unitKey]delivery.Attempt
	order    map[string][]string // recipient insertion order per job
	outcomes map[unitKey]Outcome
	dead     []dlq.Record
	deadKeys map[dlqKey]struct{}
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]job.Job),
		byKey:    make(map[string]string),
		attempts: make(map[unitKey]delivery.Attempt),
		order:    make(map[string][]string),
		outcomes: make(map[unitKey]Outcome),
		deadKeys: make(map[dlqKey]struct{}),
	}
}

func cloneJob(j job.Job) job.Job {
	if j.Target.RecipientIDs != nil {
		j.Target.RecipientIDs = append([]string(nil), j.Target.RecipientIDs...)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

func (m *Memory) ReserveJob(_ context.Context, j job.Job) (job.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Job{}, false, ErrUnavailable
	}
	if id, ok := m.byKey[j.IdempotencyKey]; ok {
		return cloneJob(m.jobs[id]), false, nil
	}
	m.jobs[j.ID] = cloneJob(j)
	m.byKey[j.IdempotencyKey] = j.ID
	return cloneJob(j), true, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Job{}, ErrUnavailable
	}
	j, ok := m.jobs[id]
	if !ok {
		return job.Job{}, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) SaveJob(_ context.Context, j job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return nil
	}
	cur.Status = j.Status
	cur.TargetCount = j.TargetCount
	cur.SentCount = j.SentCount
	cur.FailedCount = j.FailedCount
	cur.LastError = j.LastError
	cur.CompletedAt = j.CompletedAt
	m.jobs[j.ID] = cloneJob(cur)
	return nil
}

func (m *Memory) ListActiveJobs(_ context.Context) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	var out []job.Job
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateAttempts(_ context.Context, jobID string, recipients []string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	for _, r := range recipients {
		k := unitKey{jobID, r}
		if _, ok := m.attempts[k]; ok {
			continue
		}
		m.attempts[k] = delivery.Attempt{
			JobID:         jobID,
			RecipientID:   r,
			AttemptNumber: 1,
			Outcome:       delivery.OutcomePending,
			UpdatedAt:     now,
		}
		m.order[jobID] = append(m.order[jobID], r)
	}
	return nil
}

func (m *Memory) SaveAttempt(_ context.Context, a delivery.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	k := unitKey{a.JobID, a.RecipientID}
	cur, ok := m.attempts[k]
	if ok && cur.Outcome.Terminal() {
		return nil
	}
	if !ok {
		m.order[a.JobID] = append(m.order[a.JobID], a.RecipientID)
	}
	if a.NextRetryAt != nil {
		t := *a.NextRetryAt
		a.NextRetryAt = &t
	}
	m.attempts[k] = a
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, jobID string) ([]delivery.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	out := make([]delivery.Attempt, 0, len(m.order[jobID]))
	for _, r := range m.order[jobID] {
		out = append(out, m.attempts[unitKey{jobID, r}])
	}
	return out, nil
}

func (m *Memory) AppendOutcome(_ context.Context, o Outcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrUnavailable
	}
	k := unitKey{o.JobID, o.RecipientID}
	if _, ok := m.outcomes[k]; ok {
		return false, nil
	}
	m.outcomes[k] = o
	return true, nil
}

func (m *Memory) OutcomeStats(_ context.Context, since time.Time) (dlq.OutcomeTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return dlq.OutcomeTotals{}, ErrUnavailable
	}
	var t dlq.OutcomeTotals
	for _, o := range m.outcomes {
		if o.RecordedAt.Before(since) {
			continue
		}
		t.Terminal++
		t.AttemptsSum += int64(o.Attempts)
		if o.Outcome == delivery.OutcomeDelivered {
			t.Delivered++
		}
	}
	return t, nil
}

func (m *Memory) PutDeadLetter(_ context.Context, r dlq.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	k := dlqKey{unitKey{r.JobID, r.RecipientID}, r.AttemptsMade}
	if _, ok := m.deadKeys[k]; ok {
		return nil
	}
	m.deadKeys[k] = struct{}{}
	m.dead = append(m.dead, r)
	return nil
}

func (m *Memory) ListDeadLetters(_ context.Context, f dlq.Filter) ([]dlq.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	out := []dlq.Record{}
	for i := len(m.dead) - 1; i >= 0; i-- {
		r := m.dead[i]
		if f.JobID != "" && r.JobID != f.JobID {
			continue
		}
		if f.UnresolvedOnly && r.ResolvedAt != nil {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ResolveDeadLetter(_ context.Context, id, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	for i := range m.dead {
		if m.dead[i].ID != id {
			continue
		}
		if m.dead[i].ResolvedAt == nil {
			m.dead[i].ResolvedAt = &at
			m.dead[i].ResolvedBy = by
		}
		return nil
	}
	return dlq.ErrNotFound
}

func (m *Memory) CountUnresolved(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrUnavailable
	}
	var n int64
	for _, r := range m.dead {
		if r.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
