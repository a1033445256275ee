package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/dlq"
	"github.com/austindbirch/harbor_notify/internal/job"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), ":memory:")
			if err != nil {
				t.Fatalf("OpenSQLite() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newJob(key string) job.Job {
	return job.New(uuid.NewString(), job.Request{
		IdempotencyKey: key,
		Variant:        job.VariantBroadcast,
		Kind:           job.KindInfo,
		Subject:        "Maintenance",
		Body:           "Tonight at 22:00",
		Target:         job.TargetSpec{RecipientIDs: []string{"u1", "u2"}},
		CreatedBy:      "ops",
	}, t0)
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

func TestReserveJob(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := newJob("key-1")
		got, created, err := s.ReserveJob(ctx, first)
		if err != nil || !created {
			t.Fatalf("ReserveJob() = (%v, %v), want created", created, err)
		}
		if got.ID != first.ID || got.Status != job.StatusPending {
			t.Errorf("ReserveJob() job = %+v", got)
		}
		if len(got.Target.RecipientIDs) != 2 {
			t.Errorf("RecipientIDs = %v, want 2 ids", got.Target.RecipientIDs)
		}

		dup := newJob("key-1")
		got, created, err = s.ReserveJob(ctx, dup)
		if err != nil || created {
			t.Fatalf("duplicate ReserveJob() = (%v, %v), want not created", created, err)
		}
		if got.ID != first.ID {
			t.Errorf("duplicate returned id %s, want %s", got.ID, first.ID)
		}
		if _, err := s.GetJob(ctx, dup.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetJob(duplicate id) error = %v, want ErrNotFound", err)
		}
	})
}

func TestReserveJobConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 20
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
			ids     = make(map[string]bool)
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, c, err := s.ReserveJob(ctx, newJob("same-key"))
				if err != nil {
					t.Errorf("ReserveJob() error = %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if c {
					created++
				}
				ids[got.ID] = true
			}()
		}
		wg.Wait()
		if created != 1 {
			t.Errorf("created = %d, want exactly 1", created)
		}
		if len(ids) != 1 {
			t.Errorf("distinct job ids = %d, want 1", len(ids))
		}
	})
}

func TestSaveJobTerminalIsFinal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j, _, _ := s.ReserveJob(ctx, newJob("k"))

		j.Status = job.StatusProcessing
		j.TargetCount = 2
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob() error = %v", err)
		}
		done := t0.Add(time.Minute)
		j.Status = job.StatusCompleted
		j.SentCount = 2
		j.CompletedAt = &done
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob() error = %v", err)
		}

		j.Status = job.StatusFailed
		j.SentCount = 0
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob() after terminal error = %v", err)
		}
		got, err := s.GetJob(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != job.StatusCompleted || got.SentCount != 2 {
			t.Errorf("terminal job changed: %+v", got)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
		}

		missing := newJob("other")
		if err := s.SaveJob(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Errorf("SaveJob(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestListActiveJobs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _, _ := s.ReserveJob(ctx, newJob("a"))
		b, _, _ := s.ReserveJob(ctx, newJob("b"))
		b.Status = job.StatusFailed
		if err := s.SaveJob(ctx, b); err != nil {
			t.Fatal(err)
		}
		active, err := s.ListActiveJobs(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(active) != 1 || active[0].ID != a.ID {
			t.Errorf("ListActiveJobs() = %v, want only %s", active, a.ID)
		}
	})
}

func TestAttemptsLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j, _, _ := s.ReserveJob(ctx, newJob("k"))

		if err := s.CreateAttempts(ctx, j.ID, []string{"u1", "u2", "u3"}, t0); err != nil {
			t.Fatal(err)
		}
		next := t0.Add(2 * time.Second)
		if err := s.SaveAttempt(ctx, delivery.Attempt{
			JobID: j.ID, RecipientID: "u2", AttemptNumber: 2, Outcome: delivery.OutcomeRetrying,
			LastError: "503", NextRetryAt: &next, UpdatedAt: t0,
		}); err != nil {
			t.Fatal(err)
		}
		// re-creating must not reset progress
		if err := s.CreateAttempts(ctx, j.ID, []string{"u1", "u2", "u3"}, t0); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveAttempt(ctx, delivery.Attempt{
			JobID: j.ID, RecipientID: "u3", AttemptNumber: 1, Outcome: delivery.OutcomeDelivered, UpdatedAt: t0,
		}); err != nil {
			t.Fatal(err)
		}
		// terminal attempts are immutable
		if err := s.SaveAttempt(ctx, delivery.Attempt{
			JobID: j.ID, RecipientID: "u3", AttemptNumber: 2, Outcome: delivery.OutcomeRetrying, UpdatedAt: t0,
		}); err != nil {
			t.Fatal(err)
		}

		got, err := s.ListAttempts(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("ListAttempts() len = %d, want 3", len(got))
		}
		want := []struct {
			recipient string
			outcome   delivery.Outcome
			number    int
		}{
			{"u1", delivery.OutcomePending, 1},
			{"u2", delivery.OutcomeRetrying, 2},
			{"u3", delivery.OutcomeDelivered, 1},
		}
		for i, w := range want {
			if got[i].RecipientID != w.recipient || got[i].Outcome != w.outcome || got[i].AttemptNumber != w.number {
				t.Errorf("attempt[%d] = %+v, want %+v", i, got[i], w)
			}
		}
		if got[1].NextRetryAt == nil || !got[1].NextRetryAt.Equal(next) {
			t.Errorf("NextRetryAt = %v, want %v", got[1].NextRetryAt, next)
		}
	})
}

func TestAppendOutcomeAndStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		j, _, _ := s.ReserveJob(ctx, newJob("k"))

		for i := 0; i < 10; i++ {
			o := Outcome{JobID: j.ID, RecipientID: fmt.Sprintf("u%d", i), Outcome: delivery.OutcomeDelivered, Attempts: 1, RecordedAt: t0}
			switch i {
			case 8:
				o.Attempts = 3
			case 9:
				o.Outcome, o.Attempts = delivery.OutcomeDeadLettered, 7
			}
			inserted, err := s.AppendOutcome(ctx, o)
			if err != nil || !inserted {
				t.Fatalf("AppendOutcome(%d) = (%v, %v)", i, inserted, err)
			}
		}
		inserted, err := s.AppendOutcome(ctx, Outcome{JobID: j.ID, RecipientID: "u0", Outcome: delivery.OutcomeDeadLettered, Attempts: 5, RecordedAt: t0})
		if err != nil || inserted {
			t.Errorf("second AppendOutcome() = (%v, %v), want not inserted", inserted, err)
		}

		totals, err := s.OutcomeStats(ctx, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		want := dlq.OutcomeTotals{Delivered: 9, Terminal: 10, AttemptsSum: 18}
		if totals != want {
			t.Errorf("OutcomeStats() = %+v, want %+v", totals, want)
		}

		totals, _ = s.OutcomeStats(ctx, t0.Add(time.Hour))
		if totals != (dlq.OutcomeTotals{}) {
			t.Errorf("OutcomeStats(after window) = %+v, want zero", totals)
		}
	})
}

func TestDeadLetters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		jobID := uuid.NewString()
		rec := func(id, recipient string, attempts int, created time.Time) dlq.Record {
			return dlq.Record{
				ID: id, JobID: jobID, RecipientID: recipient, AttemptsMade: attempts,
				LastError: "503", Reason: dlq.ReasonMaxAttempts,
				FirstFailedAt: created, LastFailedAt: created, CreatedAt: created,
			}
		}
		if err := s.PutDeadLetter(ctx, rec(uuid.NewString(), "u1", 5, t0)); err != nil {
			t.Fatal(err)
		}
		second := uuid.NewString()
		if err := s.PutDeadLetter(ctx, rec(second, "u2", 5, t0.Add(time.Second))); err != nil {
			t.Fatal(err)
		}
		// same (job, recipient, attempts) is a no-op
		if err := s.PutDeadLetter(ctx, rec(uuid.NewString(), "u1", 5, t0)); err != nil {
			t.Fatal(err)
		}

		n, err := s.CountUnresolved(ctx)
		if err != nil || n != 2 {
			t.Fatalf("CountUnresolved() = (%d, %v), want 2", n, err)
		}

		list, err := s.ListDeadLetters(ctx, dlq.Filter{JobID: jobID, Limit: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 || list[0].ID != second {
			t.Errorf("ListDeadLetters() = %+v, want newest first", list)
		}

		if err := s.ResolveDeadLetter(ctx, second, "ops", t0.Add(time.Hour)); err != nil {
			t.Fatalf("ResolveDeadLetter() error = %v", err)
		}
		if err := s.ResolveDeadLetter(ctx, second, "someone-else", t0.Add(2*time.Hour)); err != nil {
			t.Fatalf("ResolveDeadLetter() twice error = %v", err)
		}
		if err := s.ResolveDeadLetter(ctx, uuid.NewString(), "ops", t0); !errors.Is(err, dlq.ErrNotFound) {
			t.Errorf("ResolveDeadLetter(missing) error = %v, want dlq.ErrNotFound", err)
		}

		n, _ = s.CountUnresolved(ctx)
		if n != 1 {
			t.Errorf("CountUnresolved() after resolve = %d, want 1", n)
		}
		unresolved, _ := s.ListDeadLetters(ctx, dlq.Filter{UnresolvedOnly: true, Limit: 10})
		if len(unresolved) != 1 || unresolved[0].RecipientID != "u1" {
			t.Errorf("unresolved = %+v, want only u1", unresolved)
		}
		all, _ := s.ListDeadLetters(ctx, dlq.Filter{Limit: 10})
		for _, r := range all {
			if r.ID == second && (r.ResolvedAt == nil || r.ResolvedBy != "ops") {
				t.Errorf("resolved record = %+v, want resolved by ops", r)
			}
		}
	})
}

func TestClosedMemoryIsUnavailable(t *testing.T) {
	m := NewMemory()
	_ = m.Close()
	if err := m.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping() after Close error = %v, want ErrUnavailable", err)
	}
	if _, _, err := m.ReserveJob(context.Background(), newJob("k")); !errors.Is(err, ErrUnavailable) {
		t.Errorf("ReserveJob() after Close error = %v, want ErrUnavailable", err)
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		wantErr bool
	}{
		{"memory", "memory", false},
		{"sqlite", "sqlite", false},
		{"unknown", "oracle", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{DB: config.DB{Driver: tt.driver, SQLitePath: ":memory:"}}
			s, err := Open(context.Background(), cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s != nil {
				if err := s.Ping(context.Background()); err != nil {
					t.Errorf("Ping() error = %v", err)
				}
				_ = s.Close()
			}
		})
	}
}
