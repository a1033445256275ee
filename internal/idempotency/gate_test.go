package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_notify/internal/job"
	"github.com/austindbirch/harbor_notify/internal/store"
)

func validRequest(key string) job.Request {
	return job.Request{
		IdempotencyKey: key,
		Variant:        job.VariantAlert,
		Kind:           job.KindCritical,
		Subject:        "disk full",
		Body:           "node-3 is at 99%",
		Target:         job.TargetSpec{RecipientIDs: []string{"ops-1"}},
	}
}

func TestSubmitCreatesThenReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	g := NewGate(s, nil)

	first, created, err := g.Submit(ctx, "", validRequest("k1"))
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}
	if first.Status != job.StatusPending || first.ID == "" {
		t.Fatalf("unexpected job %+v", first)
	}

	// a different body under the same key still returns the original
	req := validRequest("k1")
	req.Subject = "something else"
	second, created, err := g.Submit(ctx, "", req)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("duplicate reported as created")
	}
	if second.ID != first.ID || second.Subject != "disk full" {
		t.Errorf("duplicate returned %+v", second)
	}
}

func TestSubmitHeaderKeyWins(t *testing.T) {
	g := NewGate(store.NewMemory(), nil)
	j, _, err := g.Submit(context.Background(), "header-key", validRequest("body-key"))
	if err != nil {
		t.Fatal(err)
	}
	if j.IdempotencyKey != "header-key" {
		t.Errorf("IdempotencyKey = %q", j.IdempotencyKey)
	}
}

func TestSubmitValidation(t *testing.T) {
	g := NewGate(store.NewMemory(), nil)
	tests := []struct {
		name  string
		mut   func(*job.Request)
		field string
	}{
		{"missing key", func(r *job.Request) { r.IdempotencyKey = "" }, "idempotencyKey"},
		{"alert kind on broadcast", func(r *job.Request) { r.Variant = job.VariantBroadcast }, "kind"},
		{"empty subject", func(r *job.Request) { r.Subject = "  " }, "subject"},
		{"empty explicit target", func(r *job.Request) { r.Target.RecipientIDs = nil }, "targetSpec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest("k")
			tt.mut(&req)
			_, _, err := g.Submit(context.Background(), "", req)
			var verr *job.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestSubmitConcurrentSameKey(t *testing.T) {
	g := NewGate(store.NewMemory(), nil)
	const callers = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]int{}
	createdCount := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, created, err := g.Submit(context.Background(), "same", validRequest(""))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[j.ID]++
			if created {
				createdCount++
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created %d jobs, want 1", createdCount)
	}
	if len(ids) != 1 {
		t.Errorf("callers saw %d distinct job ids, want 1", len(ids))
	}
}

func TestSubmitSameMillisecond(t *testing.T) {
	g := NewGate(store.NewMemory(), nil)
	frozen := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return frozen }

	a, createdA, err := g.Submit(context.Background(), "tick", validRequest(""))
	if err != nil {
		t.Fatal(err)
	}
	b, createdB, err := g.Submit(context.Background(), "tick", validRequest(""))
	if err != nil {
		t.Fatal(err)
	}
	if !createdA || createdB || a.ID != b.ID {
		t.Errorf("a=%s/%v b=%s/%v", a.ID, createdA, b.ID, createdB)
	}
}

type failingReserver struct{}

func (failingReserver) ReserveJob(context.Context, job.Job) (job.Job, bool, error) {
	return job.Job{}, false, fmt.Errorf("insert: %w", store.ErrUnavailable)
}

func TestSubmitStoreUnavailable(t *testing.T) {
	g := NewGate(failingReserver{}, nil)
	_, _, err := g.Submit(context.Background(), "k", validRequest(""))
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("err = %v", err)
	}
}
