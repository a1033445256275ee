package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_notify/internal/job"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

// Reserver performs the atomic insert-or-return on the idempotency key.
type Reserver interface {
	ReserveJob(ctx context.Context, j job.Job) (job.Job, bool, error)
}

// Gate turns a request into exactly one job per idempotency key.
type Gate struct {
	store Reserver
	log   *logging.Logger
	now   func() time.Time
	newID func() string
}

func NewGate(store Reserver, log *logging.Logger) *Gate {
	if log == nil {
		log = logging.Nop()
	}
	return &Gate{
		store: store,
		log:   log,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Submit validates req and reserves a job under key. A key seen before returns
// the stored job with created=false; that is not an error. A non-empty key
// argument takes precedence over the one in the request body.
func (g *Gate) Submit(ctx context.Context, key string, req job.Request) (job.Job, bool, error) {
	if key != "" {
		req.IdempotencyKey = key
	}
	req.Normalize()

	ctx, span := tracing.StartSpan(ctx, "idempotency.Submit",
		attribute.String("idempotency_key", req.IdempotencyKey),
		attribute.String("variant", string(req.Variant)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		return job.Job{}, false, err
	}

	tracing.AddSpanEvent(ctx, "db.reserve_job")
	j, created, err := g.store.ReserveJob(ctx, job.New(g.newID(), req, g.now()))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return job.Job{}, false, fmt.Errorf("reserve job: %w", err)
	}
	span.SetAttributes(
		attribute.String("job_id", j.ID),
		attribute.Bool("created", created),
	)

	entry := g.log.WithContext(ctx).WithJob(j.ID).WithField("idempotency_key", j.IdempotencyKey)
	if created {
		entry.WithField("variant", string(j.Variant)).Info("job accepted")
	} else {
		entry.WithField("status", string(j.Status)).Info("duplicate submission, returning existing job")
	}
	return j, created, nil
}
