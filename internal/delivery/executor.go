package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_notify/internal/dlq"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

// Transport delivers one payload to one recipient. Wrap errors with Permanent
// when a retry cannot succeed.
type Transport interface {
	Deliver(ctx context.Context, recipientID string, p Payload) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, recipientID string, p Payload) error

func (f TransportFunc) Deliver(ctx context.Context, recipientID string, p Payload) error {
	return f(ctx, recipientID, p)
}

// Reporter receives per-unit outcomes. applied is false for a duplicate terminal report.
type Reporter interface {
	RecordOutcome(ctx context.Context, jobID, recipientID string, outcome Outcome, attempts int) (applied bool, err error)
}

type AttemptStore interface {
	SaveAttempt(ctx context.Context, a Attempt) error
}

type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, r dlq.Record) error
}

type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

type Config struct {
	Workers        int
	QueueSize      int
	RatePerSec     float64
	Burst          int
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMax       time.Duration
	JitterPercent  float64
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	return c
}

type Deps struct {
	Transport   Transport
	Reporter    Reporter
	Attempts    AttemptStore
	DeadLetters DeadLetterSink
	Publisher   DeadLetterPublisher // optional
	Metrics     *metrics.Metrics    // optional
	Logger      *logging.Logger
}

// Executor runs delivery units on a fixed pool of workers. Retries wait on
// timers and re-enter the queue, so a unit in backoff never holds a worker.
type Executor struct {
	cfg  Config
	deps Deps
	log  *logging.Logger

	limiter *rate.Limiter
	queue   chan Task

	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	now   func() time.Time
	delay func(attempt int) time.Duration
}

func NewExecutor(cfg Config, deps Deps) *Executor {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		queue:   make(chan Task, cfg.QueueSize),
		runCtx:  runCtx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	e.delay = func(attempt int) time.Duration {
		return computeDelay(attempt, cfg.RetryBase, cfg.RetryMax, cfg.JitterPercent)
	}
	return e
}

// MaxAttempts is the effective attempt ceiling.
func (e *Executor) MaxAttempts() int { return e.cfg.MaxAttempts }

// RetryDelay is the backoff before retry number attempt, on the same schedule
// as delivery retries.
func (e *Executor) RetryDelay(attempt int) time.Duration { return e.delay(attempt) }

// Start launches the workers. Calling it again is a no-op.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		for i := 0; i < e.cfg.Workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
		e.log.WithContext(ctx).WithFields(map[string]any{
			"workers":      e.cfg.Workers,
			"max_attempts": e.cfg.MaxAttempts,
		}).Info("delivery executor started")
	})
}

// Stop refuses new work and waits for in-flight attempts. When ctx expires first
// the remaining transport calls are cancelled. Units still queued or waiting on a
// retry timer stay non-terminal in the store and are resumed by recovery.
func (e *Executor) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// Enqueue hands a unit to the pool, blocking while the queue is full.
func (e *Executor) Enqueue(ctx context.Context, t Task) error {
	select {
	case <-e.stopCh:
		return ErrStopped
	default:
	}
	select {
	case e.queue <- t:
		return nil
	case <-e.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueAt enqueues t once at has passed, without blocking the caller.
func (e *Executor) EnqueueAt(t Task, at time.Time) {
	e.schedule(at.Sub(e.now()), t)
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		select {
		case <-e.stopCh:
			return
		case t := <-e.queue:
			e.process(e.runCtx, t)
		}
	}
}

func (e *Executor) schedule(delay time.Duration, t Task) {
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		select {
		case e.queue <- t:
		case <-e.stopCh:
		}
	})
}

func (e *Executor) process(ctx context.Context, t Task) {
	ctx = tracing.ExtractHeaders(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("job_id", t.JobID),
		attribute.String("recipient_id", t.RecipientID),
		attribute.Int("attempt", t.Attempt),
	)
	defer span.End()

	if t.Finalize != "" {
		e.finalize(ctx, t)
		return
	}

	if err := e.limiter.Wait(ctx); err != nil {
		// shutting down; the unit stays non-terminal
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	start := e.now()
	err := e.deps.Transport.Deliver(callCtx, t.RecipientID, t.Payload)
	latency := e.now().Sub(start)
	cancel()

	if err == nil {
		tracing.AddSpanEvent(ctx, "delivery.success")
		e.deps.Metrics.RecordDelivery("delivered", latency)
		t.Finalize = OutcomeDelivered
		t.LastError = ""
		e.finalize(ctx, t)
		return
	}
	if e.runCtx.Err() != nil {
		// aborted by Stop, not a real attempt
		return
	}

	tracing.SetSpanError(ctx, err)
	reason := ClassifyReason(err)
	span.SetAttributes(attribute.String("failure_reason", reason))
	now := e.now().UTC()
	if t.FirstFailedAt == nil {
		t.FirstFailedAt = &now
	}
	t.LastError = err.Error()
	t.HTTPStatus = HTTPStatus(err)

	if IsPermanent(err) || t.Attempt >= e.cfg.MaxAttempts {
		t.DeadLetterReason = dlq.ReasonMaxAttempts
		if IsPermanent(err) {
			t.DeadLetterReason = dlq.ReasonPermanent
		}
		e.deps.Metrics.RecordDelivery("dead_lettered", latency)
		e.deps.Metrics.RecordDLQ(reason)
		t.Finalize = OutcomeDeadLettered
		e.finalize(ctx, t)
		return
	}

	e.deps.Metrics.RecordDelivery("retrying", latency)
	e.deps.Metrics.RecordRetry(reason)
	e.retry(ctx, t, reason)
}

func (e *Executor) retry(ctx context.Context, t Task, reason string) {
	delay := e.delay(t.Attempt)
	next := t
	next.Attempt = t.Attempt + 1
	nextAt := e.now().Add(delay).UTC()

	if err := e.deps.Attempts.SaveAttempt(ctx, Attempt{
		JobID:         t.JobID,
		RecipientID:   t.RecipientID,
		AttemptNumber: next.Attempt,
		Outcome:       OutcomeRetrying,
		LastError:     t.LastError,
		NextRetryAt:   &nextAt,
		UpdatedAt:     e.now().UTC(),
	}); err != nil {
		e.log.WithContext(ctx).WithJob(t.JobID).WithRecipient(t.RecipientID).WithError(err).Error("save retry state failed")
	}
	if _, err := e.deps.Reporter.RecordOutcome(ctx, t.JobID, t.RecipientID, OutcomeRetrying, t.Attempt); err != nil {
		e.log.WithContext(ctx).WithJob(t.JobID).WithRecipient(t.RecipientID).WithError(err).Warn("report retry failed")
	}

	tracing.AddSpanEvent(ctx, "delivery.requeue",
		attribute.Int("attempt", next.Attempt),
		attribute.String("delay", delay.String()),
	)
	e.log.WithContext(ctx).WithJob(t.JobID).WithRecipient(t.RecipientID).WithFields(map[string]any{
		"attempt": next.Attempt,
		"delay":   delay.String(),
		"reason":  reason,
	}).Info("requeue delivery")

	e.schedule(delay, next)
}

// finalize persists a decided terminal outcome and reports it. Each step is
// idempotent, so a failed step re-schedules the whole sequence.
func (e *Executor) finalize(ctx context.Context, t Task) {
	log := e.log.WithContext(ctx).WithJob(t.JobID).WithRecipient(t.RecipientID)

	if t.Finalize == OutcomeDeadLettered {
		reason := t.DeadLetterReason
		if reason == "" {
			reason = dlq.ReasonMaxAttempts
		}
		last := e.now().UTC()
		rec := dlq.Record{
			JobID:         t.JobID,
			RecipientID:   t.RecipientID,
			AttemptsMade:  t.Attempt,
			LastError:     t.LastError,
			Reason:        reason,
			FirstFailedAt: last,
			LastFailedAt:  last,
		}
		if t.FirstFailedAt != nil {
			rec.FirstFailedAt = *t.FirstFailedAt
		}
		if err := e.deps.DeadLetters.RecordDeadLetter(ctx, rec); err != nil {
			log.WithError(err).Error("dead letter write failed")
			e.reschedule(t)
			return
		}
		if e.deps.Publisher != nil {
			env := NewDeadLetter(t, t.Attempt, t.HTTPStatus, t.LastError, reason)
			if err := e.deps.Publisher.PublishDeadLetter(ctx, env); err != nil {
				log.WithError(err).Warn("dlq publish failed")
			}
		}
	}

	if err := e.deps.Attempts.SaveAttempt(ctx, Attempt{
		JobID:         t.JobID,
		RecipientID:   t.RecipientID,
		AttemptNumber: t.Attempt,
		Outcome:       t.Finalize,
		LastError:     t.LastError,
		UpdatedAt:     e.now().UTC(),
	}); err != nil {
		log.WithError(err).Error("save terminal attempt failed")
		e.reschedule(t)
		return
	}

	applied, err := e.deps.Reporter.RecordOutcome(ctx, t.JobID, t.RecipientID, t.Finalize, t.Attempt)
	switch {
	case errors.Is(err, ErrUnknownJob):
		log.WithError(err).Warn("outcome for untracked job discarded")
	case err != nil:
		log.WithError(err).Error("report outcome failed")
		e.reschedule(t)
	case !applied:
		log.WithField("outcome", string(t.Finalize)).Debug("duplicate terminal report ignored")
	default:
		log.WithFields(map[string]any{
			"outcome":  string(t.Finalize),
			"attempts": t.Attempt,
		}).Debug("delivery unit finished")
	}
}

func (e *Executor) reschedule(t Task) {
	e.schedule(e.delay(1), t)
}
