// Package engine wires submission, audience resolution, delivery and progress
// tracking into one service, and owns its lifecycle: start, graceful stop,
// crash recovery and periodic maintenance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_notify/internal/audience"
	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/dlq"
	"github.com/austindbirch/harbor_notify/internal/events"
	"github.com/austindbirch/harbor_notify/internal/idempotency"
	"github.com/austindbirch/harbor_notify/internal/job"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/tracing"
	"github.com/austindbirch/harbor_notify/internal/tracker"
)

type Config struct {
	Delivery           delivery.Config
	StatsWindow        time.Duration
	PruneTTL           time.Duration
	PruneSpec          string // robfig/cron spec, empty disables pruning
	RecoverConcurrency int
}

type Deps struct {
	Store     store.Store
	Directory audience.Directory
	Transport delivery.Transport
	Publisher events.Publisher // optional
	Metrics   *metrics.Metrics // optional
	Logger    *logging.Logger
}

type Engine struct {
	cfg      Config
	store    store.Store
	gate     *idempotency.Gate
	resolver *audience.Resolver
	tracker  *tracker.Tracker
	exec     *delivery.Executor
	dlq      *dlq.Service
	metrics  *metrics.Metrics
	log      *logging.Logger
	cron     *cron.Cron

	baseCtx  context.Context
	cancel   context.CancelFunc
	dispatch sync.WaitGroup
	now      func() time.Time
}

func New(cfg Config, deps Deps) *Engine {
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.RecoverConcurrency < 1 {
		cfg.RecoverConcurrency = 4
	}

	dlqSvc := dlq.NewService(deps.Store, cfg.StatsWindow, log)
	tr := tracker.New(deps.Store, pub, log)
	exec := delivery.NewExecutor(cfg.Delivery, delivery.Deps{
		Transport:   deps.Transport,
		Reporter:    tr,
		Attempts:    deps.Store,
		DeadLetters: dlqSvc,
		Publisher:   pub,
		Metrics:     deps.Metrics,
		Logger:      log,
	})

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		gate:     idempotency.NewGate(deps.Store, log),
		resolver: audience.NewResolver(deps.Directory, log),
		tracker:  tr,
		exec:     exec,
		dlq:      dlqSvc,
		metrics:  deps.Metrics,
		log:      log,
		cron:     cron.New(),
		baseCtx:  baseCtx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// flushSpec is how often job rows whose last write failed are written again.
const flushSpec = "@every 30s"

// Start launches the delivery workers and the maintenance schedule.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.cron.AddFunc(flushSpec, e.flush); err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	if e.cfg.PruneSpec != "" && e.cfg.PruneTTL > 0 {
		if _, err := e.cron.AddFunc(e.cfg.PruneSpec, e.prune); err != nil {
			return fmt.Errorf("schedule prune %q: %w", e.cfg.PruneSpec, err)
		}
	}
	e.exec.Start(ctx)
	e.cron.Start()
	return nil
}

// Stop waits for in-flight dispatches, stops maintenance and drains the
// executor until ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.dispatch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		<-done
	}

	cronCtx := e.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	err := e.exec.Stop(ctx)
	e.cancel()
	return err
}

func (e *Engine) flush() {
	if left := e.tracker.Flush(e.baseCtx); left > 0 {
		e.log.Plain().WithField("unsaved", left).Warn("job rows still unsaved")
	}
}

func (e *Engine) prune() {
	e.flush()
	n := e.tracker.Prune(e.cfg.PruneTTL)
	if n > 0 {
		e.log.Plain().WithField("evicted", n).Info("pruned finished jobs from memory")
	}
}

// Submit accepts a request. A new job is fanned out in the background and the
// call returns without waiting for it; a duplicate key returns the stored job.
func (e *Engine) Submit(ctx context.Context, key string, req job.Request) (job.Job, bool, error) {
	j, created, err := e.gate.Submit(ctx, key, req)
	if err != nil {
		return job.Job{}, false, err
	}
	e.metrics.RecordSubmission(string(j.Variant), created)
	if !created {
		return j, false, nil
	}

	headers := tracing.InjectHeaders(ctx)
	e.dispatch.Add(1)
	go func() {
		defer e.dispatch.Done()
		dctx := tracing.ExtractHeaders(e.baseCtx, headers)
		e.fanOut(dctx, j, headers)
	}()
	return j, true, nil
}

// fanOut resolves the audience, persists one attempt per recipient, starts
// tracking and hands every unit to the executor.
func (e *Engine) fanOut(ctx context.Context, j job.Job, headers map[string]string) {
	ctx, span := tracing.StartSpan(ctx, "engine.fanOut", attribute.String("job_id", j.ID))
	defer span.End()
	log := e.log.WithContext(ctx).WithJob(j.ID)

	recipients, err := e.resolver.Resolve(ctx, j.Target)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Warn("audience resolution failed")
		e.failJob(ctx, j.ID, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("target_count", len(recipients)))

	if err := e.store.CreateAttempts(ctx, j.ID, recipients, e.now().UTC()); err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("persist attempts failed")
		e.failJob(ctx, j.ID, fmt.Sprintf("persist attempts: %v", err))
		return
	}

	var started job.Job
	err = e.retry(ctx, j.ID, "start job", func() error {
		var berr error
		started, berr = e.tracker.Begin(ctx, j, recipients)
		return berr
	})
	if err != nil {
		// only on shutdown; left PENDING with attempts persisted for recovery
		log.WithError(err).Error("start job abandoned")
		return
	}
	if started.Status.Terminal() {
		return
	}

	payload := delivery.PayloadFor(j)
	for _, r := range recipients {
		if err := e.exec.Enqueue(ctx, delivery.NewTask(payload, r, headers)); err != nil {
			// remaining units stay PENDING in the store for recovery
			log.WithError(err).Warn("enqueue stopped")
			return
		}
	}
	log.WithField("recipients", len(recipients)).Debug("job fanned out")
}

func (e *Engine) failJob(ctx context.Context, jobID, reason string) {
	err := e.retry(ctx, jobID, "mark job failed", func() error {
		_, ferr := e.tracker.Fail(ctx, jobID, reason)
		return ferr
	})
	if err != nil {
		e.log.WithContext(ctx).WithJob(jobID).WithError(err).Error("mark job failed abandoned")
	}
}

// retry runs op until it succeeds, backing off on the delivery retry schedule.
// It gives up when ctx ends or the job no longer exists.
func (e *Engine) retry(ctx context.Context, jobID, what string, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return err
		}
		delay := e.exec.RetryDelay(attempt)
		e.log.WithContext(ctx).WithJob(jobID).WithError(err).WithFields(map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn(what + " failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Recover resumes every job that was not terminal when the process last
// stopped. It must run after Start and before new submissions are accepted.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	jobs, err := e.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.RecoverConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			if err := e.recoverJob(gctx, j); err != nil {
				return fmt.Errorf("recover job %s: %w", j.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if len(jobs) > 0 {
		e.log.WithContext(ctx).WithField("jobs", len(jobs)).Info("recovered unfinished jobs")
	}
	return len(jobs), nil
}

func (e *Engine) recoverJob(ctx context.Context, j job.Job) error {
	if _, tracked := e.tracker.Units(j.ID); tracked {
		return nil
	}
	attempts, err := e.store.ListAttempts(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	if len(attempts) == 0 && j.Status == job.StatusPending {
		e.fanOut(ctx, j, nil)
		return nil
	}

	_, pending, err := e.tracker.Restore(ctx, j, attempts)
	if err != nil {
		return err
	}
	payload := delivery.PayloadFor(j)
	for _, a := range pending {
		t := a.Resume(payload)
		if a.NextRetryAt != nil {
			e.exec.EnqueueAt(t, *a.NextRetryAt)
			continue
		}
		if err := e.exec.Enqueue(ctx, t); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
	}
	return nil
}

// Status is the polling read model.
func (e *Engine) Status(ctx context.Context, jobID string) (job.Job, error) {
	return e.tracker.Status(ctx, jobID)
}

func (e *Engine) Stats(ctx context.Context) (dlq.Stats, error) {
	return e.dlq.Stats(ctx)
}

func (e *Engine) DeadLetters(ctx context.Context, f dlq.Filter) ([]dlq.Record, error) {
	return e.dlq.List(ctx, f)
}

func (e *Engine) ResolveDeadLetter(ctx context.Context, id, by string) error {
	return e.dlq.Resolve(ctx, id, by)
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}
