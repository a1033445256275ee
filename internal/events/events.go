// Package events publishes job status changes and dead-letter envelopes to
// NSQ so that other services can follow delivery without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/job"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

const StatusType = "job.status"

// StatusEvent is the envelope published on every job transition.
type StatusEvent struct {
	Type         string            `json:"type"`
	Version      string            `json:"version"`
	At           string            `json:"at"`
	JobID        string            `json:"jobId"`
	Variant      job.Variant       `json:"variant"`
	Kind         job.Kind          `json:"kind"`
	Status       job.Status        `json:"status"`
	TargetCount  int               `json:"targetCount"`
	SentCount    int               `json:"sentCount"`
	FailedCount  int               `json:"failedCount"`
	LastError    string            `json:"lastError,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewStatusEvent(ctx context.Context, j job.Job, now time.Time) StatusEvent {
	return StatusEvent{
		Type:         StatusType,
		Version:      "v1",
		At:           now.UTC().Format(time.RFC3339Nano),
		JobID:        j.ID,
		Variant:      j.Variant,
		Kind:         j.Kind,
		Status:       j.Status,
		TargetCount:  j.TargetCount,
		SentCount:    j.SentCount,
		FailedCount:  j.FailedCount,
		LastError:    j.LastError,
		CompletedAt:  j.CompletedAt,
		TraceHeaders: tracing.InjectHeaders(ctx),
	}
}

// Publisher is implemented by every event sink.
type Publisher interface {
	PublishStatus(ctx context.Context, j job.Job) error
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishStatus(context.Context, job.Job) error                 { return nil }
func (Nop) PublishDeadLetter(context.Context, delivery.DeadLetter) error { return nil }

// Producer is the subset of *nsq.Producer used here.
type Producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

type NSQPublisher struct {
	prod          Producer
	statusTopic   string
	dlqTopic      string
	publishStatus bool
	publishDLQ    bool
	log           *logging.Logger
}

type Options struct {
	StatusTopic   string
	DLQTopic      string
	PublishStatus bool
	PublishDLQ    bool
}

// NewNSQProducer connects a producer to nsqd and pings it.
func NewNSQProducer(addr string) (*nsq.Producer, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	if err := prod.Ping(); err != nil {
		prod.Stop()
		return nil, fmt.Errorf("nsq ping %s: %w", addr, err)
	}
	return prod, nil
}

func NewNSQPublisher(prod Producer, opts Options, log *logging.Logger) *NSQPublisher {
	if log == nil {
		log = logging.Nop()
	}
	return &NSQPublisher{
		prod:          prod,
		statusTopic:   opts.StatusTopic,
		dlqTopic:      opts.DLQTopic,
		publishStatus: opts.PublishStatus,
		publishDLQ:    opts.PublishDLQ,
		log:           log,
	}
}

func (p *NSQPublisher) PublishStatus(ctx context.Context, j job.Job) error {
	if !p.publishStatus {
		return nil
	}
	return p.publish(ctx, p.statusTopic, NewStatusEvent(ctx, j, time.Now()))
}

func (p *NSQPublisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	if !p.publishDLQ {
		return nil
	}
	if err := p.publish(ctx, p.dlqTopic, dl); err != nil {
		return err
	}
	p.log.WithContext(ctx).WithJob(dl.Task.JobID).WithRecipient(dl.Task.RecipientID).
		WithField("topic", p.dlqTopic).Info("dlq published")
	return nil
}

func (p *NSQPublisher) publish(ctx context.Context, topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	if err := p.prod.Publish(topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", topic))
	return nil
}

func (p *NSQPublisher) Stop() {
	p.prod.Stop()
}
