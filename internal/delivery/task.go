package delivery

import (
	"time"

	"github.com/austindbirch/harbor_notify/internal/job"
)

// Payload is what a transport receives for one recipient.
type Payload struct {
	JobID   string      `json:"job_id"`
	Variant job.Variant `json:"variant"`
	Kind    job.Kind    `json:"kind"`
	Subject string      `json:"subject"`
	Body    string      `json:"body"`
}

// PayloadFor extracts the transport payload of a job.
func PayloadFor(j job.Job) Payload {
	return Payload{
		JobID:   j.ID,
		Variant: j.Variant,
		Kind:    j.Kind,
		Subject: j.Subject,
		Body:    j.Body,
	}
}

// Task is one unit of executor work: the next attempt for a (job, recipient) pair,
// or, when Finalize is set, the persistence and reporting of an outcome already decided.
type Task struct {
	JobID            string            `json:"job_id"`
	RecipientID      string            `json:"recipient_id"`
	Attempt          int               `json:"attempt"` // 1-based number of the attempt to run
	Payload          Payload           `json:"payload"`
	LastError        string            `json:"last_error,omitempty"`
	HTTPStatus       int               `json:"http_status,omitempty"`
	FirstFailedAt    *time.Time        `json:"first_failed_at,omitempty"`
	Finalize         Outcome           `json:"finalize,omitempty"`
	DeadLetterReason string            `json:"dead_letter_reason,omitempty"`
	TraceHeaders     map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewTask builds the first attempt for a recipient.
func NewTask(p Payload, recipientID string, traceHeaders map[string]string) Task {
	return Task{
		JobID:        p.JobID,
		RecipientID:  recipientID,
		Attempt:      1,
		Payload:      p,
		TraceHeaders: traceHeaders,
	}
}
