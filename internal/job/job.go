package job

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxSubjectLen = 100
	MaxBodyLen    = 500
	MaxKeyLen     = 200
)

// Variant separates user-facing broadcasts from operational alerts. Both run
// through the same engine; only the accepted kinds differ.
type Variant string

const (
	VariantBroadcast Variant = "broadcast"
	VariantAlert     Variant = "alert"
)

type Kind string

const (
	KindInfo         Kind = "info"
	KindSuccess      Kind = "success"
	KindWarning      Kind = "warning"
	KindAnnouncement Kind = "announcement"
	KindError        Kind = "error"
	KindCritical     Kind = "critical"
)

var kindsByVariant = map[Variant][]Kind{
	VariantBroadcast: {KindInfo, KindSuccess, KindWarning, KindAnnouncement},
	VariantAlert:     {KindInfo, KindWarning, KindError, KindCritical},
}

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TargetSpec selects the audience: every eligible recipient, or an explicit id set.
type TargetSpec struct {
	Global       bool     `json:"global"`
	RecipientIDs []string `json:"recipientIds,omitempty"`
}

// Request is what a client submits to create a job.
type Request struct {
	IdempotencyKey string     `json:"idempotencyKey"`
	Variant        Variant    `json:"variant,omitempty"`
	Kind           Kind       `json:"kind"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	Target         TargetSpec `json:"targetSpec"`
	CreatedBy      string     `json:"-"`
}

// Job is one logical broadcast or alert.
type Job struct {
	ID             string     `json:"jobId"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Variant        Variant    `json:"variant"`
	Kind           Kind       `json:"kind"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	Target         TargetSpec `json:"targetSpec"`
	Status         Status     `json:"status"`
	TargetCount    int        `json:"targetCount"`
	SentCount      int        `json:"sentCount"`
	FailedCount    int        `json:"failedCount"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// New builds a PENDING job from a validated request.
func New(id string, req Request, now time.Time) Job {
	return Job{
		ID:             id,
		IdempotencyKey: req.IdempotencyKey,
		Variant:        req.Variant,
		Kind:           req.Kind,
		Subject:        req.Subject,
		Body:           req.Body,
		Target:         req.Target,
		Status:         StatusPending,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now.UTC(),
	}
}

// Progress returns the fraction of recipients in a terminal state.
func (j Job) Progress() float64 {
	if j.TargetCount == 0 {
		if j.Status.Terminal() {
			return 1
		}
		return 0
	}
	return float64(j.SentCount+j.FailedCount) / float64(j.TargetCount)
}

// Remaining is the number of recipients that have not reached a terminal outcome.
func (j Job) Remaining() int {
	return j.TargetCount - j.SentCount - j.FailedCount
}

// ValidationError is returned for malformed requests. It never creates a job.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Normalize trims whitespace and applies the default variant.
func (r *Request) Normalize() {
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	r.Subject = strings.TrimSpace(r.Subject)
	r.Body = strings.TrimSpace(r.Body)
	if r.Variant == "" {
		r.Variant = VariantBroadcast
	}
	r.Variant = Variant(strings.ToLower(string(r.Variant)))
	r.Kind = Kind(strings.ToLower(strings.TrimSpace(string(r.Kind))))
}

// Validate checks the request shape. Lengths are counted in runes.
func (r Request) Validate() error {
	if r.IdempotencyKey == "" {
		return invalid("idempotencyKey", "is required")
	}
	if len(r.IdempotencyKey) > MaxKeyLen {
		return invalid("idempotencyKey", "must be at most %d bytes", MaxKeyLen)
	}
	kinds, ok := kindsByVariant[r.Variant]
	if !ok {
		return invalid("variant", "unknown variant %q", r.Variant)
	}
	if !containsKind(kinds, r.Kind) {
		return invalid("kind", "%q is not valid for %s", r.Kind, r.Variant)
	}
	if n := utf8.RuneCountInString(r.Subject); n == 0 || n > MaxSubjectLen {
		return invalid("subject", "must be 1-%d characters", MaxSubjectLen)
	}
	if n := utf8.RuneCountInString(r.Body); n == 0 || n > MaxBodyLen {
		return invalid("body", "must be 1-%d characters", MaxBodyLen)
	}
	if r.Target.Global && len(r.Target.RecipientIDs) > 0 {
		return invalid("targetSpec", "global target cannot list recipients")
	}
	if !r.Target.Global {
		nonEmpty := 0
		for _, id := range r.Target.RecipientIDs {
			if strings.TrimSpace(id) != "" {
				nonEmpty++
			}
		}
		if nonEmpty == 0 {
			return invalid("targetSpec", "explicit target requires at least one recipient")
		}
	}
	return nil
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, candidate := range kinds {
		if candidate == k {
			return true
		}
	}
	return false
}
