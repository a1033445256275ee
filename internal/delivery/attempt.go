package delivery

import "time"

type Outcome string

const (
	OutcomePending      Outcome = "PENDING"
	OutcomeDelivered    Outcome = "DELIVERED"
	OutcomeRetrying     Outcome = "RETRYING"
	OutcomeDeadLettered Outcome = "DEAD_LETTERED"
)

// Terminal reports whether no further attempts follow this outcome.
func (o Outcome) Terminal() bool {
	return o == OutcomeDelivered || o == OutcomeDeadLettered
}

// Attempt is the persisted progress of one (job, recipient) unit.
// AttemptNumber is the attempt about to run while PENDING or RETRYING and the
// attempts made once terminal.
type Attempt struct {
	JobID         string     `json:"jobId"`
	RecipientID   string     `json:"recipientId"`
	AttemptNumber int        `json:"attemptNumber"`
	Outcome       Outcome    `json:"outcome"`
	LastError     string     `json:"lastError,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Resume converts a non-terminal attempt back into executor work.
func (a Attempt) Resume(p Payload) Task {
	n := a.AttemptNumber
	if n < 1 {
		n = 1
	}
	return Task{
		JobID:       a.JobID,
		RecipientID: a.RecipientID,
		Attempt:     n,
		Payload:     p,
		LastError:   a.LastError,
	}
}
