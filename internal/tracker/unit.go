package tracker

import "github.com/austindbirch/harbor_notify/internal/delivery"

type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseRetrying     Phase = "retrying"
	PhaseDelivered    Phase = "delivered"
	PhaseDeadLettered Phase = "dead_lettered"
)

func (p Phase) Terminal() bool {
	return p == PhaseDelivered || p == PhaseDeadLettered
}

// UnitState is the tracker's view of one (job, recipient) unit.
type UnitState struct {
	Phase    Phase `json:"phase"`
	Attempts int   `json:"attempts"`
}

// Apply is the unit transition function. Terminal states absorb every input,
// and a retry report older than the current one is ignored.
func Apply(s UnitState, o delivery.Outcome, attempts int) (UnitState, bool) {
	if s.Phase.Terminal() {
		return s, false
	}
	switch o {
	case delivery.OutcomeDelivered:
		return UnitState{Phase: PhaseDelivered, Attempts: attempts}, true
	case delivery.OutcomeDeadLettered:
		return UnitState{Phase: PhaseDeadLettered, Attempts: attempts}, true
	case delivery.OutcomeRetrying:
		if attempts < s.Attempts {
			return s, false
		}
		return UnitState{Phase: PhaseRetrying, Attempts: attempts}, true
	default:
		return s, false
	}
}

func stateOf(a delivery.Attempt) UnitState {
	switch a.Outcome {
	case delivery.OutcomeDelivered:
		return UnitState{Phase: PhaseDelivered, Attempts: a.AttemptNumber}
	case delivery.OutcomeDeadLettered:
		return UnitState{Phase: PhaseDeadLettered, Attempts: a.AttemptNumber}
	case delivery.OutcomeRetrying:
		// AttemptNumber is the attempt about to run
		return UnitState{Phase: PhaseRetrying, Attempts: a.AttemptNumber - 1}
	default:
		return UnitState{Phase: PhasePending}
	}
}
