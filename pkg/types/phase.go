package types

type PhaseRunStatus string

const (
	PhaseRunStatusRunning PhaseRunStatus = "running"
	PhaseRunStatusSuccess PhaseRunStatus = "success"
	PhaseRunStatusFailed  PhaseRunStatus = "failed"
)

// Phase names a unit of the billing cycle. Phases run in declaration order.
type Phase string

const (
	PhaseInvoiceGeneration Phase = "invoice_generation"
	PhaseDunning           Phase = "dunning"
	PhaseTrialExpiry       Phase = "trial_expiry"
	PhaseDelinquency       Phase = "delinquency"
)

// AllPhases lists the phases in execution order (A -> D).
var AllPhases = []Phase{
	PhaseInvoiceGeneration,
	PhaseDunning,
	PhaseTrialExpiry,
	PhaseDelinquency,
}

func (p Phase) Valid() bool {
	for _, known := range AllPhases {
		if p == known {
			return true
		}
	}
	return false
}
