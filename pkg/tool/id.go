package tool

import "github.com/google/uuid"

func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewCorrelationID tags every record and log line produced by one orchestrator invocation.
func NewCorrelationID() string {
	return "run_" + GenerateUUIDV7()
}
