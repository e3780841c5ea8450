package models

import "time"

// Decision is the outcome of a run condition check.
type Decision struct {
	Permitted bool
	Reason    string // set when denied
}

// Permit returns a permitting decision.
func Permit() Decision {
	return Decision{Permitted: true}
}

// Deny returns a denying decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// ExecutionOutcome describes a single attempt of the backup command.
type ExecutionOutcome struct {
	Attempt   int
	ExitCode  int
	Succeeded bool
}

// RetryResult holds the result of a retried backup command.
type RetryResult struct {
	Succeeded bool
	Attempts  []ExecutionOutcome
	Duration  time.Duration
}

// RunStatus describes how a backup run ended.
type RunStatus string

// Run statuses.
const (
	RunDenied    RunStatus = "denied"
	RunNotDue    RunStatus = "not_due"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunResult holds the result of a complete backup run.
type RunResult struct {
	Status   RunStatus
	Reason   string
	Attempts int
	Duration time.Duration
}
