package engine

import "fmt"

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some instances failed but every failure
	// was absorbed by continue_on_error or ignore_errors.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// InstanceStatus is the state of one plugin instance in a run.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceSuccess   InstanceStatus = "success"
	InstanceError     InstanceStatus = "error"
	InstanceBlocked   InstanceStatus = "blocked"
	InstanceSkipped   InstanceStatus = "skipped"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal returns true once the instance will not change any more.
func (s InstanceStatus) IsTerminal() bool {
	return s != InstancePending && s != InstanceRunning
}

// IsFailure returns true for statuses that count against the run.
func (s InstanceStatus) IsFailure() bool {
	return s == InstanceError || s == InstanceBlocked
}

// Validate checks if the instance status is valid.
func (s InstanceStatus) Validate() error {
	switch s {
	case InstancePending, InstanceRunning, InstanceSuccess, InstanceError,
		InstanceBlocked, InstanceSkipped, InstanceCancelled:
		return nil
	default:
		return fmt.Errorf("invalid instance status: %s", s)
	}
}
