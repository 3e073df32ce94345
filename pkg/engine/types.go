package engine

import (
	"time"

	"github.com/pcutils/pcutils/pkg/executor"
)

// InstanceState is the scheduler's view of one plugin instance.
type InstanceState struct {
	Key          string         `json:"key"`
	Plugin       string         `json:"plugin"`
	InstanceID   int            `json:"instance_id"`
	DisplayName  string         `json:"display_name"`
	Remote       bool           `json:"remote"`
	IgnoreErrors bool           `json:"ignore_errors,omitempty"`
	Status       InstanceStatus `json:"status"`
	Message      string         `json:"message,omitempty"`
	Output       string         `json:"output,omitempty"`
	Error        *EngineError   `json:"error,omitempty"`

	// Hosts holds per-host outcomes of remote instances.
	Hosts []executor.HostResult `json:"hosts,omitempty"`

	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// RunSummary counts instances by outcome.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// RunResult is the outcome of a scheduler run.
type RunResult struct {
	ID       string    `json:"id"`
	Sequence string    `json:"sequence,omitempty"`
	Status   RunStatus `json:"status"`
	// Success is true when every instance succeeded or every failure was
	// absorbed by continue_on_error or ignore_errors.
	Success    bool             `json:"success"`
	Summary    RunSummary       `json:"summary"`
	Instances  []*InstanceState `json:"instances"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Duration   time.Duration    `json:"duration"`
}

// summarize recomputes the summary from the instance states.
func (r *RunResult) summarize() {
	s := RunSummary{Total: len(r.Instances)}
	for _, st := range r.Instances {
		switch st.Status {
		case InstanceSuccess:
			s.Succeeded++
		case InstanceError:
			s.Failed++
		case InstanceBlocked:
			s.Blocked++
		case InstanceSkipped:
			s.Skipped++
		case InstanceCancelled, InstancePending:
			s.Cancelled++
		}
	}
	r.Summary = s
}

// EventType identifies scheduler events.
type EventType string

const (
	EventRunStarted        EventType = "run.started"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventInstanceStarted   EventType = "instance.started"
	EventInstanceCompleted EventType = "instance.completed"
	EventInstanceFailed    EventType = "instance.failed"
	EventInstanceSkipped   EventType = "instance.skipped"
	EventProgress          EventType = "progress"
)

// Event reports a scheduler state change.
type Event struct {
	ID       string         `json:"id"`
	RunID    string         `json:"run_id"`
	Type     EventType      `json:"type"`
	Instance string         `json:"instance,omitempty"`
	Status   InstanceStatus `json:"status,omitempty"`
	Message  string         `json:"message,omitempty"`
	// Progress is the fraction of finished instances.
	Progress  float64   `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}
