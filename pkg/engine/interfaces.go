package engine

import (
	"context"

	"github.com/pcutils/pcutils/pkg/executor"
	"github.com/pcutils/pcutils/pkg/messaging"
	"github.com/pcutils/pcutils/pkg/policy"
	"github.com/pcutils/pcutils/pkg/seqconfig"
)

// LocalRunner runs an instance on this machine.
type LocalRunner interface {
	Execute(ctx context.Context, req executor.Request, targetIP string, sink messaging.Sink) (*executor.Result, error)
}

// RemoteRunner fans an instance out over SSH.
type RemoteRunner interface {
	Execute(ctx context.Context, req executor.Request, sink messaging.Sink) (*executor.Result, error)
}

// PolicyGate checks an instance before it runs.
type PolicyGate interface {
	EvaluateRecord(ctx context.Context, rec *seqconfig.Record) (*policy.Result, error)
}

// ReportWriter persists finished runs.
type ReportWriter interface {
	SaveRun(ctx context.Context, run *RunResult) error
}

// EventPublisher receives scheduler events.
type EventPublisher interface {
	Publish(ev Event)
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(Event)

// Publish calls f(ev).
func (f EventPublisherFunc) Publish(ev Event) { f(ev) }
