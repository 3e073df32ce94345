package stores

import (
	"context"
	"errors"
	"time"

	"github.com/pcutils/pcutils/pkg/engine"
)

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("report not found")

// HostUnreachable is the status of a host row that failed the
// reachability probe.
const HostUnreachable = "unreachable"

// Run is a stored run report.
type Run struct {
	ID         string            `json:"id"`
	Sequence   string            `json:"sequence,omitempty"`
	Machine    string            `json:"machine"`
	Status     engine.RunStatus  `json:"status"`
	Success    bool              `json:"success"`
	Summary    engine.RunSummary `json:"summary"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Duration   time.Duration     `json:"duration"`
}

// InstanceResult is one instance row of a run, or one host row of a
// remote instance.
type InstanceResult struct {
	ID          int64         `json:"id"`
	RunID       string        `json:"run_id"`
	Position    int           `json:"position"`
	Plugin      string        `json:"plugin"`
	InstanceID  int           `json:"instance_id"`
	DisplayName string        `json:"display_name,omitempty"`
	TargetIP    string        `json:"target_ip,omitempty"`
	Status      string        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Output      string        `json:"output,omitempty"`
	ErrorClass  string        `json:"error_class,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Succeeded reports whether the row is a success.
func (r *InstanceResult) Succeeded() bool {
	return r.Status == string(engine.InstanceSuccess)
}

// Store is the report persistence layer.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	SaveRun(ctx context.Context, result *engine.RunResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListResults(ctx context.Context, runID string) ([]*InstanceResult, error)
	DeleteRun(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) error
}

var _ engine.ReportWriter = (Store)(nil)
