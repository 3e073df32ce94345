package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pcutils/pcutils/pkg/executor"
	"github.com/pcutils/pcutils/pkg/messaging"
	"github.com/pcutils/pcutils/pkg/seqconfig"
	"github.com/pcutils/pcutils/pkg/telemetry"
)

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// Options wires the scheduler to its executors and observers. Only Local
// is required; remote instances fail with an internal error when Remote
// is nil.
type Options struct {
	Local   LocalRunner
	Remote  RemoteRunner
	Policy  PolicyGate
	Reports ReportWriter
	Events  EventPublisher
	// Sink receives plugin messages and scheduler notices.
	Sink    messaging.Sink
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger

	// ContinueOnError keeps running after a failed instance.
	ContinueOnError bool
}

// RunOptions describes one run.
type RunOptions struct {
	// Sequence names the sequence being run, for reports.
	Sequence string
}

// Scheduler runs plugin instances serially. Parallelism only happens
// inside the SSH fan-out of a single instance.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	running   atomic.Bool
	cancelled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   int
	total  int
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Sink == nil {
		opts.Sink = messaging.Discard
	}
	return &Scheduler{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Cancel stops the active run. The running instance is asked to abort and
// no further instance starts.
func (s *Scheduler) Cancel() {
	s.cancelled.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Progress returns the fraction of finished instances of the active or
// last run.
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fraction(s.done, s.total)
}

func fraction(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total)
}

// Run executes records in order and returns the outcome. Instance
// failures are reported in the result; the error is only set when the
// run could not start.
func (s *Scheduler) Run(ctx context.Context, records []*seqconfig.Record, opts RunOptions) (*RunResult, error) {
	if s.opts.Local == nil {
		return nil, NewError(ErrorClassInternal, "scheduler has no local executor", nil).WithCode(ErrCodeInternal)
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)
	s.cancelled.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.done, s.total = 0, len(records)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	run := &RunResult{
		ID:        uuid.New().String(),
		Sequence:  opts.Sequence,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}
	for _, rec := range records {
		run.Instances = append(run.Instances, newState(rec))
	}

	runCtx, span := telemetry.StartRunSpan(runCtx, run.ID, len(records))
	defer span.End()

	logger := s.logger.With().Str("run_id", run.ID).Logger()
	logger.Info().Int("instances", len(records)).Str("sequence", opts.Sequence).Msg("Run started")
	s.publish(run, Event{Type: EventRunStarted, Message: fmt.Sprintf("%d instance(s)", len(records))})

	stopped := false
	for i, rec := range records {
		st := run.Instances[i]
		switch {
		case s.cancelled.Load() || runCtx.Err() != nil:
			st.Status = InstanceCancelled
			st.Message = "Exécution annulée"
			s.publish(run, instanceEvent(EventInstanceSkipped, st))
			continue
		case stopped:
			st.Status = InstanceSkipped
			st.Message = "Non exécuté : arrêt après erreur"
			s.publish(run, instanceEvent(EventInstanceSkipped, st))
			continue
		}

		s.runInstance(runCtx, run, rec, st, logger)
		s.advance(run)

		if st.Status.IsFailure() && !s.absorbed(st) {
			logger.Warn().Str("instance", st.Key).Msg("Stopping run after failed instance")
			stopped = true
		}
	}

	s.finish(run)
	telemetry.RecordOutcome(span, run.Success, string(run.Status))
	s.opts.Metrics.RecordRunCompleted(run.Success, run.Duration)

	if s.opts.Reports != nil {
		if err := s.opts.Reports.SaveRun(context.WithoutCancel(ctx), run); err != nil {
			logger.Warn().Err(err).Msg("Failed to save run report")
		}
	}

	evType := EventRunCompleted
	if !run.Success {
		evType = EventRunFailed
	}
	s.publish(run, Event{Type: evType, Message: string(run.Status)})

	logger.Info().
		Str("status", string(run.Status)).
		Int("succeeded", run.Summary.Succeeded).
		Int("failed", run.Summary.Failed+run.Summary.Blocked).
		Int("skipped", run.Summary.Skipped+run.Summary.Cancelled).
		Dur("duration", run.Duration).
		Msg("Run finished")

	return run, nil
}

func newState(rec *seqconfig.Record) *InstanceState {
	name := rec.DisplayName
	if name == "" {
		name = rec.PluginName
	}
	return &InstanceState{
		Key:          rec.Key(),
		Plugin:       rec.PluginName,
		InstanceID:   rec.InstanceID,
		DisplayName:  name,
		Remote:       rec.RemoteExecution,
		IgnoreErrors: rec.IgnoreErrors,
		Status:       InstancePending,
	}
}

// absorbed reports whether a failure of st lets the run go on.
func (s *Scheduler) absorbed(st *InstanceState) bool {
	return s.opts.ContinueOnError || st.IgnoreErrors
}

// finish computes the final status of run.
func (s *Scheduler) finish(run *RunResult) {
	run.FinishedAt = time.Now()
	run.Duration = run.FinishedAt.Sub(run.StartedAt)
	run.summarize()

	cancelled, failed, unabsorbed := false, false, false
	for _, st := range run.Instances {
		switch {
		case st.Status == InstanceCancelled:
			cancelled = true
		case st.Status.IsFailure():
			failed = true
			if !s.absorbed(st) {
				unabsorbed = true
			}
		}
	}

	switch {
	case cancelled:
		run.Status = RunStatusCancelled
	case unabsorbed:
		run.Status = RunStatusFailed
	case failed:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusSucceeded
	}
	run.Success = run.Status == RunStatusSucceeded || run.Status == RunStatusPartial
}

// advance counts a finished instance and publishes global progress.
func (s *Scheduler) advance(run *RunResult) {
	s.mu.Lock()
	s.done++
	p := fraction(s.done, s.total)
	s.mu.Unlock()
	s.publish(run, Event{Type: EventProgress, Progress: p})
}

func (s *Scheduler) runInstance(ctx context.Context, run *RunResult, rec *seqconfig.Record, st *InstanceState, logger zerolog.Logger) {
	logger = logger.With().Str("plugin", rec.PluginName).Int("instance", rec.InstanceID).Logger()

	st.Status = InstanceRunning
	st.StartedAt = time.Now()
	s.publish(run, instanceEvent(EventInstanceStarted, st))

	ctx, span := telemetry.StartInstanceSpan(ctx, rec.PluginName, rec.InstanceID, rec.RemoteExecution)
	defer span.End()

	res, err := s.execute(ctx, rec, logger)

	st.FinishedAt = time.Now()
	st.Duration = st.FinishedAt.Sub(st.StartedAt)
	if res != nil {
		st.Message = res.Message
		st.Output = res.Output
		st.Hosts = res.Hosts
	}

	var engErr *EngineError
	switch {
	case err != nil && errors.As(err, &engErr) && engErr.Class == ErrorClassValidation:
		st.Status = InstanceBlocked
	case ctx.Err() != nil:
		st.Status = InstanceCancelled
		engErr = NewError(ErrorClassCancelled, "instance cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
	case err != nil:
		st.Status = InstanceError
		if !errors.As(err, &engErr) {
			engErr = classifyExecError(err)
		}
	case res == nil:
		st.Status = InstanceError
		engErr = NewError(ErrorClassInternal, "executor returned no result", nil).WithCode(ErrCodeInternal)
	case res.Success:
		st.Status = InstanceSuccess
	default:
		st.Status = InstanceError
		engErr = classifyFailure(rec, res)
	}

	if engErr != nil {
		engErr.WithInstance(rec.PluginName, rec.InstanceID)
		st.Error = engErr
		if st.Message == "" {
			st.Message = engErr.Message
		}
		s.opts.Metrics.RecordError(string(engErr.Class))
		telemetry.RecordError(span, engErr)
	}
	if st.Status != InstanceBlocked {
		s.opts.Metrics.RecordInstance(rec.PluginName, rec.RemoteExecution, st.Status == InstanceSuccess, st.Duration)
	}
	telemetry.RecordOutcome(span, st.Status == InstanceSuccess, st.Message)

	evType := EventInstanceCompleted
	if st.Status != InstanceSuccess {
		evType = EventInstanceFailed
	}
	s.publish(run, instanceEvent(evType, st))

	logger.Info().
		Str("status", string(st.Status)).
		Dur("duration", st.Duration).
		Msg("Instance finished")
}

// execute runs the preflight and dispatches rec to its executor. A panic
// inside an executor becomes an internal error.
func (s *Scheduler) execute(ctx context.Context, rec *seqconfig.Record, logger zerolog.Logger) (res *executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Executor panicked")
			err = NewError(ErrorClassInternal, fmt.Sprintf("executor panic: %v", r), nil).WithCode(ErrCodeInternal)
			s.notify(messaging.Errorf(rec.PluginName, rec.InstanceID, "Erreur interne : %v", r))
			res = nil
		}
	}()

	if err := s.preflight(ctx, rec, logger); err != nil {
		return nil, err
	}
	if rec.Manifest == nil {
		s.notify(messaging.Errorf(rec.PluginName, rec.InstanceID, "Manifeste introuvable pour %s", rec.PluginName))
		return nil, NewError(ErrorClassManifest, "plugin manifest not loaded", nil).WithCode(ErrCodeNoManifest)
	}

	req := requestFor(rec)
	s.opts.Metrics.InstanceStarted()
	telemetry.AddPhaseEvent(ctx, "dispatch")

	if rec.RemoteExecution {
		if s.opts.Remote == nil {
			s.notify(messaging.Errorf(rec.PluginName, rec.InstanceID, "Exécution distante indisponible"))
			return nil, NewError(ErrorClassInternal, "no SSH executor configured", nil).WithCode(ErrCodeInternal)
		}
		logger.Debug().Msg("Dispatching to SSH executor")
		return s.opts.Remote.Execute(ctx, req, s.opts.Sink)
	}

	logger.Debug().Msg("Dispatching to local executor")
	res, err = s.opts.Local.Execute(ctx, req, "", s.opts.Sink)
	if err != nil && !errors.Is(err, executor.ErrNoEntryPoint) {
		s.notify(messaging.Errorf(rec.PluginName, rec.InstanceID, "%v", err))
	}
	return res, err
}

// preflight evaluates the policy gate. Evaluation errors are logged and
// do not block.
func (s *Scheduler) preflight(ctx context.Context, rec *seqconfig.Record, logger zerolog.Logger) error {
	if s.opts.Policy == nil {
		return nil
	}
	res, err := s.opts.Policy.EvaluateRecord(ctx, rec)
	if err != nil {
		logger.Warn().Err(err).Msg("Preflight evaluation failed")
		return nil
	}

	for _, w := range res.Warnings {
		logger.Warn().Str("policy", w.Policy).Msg(w.Message)
		s.notify(messaging.Warnf(rec.PluginName, rec.InstanceID, "%s", w.Message))
	}
	if res.Allowed {
		return nil
	}

	msgs := res.Messages()
	for _, m := range msgs {
		s.notify(messaging.Errorf(rec.PluginName, rec.InstanceID, "%s", m))
	}
	e := NewValidationError(strings.Join(msgs, "; "), nil).WithCode(ErrCodePolicyDenied)
	for _, v := range res.Violations {
		e.WithDetail(v.Policy, v.Message)
	}
	return e
}

// requestFor builds the executor request of rec.
func requestFor(rec *seqconfig.Record) executor.Request {
	return executor.Request{
		PluginID:     rec.PluginName,
		InstanceID:   rec.InstanceID,
		DisplayName:  rec.DisplayName,
		PluginDir:    rec.Manifest.Dir,
		FilesContent: rec.Manifest.FilesContent,
		Config:       rec.Config,
		SSHRoot:      rec.Manifest.SSHRoot,
		Timeout:      rec.Timeout,
	}
}

func classifyExecError(err error) *EngineError {
	if errors.Is(err, executor.ErrNoEntryPoint) {
		return NewError(ErrorClassManifest, "plugin has no entry point", err).WithCode(ErrCodeNoEntryPoint)
	}
	return NewError(ErrorClassInternal, "executor failed", err).WithCode(ErrCodeInternal)
}

func classifyFailure(rec *seqconfig.Record, res *executor.Result) *EngineError {
	if !rec.RemoteExecution {
		return NewExecutionError(res.Message, nil).WithCode(ErrCodeFailed).WithDetail("exit_code", res.ExitCode)
	}
	reached := 0
	for _, h := range res.Hosts {
		if !h.Unreachable {
			reached++
		}
	}
	code := ErrCodeFailed
	if reached == 0 {
		code = ErrCodeUnreachable
	}
	return NewRemoteError(res.Message, nil).WithCode(code).WithDetail("hosts", len(res.Hosts))
}

// notify publishes a scheduler notice to the message sink.
func (s *Scheduler) notify(msg messaging.Message) {
	s.opts.Sink.Publish(msg)
}

func instanceEvent(t EventType, st *InstanceState) Event {
	return Event{Type: t, Instance: st.Key, Status: st.Status, Message: st.Message}
}

func (s *Scheduler) publish(run *RunResult, ev Event) {
	if s.opts.Events == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.RunID = run.ID
	ev.Timestamp = time.Now()
	if ev.Type != EventProgress {
		ev.Progress = s.Progress()
	}
	s.opts.Events.Publish(ev)
}
