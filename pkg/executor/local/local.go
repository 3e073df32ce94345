// Package local runs plugins as child processes on this machine.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pcutils/pcutils/pkg/executor"
	"github.com/pcutils/pcutils/pkg/messaging"
)

// DefaultGracePeriod is how long a cancelled child gets between SIGTERM
// and SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// Config configures the local executor.
type Config struct {
	Python      string
	GracePeriod time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

// Executor runs plugin entry points locally.
type Executor struct {
	config Config
	logger zerolog.Logger
}

// New creates a local executor.
func New(cfg Config, logger zerolog.Logger) *Executor {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Executor{
		config: cfg,
		logger: logger.With().Str("component", "local_executor").Logger(),
	}
}

// Execute runs the plugin and streams its output to sink. targetIP is
// used to tag messages when the run stands in for a remote host.
func (e *Executor) Execute(ctx context.Context, req executor.Request, targetIP string, sink messaging.Sink) (*executor.Result, error) {
	start := time.Now()
	label := req.DisplayName
	if label == "" {
		label = req.PluginID
	}

	ep, err := executor.DetectEntryPoint(req.PluginDir)
	if err != nil {
		sink.Publish(messaging.Errorf(req.PluginID, req.InstanceID, "%v", err).Tag("", 0, targetIP))
		return &executor.Result{ExitCode: -1, Message: err.Error(), Duration: time.Since(start)}, err
	}

	executor.InjectFiles(&req, sink)

	argv, err := req.Argv(ep, e.config.Python)
	if err != nil {
		return &executor.Result{ExitCode: -1, Message: err.Error(), Duration: time.Since(start)}, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.PluginDir
	cmd.Env = append(os.Environ(), e.config.Env...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return terminate(cmd.Process)
	}
	cmd.WaitDelay = e.config.GracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	e.logger.Debug().
		Str("plugin", req.PluginID).
		Int("instance", req.InstanceID).
		Strs("argv", redact(argv, ep)).
		Msg("Starting plugin")

	sink.Publish(messaging.New(messaging.KindStart, req.PluginID, req.InstanceID, label).Tag("", 0, targetIP))

	if err := cmd.Start(); err != nil {
		msg := fmt.Sprintf("Impossible de lancer %s: %v", label, err)
		sink.Publish(messaging.Errorf(req.PluginID, req.InstanceID, "%s", msg).Tag("", 0, targetIP))
		return &executor.Result{ExitCode: -1, Message: msg, Duration: time.Since(start)}, nil
	}

	done := make(chan struct{})
	go e.killAfterGrace(ctx, cmd.Process, done)

	tracker := executor.NewTracker(0)
	var g errgroup.Group
	g.Go(func() error {
		return executor.Pump(messaging.NewDecoder(stdout), req, targetIP, tracker, sink)
	})
	g.Go(func() error {
		return executor.Pump(messaging.NewStderrDecoder(stderr), req, targetIP, tracker, sink)
	})
	readErr := g.Wait()
	waitErr := cmd.Wait()
	close(done)

	result := &executor.Result{
		Output:   tracker.Output(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	failed, reason := tracker.Failed()
	switch {
	case ctx.Err() != nil:
		result.ExitCode = -1
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Message = fmt.Sprintf("%s: délai dépassé après %s", label, req.Timeout)
		} else {
			result.Message = fmt.Sprintf("%s: exécution annulée", label)
		}
	case waitErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			result.ExitCode = -1
		}
		result.Message = fmt.Sprintf("Erreur lors de l'exécution (code %d)", result.ExitCode)
	case readErr != nil:
		result.Message = fmt.Sprintf("%s: lecture de la sortie impossible: %v", label, readErr)
	case failed:
		result.Message = fmt.Sprintf("%s: %s", label, reason)
	default:
		result.Success = true
		result.Message = fmt.Sprintf("%s terminé(e) avec succès", label)
	}

	endKind := messaging.KindSuccess
	if !result.Success {
		endKind = messaging.KindError
	}
	sink.Publish(messaging.New(endKind, req.PluginID, req.InstanceID, result.Message).Tag("", 0, targetIP))
	sink.Publish(messaging.New(messaging.KindEnd, req.PluginID, req.InstanceID, label).Tag("", 0, targetIP))

	e.logger.Info().
		Str("plugin", req.PluginID).
		Int("instance", req.InstanceID).
		Bool("success", result.Success).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Plugin finished")

	return result, nil
}

// killAfterGrace force-kills the process group when it is still around
// GracePeriod after ctx is done. Grandchildren holding the output pipes
// would otherwise keep the readers blocked.
func (e *Executor) killAfterGrace(ctx context.Context, p *os.Process, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(e.config.GracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn().Int("pid", p.Pid).Msg("Plugin ignored SIGTERM, killing its process group")
		_ = kill(p)
	}
}

// redact hides the JSON payload of python plugins from debug logs since
// it may carry passwords.
func redact(argv []string, ep executor.EntryPoint) []string {
	if ep.Kind != executor.EntryPython || len(argv) < 3 {
		return argv
	}
	out := append([]string(nil), argv[:2]...)
	return append(out, "<config>")
}
