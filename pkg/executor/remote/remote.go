// Package remote runs plugins on remote hosts over SSH and fans a plugin
// instance out to every targeted host.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pcutils/pcutils/pkg/credentials"
	"github.com/pcutils/pcutils/pkg/executor"
	"github.com/pcutils/pcutils/pkg/iprange"
	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/messaging"
	"github.com/pcutils/pcutils/pkg/telemetry"
	"github.com/pcutils/pcutils/pkg/transports/ssh"
	"github.com/pcutils/pcutils/pkg/values"
)

// ConfigFile is the payload file python plugins read in SSH mode.
const ConfigFile = "config.json"

// Lines containing one of these mean the plugin reached its end.
var SuccessMarkers = []string{
	"Exécution terminée",
	"[SUCCESS]",
	"Progression : 100%",
	"Execution completed",
}

// Lines containing one of these on stdout fail the host.
var ErrorSentinels = []string{
	"Traceback",
	"Error:",
	"Exception",
}

// Phase names one step of a host session.
type Phase string

const (
	PhaseConnect      Phase = "connect"
	PhaseAuthenticate Phase = "authenticate"
	PhaseMakeDir      Phase = "mkdir"
	PhaseTransfer     Phase = "transfer"
	PhaseExecute      Phase = "execute"
	PhaseCollect      Phase = "collect"
	PhaseCleanup      Phase = "cleanup"
)

// Config configures the SSH executor.
type Config struct {
	RemoteTempDir      string
	CleanupTempFiles   bool
	AutoAddKeys        bool
	KnownHostsPath     string
	ConnectTimeout     time.Duration
	TransferTimeout    time.Duration
	CommandTimeout     time.Duration
	KeepAliveInterval  time.Duration
	KeepAliveMaxMissed int
	Parallel           bool
	MaxParallel        int
	DefaultPort        int
	DefaultUser        string
	Python             string
}

// DefaultConfig returns the default SSH executor settings.
func DefaultConfig() Config {
	return Config{
		RemoteTempDir:      "/tmp/pcutils",
		CleanupTempFiles:   true,
		AutoAddKeys:        true,
		ConnectTimeout:     10 * time.Second,
		TransferTimeout:    60 * time.Second,
		CommandTimeout:     120 * time.Second,
		KeepAliveInterval:  5 * time.Second,
		KeepAliveMaxMissed: 3,
		Parallel:           true,
		MaxParallel:        5,
		DefaultPort:        22,
		DefaultUser:        "root",
		Python:             "python3",
	}
}

// Dialer creates a transport for one host.
type Dialer func(cfg *ssh.Config) (ssh.Transport, error)

// LocalRunner runs a plugin on this machine for hosts that resolve to it.
type LocalRunner interface {
	Execute(ctx context.Context, req executor.Request, targetIP string, sink messaging.Sink) (*executor.Result, error)
}

// Prober checks host reachability before a session is opened. port is
// the SSH port the session will dial.
type Prober interface {
	ProbeAll(ctx context.Context, addrs []string, port int) []iprange.Result
}

// Options holds the collaborators of an Executor.
type Options struct {
	Dial        Dialer
	Local       LocalRunner
	Prober      Prober
	Credentials *credentials.Manager
	Metrics     *telemetry.Metrics
	Logger      zerolog.Logger
	// LocalHosts are addresses run through the local executor.
	LocalHosts []string
}

// Executor runs plugin instances on remote hosts.
type Executor struct {
	config     Config
	dial       Dialer
	local      LocalRunner
	prober     Prober
	creds      *credentials.Manager
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
	localHosts map[string]bool
}

// New creates an SSH executor.
func New(cfg Config, opts Options) *Executor {
	def := DefaultConfig()
	if cfg.RemoteTempDir == "" {
		cfg.RemoteTempDir = def.RemoteTempDir
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = def.DefaultPort
	}
	if cfg.DefaultUser == "" {
		cfg.DefaultUser = def.DefaultUser
	}
	if cfg.Python == "" {
		cfg.Python = def.Python
	}

	e := &Executor{
		config:     cfg,
		dial:       opts.Dial,
		local:      opts.Local,
		prober:     opts.Prober,
		creds:      opts.Credentials,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("component", "ssh_executor").Logger(),
		localHosts: map[string]bool{iprange.Localhost: true, "127.0.0.1": true, "::1": true},
	}
	for _, h := range opts.LocalHosts {
		e.localHosts[h] = true
	}
	if e.creds == nil {
		e.creds = credentials.Default()
	}
	if e.dial == nil {
		logger := e.logger
		e.dial = func(c *ssh.Config) (ssh.Transport, error) {
			return ssh.NewSSHClient(c, logger)
		}
	}
	return e
}

// Execute fans req out to the hosts of its ssh_ips minus
// ssh_exception_ips. The instance succeeds when at least one host does.
func (e *Executor) Execute(ctx context.Context, req executor.Request, sink messaging.Sink) (*executor.Result, error) {
	start := time.Now()
	label := req.DisplayName
	if label == "" {
		label = req.PluginID
	}

	targets := iprange.Targets(
		values.String(req.Config[manifest.SSHIPsField]),
		values.String(req.Config[manifest.SSHExceptionIPsField]),
	)
	if len(targets) == 0 {
		msg := "Aucune adresse IP cible après application des exclusions"
		sink.Publish(messaging.Errorf(req.PluginID, req.InstanceID, "%s", msg))
		return &executor.Result{ExitCode: -1, Message: msg, Duration: time.Since(start)}, nil
	}

	executor.InjectFiles(&req, sink)

	sink.Publish(messaging.New(messaging.KindStart, req.PluginID, req.InstanceID, label))

	hosts, unreachable := e.filterReachable(ctx, req, targets, sink)

	results := make([]executor.HostResult, len(hosts))
	limit := 1
	if e.config.Parallel {
		limit = e.config.MaxParallel
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, host := range hosts {
		g.Go(func() error {
			results[i] = e.runHost(ctx, req, host, sink)
			e.metrics.RecordHost(results[i].Success, false)
			return nil
		})
	}
	_ = g.Wait()

	result := aggregate(results, unreachable)
	result.Duration = time.Since(start)

	kind := messaging.KindSuccess
	if !result.Success {
		kind = messaging.KindError
	}
	sink.Publish(messaging.New(kind, req.PluginID, req.InstanceID, result.Message))
	sink.Publish(messaging.New(messaging.KindEnd, req.PluginID, req.InstanceID, label))

	e.logger.Info().
		Str("plugin", req.PluginID).
		Int("instance", req.InstanceID).
		Int("hosts", len(hosts)).
		Int("unreachable", len(unreachable)).
		Bool("success", result.Success).
		Msg("SSH fan-out finished")

	return result, nil
}

// filterReachable drops hosts failing the ping and port probe. Local
// hosts are never probed.
func (e *Executor) filterReachable(ctx context.Context, req executor.Request, targets []string, sink messaging.Sink) ([]string, []executor.HostResult) {
	if e.prober == nil {
		return targets, nil
	}

	var remote []string
	for _, t := range targets {
		if !e.localHosts[t] {
			remote = append(remote, t)
		}
	}
	probed := make(map[string]iprange.Result, len(remote))
	for _, r := range e.prober.ProbeAll(ctx, remote, e.port(req)) {
		probed[r.Addr] = r
	}

	var hosts []string
	var unreachable []executor.HostResult
	for _, t := range targets {
		if r, ok := probed[t]; ok && !r.Reachable() {
			msg := fmt.Sprintf("Machine injoignable: %s", t)
			sink.Publish(messaging.Warnf(req.PluginID, req.InstanceID, "%s", msg).Tag("", 0, t))
			unreachable = append(unreachable, executor.HostResult{Host: t, Message: msg, Unreachable: true})
			e.metrics.RecordHost(false, true)
			continue
		}
		hosts = append(hosts, t)
	}
	return hosts, unreachable
}

// port is the SSH port of req: its ssh_port field or the configured
// default.
func (e *Executor) port(req executor.Request) int {
	return values.Int(req.Config[manifest.SSHPortField], e.config.DefaultPort)
}

func aggregate(results []executor.HostResult, unreachable []executor.HostResult) *executor.Result {
	ok := 0
	var outputs []string
	for _, r := range results {
		if r.Success {
			ok++
		}
		if r.Output != "" {
			outputs = append(outputs, fmt.Sprintf("[%s]\n%s", r.Host, r.Output))
		}
	}

	res := &executor.Result{
		Success: ok >= 1,
		Hosts:   append(append([]executor.HostResult{}, results...), unreachable...),
		Output:  strings.Join(outputs, "\n"),
	}
	if !res.Success {
		res.ExitCode = 1
	}

	if len(results) == 0 {
		res.Message = fmt.Sprintf("Aucune machine joignable (%d injoignables)", len(unreachable))
		return res
	}
	res.Message = fmt.Sprintf("Exécution réussie sur %d/%d machines", ok, len(results))
	if len(unreachable) > 0 {
		res.Message += fmt.Sprintf(" (%d injoignables)", len(unreachable))
	}
	return res
}

// hostSession carries the state of one host through its phases.
type hostSession struct {
	e         *Executor
	req       executor.Request
	host      string
	sink      messaging.Sink
	transport ssh.Transport
	remoteDir string
	logger    zerolog.Logger
}

// runHost drives Connect → Authenticate → MakeRemoteDir → Transfer →
// Execute → Collect → Cleanup for one host.
func (e *Executor) runHost(ctx context.Context, req executor.Request, host string, sink messaging.Sink) executor.HostResult {
	start := time.Now()
	ctx, span := telemetry.StartHostSpan(ctx, req.PluginID, host)
	defer span.End()

	if e.localHosts[host] && e.local != nil {
		res, err := e.local.Execute(ctx, req, host, sink)
		hr := executor.HostResult{Host: host, Duration: time.Since(start)}
		if err != nil {
			hr.Message = err.Error()
		} else {
			hr.Success, hr.Message, hr.Output = res.Success, res.Message, res.Output
		}
		telemetry.RecordOutcome(span, hr.Success, hr.Message)
		return hr
	}

	s := &hostSession{
		e:      e,
		req:    req,
		host:   host,
		sink:   sink,
		logger: e.logger.With().Str("plugin", req.PluginID).Int("instance", req.InstanceID).Str("target_ip", host).Logger(),
	}
	hr := s.run(ctx)
	hr.Duration = time.Since(start)

	kind := messaging.KindSuccess
	if !hr.Success {
		kind = messaging.KindError
	}
	sink.Publish(messaging.New(kind, req.PluginID, req.InstanceID, hr.Message).Tag("", 0, host))
	telemetry.RecordOutcome(span, hr.Success, hr.Message)
	return hr
}

func (s *hostSession) run(ctx context.Context) executor.HostResult {
	hr := executor.HostResult{Host: s.host}
	fail := func(phase Phase, err error) executor.HostResult {
		hr.Message = describe(phase, s.host, err)
		s.logger.Warn().Err(err).Str("phase", string(phase)).Msg("Host failed")
		return hr
	}

	if err := ctx.Err(); err != nil {
		return fail(PhaseConnect, err)
	}

	s.enter(ctx, PhaseConnect)
	s.sink.Publish(messaging.Infof(s.req.PluginID, s.req.InstanceID, "Connexion à %s", s.host).Tag("", 0, s.host))
	cfg := s.sshConfig()
	transport, err := s.e.dial(cfg)
	if err != nil {
		return fail(PhaseConnect, err)
	}
	if err := transport.Connect(ctx); err != nil {
		phase := PhaseConnect
		if ssh.IsAuthError(err) {
			phase = PhaseAuthenticate
		}
		return fail(phase, err)
	}
	s.enter(ctx, PhaseAuthenticate)
	s.transport = transport
	defer s.cleanup(ctx)

	s.enter(ctx, PhaseMakeDir)
	if err := s.makeRemoteDir(ctx); err != nil {
		return fail(PhaseMakeDir, err)
	}

	ep, err := executor.DetectEntryPoint(s.req.PluginDir)
	if err != nil {
		return fail(PhaseTransfer, err)
	}
	s.enter(ctx, PhaseTransfer)
	if err := s.transfer(ctx, ep); err != nil {
		return fail(PhaseTransfer, err)
	}

	s.enter(ctx, PhaseExecute)
	success, output, err := s.execute(ctx, ep)
	hr.Output = output
	if err != nil {
		return fail(PhaseExecute, err)
	}
	hr.Success = success
	if success {
		hr.Message = fmt.Sprintf("Plugin %s exécuté avec succès sur %s", s.req.PluginID, s.host)
	} else {
		hr.Message = fmt.Sprintf("Échec de l'exécution du plugin %s sur %s", s.req.PluginID, s.host)
	}
	return hr
}

func (s *hostSession) enter(ctx context.Context, phase Phase) {
	telemetry.AddPhaseEvent(ctx, string(phase))
	s.logger.Debug().Str("phase", string(phase)).Msg("SSH phase")
}

func (s *hostSession) sshConfig() *ssh.Config {
	cfg := ssh.DefaultConfig(s.host, s.e.config.DefaultUser)
	if u := values.String(s.req.Config[manifest.SSHUserField]); u != "" {
		cfg.User = u
	}
	cfg.Port = s.e.port(s.req)
	cfg.Password = values.String(s.req.Config[manifest.SSHPasswordField])
	if s.e.config.KnownHostsPath != "" {
		cfg.KnownHostsPath = s.e.config.KnownHostsPath
	}
	cfg.AutoAddKeys = s.e.config.AutoAddKeys
	if s.e.config.ConnectTimeout > 0 {
		cfg.ConnectTimeout = s.e.config.ConnectTimeout
	}
	cfg.KeepAliveInterval = s.e.config.KeepAliveInterval
	if s.e.config.KeepAliveMaxMissed > 0 {
		cfg.KeepAliveMaxMissed = s.e.config.KeepAliveMaxMissed
	}
	return cfg
}

func (s *hostSession) makeRemoteDir(ctx context.Context) error {
	dir := path.Join(s.e.config.RemoteTempDir, fmt.Sprintf("%s_%d", s.req.PluginID, time.Now().Unix()))
	quoted := shellQuote(dir)
	out, err := s.transport.Output(ctx, "mkdir -p "+quoted+" && ls -d "+quoted)
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != dir {
		return fmt.Errorf("remote directory %s was not created", dir)
	}
	s.remoteDir = dir
	return nil
}

func (s *hostSession) transfer(ctx context.Context, ep executor.EntryPoint) error {
	if s.e.config.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.e.config.TransferTimeout)
		defer cancel()
	}
	if err := s.transport.UploadDirectory(ctx, s.req.PluginDir, s.remoteDir); err != nil {
		return err
	}
	if ep.Kind != executor.EntryPython {
		return nil
	}
	payload, err := json.Marshal(s.req.Payload(true))
	if err != nil {
		return fmt.Errorf("failed to encode plugin config: %w", err)
	}
	return s.transport.WriteFile(ctx, path.Join(s.remoteDir, ConfigFile), payload, 0o600)
}

// execute runs the plugin and streams its output, tagged with the host.
func (s *hostSession) execute(ctx context.Context, ep executor.EntryPoint) (bool, string, error) {
	configFile := ""
	if ep.Kind == executor.EntryPython {
		configFile = ConfigFile
	}
	args, err := s.req.EntryArgs(ep, configFile)
	if err != nil {
		return false, "", err
	}
	cmd := shellJoin(append([]string{executor.Interpreter(ep, s.e.config.Python), ep.File}, args...))

	loginUser := values.String(s.req.Config[manifest.SSHUserField])
	if loginUser == "" {
		loginUser = s.e.config.DefaultUser
	}
	dropUser := s.e.creds.SudoUser()
	elevation := ChooseElevation(s.req.SSHRoot, loginUser, dropUser)

	var stdin io.Reader
	if elevation == ElevateSudo {
		root := s.e.creds.Prepare(s.host, s.req.Config)
		stdin = strings.NewReader(root.Password + "\n")
	}
	full := WrapCommand(s.remoteDir, cmd, elevation, dropUser)

	if s.e.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.e.config.CommandTimeout)
		defer cancel()
	}

	s.logger.Debug().Str("elevation", elevation.String()).Msg("Executing plugin")

	tracker := executor.NewTracker(0).WithMarkers(SuccessMarkers, ErrorSentinels)
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	var g errgroup.Group
	g.Go(func() error {
		err := executor.Pump(messaging.NewDecoder(stdoutR), s.req, s.host, tracker, s.sink)
		_, _ = io.Copy(io.Discard, stdoutR)
		return err
	})
	g.Go(func() error {
		err := executor.Pump(messaging.NewStderrDecoder(stderrR), s.req, s.host, tracker, s.sink)
		_, _ = io.Copy(io.Discard, stderrR)
		return err
	})

	code, runErr := s.transport.Run(ctx, full, ssh.RunOptions{Stdin: stdin, Stdout: stdoutW, Stderr: stderrW})
	s.enter(ctx, PhaseCollect)
	_ = stdoutW.Close()
	_ = stderrW.Close()
	_ = g.Wait()

	output := tracker.Output()
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			return false, output, fmt.Errorf("délai d'exécution dépassé (%s)", s.e.config.CommandTimeout)
		}
		// A dropped session after the plugin announced completion still counts.
		if failed, _ := tracker.Failed(); !failed && tracker.SawSuccess() && ctx.Err() == nil {
			return true, output, nil
		}
		return false, output, runErr
	}

	failed, reason := tracker.Failed()
	if failed {
		s.logger.Debug().Str("reason", reason).Msg("Plugin reported a failure")
	}
	return code == 0 && !failed, output, nil
}

// cleanup removes the remote temp dir and closes the connection. It runs
// regardless of the outcome and survives cancellation of the run.
func (s *hostSession) cleanup(parent context.Context) {
	s.enter(parent, PhaseCleanup)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()

	if s.remoteDir != "" && s.e.config.CleanupTempFiles {
		if _, err := s.transport.Output(ctx, "rm -rf "+shellQuote(s.remoteDir)); err != nil {
			s.logger.Warn().Err(err).Str("dir", s.remoteDir).Msg("Failed to remove remote temp dir")
		}
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to close SSH connection")
	}
}

// describe renders a phase failure for the timeline.
func describe(phase Phase, host string, err error) string {
	var te *ssh.TransportError
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Sprintf("Exécution annulée sur %s", host)
	case phase == PhaseAuthenticate:
		return fmt.Sprintf("Échec d'authentification sur %s: vérifiez l'utilisateur et le mot de passe", host)
	case errors.As(err, &te) && strings.Contains(te.Error(), "Permission denied"):
		return fmt.Sprintf("Accès refusé sur %s: vérifiez les droits d'accès", host)
	case strings.Contains(err.Error(), "No such file or directory"):
		return fmt.Sprintf("Fichier ou répertoire introuvable sur %s: %v", host, err)
	default:
		return fmt.Sprintf("Erreur lors de l'exécution sur %s (%s): %v", host, phase, err)
	}
}
