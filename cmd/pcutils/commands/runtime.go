package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pcutils/pcutils/pkg/callback"
	"github.com/pcutils/pcutils/pkg/credentials"
	"github.com/pcutils/pcutils/pkg/engine"
	"github.com/pcutils/pcutils/pkg/executor/local"
	"github.com/pcutils/pcutils/pkg/executor/remote"
	"github.com/pcutils/pcutils/pkg/iprange"
	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/multiplexer"
	"github.com/pcutils/pcutils/pkg/policy"
	"github.com/pcutils/pcutils/pkg/seqconfig"
	"github.com/pcutils/pcutils/pkg/sequence"
	"github.com/pcutils/pcutils/pkg/stores"
	"github.com/pcutils/pcutils/pkg/templates"
)

// composer builds the effective records of a run.
type composer struct {
	manifests *manifest.Loader
	callbacks *callback.Dispatcher
	manager   *seqconfig.Manager
	stopWatch context.CancelFunc
}

// newComposer creates the loaders of a command. Manifest cache entries are
// dropped as soon as a settings.yml changes while the command runs.
func newComposer(ctx context.Context, g *globals) *composer {
	s := g.settings
	manifests := manifest.NewLoader(s.Paths.Plugins, g.logger)
	watchCtx, stopWatch := context.WithCancel(ctx)
	if err := manifests.Watch(watchCtx); err != nil {
		g.logger.Debug().Err(err).Msg("Manifest watcher disabled")
	}
	callbacks := callback.NewDispatcher(s.CallbackOptions())
	manager := seqconfig.NewManager(manifests, seqconfig.Options{
		Templates: templates.NewStore(s.Paths.Templates, g.logger),
		Invoker:   callbacks,
		Logger:    g.logger,
	})
	return &composer{manifests: manifests, callbacks: callbacks, manager: manager, stopWatch: stopWatch}
}

func (c *composer) close(ctx context.Context) {
	c.stopWatch()
	_ = c.callbacks.Close(ctx)
}

// compose returns the records of selections and the configuration
// problems of individual instances, keyed by record key.
func (c *composer) compose(ctx context.Context, selections []seqconfig.Selection, seq *sequence.Sequence) ([]*seqconfig.Record, map[string]string, error) {
	records, err := c.manager.Compose(ctx, selections, seq)
	if err != nil && records == nil {
		return nil, nil, err
	}
	invalid := make(map[string]string)
	for _, e := range flatten(err) {
		var ie *seqconfig.InstanceError
		if errors.As(e, &ie) {
			invalid[ie.Key] = ie.Err.Error()
		}
	}
	return records, invalid, nil
}

func flatten(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// configGate blocks instances whose configuration failed validation and
// defers everything else to the policy engine.
type configGate struct {
	invalid map[string]string
	next    engine.PolicyGate
}

func (g configGate) EvaluateRecord(ctx context.Context, rec *seqconfig.Record) (*policy.Result, error) {
	if msg, ok := g.invalid[rec.Key()]; ok {
		return &policy.Result{
			Allowed: false,
			Violations: []policy.Violation{{
				Policy:   "configuration",
				Instance: rec.Key(),
				Message:  fmt.Sprintf("Configuration invalide : %s", msg),
				Severity: policy.SeverityError,
			}},
		}, nil
	}
	if g.next == nil {
		return &policy.Result{Allowed: true}, nil
	}
	return g.next.EvaluateRecord(ctx, rec)
}

// pipeline is everything a run needs besides its records.
type pipeline struct {
	g       *globals
	policy  *policy.Engine
	reports *stores.SQLiteStore
	mux     *multiplexer.Multiplexer
	local   *local.Executor
	remote  *remote.Executor
	logger  zerolog.Logger
}

func newPipeline(ctx context.Context, g *globals) (*pipeline, error) {
	s := g.settings
	metrics := g.telemetry.Metrics

	pol, err := policy.NewEngine(g.component("policy"))
	if err != nil {
		return nil, fmt.Errorf("failed to start policy engine: %w", err)
	}
	if s.Policy.Dir != "" {
		if err := pol.WatchDir(ctx, s.Policy.Dir); err != nil {
			g.logger.Warn().Err(err).Str("dir", s.Policy.Dir).Msg("Extra policies not loaded; built-in rules only")
		}
	}

	mux, err := multiplexer.New(s.MultiplexerConfig(), multiplexer.Options{
		Timeline: multiplexer.NewConsoleTimeline(g.out, g.verbose),
		Progress: multiplexer.NewConsoleProgress(g.out),
		Metrics:  metrics,
		Logger:   g.logger,
	})
	if err != nil {
		_ = pol.Close()
		return nil, err
	}

	localExec := local.New(s.LocalConfig(), g.logger)
	remoteExec := remote.New(s.RemoteConfig(), remote.Options{
		Local:       localExec,
		Prober:      iprange.NewProber(s.ProberConfig()),
		Credentials: credentials.Default(),
		Metrics:     metrics,
		Logger:      g.logger,
	})

	reports, err := stores.Open(ctx, s.Paths.Reports)
	if err != nil {
		g.logger.Warn().Err(err).Str("path", s.Paths.Reports).Msg("Report store unavailable; results will not be saved")
		reports = nil
	}

	if err := metrics.StartMetricsServer(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("Metrics endpoint not started")
	}

	return &pipeline{
		g:       g,
		policy:  pol,
		reports: reports,
		mux:     mux,
		local:   localExec,
		remote:  remoteExec,
		logger:  g.component("run"),
	}, nil
}

func (p *pipeline) close() {
	_ = p.policy.Close()
	if p.reports != nil {
		_ = p.reports.Close()
	}
}

// run schedules records and waits until the timeline has been flushed.
func (p *pipeline) run(ctx context.Context, records []*seqconfig.Record, invalid map[string]string, sequenceName string, continueOnError bool) (*engine.RunResult, error) {
	muxCtx, stopMux := context.WithCancel(context.WithoutCancel(ctx))
	muxDone := make(chan struct{})
	go func() {
		defer close(muxDone)
		p.mux.Run(muxCtx)
	}()
	defer func() {
		stopMux()
		<-muxDone
	}()

	var reports engine.ReportWriter
	if p.reports != nil {
		reports = p.reports
	}

	sched := engine.New(engine.Options{
		Local:   p.local,
		Remote:  p.remote,
		Policy:  configGate{invalid: invalid, next: p.policy},
		Reports: reports,
		Events: engine.EventPublisherFunc(func(ev engine.Event) {
			p.logger.Debug().
				Str("run_id", ev.RunID).
				Str("event", string(ev.Type)).
				Str("instance", ev.Instance).
				Float64("progress", ev.Progress).
				Msg(ev.Message)
		}),
		Sink:            p.mux,
		Metrics:         p.g.telemetry.Metrics,
		Logger:          p.g.logger,
		ContinueOnError: continueOnError,
	})

	return sched.Run(ctx, records, engine.RunOptions{Sequence: sequenceName})
}
