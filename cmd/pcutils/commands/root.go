// Package commands implements the pcutils command line.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pcutils/pcutils/pkg/settings"
	"github.com/pcutils/pcutils/pkg/telemetry"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", b.Version, b.Commit, b.BuildDate)
}

// globals holds the persistent flags and what PersistentPreRunE builds
// from them.
type globals struct {
	build        BuildInfo
	settingsFile string
	logLevel     string
	verbose      bool

	out io.Writer
	err io.Writer

	settings  *settings.Settings
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
}

// Execute runs the command line with args.
func Execute(ctx context.Context, build BuildInfo, args []string) error {
	rootCmd, g := newRootCommand(build)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if serr := g.shutdown(ctx); serr != nil {
		g.logger.Warn().Err(serr).Msg("Telemetry shutdown failed")
	}
	return err
}

func newRootCommand(build BuildInfo) (*cobra.Command, *globals) {
	g := &globals{build: build, out: os.Stdout, err: os.Stderr, logger: zerolog.Nop()}
	opts := &runOptions{}

	rootCmd := &cobra.Command{
		Use:   "pcutils",
		Short: "pcutils - plugin orchestrator for workstation administration",
		Long: `pcutils runs administration plugins on this machine or, over SSH, on
fleets of machines.

A plugin is a folder holding a settings.yml manifest and an exec.sh or
exec.py entry point. Sequences chain several configured plugins; a
sequence shortcut runs one non-interactively.

Without a subcommand pcutils behaves as "pcutils run".`,
		Version:       build.String(),
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			g.out = cmd.OutOrStdout()
			g.err = cmd.ErrOrStderr()
			if cmd.Annotations["settings"] == "none" {
				return nil
			}
			return g.init()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !opts.selected() {
				return cmd.Help()
			}
			return runCommand(cmd.Context(), g, opts)
		},
	}

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	rootCmd.PersistentFlags().StringVar(&g.settingsFile, "settings", "", "settings file (default: ./pcutils.yaml or ~/.config/pcutils/pcutils.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (default: $LOG_LEVEL or info)")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "show debug messages in the timeline")
	opts.bind(rootCmd)

	rootCmd.AddCommand(newRunCommand(g))
	rootCmd.AddCommand(newValidateCommand(g))
	rootCmd.AddCommand(newIPsCommand(g))
	rootCmd.AddCommand(newSequencesCommand(g))
	rootCmd.AddCommand(newReportsCommand(g))
	rootCmd.AddCommand(newVersionCommand(g))

	return rootCmd, g
}

// init loads settings and telemetry.
func (g *globals) init() error {
	s, err := settings.Load(g.settingsFile)
	if err != nil {
		return usageError(err)
	}
	g.settings = s

	level := g.logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}

	tel, err := telemetry.NewTelemetry(s.TelemetryConfig(g.build.Version, level))
	if err != nil {
		return usageError(err)
	}
	g.telemetry = tel
	g.logger = tel.Logger
	if s.File != "" {
		g.logger.Debug().Str("file", s.File).Msg("Settings loaded")
	}
	return nil
}

func (g *globals) shutdown(ctx context.Context) error {
	if g.telemetry == nil {
		return nil
	}
	return g.telemetry.Shutdown(context.WithoutCancel(ctx))
}

// component returns the logger of one part of the run. The telemetry
// logger is the global zerolog logger once init has run.
func (g *globals) component(name string) zerolog.Logger {
	return telemetry.NewComponentLogger(name)
}
