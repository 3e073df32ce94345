package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pcutils/pcutils/pkg/engine"
	"github.com/pcutils/pcutils/pkg/seqconfig"
	"github.com/pcutils/pcutils/pkg/sequence"
)

// runOptions are the flags of "run", shared with the root command.
type runOptions struct {
	plugin          string
	configFile      string
	params          []string
	auto            bool
	sequence        string
	shortcut        string
	continueOnError bool
}

func (o *runOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.plugin, "plugin", "p", "", "plugin to run")
	f.StringVarP(&o.configFile, "config", "c", "", "YAML parameters file (flat variables or a sequence document)")
	f.StringArrayVar(&o.params, "params", nil, "plugin parameter as key=value (repeatable)")
	f.BoolVar(&o.auto, "auto", false, "run a sequence without interaction (requires --sequence or --shortcut)")
	f.StringVarP(&o.sequence, "sequence", "s", "", "sequence file to run")
	f.StringVar(&o.shortcut, "shortcut", "", "run the sequence with this shortcut")
	f.BoolVar(&o.continueOnError, "continue-on-error", false, "keep running after a failed instance")
}

func (o *runOptions) selected() bool {
	return o.plugin != "" || o.configFile != "" || o.sequence != "" || o.shortcut != "" || o.auto
}

func (o *runOptions) validate() error {
	switch {
	case o.sequence != "" && o.shortcut != "":
		return usageErrorf("--sequence and --shortcut are mutually exclusive")
	case o.plugin != "" && (o.sequence != "" || o.shortcut != ""):
		return usageErrorf("--plugin cannot be combined with --sequence or --shortcut")
	case o.auto && o.sequence == "" && o.shortcut == "":
		return usageErrorf("--auto requires --sequence or --shortcut")
	case len(o.params) > 0 && o.plugin == "":
		return usageErrorf("--params requires --plugin")
	case !o.selected():
		return usageErrorf("nothing to run: use --plugin, --sequence or --shortcut")
	}
	return nil
}

// plan is what a run command resolved to.
type plan struct {
	selections []seqconfig.Selection
	sequence   *sequence.Sequence
}

func (p *plan) sequenceName() string {
	if p.sequence == nil {
		return ""
	}
	return p.sequence.Name
}

// resolve loads the sequence or builds the single plugin selection.
func (o *runOptions) resolve(g *globals) (*plan, error) {
	switch {
	case o.shortcut != "":
		seqs, err := sequence.LoadAll(g.settings.Paths.Sequences)
		if err != nil {
			return nil, err
		}
		seq, err := sequence.FindByShortcut(seqs, o.shortcut)
		if err != nil {
			if errors.Is(err, sequence.ErrNoSequence) || errors.Is(err, sequence.ErrAmbiguousShortcut) {
				return nil, usageError(err)
			}
			return nil, err
		}
		return &plan{selections: seqconfig.SequenceSelections(seq), sequence: seq}, nil

	case o.sequence != "":
		seq, err := sequence.Load(o.sequence)
		if err != nil {
			return nil, err
		}
		return &plan{selections: seqconfig.SequenceSelections(seq), sequence: seq}, nil
	}

	preset := map[string]any{}
	if o.configFile != "" {
		pf, err := seqconfig.LoadParamsFile(o.configFile)
		if err != nil {
			return nil, err
		}
		if pf.Sequence != nil {
			if o.plugin != "" {
				return nil, usageErrorf("%s is a sequence document and cannot configure --plugin", o.configFile)
			}
			return &plan{selections: seqconfig.SequenceSelections(pf.Sequence), sequence: pf.Sequence}, nil
		}
		maps.Copy(preset, pf.Params)
	}
	if o.plugin == "" {
		return nil, usageErrorf("%s holds plain parameters; name the plugin with --plugin", o.configFile)
	}

	args, err := seqconfig.ParseParamArgs(o.params)
	if err != nil {
		return nil, usageError(err)
	}
	maps.Copy(preset, args)
	return &plan{selections: seqconfig.SingleSelection(o.plugin, preset)}, nil
}

func newRunCommand(g *globals) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a plugin or a sequence",
		Long: `Run one plugin, or every plugin of a sequence, and stream their output.

Each instance gets its effective configuration from, lowest priority
first: manifest defaults, the configuration template, the sequence entry
and explicit parameters. Instances with remote_execution enabled run on
every reachable target over SSH.

The exit status is 0 when every instance succeeded or every failure was
absorbed by --continue-on-error or ignore_errors, 1 otherwise and 2 for
usage errors.`,
		Example: `  # Run a plugin with parameters
  pcutils run --plugin add_printer --params printer_name=HP01 --params shared=true

  # Run a plugin with a parameters file
  pcutils run --plugin update_hosts --config hosts.yml

  # Run a sequence non-interactively
  pcutils run --auto --sequence sequences/install.yml
  pcutils run --auto --shortcut poste --continue-on-error`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd.Context(), g, opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

func runCommand(ctx context.Context, g *globals, opts *runOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	p, err := opts.resolve(g)
	if err != nil {
		return err
	}
	if len(p.selections) == 0 {
		return usageErrorf("sequence %q has no plugins", p.sequenceName())
	}

	comp := newComposer(ctx, g)
	defer comp.close(context.WithoutCancel(ctx))

	records, invalid, err := comp.compose(ctx, p.selections, p.sequence)
	if err != nil {
		return err
	}
	for key, msg := range invalid {
		g.logger.Warn().Str("instance", key).Str("reason", msg).Msg("Invalid configuration; instance will be blocked")
	}

	pipe, err := newPipeline(ctx, g)
	if err != nil {
		return err
	}
	defer pipe.close()

	continueOnError := opts.continueOnError || g.settings.Execution.ContinueOnError
	result, err := pipe.run(ctx, records, invalid, p.sequenceName(), continueOnError)
	if err != nil {
		return err
	}

	printSummary(g.out, result)
	if !result.Success {
		return failed(fmt.Errorf("run %s %s", result.ID, result.Status))
	}
	return nil
}

// printSummary writes the final run summary.
func printSummary(w io.Writer, r *engine.RunResult) {
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)

	fmt.Fprintln(w)
	for _, st := range r.Instances {
		label := st.DisplayName
		if label == "" {
			label = st.Key
		}
		switch st.Status {
		case engine.InstanceSuccess:
			green.Fprintf(w, "✓ %s\n", label)
		case engine.InstanceError, engine.InstanceBlocked:
			suffix := ""
			if st.IgnoreErrors {
				suffix = " (ignoré)"
			}
			red.Fprintf(w, "✗ %s: %s%s\n", label, st.Message, suffix)
		default:
			yellow.Fprintf(w, "- %s: %s\n", label, st.Status)
		}
	}

	s := r.Summary
	line := fmt.Sprintf("%d instance(s) : %d réussie(s), %d en échec, %d bloquée(s), %d ignorée(s), %d annulée(s) en %s",
		s.Total, s.Succeeded, s.Failed, s.Blocked, s.Skipped, s.Cancelled, r.Duration.Round(time.Millisecond))
	switch {
	case r.Status == engine.RunStatusSucceeded:
		bold.Add(color.FgGreen).Fprintln(w, line)
	case r.Success:
		bold.Add(color.FgYellow).Fprintln(w, line)
	default:
		bold.Add(color.FgRed).Fprintln(w, line)
	}
}
