package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pcutils/pcutils/pkg/stores"
)

func newReportsCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Browse and export execution reports",
		Long: `Every run is saved to the report database (paths.reports). Remote
instances have one row per target host.`,
	}

	cmd.AddCommand(newReportsListCommand(g))
	cmd.AddCommand(newReportsShowCommand(g))
	cmd.AddCommand(newReportsExportCommand(g))
	cmd.AddCommand(newReportsDeleteCommand(g))
	return cmd
}

func openReports(cmd *cobra.Command, g *globals) (*stores.SQLiteStore, error) {
	if _, err := os.Stat(g.settings.Paths.Reports); err != nil {
		return nil, fmt.Errorf("no report database at %s: %w", g.settings.Paths.Reports, err)
	}
	store, err := stores.Open(cmd.Context(), g.settings.Paths.Reports)
	if err != nil {
		return nil, err
	}
	if err := store.HealthCheck(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// notFound turns a missing report into a usage error.
func notFound(err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return usageError(err)
	}
	return err
}

func newReportsListCommand(g *globals) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openReports(cmd, g)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(g.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSEQUENCE\tSTATUS\tOK/TOTAL\tDURATION")
			for _, r := range runs {
				seq := r.Sequence
				if seq == "" {
					seq = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), seq, r.Status,
					r.Summary.Succeeded, r.Summary.Total, r.Duration.Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs (0 for all)")
	return cmd
}

func newReportsShowCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the rows of a run",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openReports(cmd, g)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return notFound(err)
			}
			results, err := store.ListResults(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			printRun(g.out, run, results)
			return nil
		},
	}
}

func printRun(w io.Writer, run *stores.Run, results []*stores.InstanceResult) {
	seq := run.Sequence
	if seq == "" {
		seq = stores.DirectRun
	}
	fmt.Fprintf(w, "Run %s on %s\n", run.ID, run.Machine)
	fmt.Fprintf(w, "  sequence: %s\n", seq)
	fmt.Fprintf(w, "  status:   %s\n", run.Status)
	fmt.Fprintf(w, "  started:  %s (%s)\n\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tINSTANCE\tTARGET\tSTATUS\tDURATION\tMESSAGE")
	for _, r := range results {
		target := r.TargetIP
		if target == "" {
			target = "local"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", r.Plugin, r.InstanceID, target, r.Status, r.Duration.Round(time.Millisecond), r.Message)
	}
	_ = tw.Flush()
}

func newReportsExportCommand(g *globals) *cobra.Command {
	var (
		asCSV  bool
		output string
	)

	cmd := &cobra.Command{
		Use:     "export <run-id>",
		Short:   "Export a run as JSON or CSV",
		Example: `  pcutils reports export 3f1c... --csv -o rapport.csv`,
		Args:    usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openReports(cmd, g)
			if err != nil {
				return err
			}
			defer store.Close()

			w := g.out
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			if asCSV {
				return notFound(store.ExportCSV(cmd.Context(), args[0], w))
			}

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return notFound(err)
			}
			results, err := store.ListResults(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*stores.Run
				Results []*stores.InstanceResult `json:"results"`
			}{run, results})
		},
	}

	cmd.Flags().BoolVar(&asCSV, "csv", false, "export as CSV (timestamp,machine,sequence,plugin,instance,status,output)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newReportsDeleteCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its rows",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openReports(cmd, g)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return notFound(err)
			}
			fmt.Fprintf(g.out, "Run %s deleted\n", args[0])
			return nil
		},
	}
}
