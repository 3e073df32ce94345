package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pcutils/pcutils/pkg/sequence"
)

func newSequencesCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sequences",
		Short: "List sequences and their shortcuts",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			seqs, err := sequence.LoadAll(g.settings.Paths.Sequences)
			if err != nil {
				return err
			}
			if len(seqs) == 0 {
				fmt.Fprintf(g.err, "no sequence in %s\n", g.settings.Paths.Sequences)
				return nil
			}

			tw := tabwriter.NewWriter(g.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSHORTCUTS\tPLUGINS\tPATH")
			for _, s := range seqs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Name, strings.Join(s.Shortcuts, ","), len(s.Entries), s.Path)
			}
			return tw.Flush()
		},
	}
}
