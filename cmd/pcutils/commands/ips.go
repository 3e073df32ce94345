package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pcutils/pcutils/pkg/iprange"
)

func newIPsCommand(g *globals) *cobra.Command {
	var (
		except string
		probe  bool
		port   int
	)

	cmd := &cobra.Command{
		Use:   "ips <patterns>...",
		Short: "Expand IP patterns and optionally probe the targets",
		Long: `Expand IP patterns the way remote plugins do and print the targets.

Patterns are dotted quads where any octet may be "*" or a range such as
"10-20". Several patterns may be given as arguments or separated by
commas. With --probe each target is pinged and its SSH port tested.`,
		Example: `  pcutils ips 192.168.1.1-20 --except 192.168.1.5
  pcutils ips "10.0.*.1" --probe --port 2222`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns := strings.Join(args, ",")
			if _, err := iprange.ParseList(patterns); err != nil {
				return usageError(err)
			}

			targets := iprange.Targets(patterns, except)
			if !probe {
				for _, t := range targets {
					fmt.Fprintln(g.out, t)
				}
				fmt.Fprintf(g.err, "%d adresse(s)\n", len(targets))
				return nil
			}

			prober := iprange.NewProber(g.settings.ProberConfig())
			results := prober.ProbeAll(cmd.Context(), targets, port)

			green := color.New(color.FgGreen)
			red := color.New(color.FgRed)
			tw := tabwriter.NewWriter(g.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ADDRESS\tPING\tPORT\tSTATUS")
			reachable := 0
			for _, r := range results {
				status := red.Sprint("injoignable")
				if r.Reachable() {
					status = green.Sprint("joignable")
					reachable++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Addr, yesNo(r.Ping), yesNo(r.Port), status)
			}
			_ = tw.Flush()
			fmt.Fprintf(g.err, "%d/%d joignable(s)\n", reachable, len(results))
			return nil
		},
	}

	cmd.Flags().StringVar(&except, "except", "", "patterns to exclude")
	cmd.Flags().BoolVar(&probe, "probe", false, "ping and test the SSH port of every target")
	cmd.Flags().IntVar(&port, "port", 0, "port tested by --probe (default: ssh.default_port)")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "oui"
	}
	return "non"
}
