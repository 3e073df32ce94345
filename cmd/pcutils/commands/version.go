package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Args:        usageArgs(cobra.NoArgs),
		Annotations: map[string]string{"settings": "none"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(g.out, "pcutils %s\n", g.build.Version)
			fmt.Fprintf(g.out, "  commit:  %s\n", g.build.Commit)
			fmt.Fprintf(g.out, "  built:   %s\n", g.build.BuildDate)
			fmt.Fprintf(g.out, "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
