package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/seqconfig"
	"github.com/pcutils/pcutils/pkg/sequence"
)

func newValidateCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plugin-id|sequence-file>",
		Short: "Validate a plugin manifest or a sequence",
		Long: `Load and schema-check a plugin manifest or a sequence document.

For a plugin the field list is printed. For a sequence every entry is
composed with its configuration and invalid instances are reported.`,
		Example: `  pcutils validate add_printer
  pcutils validate sequences/install.yml`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			if isSequencePath(target) {
				return validateSequence(cmd, g, target)
			}
			return validatePlugin(g, target)
		},
	}
	return cmd
}

func isSequencePath(arg string) bool {
	ext := strings.ToLower(filepath.Ext(arg))
	if ext == ".yml" || ext == ".yaml" {
		return true
	}
	info, err := os.Stat(arg)
	return err == nil && !info.IsDir()
}

func validatePlugin(g *globals, id string) error {
	loader := manifest.NewLoader(g.settings.Paths.Plugins, g.logger)
	m, err := loader.Load(id)
	if err != nil {
		color.New(color.FgRed).Fprintf(g.out, "✗ %s: %v\n", id, err)
		return failed(err)
	}
	printManifest(g.out, m)
	return nil
}

func printManifest(w io.Writer, m *manifest.Manifest) {
	color.New(color.FgGreen).Fprintf(w, "✓ %s (%s)\n", m.DisplayName, m.ID)
	if m.Description != "" {
		fmt.Fprintf(w, "  %s\n", m.Description)
	}
	var traits []string
	if m.Multiple {
		traits = append(traits, "multiple")
	}
	if m.RemoteExecution {
		traits = append(traits, "remote")
	}
	if m.SSHRoot {
		traits = append(traits, "ssh_root")
	}
	if len(traits) > 0 {
		fmt.Fprintf(w, "  %s\n", strings.Join(traits, ", "))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tTYPE\tVARIABLE\tDEFAULT\tCONSTRAINTS")
	for _, f := range m.Fields {
		def := ""
		if f.HasDefault {
			def = fmt.Sprint(f.Default)
		}
		if f.DynamicDefault != nil {
			def = "(dynamic)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.ID, f.Type, f.VariableName(), def, constraints(f))
	}
	_ = tw.Flush()
}

func constraints(f *manifest.FieldSchema) string {
	var c []string
	if f.Required {
		c = append(c, "required")
	}
	if f.NotEmpty {
		c = append(c, "not_empty")
	}
	if f.MinLength > 0 {
		c = append(c, fmt.Sprintf("min=%d", f.MinLength))
	}
	if f.MaxLength > 0 {
		c = append(c, fmt.Sprintf("max=%d", f.MaxLength))
	}
	if f.NoSpaces {
		c = append(c, "no_spaces")
	}
	if f.MustExist {
		c = append(c, "exists")
	}
	if f.DependsOn != "" {
		c = append(c, "depends_on="+f.DependsOn)
	}
	if f.EnabledIf != nil {
		c = append(c, fmt.Sprintf("enabled_if=%s:%v", f.EnabledIf.Field, f.EnabledIf.Value))
	}
	if f.DynamicOptions != nil {
		c = append(c, "dynamic_options")
	}
	return strings.Join(c, " ")
}

func validateSequence(cmd *cobra.Command, g *globals, path string) error {
	seq, err := sequence.Load(path)
	if err != nil {
		color.New(color.FgRed).Fprintf(g.out, "✗ %s: %v\n", path, err)
		return failed(err)
	}

	comp := newComposer(cmd.Context(), g)
	defer comp.close(cmd.Context())

	records, invalid, err := comp.compose(cmd.Context(), seqconfig.SequenceSelections(seq), seq)
	if err != nil {
		color.New(color.FgRed).Fprintf(g.out, "✗ %s: %v\n", seq.Name, err)
		return failed(err)
	}

	color.New(color.Bold).Fprintf(g.out, "%s (%d plugin(s))\n", seq.Name, len(records))
	if len(seq.Shortcuts) > 0 {
		fmt.Fprintf(g.out, "  raccourcis : %s\n", strings.Join(seq.Shortcuts, ", "))
	}
	for _, rec := range records {
		if msg, bad := invalid[rec.Key()]; bad {
			color.New(color.FgRed).Fprintf(g.out, "✗ %s: %s\n", rec.Key(), msg)
			continue
		}
		mode := "local"
		if rec.RemoteExecution {
			mode = "ssh"
		}
		color.New(color.FgGreen).Fprintf(g.out, "✓ %s [%s] %s\n", rec.Key(), mode, rec.DisplayName)
	}

	if len(invalid) > 0 {
		keys := make([]string, 0, len(invalid))
		for k := range invalid {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return failed(fmt.Errorf("invalid instances: %s", strings.Join(keys, ", ")))
	}
	return nil
}
