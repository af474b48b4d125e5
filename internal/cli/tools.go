package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/deskflow/pkg/gateway"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List or validate tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tools registered in the running daemon",
	RunE:  runToolsList,
}

var toolsValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Validate tool manifests without loading them",
	Long: `Validate every YAML or JSON manifest in a directory.
Defaults to the manifest directory from the configuration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runToolsValidate,
}

func init() {
	toolsCmd.AddCommand(toolsListCmd, toolsValidateCmd)
	rootCmd.AddCommand(toolsCmd)
}

func runToolsList(cmd *cobra.Command, args []string) error {
	var body struct {
		Tools []gateway.ToolInfo `json:"tools"`
	}
	if err := fetchJSON("/api/tools", &body); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tSOURCE\tDESCRIPTION")
	for _, t := range body.Tools {
		version := t.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, version, t.Source, t.Description)
	}
	return w.Flush()
}

func runToolsValidate(cmd *cobra.Command, args []string) error {
	dir := ""
	if len(args) == 1 {
		dir = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dir = cfg.Tools.ManifestDir
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read manifest directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := cmd.OutOrStdout()
	checked, failed := 0, 0
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() || !toolexecutor.IsManifestFile(path) {
			continue
		}
		checked++
		m, err := toolexecutor.ParseManifest(path)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", e.Name(), err)
			continue
		}
		fmt.Fprintf(out, "ok   %s: %s %s (%s)\n", e.Name(), m.Name, m.Version, m.Kind)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d manifests are invalid", failed, checked)
	}
	fmt.Fprintf(out, "%d manifests valid\n", checked)
	return nil
}
