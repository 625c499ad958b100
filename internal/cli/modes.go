package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/harun/tempo/internal/logger"
	"github.com/harun/tempo/pkg/mode"
	"github.com/spf13/cobra"
)

var modesJSON bool

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List the available modes and their tools",
	Long: `List the built-in modes plus any custom modes from the configured modes
file, with the tools each one may call.`,
	RunE: runModes,
}

func init() {
	modesCmd.Flags().BoolVar(&modesJSON, "json", false, "print the listing as JSON")
	rootCmd.AddCommand(modesCmd)
}

func runModes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	registry := mode.NewRegistry()
	if cfg.Modes.CustomFile != "" {
		if _, err := mode.NewLoader(cfg.Modes.CustomFile, registry, logger.Nop().GetZerolog()).Load(); err != nil {
			return fmt.Errorf("failed to load custom modes: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	modes := registry.List()

	if modesJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"modes":     modes,
			"workflows": registry.Workflows(),
		})
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tBUILTIN\tTOOLS")
	for _, m := range modes {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", m.Name, m.Type, m.Builtin, strings.Join(registry.GetPermittedTools(m.Name), ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	workflows := registry.Workflows()
	names := make([]string, 0, len(workflows))
	for name := range workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "\nworkflow %s: %s\n", name, strings.Join(workflows[name], " -> "))
	}
	return nil
}
