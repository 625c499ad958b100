package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/tempo/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and print the effective configuration",
	Long: `Load the config file and TEMPO_* environment overrides, validate the
result and print it as JSON with secrets masked.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(masked(cfg), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration is valid (file: %s)\n", config.NewLoader(cfgFile).GetConfigPath())
	return nil
}

// masked returns a copy of cfg with credentials replaced
func masked(cfg *config.Config) *config.Config {
	out := *cfg
	out.Server.SharedSecret = mask(cfg.Server.SharedSecret)
	out.Integrations.TasksToken = mask(cfg.Integrations.TasksToken)
	out.Integrations.CalendarToken = mask(cfg.Integrations.CalendarToken)
	out.AI.Profiles = make([]config.AIProfile, len(cfg.AI.Profiles))
	for i, p := range cfg.AI.Profiles {
		p.APIKey = mask(p.APIKey)
		out.AI.Profiles[i] = p
	}
	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
