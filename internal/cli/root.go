package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/config"
)

var version = "dev"

// SetVersion sets the version reported by the version command.
func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "storyfactory",
	Short: "storyfactory turns user stories into planned, estimated and coded work",
	Long: `storyfactory runs a user story through enrichment, decomposition, estimation,
solution design, coding, test planning and supervision, routing between stages
until the supervisor accepts the result or a ceiling is reached.

Run state is written under the storage directory (default ~/.storyfactory/runs).
Stage and pipeline events are also logged to PostgreSQL when a database URL is set.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to storyfactory config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// loadValidConfig loads the config and fails on the first validation error.
func loadValidConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	errs := config.Validate(cfg)
	switch len(errs) {
	case 0:
		return cfg, nil
	case 1:
		return nil, fmt.Errorf("invalid config: %s", errs[0])
	default:
		return nil, fmt.Errorf("invalid config: %s (and %d more)", errs[0], len(errs)-1)
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
