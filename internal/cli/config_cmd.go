package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/storyfactory/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect storyfactory configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and list the collaborators a run would use",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if errs := config.Validate(cfg); len(errs) > 0 {
			cmd.Println("Validation errors:")
			for _, e := range errs {
				cmd.Printf("  - %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}

		cmd.Println("Configuration is valid.")
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, row := range collaboratorSummary(cfg) {
			fmt.Fprintf(w, "  %s\t%s\n", row[0], row[1])
		}
		return w.Flush()
	},
}

var configShowFormat string

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		switch configShowFormat {
		case "json":
			return writeJSON(cmd, cfg)
		case "yaml", "":
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			cmd.Print(string(data))
			return nil
		default:
			return fmt.Errorf("unknown format %q (want yaml or json)", configShowFormat)
		}
	},
}

// collaboratorSummary describes which external systems newApp will wire.
func collaboratorSummary(cfg *config.Config) [][2]string {
	inference := cfg.Inference.Model + " via " + cfg.Inference.APIKeyEnv
	if cfg.Inference.BaseURL != "" {
		inference += " at " + cfg.Inference.BaseURL
	}

	tracker := orNone(cfg.Tracker.Kind)
	switch cfg.Tracker.Kind {
	case "jira":
		tracker += " " + cfg.Tracker.Jira.BaseURL
	case "github":
		tracker += " " + cfg.SourceControl.GitHub.Owner + "/" + cfg.SourceControl.GitHub.Repo
	}

	source := orNone(cfg.SourceControl.Kind)
	if cfg.SourceControl.Kind == "github" {
		gh := cfg.SourceControl.GitHub
		source += fmt.Sprintf(" %s/%s@%s", gh.Owner, gh.Repo, gh.BaseBranch)
	}

	documents := orNone(cfg.Documents.Kind)
	switch cfg.Documents.Kind {
	case "confluence":
		documents += " space " + cfg.Documents.Confluence.Space
	case "local":
		documents += " " + cfg.Documents.LocalDir
	}

	database := "disabled"
	if cfg.Database.URLEnv != "" {
		database = "$" + cfg.Database.URLEnv
	}

	return [][2]string{
		{"inference", inference},
		{"tracker", tracker},
		{"source_control", source},
		{"documents", documents},
		{"storage", cfg.Storage.Dir},
		{"database", database},
	}
}

func orNone(kind string) string {
	if kind == "" {
		return "none"
	}
	return kind
}

func init() {
	configShowCmd.Flags().StringVar(&configShowFormat, "format", "yaml", "output format: yaml or json")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
