package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage stage prompt templates",
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Write the built-in templates to the template directory",
	Long: `Write the built-in stage templates to --dir (default ~/.storyfactory/templates).
Existing files are left untouched so local edits survive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = prompt.DefaultDir()
		}
		written, err := prompt.InstallBuiltinTemplates(dir)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "All templates already present in %s\n", dir)
			return nil
		}
		for _, name := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", name)
		}
		return nil
	},
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in template names",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range prompt.BuiltinNames() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	templatesInstallCmd.Flags().String("dir", "", "destination directory")
	templatesCmd.AddCommand(templatesInstallCmd)
	templatesCmd.AddCommand(templatesListCmd)
}
