package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect persisted pipeline runs",
}

func openStore() (*pipeline.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return pipeline.OpenStore(filepath.Join(cfg.Storage.Dir, "runs"))
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		runs, err := store.List(status)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST\tISSUE\tSTATUS\tSTAGE\tINV\tUPDATED\tREASON")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				r.RequestID, r.IssueID, r.Status, r.Stage, r.Invocations, r.UpdatedAt, truncate(r.Reason, 50))
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show a run's result, final state or one stage output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		id := args[0]
		if _, err := store.Get(id); err != nil {
			return err
		}

		stageName, _ := cmd.Flags().GetString("stage")
		showState, _ := cmd.Flags().GetBool("state")
		switch {
		case stageName != "":
			name, ok := pipeline.ParseStageName(stageName)
			if !ok {
				return fmt.Errorf("unknown stage %q", stageName)
			}
			inv, _ := cmd.Flags().GetInt("invocation")
			var out json.RawMessage
			if err := store.GetStageOutput(id, name, inv, &out); err != nil {
				return err
			}
			return writeJSON(cmd, out)
		case showState:
			st, err := store.GetState(id)
			if err != nil {
				return err
			}
			return writeJSON(cmd, st)
		default:
			var res json.RawMessage
			if err := store.GetResult(id, &res); err != nil {
				rec, _ := store.Get(id)
				return writeJSON(cmd, rec)
			}
			return writeJSON(cmd, res)
		}
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <request-id>",
	Short: "Delete a run's persisted files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "only runs with this status (running, ok, degraded, aborted, fatal)")
	runsListCmd.Flags().String("format", "text", "Output format: text or json")
	runsShowCmd.Flags().Bool("state", false, "show the final pipeline state instead of the result")
	runsShowCmd.Flags().String("stage", "", "show the output of this stage")
	runsShowCmd.Flags().Int("invocation", 1, "invocation number for --stage")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}
