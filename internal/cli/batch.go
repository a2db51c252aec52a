package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// batchOutput is one line of batch --format json output.
type batchOutput struct {
	orchestrator.BatchItem
	Error string `json:"error,omitempty"`
}

var batchCmd = &cobra.Command{
	Use:   "batch <requests.json>",
	Short: "Run independent stories concurrently",
	Long: `Run a JSON array of requests ({story, issueId, images, context}) with at
most --concurrency pipelines in flight. Use - to read the array from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		var reqs []orchestrator.Request
		if err := json.Unmarshal(data, &reqs); err != nil {
			return fmt.Errorf("parse requests: %w", err)
		}
		if len(reqs) == 0 {
			return fmt.Errorf("no requests in %s", args[0])
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		templates, _ := cmd.Flags().GetString("templates")
		a, err := newApp(ctx, cfg, appOpts{templateDir: templates, withDB: true})
		if err != nil {
			return err
		}
		defer a.close()

		concurrency, _ := cmd.Flags().GetInt("concurrency")
		items := a.orch.RunBatch(ctx, reqs, concurrency)

		failed := 0
		for _, it := range items {
			if it.Err != nil || (it.Result != nil && it.Result.Status == pipeline.RunFatal) {
				failed++
			}
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			out := make([]batchOutput, len(items))
			for i, it := range items {
				out[i] = batchOutput{BatchItem: it}
				if it.Err != nil {
					out[i].Error = it.Err.Error()
				}
			}
			if err := writeJSON(cmd, out); err != nil {
				return err
			}
		} else {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tREQUEST\tISSUE\tSTATUS\tDETAIL")
			for i, it := range items {
				if it.Err != nil {
					fmt.Fprintf(w, "%d\t-\t%s\terror\t%s\n", i, it.Request.IssueID, truncate(it.Err.Error(), 60))
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i, it.Result.RequestID, it.Result.IssueID, it.Result.Status, truncate(it.Result.Reason, 60))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d requests failed", failed, len(items))
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func init() {
	batchCmd.Flags().Int("concurrency", 4, "maximum pipelines in flight")
	addRunFlags(batchCmd)
}
