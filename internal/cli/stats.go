package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/storyfactory/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize stage latency, revisions and throughput from the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")
		if since <= 0 {
			return fmt.Errorf("--since must be positive")
		}
		database, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		rep, err := analytics.Build(cmd.Context(), database, time.Now().Add(-since))
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, rep)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tCOUNT\tAVG(s)\tP50(s)\tP95(s)\tDEGRADED%\tFATAL%")
		for _, s := range rep.Stages {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\n", s.Stage, s.Count, s.Avg, s.P50, s.P95, s.DegradedPct, s.FatalPct)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "STAGE\tRUNS\t0 REV%\t1 REV%\t2 REV%\t3+ REV%")
		for _, r := range rep.Revisions {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%.1f\n", r.Stage, r.Total, r.Zero, r.One, r.Two, r.ThreePlus)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "DAY\tCREATED\tOK\tDEGRADED\tABORTED\tFATAL\tAVG(s)")
		for _, p := range rep.Throughput {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f\n", p.Period, p.Created, p.OK, p.Degraded, p.Aborted, p.Fatal, p.AvgDuration)
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().Duration("since", 7*24*time.Hour, "window to summarize")
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}
