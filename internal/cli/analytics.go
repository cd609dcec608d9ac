package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/flowwatch/internal/analytics"
	"github.com/lucasnoah/flowwatch/internal/history"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Statistics over recorded runs",
}

// loadRuns reads every recorded run matching the flags.
func loadRuns(cmd *cobra.Command, s history.Store) ([]history.Record, error) {
	pipelineID, _ := cmd.Flags().GetString("pipeline")
	since, _ := cmd.Flags().GetDuration("since")
	recs, err := s.List(cmd.Context(), history.Filter{PipelineID: pipelineID})
	if err != nil {
		return nil, err
	}
	if since > 0 {
		recs = analytics.Since(recs, time.Now().Add(-since))
	}
	return recs, nil
}

var analyticsPipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "Run counts, success rate and durations per pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withHistory(cmd, func(s history.Store) error {
			recs, err := loadRuns(cmd, s)
			if err != nil {
				return err
			}
			stats := analytics.Pipelines(recs)
			w := cmd.OutOrStdout()
			if format == "json" {
				data, _ := json.MarshalIndent(stats, "", "  ")
				fmt.Fprintln(w, string(data))
				return nil
			}
			if len(stats) == 0 {
				fmt.Fprintln(w, "No runs recorded.")
				return nil
			}
			fmt.Fprintf(w, "%-20s %5s %6s %7s %8s %8s %8s  %s\n", "PIPELINE", "RUNS", "OK", "OK%", "AVG(s)", "P50(s)", "P95(s)", "LAST")
			for _, p := range stats {
				name := p.PipelineID
				if p.PipelineName != "" {
					name = p.PipelineName
				}
				fmt.Fprintf(w, "%-20s %5d %6d %6.1f%% %8.1f %8.1f %8.1f  %s\n",
					truncate(name, 20), p.Runs, p.Completed, p.SuccessRate,
					p.AvgSeconds, p.P50Seconds, p.P95Seconds, styleStatus(p.LastStatus, 0))
			}
			return nil
		})
	},
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Finished runs per day",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withHistory(cmd, func(s history.Store) error {
			recs, err := loadRuns(cmd, s)
			if err != nil {
				return err
			}
			days := analytics.Throughput(recs)
			w := cmd.OutOrStdout()
			if format == "json" {
				data, _ := json.MarshalIndent(days, "", "  ")
				fmt.Fprintln(w, string(data))
				return nil
			}
			if len(days) == 0 {
				fmt.Fprintln(w, "No runs recorded.")
				return nil
			}
			fmt.Fprintf(w, "%-10s %9s %6s %9s\n", "DAY", "COMPLETED", "FAILED", "CANCELLED")
			for _, d := range days {
				fmt.Fprintf(w, "%-10s %9d %6d %9d\n", d.Day, d.Completed, d.Failed, d.Cancelled)
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{analyticsPipelinesCmd, analyticsThroughputCmd} {
		c.Flags().String("pipeline", "", "Only runs of this pipeline id")
		c.Flags().Duration("since", 0, "Only runs finished within this window, e.g. 168h")
		c.Flags().String("format", "text", "Output format: text or json")
		analyticsCmd.AddCommand(c)
	}
}
