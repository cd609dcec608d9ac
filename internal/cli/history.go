package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/flowwatch/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect finished pipeline runs",
}

func withHistory(cmd *cobra.Command, fn func(history.Store) error) error {
	cfg, err := validConfig()
	if err != nil {
		return err
	}
	db, err := openHistory(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		pipelineID, _ := cmd.Flags().GetString("pipeline")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		return withHistory(cmd, func(s history.Store) error {
			recs, err := s.List(cmd.Context(), history.Filter{PipelineID: pipelineID, Status: status, Limit: limit})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if format == "json" {
				for i := range recs {
					recs[i].Output = nil
				}
				data, _ := json.MarshalIndent(recs, "", "  ")
				fmt.Fprintln(w, string(data))
				return nil
			}
			if len(recs) == 0 {
				fmt.Fprintln(w, "No runs recorded.")
				return nil
			}
			fmt.Fprintf(w, "%-36s %-20s %-10s %-7s %-10s %s\n", "ID", "PIPELINE", "STATUS", "STEPS", "DURATION", "FINISHED")
			fmt.Fprintf(w, "%-36s %-20s %-10s %-7s %-10s %s\n",
				strings.Repeat("-", 36),
				strings.Repeat("-", 20),
				strings.Repeat("-", 10),
				strings.Repeat("-", 7),
				strings.Repeat("-", 10),
				strings.Repeat("-", 8))
			for _, r := range recs {
				name := r.PipelineID
				if r.PipelineName != "" {
					name = r.PipelineName
				}
				fmt.Fprintf(w, "%-36s %-20s %s %-7s %-10s %s\n",
					r.ID, truncate(name, 20), styleStatus(r.Status, 10),
					fmt.Sprintf("%d/%d", r.CompletedStepCount, r.StepCount),
					fmt.Sprintf("%dms", r.DurationMs),
					r.FinishedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one recorded run with its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withHistory(cmd, func(s history.Store) error {
			rec, err := s.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if format == "json" {
				data, _ := json.MarshalIndent(rec, "", "  ")
				fmt.Fprintln(w, string(data))
				return nil
			}
			fmt.Fprintf(w, "Run:       %s\n", rec.ID)
			fmt.Fprintf(w, "Pipeline:  %s %s\n", rec.PipelineID, mutedStyle.Render(rec.PipelineName))
			fmt.Fprintf(w, "Status:    %s\n", styleStatus(rec.Status, 0))
			fmt.Fprintf(w, "Steps:     %d/%d\n", rec.CompletedStepCount, rec.StepCount)
			fmt.Fprintf(w, "Started:   %s\n", rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Finished:  %s (%dms)\n", rec.FinishedAt.Local().Format("2006-01-02 15:04:05"), rec.DurationMs)
			if rec.ErrorMessage != "" {
				fmt.Fprintf(w, "Error:     %s\n", errorStyle.Render(rec.ErrorMessage))
			}
			if len(rec.Output) > 0 {
				fmt.Fprintln(w)
				for _, l := range rec.Output {
					fmt.Fprintf(w, "%s %s\n", mutedStyle.Render("["+l.StepName+"]"), strings.TrimRight(l.Content, "\n"))
				}
			}
			return nil
		})
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(cmd, func(s history.Store) error {
			if err := s.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("deleted %s", args[0]))
			return nil
		})
	},
}

func init() {
	historyListCmd.Flags().String("pipeline", "", "Only runs of this pipeline id")
	historyListCmd.Flags().String("status", "", "Only runs with this status")
	historyListCmd.Flags().Int("limit", 20, "Maximum number of runs")
	historyListCmd.Flags().String("format", "text", "Output format: text or json")
	historyShowCmd.Flags().String("format", "text", "Output format: text or json")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
}
