package cli

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/flowwatch/internal/tracker"
)

var startCmd = &cobra.Command{
	Use:   "start <pipeline-id>",
	Short: "Start a pipeline on the engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipelineID := args[0]
		steps, _ := cmd.Flags().GetInt("steps")
		name, _ := cmd.Flags().GetString("name")
		follow, _ := cmd.Flags().GetBool("follow")

		wt := newWatcher(cmd.OutOrStdout(), true, pipelineID)
		done := make(chan tracker.ExecutionState, 1)
		var once sync.Once
		opts := appOptions{history: true}
		if follow {
			opts.onChange = wt.onChange
			opts.onComplete = func(st tracker.ExecutionState) {
				if st.PipelineID != pipelineID {
					return
				}
				wt.onComplete(st)
				once.Do(func() { done <- st })
			}
		}

		a, cleanup, err := newApp(cmd, opts)
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := a.attach(cmd.Context()); err != nil {
			return err
		}
		executionID, err := a.tracker.Start(cmd.Context(), pipelineID, tracker.StartOptions{
			PipelineName: name,
			TotalSteps:   steps,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successMsg("started %s (execution %s)", pipelineID, executionID))
		if !follow {
			return nil
		}

		select {
		case st := <-done:
			if st.Status == tracker.StatusFailed {
				return fmt.Errorf("pipeline %s failed", pipelineID)
			}
		case <-a.tracker.Done():
			return fmt.Errorf("event stream closed before %s finished", pipelineID)
		case <-cmd.Context().Done():
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <pipeline-id>",
	Short: "Cancel a running pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd, appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := a.attach(cmd.Context()); err != nil {
			return err
		}
		if err := a.tracker.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), warnMsg("cancel requested for %s", args[0]))
		return nil
	},
}

var continueCmd = &cobra.Command{
	Use:   "continue <pipeline-id>",
	Short: "Resume a paused pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd, appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := a.attach(cmd.Context()); err != nil {
			return err
		}
		if err := a.tracker.Continue(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successMsg("resumed %s", args[0]))
		return nil
	},
}

func init() {
	startCmd.Flags().Int("steps", 0, "Expected step count, if known before the first event")
	startCmd.Flags().String("name", "", "Display name for the pipeline")
	startCmd.Flags().Bool("follow", false, "Stream output until the pipeline finishes")
}
