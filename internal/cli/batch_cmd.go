package cli

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/flowwatch/internal/batch"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one script across many targets",
}

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a batch run and report per-target results",
	RunE: func(cmd *cobra.Command, args []string) error {
		script, _ := cmd.Flags().GetString("script")
		targets, _ := cmd.Flags().GetStringSlice("target")
		parallel, _ := cmd.Flags().GetBool("parallel")
		stopOnError, _ := cmd.Flags().GetBool("stop-on-error")
		wait, _ := cmd.Flags().GetBool("wait")
		if script == "" {
			return fmt.Errorf("--script is required")
		}

		out := cmd.OutOrStdout()
		var (
			mu       sync.Mutex
			id       string
			early    []batch.Execution
			finished = make(chan batch.Execution, 1)
			once     sync.Once
		)
		onBatch := func(e batch.Execution) {
			mu.Lock()
			defer mu.Unlock()
			if id == "" {
				early = append(early, e)
				return
			}
			if e.ExecutionID != id || e.Status == batch.StatusRunning {
				return
			}
			once.Do(func() { finished <- e })
		}

		a, cleanup, err := newApp(cmd, appOptions{onBatch: onBatch})
		if err != nil {
			return err
		}
		defer cleanup()

		if wait {
			if _, err := a.attach(cmd.Context()); err != nil {
				return err
			}
		}
		execID, err := a.batches.RunBatch(cmd.Context(), script, targets, batch.Options{
			Parallel:    parallel,
			StopOnError: stopOnError,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, successMsg("batch %s started on %d target(s)", execID, len(targets)))

		mu.Lock()
		id = execID
		for _, e := range early {
			if e.ExecutionID == id && e.Status != batch.StatusRunning {
				once.Do(func() { finished <- e })
			}
		}
		mu.Unlock()
		if !wait {
			return nil
		}

		select {
		case e := <-finished:
			renderBatch(out, e)
			if e.Status == batch.StatusFailed {
				return fmt.Errorf("batch %s failed: %d of %d target(s) succeeded", e.ExecutionID, e.Succeeded(), len(e.Targets))
			}
		case <-a.tracker.Done():
			return fmt.Errorf("event stream closed before batch %s finished", execID)
		case <-cmd.Context().Done():
		}
		return nil
	},
}

func init() {
	batchRunCmd.Flags().String("script", "", "Script to run on each target")
	batchRunCmd.Flags().StringSlice("target", nil, "Target to run on (repeatable)")
	batchRunCmd.Flags().Bool("parallel", false, "Run targets in parallel")
	batchRunCmd.Flags().Bool("stop-on-error", false, "Stop scheduling targets after the first failure")
	batchRunCmd.Flags().Bool("wait", true, "Wait for the batch to finish and print results")
	batchCmd.AddCommand(batchRunCmd)
}
