package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/flowwatch/internal/batch"
	"github.com/lucasnoah/flowwatch/internal/tracker"
)

// watcher prints state transitions and, optionally, output as it arrives.
type watcher struct {
	w          io.Writer
	showOutput bool
	only       string

	mu       sync.Mutex
	last     map[string]tracker.Status
	lastLine map[string]uint64
}

func newWatcher(w io.Writer, showOutput bool, only string) *watcher {
	return &watcher{
		w:          w,
		showOutput: showOutput,
		only:       only,
		last:       make(map[string]tracker.Status),
		lastLine:   make(map[string]uint64),
	}
}

func displayName(st tracker.ExecutionState) string {
	if st.PipelineName != "" {
		return st.PipelineName
	}
	return st.PipelineID
}

func (wt *watcher) onChange(st tracker.ExecutionState) {
	if wt.only != "" && st.PipelineID != wt.only {
		return
	}
	wt.mu.Lock()
	defer wt.mu.Unlock()

	if prev, ok := wt.last[st.PipelineID]; !ok || prev != st.Status {
		wt.last[st.PipelineID] = st.Status
		if !st.Status.Terminal() {
			fmt.Fprintln(wt.w, infoMsg("%s %s %s", displayName(st), styleStatus(string(st.Status), 0), mutedStyle.Render(st.ExecutionID)))
		}
	}
	if !wt.showOutput {
		return
	}
	seen := wt.lastLine[st.PipelineID]
	for _, l := range st.Lines() {
		if l.ID > seen {
			renderLine(wt.w, l)
			seen = l.ID
		}
	}
	wt.lastLine[st.PipelineID] = seen
}

func (wt *watcher) onComplete(st tracker.ExecutionState) {
	if wt.only != "" && st.PipelineID != wt.only {
		return
	}
	wt.mu.Lock()
	defer wt.mu.Unlock()
	summary := fmt.Sprintf("%s %s (%d/%d steps)", displayName(st), st.Status, st.CompletedStepCount, st.TotalStepCount)
	switch st.Status {
	case tracker.StatusCompleted:
		fmt.Fprintln(wt.w, successMsg("%s", summary))
	case tracker.StatusCancelled:
		fmt.Fprintln(wt.w, warnMsg("%s", summary))
	default:
		if st.Error != "" {
			summary += ": " + st.Error
		}
		fmt.Fprintln(wt.w, errorMsg("%s", summary))
	}
}

func (wt *watcher) onBatch(e batch.Execution) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if e.Status == batch.StatusRunning {
		fmt.Fprintln(wt.w, infoMsg("batch %s %d/%d", e.ExecutionID, e.Progress.Completed, e.Progress.Total))
		return
	}
	renderBatch(wt.w, e)
}

func (wt *watcher) onDisconnect() {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	fmt.Fprintln(wt.w, warnMsg("event stream lost, reconnecting"))
}

func (wt *watcher) onReconnect(report *tracker.RestoreReport) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	fmt.Fprintln(wt.w, infoMsg("reconnected, restored %d pipeline(s)", len(report.Restored)))
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Attach to the engine and stream state transitions until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		showOutput, _ := cmd.Flags().GetBool("output")
		only, _ := cmd.Flags().GetString("pipeline")
		wt := newWatcher(cmd.OutOrStdout(), showOutput, only)

		a, cleanup, err := newApp(cmd, appOptions{
			history:      true,
			reconnect:    true,
			onChange:     wt.onChange,
			onComplete:   wt.onComplete,
			onBatch:      wt.onBatch,
			onDisconnect: wt.onDisconnect,
			onReconnect:  wt.onReconnect,
		})
		if err != nil {
			return err
		}
		defer cleanup()

		report, err := a.attach(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, infoMsg("attached to %s, restored %d pipeline(s)", a.cfg.Engine.URL, len(report.Restored)))
		if states := a.tracker.List(); len(states) > 0 {
			renderStates(out, states)
		}

		select {
		case <-cmd.Context().Done():
			fmt.Fprintln(out, mutedStyle.Render("detaching"))
		case <-a.tracker.Done():
			fmt.Fprintln(out, warnMsg("event stream closed by engine"))
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().Bool("output", false, "Print captured output lines as they arrive")
	watchCmd.Flags().String("pipeline", "", "Only report this pipeline id")
}
