package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lucasnoah/flowwatch/internal/batch"
	"github.com/lucasnoah/flowwatch/internal/tracker"
)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func renderStates(w io.Writer, states []tracker.ExecutionState) {
	fmt.Fprintf(w, "%-20s %-10s %-22s %-20s %s\n", "PIPELINE", "STATUS", "PROGRESS", "STEP", "EXECUTION")
	fmt.Fprintf(w, "%-20s %-10s %-22s %-20s %s\n",
		strings.Repeat("-", 20),
		strings.Repeat("-", 10),
		strings.Repeat("-", 22),
		strings.Repeat("-", 20),
		strings.Repeat("-", 9))
	for _, st := range states {
		name := st.PipelineID
		if st.PipelineName != "" {
			name = st.PipelineName
		}
		step := ""
		if st.CurrentStep != nil {
			step = st.CurrentStep.Name
		}
		progress := fmt.Sprintf("%s %3d%%", progressBar(st.ProgressPercent, 10), st.ProgressPercent)
		fmt.Fprintf(w, "%-20s %s %-22s %-20s %s\n",
			truncate(name, 20), styleStatus(string(st.Status), 10), progress, truncate(step, 20), st.ExecutionID)
		if st.Error != "" {
			fmt.Fprintf(w, "  %s\n", errorStyle.Render(truncate(st.Error, 100)))
		}
		renderChildren(w, st.ChildExecutions, 1)
	}
}

func renderChildren(w io.Writer, children map[string]*tracker.ChildExecutionState, depth int) {
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	indent := strings.Repeat("  ", depth)
	for _, k := range keys {
		c := children[k]
		fmt.Fprintf(w, "%s└ %s %s step %d/%d %s\n",
			indent, c.ChildPipelineName, styleStatus(string(c.Status), 10),
			c.CurrentStep, c.TotalSteps, mutedStyle.Render(c.CurrentStepName))
		renderChildren(w, c.Children, depth+1)
	}
}

func renderLine(w io.Writer, l tracker.OutputLine) {
	prefix := mutedStyle.Render(fmt.Sprintf("[%s]", l.StepName))
	content := strings.TrimRight(l.Content, "\n")
	switch l.Stream {
	case "system":
		content = boldStyle.Render(content)
	case "stderr":
		content = warnStyle.Render(content)
	}
	fmt.Fprintf(w, "%s %s\n", prefix, content)
}

func renderBatch(w io.Writer, e batch.Execution) {
	fmt.Fprintf(w, "%s %s %d/%d targets",
		e.ExecutionID, styleStatus(string(e.Status), 10), e.Progress.Completed, e.Progress.Total)
	if len(e.Progress.RunningTargets) > 0 {
		fmt.Fprintf(w, " (running: %s)", strings.Join(e.Progress.RunningTargets, ", "))
	}
	fmt.Fprintln(w)
	for _, r := range e.Results {
		mark := successStyle.Render("✓")
		if !r.Success {
			mark = errorStyle.Render("✗")
		}
		cached := ""
		if r.Cached {
			cached = mutedStyle.Render(" (cached)")
		}
		fmt.Fprintf(w, "  %s %-30s exit %d  %dms%s\n", mark, r.Target, r.ExitCode, r.DurationMs, cached)
	}
}
