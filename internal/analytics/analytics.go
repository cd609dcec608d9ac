// Package analytics derives run statistics from recorded history.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/flowwatch/internal/history"
)

// PipelineStats summarises the recorded runs of one pipeline.
type PipelineStats struct {
	PipelineID   string  `json:"pipeline_id"`
	PipelineName string  `json:"pipeline_name,omitempty"`
	Runs         int     `json:"runs"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Cancelled    int     `json:"cancelled"`
	SuccessRate  float64 `json:"success_rate_pct"`
	AvgSeconds   float64 `json:"avg_seconds"`
	P50Seconds   float64 `json:"p50_seconds"`
	P95Seconds   float64 `json:"p95_seconds"`
	LastStatus   string  `json:"last_status"`
	LastFinished string  `json:"last_finished"`
}

// DailyThroughput counts runs finished on one UTC day.
type DailyThroughput struct {
	Day       string `json:"day"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// Since drops records that finished before t. A zero t keeps everything.
func Since(recs []history.Record, t time.Time) []history.Record {
	if t.IsZero() {
		return recs
	}
	var out []history.Record
	for _, r := range recs {
		if !r.FinishedAt.Before(t) {
			out = append(out, r)
		}
	}
	return out
}

// Pipelines returns per-pipeline stats sorted by pipeline id. Durations only
// count runs with a positive duration.
func Pipelines(recs []history.Record) []PipelineStats {
	type acc struct {
		stats     PipelineStats
		durations []float64
		last      time.Time
	}
	byID := make(map[string]*acc)
	for _, r := range recs {
		a, ok := byID[r.PipelineID]
		if !ok {
			a = &acc{stats: PipelineStats{PipelineID: r.PipelineID}}
			byID[r.PipelineID] = a
		}
		a.stats.Runs++
		switch r.Status {
		case "completed":
			a.stats.Completed++
		case "cancelled":
			a.stats.Cancelled++
		default:
			a.stats.Failed++
		}
		if r.DurationMs > 0 {
			a.durations = append(a.durations, float64(r.DurationMs)/1000)
		}
		if !r.FinishedAt.Before(a.last) {
			a.last = r.FinishedAt
			a.stats.LastStatus = r.Status
			a.stats.LastFinished = r.FinishedAt.UTC().Format(time.RFC3339)
			if r.PipelineName != "" {
				a.stats.PipelineName = r.PipelineName
			}
		}
	}

	results := make([]PipelineStats, 0, len(byID))
	for _, a := range byID {
		sort.Float64s(a.durations)
		a.stats.SuccessRate = pct(a.stats.Completed, a.stats.Runs)
		a.stats.AvgSeconds = avg(a.durations)
		a.stats.P50Seconds = percentile(a.durations, 50)
		a.stats.P95Seconds = percentile(a.durations, 95)
		results = append(results, a.stats)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].PipelineID < results[j].PipelineID
	})
	return results
}

// Throughput groups runs by UTC finish day, oldest first.
func Throughput(recs []history.Record) []DailyThroughput {
	byDay := make(map[string]*DailyThroughput)
	for _, r := range recs {
		day := r.FinishedAt.UTC().Format("2006-01-02")
		d, ok := byDay[day]
		if !ok {
			d = &DailyThroughput{Day: day}
			byDay[day] = d
		}
		switch r.Status {
		case "completed":
			d.Completed++
		case "cancelled":
			d.Cancelled++
		default:
			d.Failed++
		}
	}
	results := make([]DailyThroughput, 0, len(byDay))
	for _, d := range byDay {
		results = append(results, *d)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Day < results[j].Day
	})
	return results
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
