package benchmark

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Comparison contains the results of comparing two benchmark runs.
type Comparison struct {
	Baseline  Result
	Candidate Result

	// Improvement percentages per latency kind and percentile
	// (positive = candidate is faster), e.g. Propagation["p95"].
	Optimistic  map[string]float64
	Confirmed   map[string]float64
	Propagation map[string]float64

	ThroughputImprovement float64 // writes/sec improvement
	MemoryImprovement     float64 // memory delta improvement
	OverallWinner         string  // baseline name, candidate name, or "tie"
	WinCount              map[string]int
}

// Compare sets two runs side by side. Runs with the same Name are told apart
// as "baseline" and "candidate".
func Compare(baseline, candidate *Result) *Comparison {
	c := &Comparison{
		Baseline:    *baseline,
		Candidate:   *candidate,
		Optimistic:  latencyImprovements(baseline.Optimistic, candidate.Optimistic),
		Confirmed:   latencyImprovements(baseline.Confirmed, candidate.Confirmed),
		Propagation: latencyImprovements(baseline.Propagation, candidate.Propagation),
		WinCount:    make(map[string]int),
	}
	if baseline.Throughput.WritesPerSecond > 0 {
		c.ThroughputImprovement = (candidate.Throughput.WritesPerSecond - baseline.Throughput.WritesPerSecond) /
			baseline.Throughput.WritesPerSecond * 100
	}
	c.MemoryImprovement = calculateImprovement(
		float64(candidate.Resources.MemoryDeltaBytes),
		float64(baseline.Resources.MemoryDeltaBytes),
	)

	baseName, candName := c.names()
	score := func(improvement float64) {
		if improvement > 0 {
			c.WinCount[candName]++
		} else if improvement < 0 {
			c.WinCount[baseName]++
		}
	}
	// Optimistic latency is local work on both sides; only the
	// backend-bound latencies decide the winner.
	for _, m := range []map[string]float64{c.Confirmed, c.Propagation} {
		for _, improvement := range m {
			score(improvement)
		}
	}
	score(c.ThroughputImprovement)

	switch {
	case c.WinCount[candName] > c.WinCount[baseName]:
		c.OverallWinner = candName
	case c.WinCount[baseName] > c.WinCount[candName]:
		c.OverallWinner = baseName
	default:
		c.OverallWinner = "tie"
	}
	return c
}

func (c *Comparison) names() (string, string) {
	base, cand := c.Baseline.Config.Name, c.Candidate.Config.Name
	if base == "" || cand == "" || base == cand {
		return "baseline", "candidate"
	}
	return base, cand
}

func latencyImprovements(baseline, candidate LatencyMetrics) map[string]float64 {
	return map[string]float64{
		"min":  calculateImprovement(candidate.Min.Seconds(), baseline.Min.Seconds()),
		"p50":  calculateImprovement(candidate.P50.Seconds(), baseline.P50.Seconds()),
		"mean": calculateImprovement(candidate.Mean.Seconds(), baseline.Mean.Seconds()),
		"p95":  calculateImprovement(candidate.P95.Seconds(), baseline.P95.Seconds()),
		"p99":  calculateImprovement(candidate.P99.Seconds(), baseline.P99.Seconds()),
		"max":  calculateImprovement(candidate.Max.Seconds(), baseline.Max.Seconds()),
	}
}

// calculateImprovement calculates percentage improvement.
// Positive = candidate is better, negative = baseline is better.
func calculateImprovement(candidateValue, baselineValue float64) float64 {
	if baselineValue == 0 {
		return 0
	}
	return (baselineValue - candidateValue) / baselineValue * 100
}

// PrintComparison outputs a formatted comparison report.
func PrintComparison(c *Comparison) {
	baseName, candName := c.names()
	separator := strings.Repeat("=", 80)
	fmt.Printf("\n%s\n", separator)
	fmt.Printf("SYNC BENCHMARK COMPARISON: %s vs %s\n", candName, baseName)
	fmt.Printf("%s\n\n", separator)

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Writer Sessions:   %d\n", c.Candidate.Config.Clients)
	fmt.Printf("  Tasks per Writer:  %d\n\n", c.Candidate.Config.OpsPerClient)

	lineSeparator := strings.Repeat("-", 60)
	sections := []struct {
		title       string
		base, cand  LatencyMetrics
		improvement map[string]float64
	}{
		{"CONFIRMED LATENCY", c.Baseline.Confirmed, c.Candidate.Confirmed, c.Confirmed},
		{"PROPAGATION LATENCY", c.Baseline.Propagation, c.Candidate.Propagation, c.Propagation},
	}
	for _, s := range sections {
		fmt.Printf("%s:\n", s.title)
		fmt.Printf("%-10s | %-12s | %-12s | %-15s\n", "Metric", candName, baseName, "Improvement")
		fmt.Printf("%s\n", lineSeparator)
		printLatencyRow("P50", s.cand.P50, s.base.P50, s.improvement["p50"])
		printLatencyRow("Mean", s.cand.Mean, s.base.Mean, s.improvement["mean"])
		printLatencyRow("P95", s.cand.P95, s.base.P95, s.improvement["p95"])
		printLatencyRow("P99", s.cand.P99, s.base.P99, s.improvement["p99"])
		printLatencyRow("Max", s.cand.Max, s.base.Max, s.improvement["max"])
		fmt.Printf("\n")
	}

	fmt.Printf("THROUGHPUT:\n")
	fmt.Printf("  %-12s %.2f writes/sec\n", candName+":", c.Candidate.Throughput.WritesPerSecond)
	fmt.Printf("  %-12s %.2f writes/sec\n", baseName+":", c.Baseline.Throughput.WritesPerSecond)
	fmt.Printf("  Improvement: %s%.2f%%\n\n", formatSign(c.ThroughputImprovement), c.ThroughputImprovement)

	fmt.Printf("MEMORY:\n")
	fmt.Printf("  %-12s %s\n", candName+":", FormatBytes(c.Candidate.Resources.MemoryDeltaBytes))
	fmt.Printf("  %-12s %s\n", baseName+":", FormatBytes(c.Baseline.Resources.MemoryDeltaBytes))
	fmt.Printf("  Improvement: %s%.2f%%\n\n", formatSign(c.MemoryImprovement), c.MemoryImprovement)

	fmt.Printf("SUMMARY:\n")
	fmt.Printf("  %s wins: %d metrics\n", candName, c.WinCount[candName])
	fmt.Printf("  %s wins: %d metrics\n", baseName, c.WinCount[baseName])
	fmt.Printf("  Overall Winner: %s\n\n", strings.ToUpper(c.OverallWinner))

	if c.Candidate.Missed > 0 || c.Baseline.Missed > 0 {
		fmt.Printf("  ! tasks never propagated: %s %d, %s %d\n\n",
			candName, c.Candidate.Missed, baseName, c.Baseline.Missed)
	}
	fmt.Printf("%s\n\n", separator)
}

// printLatencyRow prints a single row in a latency comparison table.
func printLatencyRow(metric string, candidate, baseline time.Duration, improvement float64) {
	improvementStr := fmt.Sprintf("%s%.1f%%", formatSign(improvement), improvement)
	if improvement > 0 {
		improvementStr += " ✓"
	}
	fmt.Printf("%-10s | %-12s | %-12s | %-15s\n",
		metric,
		FormatDuration(candidate),
		FormatDuration(baseline),
		improvementStr)
}

// formatSign returns a + sign for positive values.
func formatSign(value float64) string {
	if value > 0 {
		return "+"
	}
	return ""
}

// jsonRun is the per-run summary in WriteComparisonJSON output.
type jsonRun struct {
	Name             string  `json:"name"`
	OptimisticP50Us  int64   `json:"optimistic_p50_us"`
	ConfirmedP50Ms   float64 `json:"confirmed_p50_ms"`
	ConfirmedP95Ms   float64 `json:"confirmed_p95_ms"`
	PropagationP50Ms float64 `json:"propagation_p50_ms"`
	PropagationP95Ms float64 `json:"propagation_p95_ms"`
	WritesPerSecond  float64 `json:"writes_per_sec"`
	Errors           int     `json:"errors"`
	Missed           int     `json:"missed"`
}

func summarize(r Result) jsonRun {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return jsonRun{
		Name:             r.Config.Name,
		OptimisticP50Us:  r.Optimistic.P50.Microseconds(),
		ConfirmedP50Ms:   ms(r.Confirmed.P50),
		ConfirmedP95Ms:   ms(r.Confirmed.P95),
		PropagationP50Ms: ms(r.Propagation.P50),
		PropagationP95Ms: ms(r.Propagation.P95),
		WritesPerSecond:  r.Throughput.WritesPerSecond,
		Errors:           r.ErrorCount,
		Missed:           r.Missed,
	}
}

// WriteComparisonJSON writes the comparison as indented JSON.
func WriteComparisonJSON(w io.Writer, c *Comparison) error {
	output := map[string]any{
		"baseline":  summarize(c.Baseline),
		"candidate": summarize(c.Candidate),
		"improvement": map[string]float64{
			"confirmed_p50_pct":   c.Confirmed["p50"],
			"confirmed_p95_pct":   c.Confirmed["p95"],
			"propagation_p50_pct": c.Propagation["p50"],
			"propagation_p95_pct": c.Propagation["p95"],
			"throughput_pct":      c.ThroughputImprovement,
			"memory_pct":          c.MemoryImprovement,
		},
		"winner": c.OverallWinner,
		"wins":   c.WinCount,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output); err != nil {
		return fmt.Errorf("failed to encode comparison: %w", err)
	}
	return nil
}
