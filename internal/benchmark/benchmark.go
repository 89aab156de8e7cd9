// Package benchmark measures how fast task edits become visible through a
// store.Session over a given remote backend.
//
// Three latencies are recorded for every write:
//
//   - Optimistic: from the call until the edit is readable in the writer's
//     own cache. This is what a user sees and should be microseconds.
//   - Confirmed: from the call until the background write has landed and the
//     local id has been swapped for the server id.
//   - Propagation: from the call until a second session, subscribed to the
//     same backend, sees the task through its realtime stream.
//
// Writers run concurrently, one session each, so the benchmark also shows how
// a backend's change stream holds up under many clients.
package benchmark

import (
	"fmt"
	"runtime"
	"sort"
	"time"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// Name labels the run in reports, usually the driver.
	Name string

	// Clients is the number of concurrent writer sessions.
	Clients int

	// OpsPerClient is how many tasks each writer adds.
	OpsPerClient int

	// Settle bounds how long to wait for the observer to see every task
	// after the writers finish (default: 10s).
	Settle time.Duration
}

// DefaultConfig returns a benchmark configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:         "sqlite",
		Clients:      10,
		OpsPerClient: 20,
		Settle:       10 * time.Second,
	}
}

// Result captures all metrics from a benchmark run.
type Result struct {
	// Configuration used for this run
	Config Config

	Optimistic  LatencyMetrics
	Confirmed   LatencyMetrics
	Propagation LatencyMetrics

	Throughput ThroughputMetrics
	Resources  ResourceMetrics

	// Missed counts tasks the observer never saw within Settle.
	Missed int

	TotalDuration time.Duration
	ErrorCount    int
	ErrorRate     float64
	Success       bool
}

// LatencyMetrics captures latency statistics.
type LatencyMetrics struct {
	Min  time.Duration
	P50  time.Duration // Median
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration

	// Raw durations for analysis
	Durations []time.Duration
}

// ThroughputMetrics captures confirmed writes per second.
type ThroughputMetrics struct {
	WritesPerSecond float64
	TotalWrites     int
}

// ResourceMetrics captures memory usage.
type ResourceMetrics struct {
	MemoryBeforeBytes uint64
	MemoryAfterBytes  uint64
	MemoryPeakBytes   uint64
	MemoryDeltaBytes  uint64
}

// ComputeStats calculates statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		Min:       sorted[0],
		P50:       sorted[len(sorted)*50/100],
		Mean:      sum / time.Duration(len(sorted)),
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Max:       sorted[len(sorted)-1],
		Durations: sorted,
	}
}

// GetMemoryStats returns current memory usage statistics.
func GetMemoryStats() ResourceMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ResourceMetrics{
		MemoryBeforeBytes: m.Alloc,
		MemoryAfterBytes:  m.Alloc,
		MemoryPeakBytes:   m.Sys,
	}
}

// CompareMemoryStats computes the delta between before and after memory stats.
// A shrinking heap reports a zero delta.
func CompareMemoryStats(before, after ResourceMetrics) ResourceMetrics {
	var delta uint64
	if after.MemoryAfterBytes > before.MemoryBeforeBytes {
		delta = after.MemoryAfterBytes - before.MemoryBeforeBytes
	}

	return ResourceMetrics{
		MemoryBeforeBytes: before.MemoryBeforeBytes,
		MemoryAfterBytes:  after.MemoryAfterBytes,
		MemoryPeakBytes:   after.MemoryPeakBytes,
		MemoryDeltaBytes:  delta,
	}
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// PrintResult outputs a formatted benchmark result.
func PrintResult(result Result) {
	fmt.Printf("\n=== Sync Benchmark (%s) ===\n\n", result.Config.Name)

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Writer Sessions:   %d\n", result.Config.Clients)
	fmt.Printf("  Tasks per Writer:  %d\n", result.Config.OpsPerClient)
	fmt.Printf("\n")

	fmt.Printf("%-10s | %-12s | %-12s | %-12s\n", "Latency", "Optimistic", "Confirmed", "Propagation")
	fmt.Printf("%s\n", "-----------+--------------+--------------+-------------")
	rows := []struct {
		name string
		get  func(LatencyMetrics) time.Duration
	}{
		{"Min", func(m LatencyMetrics) time.Duration { return m.Min }},
		{"P50", func(m LatencyMetrics) time.Duration { return m.P50 }},
		{"Mean", func(m LatencyMetrics) time.Duration { return m.Mean }},
		{"P95", func(m LatencyMetrics) time.Duration { return m.P95 }},
		{"P99", func(m LatencyMetrics) time.Duration { return m.P99 }},
		{"Max", func(m LatencyMetrics) time.Duration { return m.Max }},
	}
	for _, r := range rows {
		fmt.Printf("%-10s | %-12s | %-12s | %-12s\n", r.name,
			FormatDuration(r.get(result.Optimistic)),
			FormatDuration(r.get(result.Confirmed)),
			FormatDuration(r.get(result.Propagation)))
	}
	fmt.Printf("\n")

	fmt.Printf("Throughput:\n")
	fmt.Printf("  Writes/sec:        %.2f\n", result.Throughput.WritesPerSecond)
	fmt.Printf("  Total Writes:      %d\n", result.Throughput.TotalWrites)
	fmt.Printf("\n")

	fmt.Printf("Resources:\n")
	fmt.Printf("  Memory Before:     %s\n", FormatBytes(result.Resources.MemoryBeforeBytes))
	fmt.Printf("  Memory After:      %s\n", FormatBytes(result.Resources.MemoryAfterBytes))
	fmt.Printf("  Memory Peak:       %s\n", FormatBytes(result.Resources.MemoryPeakBytes))
	fmt.Printf("  Memory Delta:      %s\n", FormatBytes(result.Resources.MemoryDeltaBytes))
	fmt.Printf("\n")

	fmt.Printf("Overall:\n")
	fmt.Printf("  Total Duration:    %s\n", FormatDuration(result.TotalDuration))
	fmt.Printf("  Errors:            %d (%.2f%%)\n", result.ErrorCount, result.ErrorRate*100)
	fmt.Printf("  Not Propagated:    %d\n", result.Missed)
	fmt.Printf("  Success:           %v\n", result.Success)
	fmt.Printf("\n")
}
