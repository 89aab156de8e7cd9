package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/remote/memory"
)

func TestComputeStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := ComputeStats(durations)

	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v, want 1ms/100ms", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P95 != 96*time.Millisecond {
		t.Errorf("P95 = %v, want 96ms", stats.P95)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}
	if durations[0] != 100*time.Millisecond {
		t.Error("ComputeStats must not sort its input in place")
	}

	if empty := ComputeStats(nil); empty.Max != 0 || empty.Durations != nil {
		t.Errorf("ComputeStats(nil) = %+v, want zero", empty)
	}
}

func TestFormat(t *testing.T) {
	durations := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Nanosecond, "500ns"},
		{1500 * time.Nanosecond, "1.50µs"},
		{2500 * time.Microsecond, "2.50ms"},
		{1500 * time.Millisecond, "1.50s"},
	}
	for _, tt := range durations {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}

	sizes := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024, "3.0 MB"},
	}
	for _, tt := range sizes {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCompareMemoryStatsNeverUnderflows(t *testing.T) {
	got := CompareMemoryStats(ResourceMetrics{MemoryBeforeBytes: 10}, ResourceMetrics{MemoryAfterBytes: 4})
	if got.MemoryDeltaBytes != 0 {
		t.Errorf("MemoryDeltaBytes = %d, want 0 for a shrinking heap", got.MemoryDeltaBytes)
	}
}

func newBackend(latency time.Duration) *memory.Adapter {
	return memory.NewWithConfig(&memory.Config{
		Latency: latency,
		Logger:  log.New(io.Discard, "", 0),
	})
}

func TestRunMemory(t *testing.T) {
	backend := newBackend(2 * time.Millisecond)
	defer backend.Close()

	result, err := Run(context.Background(), backend, Config{
		Name:         "memory",
		Clients:      3,
		OpsPerClient: 4,
		Settle:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Success || result.ErrorCount != 0 || result.Missed != 0 {
		t.Fatalf("result = errors %d, missed %d, success %v", result.ErrorCount, result.Missed, result.Success)
	}
	if result.Throughput.TotalWrites != 12 {
		t.Errorf("TotalWrites = %d, want 12", result.Throughput.TotalWrites)
	}
	if len(result.Propagation.Durations) != 12 {
		t.Errorf("propagation samples = %d, want 12", len(result.Propagation.Durations))
	}
	if result.Confirmed.Min < 2*time.Millisecond {
		t.Errorf("Confirmed.Min = %v, want at least the injected 2ms", result.Confirmed.Min)
	}
	if result.Optimistic.P50 >= result.Confirmed.P50 {
		t.Errorf("Optimistic P50 %v should beat Confirmed P50 %v", result.Optimistic.P50, result.Confirmed.P50)
	}

	rows, err := backend.FetchAll(context.Background(), remote.Tasks, remote.Query{})
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(rows) != 12 {
		t.Errorf("backend holds %d tasks, want 12", len(rows))
	}
}

func TestRunCountsRolledBackWrites(t *testing.T) {
	backend := newBackend(0)
	defer backend.Close()
	backend.FailWhen(func(call memory.Call, kind remote.Kind, id string, fields remote.Row) error {
		if call == memory.CallInsert && kind == remote.Tasks {
			if title, _ := fields["title"].(string); strings.HasSuffix(title, " 0-1") {
				return errors.New("disk full")
			}
		}
		return nil
	})

	result, err := Run(context.Background(), backend, Config{
		Name:         "memory",
		Clients:      2,
		OpsPerClient: 3,
		Settle:       200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", result.ErrorCount)
	}
	if result.Missed != 0 {
		t.Errorf("Missed = %d, failed writes must not count as missed", result.Missed)
	}
	if result.Throughput.TotalWrites != 5 {
		t.Errorf("TotalWrites = %d, want 5", result.Throughput.TotalWrites)
	}
	if result.Success {
		t.Error("Success = true, want false with a failed write")
	}
}

func latency(p50, p95 time.Duration) LatencyMetrics {
	return LatencyMetrics{Min: p50 / 2, P50: p50, Mean: p50, P95: p95, P99: p95, Max: p95}
}

func TestCompare(t *testing.T) {
	sqlite := &Result{
		Config:      Config{Name: "sqlite"},
		Confirmed:   latency(4*time.Millisecond, 10*time.Millisecond),
		Propagation: latency(250*time.Millisecond, 300*time.Millisecond),
		Throughput:  ThroughputMetrics{WritesPerSecond: 200},
	}
	postgres := &Result{
		Config:      Config{Name: "postgres"},
		Confirmed:   latency(2*time.Millisecond, 5*time.Millisecond),
		Propagation: latency(5*time.Millisecond, 8*time.Millisecond),
		Throughput:  ThroughputMetrics{WritesPerSecond: 400},
	}

	c := Compare(sqlite, postgres)

	if c.OverallWinner != "postgres" {
		t.Errorf("OverallWinner = %q, want postgres", c.OverallWinner)
	}
	if c.Confirmed["p50"] != 50 {
		t.Errorf("Confirmed p50 improvement = %.1f, want 50", c.Confirmed["p50"])
	}
	if c.ThroughputImprovement != 100 {
		t.Errorf("ThroughputImprovement = %.1f, want 100", c.ThroughputImprovement)
	}
	if c.WinCount["sqlite"] != 0 {
		t.Errorf("sqlite wins = %d, want 0", c.WinCount["sqlite"])
	}

	var buf bytes.Buffer
	if err := WriteComparisonJSON(&buf, c); err != nil {
		t.Fatalf("WriteComparisonJSON failed: %v", err)
	}
	var decoded struct {
		Winner    string `json:"winner"`
		Candidate struct {
			Name string `json:"name"`
		} `json:"candidate"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded.Winner != "postgres" || decoded.Candidate.Name != "postgres" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestCompareSameNames(t *testing.T) {
	a := &Result{Config: Config{Name: "memory"}, Throughput: ThroughputMetrics{WritesPerSecond: 10}}
	b := &Result{Config: Config{Name: "memory"}, Throughput: ThroughputMetrics{WritesPerSecond: 10}}

	c := Compare(a, b)

	if c.OverallWinner != "tie" {
		t.Errorf("OverallWinner = %q, want tie", c.OverallWinner)
	}
	if base, cand := c.names(); base != "baseline" || cand != "candidate" {
		t.Errorf("names = %s, %s", base, cand)
	}
}
