package benchmark

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
	"github.com/tandemhq/tandem/internal/store"
)

// sample is one timed write.
type sample struct {
	title      string
	start      time.Time
	optimistic time.Duration
	confirmed  time.Duration
	failed     bool
}

// Run adds Clients*OpsPerClient tasks through concurrent sessions over
// backend and times each one. The caller owns backend and closes it.
//
// The tasks are left in the backend; their titles carry a per-run prefix so
// repeated runs do not confuse each other.
func Run(ctx context.Context, backend remote.Backend, config Config) (*Result, error) {
	defaults := DefaultConfig()
	if config.Clients <= 0 {
		config.Clients = defaults.Clients
	}
	if config.OpsPerClient <= 0 {
		config.OpsPerClient = defaults.OpsPerClient
	}
	if config.Settle <= 0 {
		config.Settle = defaults.Settle
	}

	quiet := log.New(io.Discard, "", 0)
	newSession := func(user string) *store.Session {
		return store.NewWithConfig(backend, &store.Config{UserID: user, Logger: quiet})
	}

	prefix := "bench " + uuid.NewString()[:8] + " "
	total := config.Clients * config.OpsPerClient

	observer := newSession("bench-observer")
	defer observer.Close()
	observed := observer.Tasks()
	observer.Wait()

	var seenMu sync.Mutex
	seen := make(map[string]time.Time, total)
	allSeen := make(chan struct{})
	var allSeenOnce sync.Once
	unsub := observed.Subscribe(func(snapshot []schema.Task) {
		now := time.Now()
		seenMu.Lock()
		defer seenMu.Unlock()
		for _, t := range snapshot {
			if _, ok := seen[t.Title]; !ok && strings.HasPrefix(t.Title, prefix) {
				seen[t.Title] = now
			}
		}
		if len(seen) == total {
			allSeenOnce.Do(func() { close(allSeen) })
		}
	})
	defer unsub()

	memBefore := GetMemoryStats()
	start := time.Now()

	samples := make([][]sample, config.Clients)
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < config.Clients; c++ {
		g.Go(func() error {
			s := newSession(fmt.Sprintf("bench-writer-%d", c))
			defer s.Close()

			var mu sync.Mutex
			failures := 0
			s.OnError(func(string) {
				mu.Lock()
				failures++
				mu.Unlock()
			})
			tasks := s.Tasks()
			s.Wait()

			for i := 0; i < config.OpsPerClient; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				title := fmt.Sprintf("%s%d-%d", prefix, c, i)
				t0 := time.Now()
				if _, err := tasks.Add(schema.Task{Title: title}); err != nil {
					return fmt.Errorf("failed to add task: %w", err)
				}
				optimistic := time.Since(t0)
				s.Wait()
				confirmed := time.Since(t0)

				mu.Lock()
				failed := failures > 0
				failures = 0
				mu.Unlock()

				samples[c] = append(samples[c], sample{
					title:      title,
					start:      t0,
					optimistic: optimistic,
					confirmed:  confirmed,
					failed:     failed,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("benchmark %s aborted: %w", config.Name, err)
	}
	writeDuration := time.Since(start)

	select {
	case <-allSeen:
	case <-time.After(config.Settle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	totalDuration := time.Since(start)

	result := &Result{Config: config, TotalDuration: totalDuration}
	var optimistic, confirmed, propagation []time.Duration
	seenMu.Lock()
	for _, writer := range samples {
		for _, s := range writer {
			optimistic = append(optimistic, s.optimistic)
			if s.failed {
				result.ErrorCount++
				continue
			}
			confirmed = append(confirmed, s.confirmed)
			if at, ok := seen[s.title]; ok {
				propagation = append(propagation, at.Sub(s.start))
			} else {
				result.Missed++
			}
		}
	}
	seenMu.Unlock()

	result.Optimistic = ComputeStats(optimistic)
	result.Confirmed = ComputeStats(confirmed)
	result.Propagation = ComputeStats(propagation)
	result.Resources = CompareMemoryStats(memBefore, GetMemoryStats())
	result.Throughput = ThroughputMetrics{TotalWrites: len(confirmed)}
	if writeDuration > 0 {
		result.Throughput.WritesPerSecond = float64(len(confirmed)) / writeDuration.Seconds()
	}
	if total > 0 {
		result.ErrorRate = float64(result.ErrorCount) / float64(total)
	}
	result.Success = result.ErrorCount == 0 && result.Missed == 0
	return result, nil
}
