package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// tailBatch bounds how many change_log rows one query reads.
const tailBatch = 500

// pruneEvery is how many polls pass between change_log prunes.
const pruneEvery = 1200

// tailer follows change_log and publishes each entry to the adapter's hub.
type tailer struct {
	a       *Adapter
	last    int64
	wake    chan struct{}
	watcher *fileWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTailer(a *Adapter) (*tailer, error) {
	var last sql.NullInt64
	if err := a.db.QueryRow("SELECT MAX(seq) FROM change_log").Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read change_log position: %w", err)
	}

	t := &tailer{
		a:    a,
		last: last.Int64,
		wake: make(chan struct{}, 1),
	}
	if a.path != "" {
		w, err := newFileWatcher(a.path)
		if err != nil {
			// polling still delivers changes
			a.config.Logger.Printf("File watching unavailable, polling only: %v", err)
		} else {
			t.watcher = w
		}
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

func (t *tailer) start() {
	t.wg.Add(1)
	go t.loop()
}

func (t *tailer) stop() {
	t.cancel()
	t.wg.Wait()
	if t.watcher != nil {
		if err := t.watcher.Stop(); err != nil {
			t.a.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
}

// poke asks for an immediate drain.
func (t *tailer) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *tailer) loop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.a.config.PollInterval)
	defer ticker.Stop()

	var changed <-chan struct{}
	var watchErrs <-chan error
	if t.watcher != nil {
		changed = t.watcher.Changed()
		watchErrs = t.watcher.Errors()
	}

	polls := 0
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		case <-changed:
		case err := <-watchErrs:
			t.a.config.Logger.Printf("Watcher error: %v", err)
			continue
		case <-ticker.C:
			polls++
			if polls%pruneEvery == 0 {
				t.prune()
			}
		}
		if err := t.drain(); err != nil && t.ctx.Err() == nil {
			t.a.config.Logger.Printf("Failed to read change_log: %v", err)
		}
	}
}

// drain publishes every change_log entry after the last one seen.
func (t *tailer) drain() error {
	for {
		entries, err := t.read()
		if err != nil {
			return err
		}
		for _, e := range entries {
			t.a.Publish(e)
		}
		if len(entries) < tailBatch {
			return nil
		}
	}
}

func (t *tailer) read() ([]remote.Event, error) {
	rows, err := t.a.db.QueryContext(t.ctx,
		"SELECT seq, kind, op, row, old, at FROM change_log WHERE seq > ? ORDER BY seq LIMIT ?",
		t.last, tailBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []remote.Event
	for rows.Next() {
		var (
			seq          int64
			kind, op, at string
			row, old     sql.NullString
		)
		if err := rows.Scan(&seq, &kind, &op, &row, &old, &at); err != nil {
			return nil, fmt.Errorf("failed to scan change_log entry: %w", err)
		}
		t.last = seq

		e, err := decodeEntry(remote.Kind(kind), remote.Op(op), row, old, at)
		if err != nil {
			t.a.config.Logger.Printf("Skipping change_log entry %d: %v", seq, err)
			continue
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func decodeEntry(kind remote.Kind, op remote.Op, row, old sql.NullString, at string) (remote.Event, error) {
	table, err := remote.Lookup(kind)
	if err != nil {
		return remote.Event{}, err
	}
	if !op.Valid() {
		return remote.Event{}, fmt.Errorf("unknown op %q", op)
	}
	e := remote.Event{Kind: kind, Op: op}
	if e.Row, err = decodeJSONRow(table, row); err != nil {
		return remote.Event{}, err
	}
	if e.Old, err = decodeJSONRow(table, old); err != nil {
		return remote.Event{}, err
	}
	if ts, err := schema.ParseTime(at); err == nil {
		e.At = ts
	}
	return e, nil
}

func decodeJSONRow(table *remote.Table, s sql.NullString) (remote.Row, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s.String), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse row JSON: %w", err)
	}
	row := make(remote.Row, len(raw))
	for col, v := range raw {
		if n, ok := v.(float64); ok && n == float64(int64(n)) {
			v = int64(n)
		}
		row[col] = decodeValue(table, col, v)
	}
	return row, nil
}

// prune drops change_log entries older than the retention window.
func (t *tailer) prune() {
	cutoff := schema.FormatTime(time.Now().Add(-t.a.config.Retention))
	res, err := t.a.db.ExecContext(t.ctx, "DELETE FROM change_log WHERE seq <= ? AND at < ?", t.last, cutoff)
	if err != nil {
		t.a.config.Logger.Printf("Failed to prune change_log: %v", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.a.config.Logger.Printf("Pruned %d change_log entries", n)
	}
}
