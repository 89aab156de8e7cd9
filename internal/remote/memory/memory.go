// Package memory is an in-process remote.Backend.
//
// It keeps every table in maps, publishes change events synchronously on the
// writing goroutine, and emulates the referential actions of the SQL schemas
// (detach tasks and drop files when a project goes, drop members and messages
// with their channel). Tests use its failure injection and gates to drive the
// optimistic layer deterministically.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tandemhq/tandem/internal/remote"
)

// Call names an adapter method for failure injection and counting.
type Call string

const (
	CallFetch  Call = "fetch"
	CallPage   Call = "page"
	CallInsert Call = "insert"
	CallUpdate Call = "update"
	CallDelete Call = "delete"
)

// FailFunc decides whether a call fails. Returning nil lets it proceed.
type FailFunc func(call Call, kind remote.Kind, id string, fields remote.Row) error

// Config holds configuration for the memory adapter.
type Config struct {
	// Latency is added to every call.
	Latency time.Duration

	// Now stamps created_at/updated_at. Default: time.Now.
	Now func() time.Time

	// Logger for adapter operations. Default: stderr with [memory] prefix.
	Logger *log.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Now:    time.Now,
		Logger: log.New(os.Stderr, "[memory] ", log.LstdFlags),
	}
}

type callKey struct {
	call Call
	kind remote.Kind
}

// Adapter is an in-memory remote.Backend.
type Adapter struct {
	remote.Hub

	config *Config

	mu     sync.Mutex
	rows   map[remote.Kind]map[string]remote.Row
	closed bool

	failMu   sync.Mutex
	failNext map[callKey][]error
	failWhen FailFunc
	gates    map[callKey]chan struct{}
	calls    map[callKey]int
}

// New creates an empty adapter with the default configuration.
func New() *Adapter {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates an empty adapter.
func NewWithConfig(config *Config) *Adapter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[memory] ", log.LstdFlags)
	}
	return &Adapter{
		config:   config,
		rows:     make(map[remote.Kind]map[string]remote.Row),
		failNext: make(map[callKey][]error),
		gates:    make(map[callKey]chan struct{}),
		calls:    make(map[callKey]int),
	}
}

// FailNext makes the next call of the given kind fail with err. Repeated calls queue.
func (a *Adapter) FailNext(call Call, kind remote.Kind, err error) {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	k := callKey{call, kind}
	a.failNext[k] = append(a.failNext[k], err)
}

// FailWhen installs a predicate consulted on every call. Nil removes it.
func (a *Adapter) FailWhen(fn FailFunc) {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	a.failWhen = fn
}

// Hold blocks calls of the given kind until Release.
func (a *Adapter) Hold(call Call, kind remote.Kind) {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	k := callKey{call, kind}
	if _, ok := a.gates[k]; !ok {
		a.gates[k] = make(chan struct{})
	}
}

// Release unblocks calls held by Hold.
func (a *Adapter) Release(call Call, kind remote.Kind) {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	k := callKey{call, kind}
	if gate, ok := a.gates[k]; ok {
		close(gate)
		delete(a.gates, k)
	}
}

// Calls returns how many times call was made for kind.
func (a *Adapter) Calls(call Call, kind remote.Kind) int {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	return a.calls[callKey{call, kind}]
}

// enter counts the call, waits on any gate, and returns an injected failure.
func (a *Adapter) enter(ctx context.Context, call Call, kind remote.Kind, id string, fields remote.Row) error {
	k := callKey{call, kind}

	a.failMu.Lock()
	a.calls[k]++
	gate := a.gates[k]
	a.failMu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.config.Latency > 0 {
		select {
		case <-time.After(a.config.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.failMu.Lock()
	defer a.failMu.Unlock()
	if queue := a.failNext[k]; len(queue) > 0 {
		a.failNext[k] = queue[1:]
		return queue[0]
	}
	if a.failWhen != nil {
		return a.failWhen(call, kind, id, fields)
	}
	return nil
}

// Seed stores rows directly, without publishing events or injecting failures.
func (a *Adapter) Seed(kind remote.Kind, rows ...remote.Row) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range rows {
		_, row, err := remote.PrepareInsert(kind, r, a.config.Now())
		if err != nil {
			return fmt.Errorf("failed to seed %s: %w", kind, err)
		}
		a.tableLocked(kind)[row.ID()] = row
	}
	return nil
}

func (a *Adapter) tableLocked(kind remote.Kind) map[string]remote.Row {
	t, ok := a.rows[kind]
	if !ok {
		t = make(map[string]remote.Row)
		a.rows[kind] = t
	}
	return t
}

// FetchAll implements remote.Adapter.
func (a *Adapter) FetchAll(ctx context.Context, kind remote.Kind, q remote.Query) ([]remote.Row, error) {
	table, err := remote.Lookup(kind)
	if err != nil {
		return nil, err
	}
	if err := a.enter(ctx, CallFetch, kind, "", nil); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, remote.ErrClosed
	}

	var rows []remote.Row
	if kind == remote.ChannelSummaries {
		rows = a.summariesLocked()
	} else {
		for _, r := range a.rows[kind] {
			rows = append(rows, r.Clone())
		}
	}
	rows = filter(rows, q.Filter)
	order := q.OrderBy
	if len(order) == 0 {
		order = table.Order
	}
	sortRows(rows, order)
	return rows, nil
}

// FetchPage implements remote.Adapter.
func (a *Adapter) FetchPage(ctx context.Context, kind remote.Kind, f remote.Filter, cursor remote.Cursor, limit int) ([]remote.Row, error) {
	if _, err := remote.Lookup(kind); err != nil {
		return nil, err
	}
	if cursor.Column == "" {
		return nil, fmt.Errorf("cursor column is required")
	}
	if err := a.enter(ctx, CallPage, kind, "", nil); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, remote.ErrClosed
	}

	var rows []remote.Row
	for _, r := range a.rows[kind] {
		if !f.Matches(r) {
			continue
		}
		if cursor.Before != nil && compare(r[cursor.Column], cursor.Before) >= 0 {
			continue
		}
		rows = append(rows, r.Clone())
	}
	sortRows(rows, []remote.Order{remote.Desc(cursor.Column), remote.Desc("id")})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Insert implements remote.Adapter.
func (a *Adapter) Insert(ctx context.Context, kind remote.Kind, fields remote.Row) (remote.Row, error) {
	if err := a.enter(ctx, CallInsert, kind, fields.ID(), fields); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, remote.ErrClosed
	}
	table, row, err := remote.PrepareInsert(kind, fields, a.config.Now())
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	rows := a.tableLocked(kind)
	if _, exists := rows[row.ID()]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("failed to insert %s %s: %w", kind, row.ID(), remote.ErrConflict)
	}
	for _, col := range table.Unique {
		v := row[col]
		if v == nil {
			continue
		}
		for _, other := range rows {
			if other[col] == v {
				a.mu.Unlock()
				return nil, fmt.Errorf("failed to insert %s (%s=%v): %w", kind, col, v, remote.ErrConflict)
			}
		}
	}
	rows[row.ID()] = row
	out := row.Clone()
	a.mu.Unlock()

	a.Publish(remote.Event{Kind: kind, Op: remote.OpInsert, Row: row.Clone(), At: a.config.Now()})
	return out, nil
}

// Update implements remote.Adapter.
func (a *Adapter) Update(ctx context.Context, kind remote.Kind, id string, fields remote.Row) error {
	if err := a.enter(ctx, CallUpdate, kind, id, fields); err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return remote.ErrClosed
	}
	_, patch, err := remote.PrepareUpdate(kind, fields, a.config.Now())
	if err != nil {
		a.mu.Unlock()
		return err
	}
	events, err := a.updateLocked(kind, id, patch)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range events {
		a.Publish(e)
	}
	return nil
}

func (a *Adapter) updateLocked(kind remote.Kind, id string, patch remote.Row) ([]remote.Event, error) {
	rows := a.tableLocked(kind)
	old, ok := rows[id]
	if !ok {
		return nil, fmt.Errorf("failed to update %s %s: %w", kind, id, remote.ErrNotFound)
	}
	row := old.Clone()
	for col, v := range patch {
		row[col] = v
	}
	rows[id] = row
	return []remote.Event{{Kind: kind, Op: remote.OpUpdate, Row: row.Clone(), Old: old.Clone(), At: a.config.Now()}}, nil
}

// Delete implements remote.Adapter.
func (a *Adapter) Delete(ctx context.Context, kind remote.Kind, id string) error {
	if _, err := remote.Lookup(kind); err != nil {
		return err
	}
	if err := a.enter(ctx, CallDelete, kind, id, nil); err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return remote.ErrClosed
	}
	events := a.deleteLocked(kind, id)
	a.mu.Unlock()

	for _, e := range events {
		a.Publish(e)
	}
	return nil
}

func (a *Adapter) deleteLocked(kind remote.Kind, id string) []remote.Event {
	rows := a.tableLocked(kind)
	old, ok := rows[id]
	if !ok {
		return nil
	}
	delete(rows, id)
	events := []remote.Event{{Kind: kind, Op: remote.OpDelete, Row: old.Clone(), At: a.config.Now()}}

	now := a.config.Now().UTC()
	switch kind {
	case remote.Projects:
		for tid, t := range a.tableLocked(remote.Tasks) {
			if t["project_id"] == id {
				e, _ := a.updateLocked(remote.Tasks, tid, remote.Row{"project_id": nil, "updated_at": now})
				events = append(events, e...)
			}
		}
		for cid, c := range a.tableLocked(remote.Channels) {
			if c["project_id"] == id {
				e, _ := a.updateLocked(remote.Channels, cid, remote.Row{"project_id": nil, "updated_at": now})
				events = append(events, e...)
			}
		}
		for fid, f := range a.tableLocked(remote.Files) {
			if f["project_id"] == id {
				events = append(events, a.deleteLocked(remote.Files, fid)...)
			}
		}
	case remote.Channels:
		for mid, m := range a.tableLocked(remote.ChannelMembers) {
			if m["channel_id"] == id {
				events = append(events, a.deleteLocked(remote.ChannelMembers, mid)...)
			}
		}
		for mid, m := range a.tableLocked(remote.Messages) {
			if m["channel_id"] == id {
				events = append(events, a.deleteLocked(remote.Messages, mid)...)
			}
		}
	case remote.Users:
		for tid, t := range a.tableLocked(remote.Tasks) {
			if t["assignee_id"] == id {
				e, _ := a.updateLocked(remote.Tasks, tid, remote.Row{"assignee_id": nil, "updated_at": now})
				events = append(events, e...)
			}
		}
	}
	return events
}

// Close implements remote.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// summariesLocked computes the channel_summaries view.
func (a *Adapter) summariesLocked() []remote.Row {
	type latest struct {
		body string
		at   any
	}
	last := make(map[string]latest)
	for _, m := range a.rows[remote.Messages] {
		cid, _ := m["channel_id"].(string)
		cur, ok := last[cid]
		if !ok || compare(m["created_at"], cur.at) > 0 {
			body, _ := m["body"].(string)
			last[cid] = latest{body: body, at: m["created_at"]}
		}
	}

	var out []remote.Row
	for _, member := range a.rows[remote.ChannelMembers] {
		cid, _ := member["channel_id"].(string)
		uid, _ := member["user_id"].(string)
		ch, ok := a.rows[remote.Channels][cid]
		if !ok {
			continue
		}
		row := ch.Clone()
		row["member_id"] = uid
		if l, ok := last[cid]; ok {
			row["last_message"] = l.body
			row["last_message_at"] = l.at
		} else {
			row["last_message"] = nil
			row["last_message_at"] = nil
		}
		unread := 0
		for _, m := range a.rows[remote.Messages] {
			if m["channel_id"] != cid || m["deleted_at"] != nil || m["sender_id"] == uid {
				continue
			}
			if readAt := member["last_read_at"]; readAt != nil && compare(m["created_at"], readAt) <= 0 {
				continue
			}
			unread++
		}
		row["unread_count"] = unread
		out = append(out, row)
	}
	return out
}

func filter(rows []remote.Row, f remote.Filter) []remote.Row {
	if len(f) == 0 {
		return rows
	}
	out := rows[:0]
	for _, r := range rows {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func sortRows(rows []remote.Row, order []remote.Order) {
	order = append(append([]remote.Order(nil), order...), remote.Asc("id"))
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := compare(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compare orders column values. Nil sorts first; mixed types compare as text.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	at, aok := asTime(a)
	bt, bok := asTime(b)
	if aok && bok {
		return at.Compare(bt)
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
