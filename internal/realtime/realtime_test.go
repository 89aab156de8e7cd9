package realtime

import (
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/debounce"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

var quiet = log.New(io.Discard, "", 0)

const window = 300 * time.Millisecond

// fixture wires a project table to a hub through a Subscription and Merger.
type fixture struct {
	hub      *remote.Hub
	table    *cache.Table[schema.Project]
	clock    *debounce.FakeClock
	refetch  *debounce.Debouncer
	refetchN int
	sub      *Subscription
}

func newFixture(t *testing.T, aggregate func(remote.Event) bool) *fixture {
	t.Helper()
	f := &fixture{
		hub:   &remote.Hub{},
		table: cache.New[schema.Project]("projects", cache.Options[schema.Project]{}),
		clock: debounce.NewFakeClock(),
	}
	f.refetch = debounce.NewWithConfig("projects", func() { f.refetchN++ }, &debounce.Config{
		Window: window,
		Clock:  f.clock,
		Logger: quiet,
	})
	m := NewMerger(f.table, MergerConfig[schema.Project]{Refetch: f.refetch, Aggregate: aggregate, Logger: quiet})
	f.sub = NewSubscription(f.hub, remote.Projects, quiet)
	if err := f.sub.Open(nil, m.Handle); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(f.sub.Close)
	return f
}

func projectRow(id, name string) remote.Row {
	return remote.Row{"id": id, "name": name, "color": "#111111", "created_at": time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)}
}

func TestSubscriptionLifecycle(t *testing.T) {
	hub := &remote.Hub{}
	sub := NewSubscription(hub, remote.Tasks, quiet)
	if sub.State() != Idle {
		t.Fatalf("new subscription state = %v, want idle", sub.State())
	}

	var first, second int
	if err := sub.Open(remote.Filter{"status": "doing"}, func(remote.Event) { first++ }); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if sub.State() != Subscribed || hub.Subscribers(remote.Tasks) != 1 {
		t.Fatalf("state = %v subscribers = %d", sub.State(), hub.Subscribers(remote.Tasks))
	}

	// reopening tears the first stream down
	if err := sub.Open(nil, func(remote.Event) { second++ }); err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if n := hub.Subscribers(remote.Tasks); n != 1 {
		t.Fatalf("subscribers after reopen = %d, want 1", n)
	}
	hub.Publish(remote.Event{Kind: remote.Tasks, Op: remote.OpInsert, Row: remote.Row{"id": "t1", "status": "doing"}})
	if first != 0 || second != 1 {
		t.Errorf("first = %d second = %d, want 0 and 1", first, second)
	}
	if sub.Events() != 1 {
		t.Errorf("Events() = %d, want 1", sub.Events())
	}

	sub.Close()
	sub.Close()
	if sub.State() != Idle || hub.Subscribers(remote.Tasks) != 0 {
		t.Errorf("after Close state = %v subscribers = %d", sub.State(), hub.Subscribers(remote.Tasks))
	}
	hub.Publish(remote.Event{Kind: remote.Tasks, Op: remote.OpInsert, Row: remote.Row{"id": "t2"}})
	if second != 1 {
		t.Errorf("closed subscription received an event")
	}
}

func TestInsertDedup(t *testing.T) {
	f := newFixture(t, nil)

	e := remote.Event{Kind: remote.Projects, Op: remote.OpInsert, Row: projectRow("p1", "alpha")}
	f.hub.Publish(e)
	f.hub.Publish(e)
	if n := f.table.Len(); n != 1 {
		t.Fatalf("Len() = %d after duplicate insert, want 1", n)
	}

	// the optimistic copy got there first
	if _, ok := f.table.Add(schema.Project{ID: "p2", Name: "mine"}); !ok {
		t.Fatal("Add failed")
	}
	f.hub.Publish(remote.Event{Kind: remote.Projects, Op: remote.OpInsert, Row: projectRow("p2", "theirs")})
	got, _ := f.table.Get("p2")
	if f.table.Len() != 2 || got.Name != "mine" {
		t.Errorf("Len() = %d name = %q, want 2 and mine", f.table.Len(), got.Name)
	}
	if f.refetch.Armed() {
		t.Error("plain inserts must not schedule a refetch")
	}
}

func TestUpdatePatchesChangedColumns(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.Publish(remote.Event{Kind: remote.Projects, Op: remote.OpInsert, Row: projectRow("p1", "alpha")})

	// local edit in flight
	f.table.Update("p1", func(p schema.Project) schema.Project {
		p.Color = "#ff0000"
		return p
	})

	old := projectRow("p1", "alpha")
	row := projectRow("p1", "beta")
	f.hub.Publish(remote.Event{Kind: remote.Projects, Op: remote.OpUpdate, Row: row, Old: old})

	got, _ := f.table.Get("p1")
	if got.Name != "beta" {
		t.Errorf("Name = %q, want beta", got.Name)
	}
	if got.Color != "#ff0000" {
		t.Errorf("Color = %q, unchanged column was clobbered", got.Color)
	}
}

func TestUpdateUnknownRefetches(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.Publish(remote.Event{Kind: remote.Projects, Op: remote.OpUpdate, Row: projectRow("ghost", "x")})
	if f.table.Len() != 0 {
		t.Error("update for an unknown id must not insert")
	}
	if !f.refetch.Armed() {
		t.Error("expected refetch to be scheduled")
	}
}

func TestDeleteAndInvalidateRefetch(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.Publish(remote.Event{Kind: remote.Projects, Op: remote.OpInsert, Row: projectRow("p1", "alpha")})

	f.hub.Publish(remote.Event{Kind: remote.Projects, Op: remote.OpDelete, Row: projectRow("p1", "alpha")})
	if !f.table.Has("p1") {
		t.Error("delete events must not remove surgically")
	}
	f.hub.Publish(remote.Event{Kind: remote.Projects, Op: remote.OpInvalidate})
	f.clock.Advance(window)
	if f.refetchN != 1 {
		t.Errorf("refetches = %d, want 1", f.refetchN)
	}
}

func TestDebounceBound(t *testing.T) {
	for _, n := range []int{1, 5, 50} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			f := newFixture(t, nil)
			for i := 0; i < n; i++ {
				f.hub.Publish(remote.Event{Kind: remote.Projects, Op: remote.OpDelete, Row: remote.Row{"id": fmt.Sprint(i)}})
				f.clock.Advance(window / time.Duration(n+1))
			}
			f.clock.Advance(window)
			if f.refetchN != 1 {
				t.Errorf("refetches = %d for %d events, want 1", f.refetchN, n)
			}
		})
	}
}

func TestAggregateEventsRefetch(t *testing.T) {
	f := newFixture(t, func(e remote.Event) bool { return e.Op == remote.OpInsert })
	f.hub.Publish(remote.Event{Kind: remote.Projects, Op: remote.OpInsert, Row: projectRow("p1", "alpha")})
	if !f.table.Has("p1") {
		t.Error("aggregate insert should still merge")
	}
	if !f.refetch.Armed() {
		t.Error("aggregate insert should schedule a refetch")
	}
}
