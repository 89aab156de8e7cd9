package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tandemhq/tandem/internal/remote"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	a := NewWithConfig(&Config{Now: func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}})
	t.Cleanup(func() { a.Close() })
	return a
}

func TestInsertAndFetch(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)

	var events []remote.Event
	unsub, _ := a.SubscribeChanges(remote.Tasks, nil, func(e remote.Event) { events = append(events, e) })
	defer unsub()

	for i, title := range []string{"b", "a", "c"} {
		if _, err := a.Insert(ctx, remote.Tasks, remote.Row{"title": title, "sort_order": 2 - i}); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	rows, err := a.FetchAll(ctx, remote.Tasks, remote.Query{})
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	var got []string
	for _, r := range rows {
		got = append(got, r["title"].(string))
	}
	if len(got) != 3 || got[0] != "c" || got[2] != "b" {
		t.Errorf("default order = %v, want by sort_order", got)
	}
	if len(events) != 3 || events[0].Op != remote.OpInsert || events[0].Row.ID() == "" {
		t.Errorf("events = %v", events)
	}
}

func TestUpdatePublishesOldRow(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	row, _ := a.Insert(ctx, remote.Tasks, remote.Row{"title": "old", "status": "doing"})

	var got remote.Event
	a.SubscribeChanges(remote.Tasks, nil, func(e remote.Event) { got = e })

	if err := a.Update(ctx, remote.Tasks, row.ID(), remote.Row{"title": "new"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	changed := got.Changed()
	if changed["title"] != "new" {
		t.Errorf("Changed() = %v", changed)
	}
	if _, ok := changed["status"]; ok {
		t.Error("unchanged column reported as changed")
	}

	if err := a.Update(ctx, remote.Tasks, "missing", remote.Row{"title": "x"}); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFetchPage(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a.Seed(remote.Messages, remote.Row{"channel_id": "c", "body": "m", "created_at": base.Add(time.Duration(i) * time.Minute)})
	}
	a.Seed(remote.Messages, remote.Row{"channel_id": "other", "body": "x", "created_at": base.Add(time.Hour)})

	page, err := a.FetchPage(ctx, remote.Messages, remote.Filter{"channel_id": "c"}, remote.Cursor{Column: "created_at"}, 2)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if len(page) != 2 || !page[0]["created_at"].(time.Time).Equal(base.Add(4*time.Minute)) {
		t.Fatalf("newest page = %v", page)
	}

	older, _ := a.FetchPage(ctx, remote.Messages, remote.Filter{"channel_id": "c"},
		remote.Cursor{Column: "created_at", Before: page[1]["created_at"]}, 10)
	if len(older) != 3 {
		t.Errorf("older page has %d rows, want 3 (strictly less than cursor)", len(older))
	}
}

func TestUniqueConflict(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	if _, err := a.Insert(ctx, remote.Channels, remote.Row{"type": "direct", "dm_key": "u1:u2"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	_, err := a.Insert(ctx, remote.Channels, remote.Row{"type": "direct", "dm_key": "u1:u2"})
	if !errors.Is(err, remote.ErrConflict) {
		t.Errorf("duplicate dm_key error = %v, want ErrConflict", err)
	}
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	boom := errors.New("boom")

	a.FailNext(CallInsert, remote.Projects, boom)
	if _, err := a.Insert(ctx, remote.Projects, remote.Row{"name": "p"}); !errors.Is(err, boom) {
		t.Errorf("first Insert() error = %v, want injected", err)
	}
	if _, err := a.Insert(ctx, remote.Projects, remote.Row{"name": "p"}); err != nil {
		t.Errorf("second Insert() error = %v, failure should be one-shot", err)
	}

	a.FailWhen(func(call Call, kind remote.Kind, id string, _ remote.Row) error {
		if call == CallDelete && id == "doomed" {
			return boom
		}
		return nil
	})
	if err := a.Delete(ctx, remote.Projects, "doomed"); !errors.Is(err, boom) {
		t.Errorf("Delete() error = %v, want injected", err)
	}
	if got := a.Calls(CallInsert, remote.Projects); got != 2 {
		t.Errorf("Calls() = %d, want 2", got)
	}
}

func TestHoldAndRelease(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	a.Hold(CallInsert, remote.Users)

	done := make(chan error, 1)
	go func() {
		_, err := a.Insert(ctx, remote.Users, remote.Row{"name": "Ada"})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("held call returned early")
	case <-time.After(20 * time.Millisecond):
	}
	a.Release(CallInsert, remote.Users)
	if err := <-done; err != nil {
		t.Errorf("Insert() error = %v", err)
	}
}

func TestDeleteProjectDetachesTasksAndDropsFiles(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	a.Seed(remote.Projects, remote.Row{"id": "p", "name": "P"})
	a.Seed(remote.Tasks, remote.Row{"id": "t", "title": "T", "project_id": "p"})
	a.Seed(remote.Files, remote.Row{"id": "f", "project_id": "p", "name": "brief.pdf"})

	if err := a.Delete(ctx, remote.Projects, "p"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	tasks, _ := a.FetchAll(ctx, remote.Tasks, remote.Query{})
	if len(tasks) != 1 || tasks[0]["project_id"] != nil {
		t.Errorf("tasks = %v, want detached task", tasks)
	}
	files, _ := a.FetchAll(ctx, remote.Files, remote.Query{})
	if len(files) != 0 {
		t.Errorf("files = %v, want none", files)
	}
	if err := a.Delete(ctx, remote.Projects, "p"); err != nil {
		t.Errorf("deleting a missing row should succeed, got %v", err)
	}
}

func TestChannelSummaries(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t)
	t0 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	a.Seed(remote.Channels, remote.Row{"id": "c", "name": "general", "type": "public"})
	a.Seed(remote.ChannelMembers,
		remote.Row{"id": "c/u1", "channel_id": "c", "user_id": "u1", "last_read_at": t0.Add(time.Minute)},
		remote.Row{"id": "c/u2", "channel_id": "c", "user_id": "u2"},
	)
	a.Seed(remote.Messages,
		remote.Row{"channel_id": "c", "sender_id": "u2", "body": "first", "created_at": t0},
		remote.Row{"channel_id": "c", "sender_id": "u2", "body": "second", "created_at": t0.Add(2 * time.Minute)},
		remote.Row{"channel_id": "c", "sender_id": "u1", "body": "third", "created_at": t0.Add(3 * time.Minute)},
	)

	rows, err := a.FetchAll(ctx, remote.ChannelSummaries, remote.Query{Filter: remote.Filter{"member_id": "u1"}})
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	if rows[0]["last_message"] != "third" {
		t.Errorf("last_message = %v", rows[0]["last_message"])
	}
	if rows[0]["unread_count"] != 1 {
		t.Errorf("unread_count = %v, want 1 (own and already-read messages excluded)", rows[0]["unread_count"])
	}
}

func TestClosed(t *testing.T) {
	a := New()
	a.Close()
	if _, err := a.FetchAll(context.Background(), remote.Tasks, remote.Query{}); !errors.Is(err, remote.ErrClosed) {
		t.Errorf("FetchAll() after Close error = %v, want ErrClosed", err)
	}
}
