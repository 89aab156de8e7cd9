package sqlite

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/tandemhq/tandem/internal/remote"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

func openTest(t *testing.T, path string) *Adapter {
	t.Helper()
	a, err := OpenWithConfig(&Config{
		DSN:          path,
		PollInterval: 20 * time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("OpenWithConfig() failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// waitEvent returns the next event or fails after a timeout.
func waitEvent(t *testing.T, ch <-chan remote.Event) remote.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return remote.Event{}
}

func TestOpen_CreatesSchema(t *testing.T) {
	path := testDBPath(t)
	a := openTest(t, path)

	if a.Path() != path {
		t.Errorf("Path() = %q, want %q", a.Path(), path)
	}
	for _, name := range []string{"tasks", "projects", "users", "channels", "channel_members", "messages", "notifications", "files", "change_log"} {
		var count int
		err := a.RawDB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", name, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", name)
		}
	}
	if err := a.InitSchema(); err != nil {
		t.Errorf("InitSchema() should be idempotent: %v", err)
	}
}

func TestInsertFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := openTest(t, testDBPath(t))

	due := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	row, err := a.Insert(ctx, remote.Tasks, remote.Row{
		"title":    "Write docs",
		"status":   "doing",
		"priority": 2,
		"notes":    []string{"outline", "draft"},
		"sections": []any{map[string]any{"id": "s1", "heading": "Plan", "content": ""}},
		"due_at":   due,
	})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if row.ID() == "" {
		t.Fatal("Insert() did not assign an id")
	}
	if _, ok := row["created_at"].(time.Time); !ok {
		t.Errorf("created_at = %T, want time.Time", row["created_at"])
	}

	rows, err := a.FetchAll(ctx, remote.Tasks, remote.Query{Filter: remote.Filter{"status": "doing"}})
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("FetchAll() returned %d rows, want 1", len(rows))
	}
	notes, ok := rows[0]["notes"].([]any)
	if !ok || len(notes) != 2 || notes[1] != "draft" {
		t.Errorf("notes = %#v", rows[0]["notes"])
	}
	if got, ok := rows[0]["due_at"].(time.Time); !ok || !got.Equal(due) {
		t.Errorf("due_at = %v", rows[0]["due_at"])
	}
	if rows[0]["assignee_id"] != nil {
		t.Errorf("assignee_id = %v, want nil", rows[0]["assignee_id"])
	}
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	a := openTest(t, testDBPath(t))
	row, _ := a.Insert(ctx, remote.Projects, remote.Row{"name": "Alpha"})

	if err := a.Update(ctx, remote.Projects, row.ID(), remote.Row{"name": "Beta"}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := a.Update(ctx, remote.Projects, "missing", remote.Row{"name": "x"}); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}
	rows, _ := a.FetchAll(ctx, remote.Projects, remote.Query{})
	if rows[0]["name"] != "Beta" {
		t.Errorf("name = %v, want Beta", rows[0]["name"])
	}

	if err := a.Delete(ctx, remote.Projects, row.ID()); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := a.Delete(ctx, remote.Projects, row.ID()); err != nil {
		t.Errorf("Delete() should be idempotent: %v", err)
	}
	rows, _ = a.FetchAll(ctx, remote.Projects, remote.Query{})
	if len(rows) != 0 {
		t.Errorf("rows after delete = %v", rows)
	}
}

func TestDeleteProjectDetachesTasksAndDropsFiles(t *testing.T) {
	ctx := context.Background()
	a := openTest(t, testDBPath(t))
	p, _ := a.Insert(ctx, remote.Projects, remote.Row{"name": "P"})
	a.Insert(ctx, remote.Tasks, remote.Row{"title": "T", "project_id": p.ID()})
	a.Insert(ctx, remote.Files, remote.Row{"project_id": p.ID(), "name": "a.txt", "path": "p/a.txt"})

	if err := a.Delete(ctx, remote.Projects, p.ID()); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	tasks, _ := a.FetchAll(ctx, remote.Tasks, remote.Query{})
	if len(tasks) != 1 || tasks[0]["project_id"] != nil {
		t.Errorf("tasks = %v, want one detached task", tasks)
	}
	files, _ := a.FetchAll(ctx, remote.Files, remote.Query{})
	if len(files) != 0 {
		t.Errorf("files = %v, want none", files)
	}
}

func TestUniqueDMKey(t *testing.T) {
	ctx := context.Background()
	a := openTest(t, testDBPath(t))
	if _, err := a.Insert(ctx, remote.Channels, remote.Row{"type": "direct", "dm_key": "a:b"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	_, err := a.Insert(ctx, remote.Channels, remote.Row{"type": "direct", "dm_key": "a:b"})
	if !errors.Is(err, remote.ErrConflict) {
		t.Errorf("duplicate dm_key = %v, want ErrConflict", err)
	}
}

func TestFetchPageAndSummaries(t *testing.T) {
	ctx := context.Background()
	a := openTest(t, testDBPath(t))
	u1, _ := a.Insert(ctx, remote.Users, remote.Row{"name": "Ada"})
	u2, _ := a.Insert(ctx, remote.Users, remote.Row{"name": "Bob"})
	ch, _ := a.Insert(ctx, remote.Channels, remote.Row{"name": "general", "type": "public"})
	a.Insert(ctx, remote.ChannelMembers, remote.Row{"id": ch.ID() + "/" + u1.ID(), "channel_id": ch.ID(), "user_id": u1.ID()})
	a.Insert(ctx, remote.ChannelMembers, remote.Row{"id": ch.ID() + "/" + u2.ID(), "channel_id": ch.ID(), "user_id": u2.ID()})

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, err := a.Insert(ctx, remote.Messages, remote.Row{
			"channel_id": ch.ID(), "sender_id": u2.ID(), "body": string(rune('a' + i)),
			"created_at": base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Insert(message) failed: %v", err)
		}
	}

	page, err := a.FetchPage(ctx, remote.Messages, remote.Filter{"channel_id": ch.ID()}, remote.Cursor{Column: "created_at"}, 2)
	if err != nil {
		t.Fatalf("FetchPage() failed: %v", err)
	}
	if len(page) != 2 || page[0]["body"] != "e" || page[1]["body"] != "d" {
		t.Fatalf("newest page = %v", page)
	}
	older, _ := a.FetchPage(ctx, remote.Messages, remote.Filter{"channel_id": ch.ID()},
		remote.Cursor{Column: "created_at", Before: page[1]["created_at"]}, 10)
	if len(older) != 3 || older[0]["body"] != "c" {
		t.Errorf("older page = %v", older)
	}

	summaries, err := a.FetchAll(ctx, remote.ChannelSummaries, remote.Query{Filter: remote.Filter{"member_id": u1.ID()}})
	if err != nil {
		t.Fatalf("FetchAll(summaries) failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %v", summaries)
	}
	if summaries[0]["last_message"] != "e" || summaries[0]["unread_count"] != int64(5) {
		t.Errorf("summary = %v", summaries[0])
	}
}

func TestChangeEvents(t *testing.T) {
	ctx := context.Background()
	a := openTest(t, testDBPath(t))

	events := make(chan remote.Event, 16)
	unsub, err := a.SubscribeChanges(remote.Tasks, nil, func(e remote.Event) { events <- e })
	if err != nil {
		t.Fatalf("SubscribeChanges() failed: %v", err)
	}
	defer unsub()

	row, _ := a.Insert(ctx, remote.Tasks, remote.Row{"title": "first", "notes": []string{"n"}})
	e := waitEvent(t, events)
	if e.Op != remote.OpInsert || e.ID() != row.ID() {
		t.Fatalf("insert event = %v", e)
	}
	if notes, ok := e.Row["notes"].([]any); !ok || len(notes) != 1 {
		t.Errorf("event notes = %#v", e.Row["notes"])
	}

	a.Update(ctx, remote.Tasks, row.ID(), remote.Row{"title": "second"})
	e = waitEvent(t, events)
	changed := e.Changed()
	if e.Op != remote.OpUpdate || changed["title"] != "second" {
		t.Fatalf("update event = %v changed=%v", e, changed)
	}
	if _, ok := changed["notes"]; ok {
		t.Error("unchanged notes reported as changed")
	}

	a.Delete(ctx, remote.Tasks, row.ID())
	if e = waitEvent(t, events); e.Op != remote.OpDelete || e.ID() != row.ID() {
		t.Errorf("delete event = %v", e)
	}
}

func TestChangeEventsAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)
	writer := openTest(t, path)
	reader := openTest(t, path)

	events := make(chan remote.Event, 4)
	reader.SubscribeChanges(remote.Projects, nil, func(e remote.Event) { events <- e })

	row, err := writer.Insert(ctx, remote.Projects, remote.Row{"name": "Shared"})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if e := waitEvent(t, events); e.ID() != row.ID() {
		t.Errorf("reader saw %v, want insert of %s", e, row.ID())
	}
}

func TestClosedAdapter(t *testing.T) {
	a := openTest(t, testDBPath(t))
	a.Close()
	if _, err := a.FetchAll(context.Background(), remote.Tasks, remote.Query{}); !errors.Is(err, remote.ErrClosed) {
		t.Errorf("FetchAll() after Close = %v, want ErrClosed", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestDSNHelpers(t *testing.T) {
	if !isRemoteDSN("libsql://db.turso.io") || isRemoteDSN("/tmp/x.db") {
		t.Error("isRemoteDSN mismatch")
	}
	if got := localPath("file:/tmp/x.db?mode=rwc"); got != "/tmp/x.db" {
		t.Errorf("localPath() = %q", got)
	}
	if localPath(":memory:") != "" {
		t.Error(":memory: has no path")
	}
	if got := redact("libsql://db?authToken=secret"); got != "libsql://db?authToken=***" {
		t.Errorf("redact() = %q", got)
	}
}
