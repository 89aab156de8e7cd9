package seed

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/remote/memory"
)

const sample = `
[[users]]
id = "alice"
name = "Alice Martin"
role = "designer"

[[users]]
name = "Bob Stone"

[[projects]]
id = "launch"
name = "Launch"

[[tasks]]
title = "Draft press release"
status = "doing"
priority = 2
assignee = "alice martin"
project = "Launch"
due = 2024-03-04T17:00:00Z
notes = ["coordinate with legal"]

  [[tasks.sections]]
  heading = "Outline"
  content = "intro, quotes, boilerplate"

[[tasks]]
title = "Book venue"
assignee = "Bob Stone"

[[tasks]]
title = "Order badges"

[[channels]]
name = "launch-room"
project = "launch"
members = ["alice", "Bob Stone"]

[[channels]]
type = "direct"
members = ["Bob Stone", "alice"]
`

func newBackend() *memory.Adapter {
	return memory.NewWithConfig(&memory.Config{Logger: log.New(io.Discard, "", 0)})
}

func fetch(t *testing.T, a remote.Adapter, kind remote.Kind, filter remote.Filter) []remote.Row {
	t.Helper()
	rows, err := a.FetchAll(context.Background(), kind, remote.Query{Filter: filter})
	if err != nil {
		t.Fatalf("FetchAll(%s) failed: %v", kind, err)
	}
	return rows
}

func TestApply(t *testing.T) {
	f, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	a := newBackend()

	res, err := Apply(context.Background(), a, f)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := Result{Users: 2, Projects: 1, Tasks: 3, Channels: 2, Members: 4}
	if res != want {
		t.Errorf("Apply() = %+v, want %+v", res, want)
	}

	bob := fetch(t, a, remote.Users, remote.Filter{"name": "Bob Stone"})
	if len(bob) != 1 {
		t.Fatalf("Bob not seeded: %v", bob)
	}
	bobID := bob[0].ID()

	release := fetch(t, a, remote.Tasks, remote.Filter{"title": "Draft press release"})
	if len(release) != 1 {
		t.Fatalf("task not seeded")
	}
	row := release[0]
	if row["assignee_id"] != "alice" || row["project_id"] != "launch" || row["status"] != "doing" {
		t.Errorf("task row = %v", row)
	}

	venue := fetch(t, a, remote.Tasks, remote.Filter{"title": "Book venue"})
	if len(venue) != 1 || venue[0]["assignee_id"] != bobID {
		t.Errorf("assignee by name not resolved: %v", venue)
	}

	dms := fetch(t, a, remote.Channels, remote.Filter{"type": "direct"})
	if len(dms) != 1 {
		t.Fatalf("direct channels = %d", len(dms))
	}
	if key, _ := dms[0]["dm_key"].(string); !strings.Contains(key, "alice") || !strings.Contains(key, bobID) {
		t.Errorf("dm_key = %v", dms[0]["dm_key"])
	}
}

func TestApplyTwiceSkips(t *testing.T) {
	f, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	a := newBackend()
	if _, err := Apply(context.Background(), a, f); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}

	res, err := Apply(context.Background(), a, f)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if want := (Result{Skipped: 12}); res != want {
		t.Errorf("second Apply() = %+v, want %+v", res, want)
	}
	if n := len(fetch(t, a, remote.Tasks, nil)); n != 3 {
		t.Errorf("tasks = %d after re-seeding, want 3", n)
	}
}

func TestApplyRejectsUnknownReferences(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown assignee", "[[tasks]]\ntitle = \"x\"\nassignee = \"zed\"\n", "unknown user"},
		{"unknown project", "[[tasks]]\ntitle = \"x\"\nproject = \"nope\"\n", "unknown project"},
		{"bad status", "[[tasks]]\ntitle = \"x\"\nstatus = \"someday\"\n", "invalid status"},
		{"lonely dm", "[[users]]\nid = \"a\"\nname = \"A\"\n[[channels]]\ntype = \"direct\"\nmembers = [\"a\"]\n", "exactly two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(tt.doc)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			_, err = Apply(context.Background(), newBackend(), f)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Apply() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse("[[tasks]]\ntitel = \"typo\"\n"); err == nil || !strings.Contains(err.Error(), "titel") {
		t.Errorf("Parse() error = %v, want unknown key", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.toml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatalf("failed to write seed file: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(f.Users) != 2 || len(f.Tasks) != 3 || len(f.Tasks[0].Sections) != 1 || f.Tasks[0].Due == nil {
		t.Errorf("Load() = %+v", f)
	}
}
