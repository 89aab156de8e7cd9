package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tandemhq/tandem/internal/schema"
)

func TestMatch(t *testing.T) {
	tasks := []schema.Task{
		{ID: "a1b2c3d4-0001", Title: "Write report"},
		{ID: "a1b2c3d4-0002", Title: "Ship release"},
		{ID: "ffee0000", Title: "write report"},
	}
	id := func(t schema.Task) string { return t.ID }
	title := func(t schema.Task) string { return t.Title }

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr string
	}{
		{"exact id", "ffee0000", "ffee0000", ""},
		{"unique prefix", "a1b2c3d4-0002", "a1b2c3d4-0002", ""},
		{"name", "Ship release", "a1b2c3d4-0002", ""},
		{"name is case-insensitive", "SHIP RELEASE", "a1b2c3d4-0002", ""},
		{"ambiguous prefix", "a1b2", "", "matches 2 tasks"},
		{"ambiguous name", "write report", "", "matches 2 tasks"},
		{"no match", "zzz", "", "no task matches"},
		{"empty", "  ", "", "no task given"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := match("task", tasks, tt.ref, id, title)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("match(%q) error = %v, want %q", tt.ref, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("match(%q) failed: %v", tt.ref, err)
			}
			if got.ID != tt.want {
				t.Errorf("match(%q) = %s, want %s", tt.ref, got.ID, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	if got, err := parseStatus(" Doing "); err != nil || got != schema.StatusDoing {
		t.Errorf("parseStatus(Doing) = %q, %v", got, err)
	}
	if _, err := parseStatus("archived"); err == nil {
		t.Error("parseStatus(archived) succeeded, want error")
	}
}

func TestFindSection(t *testing.T) {
	task := schema.Task{Sections: []schema.Section{
		{ID: "s-1", Heading: "Context"},
		{ID: "s-2", Heading: "Plan"},
	}}
	for ref, want := range map[string]string{"2": "s-2", "plan": "s-2", "s-1": "s-1"} {
		got, err := findSection(task, ref)
		if err != nil {
			t.Fatalf("findSection(%q) failed: %v", ref, err)
		}
		if got.ID != want {
			t.Errorf("findSection(%q) = %s, want %s", ref, got.ID, want)
		}
	}
	if _, err := findSection(task, "3"); err == nil {
		t.Error("findSection(3) succeeded, want error")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("line one\nline two", 8); got != "line on…" {
		t.Errorf("truncate = %q, want %q", got, "line on…")
	}
	if got := shortID("0123456789"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
}

func TestWriteSnapshotYAML(t *testing.T) {
	snap := snapshot{
		ExportedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Users:      []schema.User{{ID: "u1", Name: "Ana"}},
		Tasks:      []schema.Task{{ID: "t1", Title: "Draft", Status: schema.StatusDoing, Priority: 2}},
	}
	var buf bytes.Buffer
	if err := writeSnapshot(&buf, "yaml", &snap); err != nil {
		t.Fatalf("writeSnapshot failed: %v", err)
	}

	var back snapshot
	if err := yaml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("failed to read export back: %v\n%s", err, buf.String())
	}
	if len(back.Tasks) != 1 || back.Tasks[0].Title != "Draft" || back.Tasks[0].Status != schema.StatusDoing {
		t.Errorf("tasks = %+v", back.Tasks)
	}
	if len(back.Users) != 1 || back.Users[0].Name != "Ana" {
		t.Errorf("users = %+v", back.Users)
	}
	if strings.Contains(buf.String(), "channels:") {
		t.Errorf("empty channels should be omitted:\n%s", buf.String())
	}
}

func TestRedactDSN(t *testing.T) {
	tests := map[string]string{
		"postgres://bob:secret@db:5432/tandem": "postgres://bob:xxxxx@db:5432/tandem",
		"postgres://db/tandem":                 "postgres://db/tandem",
		".tandem/tandem.db":                    ".tandem/tandem.db",
	}
	for in, want := range tests {
		if got := redactDSN(in); got != want {
			t.Errorf("redactDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
