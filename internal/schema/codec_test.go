package schema

import (
	"testing"
	"time"
)

func TestDecodeRow_Task(t *testing.T) {
	row := map[string]any{
		"id":          "t-1",
		"title":       "Write docs",
		"status":      "doing",
		"priority":    int64(2),
		"sort_order":  float64(4),
		"notes":       `["first","second"]`,
		"links":       nil,
		"sections":    `[{"id":"s-1","heading":"Plan","content":"outline"}]`,
		"assignee_id": "",
		"due_at":      "2026-03-01T09:30:00.000000000Z",
		"created_at":  "2026-02-01 08:00:00",
		"extra":       "ignored",
	}

	task, err := DecodeRow[Task](row)
	if err != nil {
		t.Fatalf("DecodeRow() error = %v", err)
	}
	if task.Title != "Write docs" || task.Status != StatusDoing || task.Priority != 2 || task.SortOrder != 4 {
		t.Errorf("scalar fields = %+v", task)
	}
	if len(task.Notes) != 2 || task.Notes[1] != "second" {
		t.Errorf("Notes = %v", task.Notes)
	}
	if task.Links == nil || len(task.Links) != 0 {
		t.Errorf("Links = %#v, want empty slice", task.Links)
	}
	if len(task.Sections) != 1 || task.Sections[0].TaskID != "t-1" {
		t.Errorf("Sections = %+v", task.Sections)
	}
	if task.DueAt == nil || !task.DueAt.Equal(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("DueAt = %v", task.DueAt)
	}
	if !task.CreatedAt.Equal(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", task.CreatedAt)
	}
	if task.Source != SourceUI {
		t.Errorf("Source = %q, defaults should apply", task.Source)
	}
}

func TestDecode_NativeTimes(t *testing.T) {
	at := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
	msg, err := DecodeRow[Message](map[string]any{
		"id":         "m-1",
		"channel_id": "c-1",
		"body":       "hi",
		"created_at": at,
		"edited_at":  at,
		"metadata":   map[string]any{"file_id": "f-1"},
	})
	if err != nil {
		t.Fatalf("DecodeRow() error = %v", err)
	}
	if !msg.CreatedAt.Equal(at) || msg.EditedAt == nil || !msg.EditedAt.Equal(at) {
		t.Errorf("times = %v %v", msg.CreatedAt, msg.EditedAt)
	}
	if msg.Metadata["file_id"] != "f-1" {
		t.Errorf("Metadata = %v", msg.Metadata)
	}
}

func TestPatch(t *testing.T) {
	due := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := Task{ID: "t-1", Title: "Keep", Status: StatusDoing, Priority: 4, Notes: []string{"a"}, DueAt: &due}

	got, err := Patch(task, map[string]any{"status": "done", "due_at": nil})
	if err != nil {
		t.Fatalf("Patch() error = %v", err)
	}
	if got.Title != "Keep" || got.Priority != 4 || len(got.Notes) != 1 {
		t.Errorf("absent fields changed: %+v", got)
	}
	if got.Status != StatusDone {
		t.Errorf("Status = %q, want done", got.Status)
	}
	if got.DueAt != nil {
		t.Error("explicit null should clear DueAt")
	}
	if task.DueAt == nil || task.Status != StatusDoing {
		t.Error("Patch must not mutate its input")
	}
}

func TestParseTime(t *testing.T) {
	for _, in := range []string{
		"2026-01-02T03:04:05Z",
		"2026-01-02T03:04:05.000000000Z",
		"2026-01-02T04:04:05+01:00",
		"2026-01-02 03:04:05",
	} {
		got, err := ParseTime(in)
		if err != nil {
			t.Errorf("ParseTime(%q) error = %v", in, err)
			continue
		}
		if !got.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
			t.Errorf("ParseTime(%q) = %v", in, got)
		}
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error for unrecognized input")
	}
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC))
	b := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 40, time.UTC))
	if !(a < b) {
		t.Errorf("%q should sort before %q", a, b)
	}
}
