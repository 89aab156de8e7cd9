package schema

import (
	"strings"
	"testing"
	"time"
)

func TestTask_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		task    Task
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid task",
			task: Task{
				ID:        "t-1",
				Title:     "Ship the release",
				Status:    StatusDoing,
				Priority:  1,
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
		{
			name:    "missing id",
			task:    Task{Title: "Test", Status: StatusBacklog, Priority: 3},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing title",
			task:    Task{ID: "t-1", Status: StatusBacklog, Priority: 3},
			wantErr: true,
			errMsg:  "title is required",
		},
		{
			name:    "title too long",
			task:    Task{ID: "t-1", Title: strings.Repeat("x", 501), Status: StatusBacklog, Priority: 3},
			wantErr: true,
			errMsg:  "title must be 500 characters or less",
		},
		{
			name:    "invalid status",
			task:    Task{ID: "t-1", Title: "Test", Status: "archived", Priority: 3},
			wantErr: true,
			errMsg:  "invalid status",
		},
		{
			name:    "priority too high",
			task:    Task{ID: "t-1", Title: "Test", Status: StatusDone, Priority: 6},
			wantErr: true,
			errMsg:  "priority must be between 1 and 5",
		},
		{
			name: "section without id",
			task: Task{
				ID: "t-1", Title: "Test", Status: StatusDone, Priority: 2,
				Sections: []Section{{Heading: "Plan"}},
			},
			wantErr: true,
			errMsg:  "section id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestTask_SetDefaults(t *testing.T) {
	task := Task{ID: "t-1", Title: "Test", Sections: []Section{{ID: "s-1", Heading: "Plan"}}}
	task.SetDefaults()

	if task.Status != StatusBacklog {
		t.Errorf("Status = %q, want %q", task.Status, StatusBacklog)
	}
	if task.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", task.Priority, DefaultPriority)
	}
	if task.Source != SourceUI {
		t.Errorf("Source = %q, want %q", task.Source, SourceUI)
	}
	if task.Notes == nil || task.Links == nil {
		t.Error("collections should default to empty, not nil")
	}
	if task.Sections[0].TaskID != "t-1" {
		t.Errorf("section TaskID = %q, want t-1", task.Sections[0].TaskID)
	}
	if task.CreatedAt.IsZero() || !task.UpdatedAt.Equal(task.CreatedAt) {
		t.Error("timestamps should be initialized together")
	}
}

func TestTask_WithIDRewritesSections(t *testing.T) {
	task := Task{ID: "local-1", Sections: []Section{{ID: "s-1", TaskID: "local-1"}}}
	moved := task.WithID("srv-1")

	if moved.Sections[0].TaskID != "srv-1" {
		t.Errorf("section TaskID = %q, want srv-1", moved.Sections[0].TaskID)
	}
	if task.Sections[0].TaskID != "local-1" {
		t.Error("WithID must not mutate the receiver's sections")
	}
}

func TestTaskPatch(t *testing.T) {
	title := "Renamed"
	status := StatusDone
	var noDue *time.Time

	due := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	task := Task{ID: "t-1", Title: "Old", Status: StatusDoing, Priority: 2, DueAt: &due}
	patch := TaskPatch{Title: &title, Status: &status, DueAt: &noDue}

	got := patch.Apply(task)
	if got.Title != "Renamed" || got.Status != StatusDone {
		t.Errorf("Apply() = %+v", got)
	}
	if got.DueAt != nil {
		t.Error("DueAt should be cleared")
	}
	if got.Priority != 2 {
		t.Errorf("Priority = %d, untouched fields must survive", got.Priority)
	}
	if task.Title != "Old" || task.DueAt == nil {
		t.Error("Apply must not mutate its input")
	}

	fields := patch.Fields(got)
	for _, key := range []string{"title", "status", "due_at", "updated_at"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("Fields() missing %q", key)
		}
	}
	if _, ok := fields["priority"]; ok {
		t.Error("Fields() should only carry patched columns")
	}
	if fields["due_at"] != nil {
		t.Errorf("due_at = %v, want nil", fields["due_at"])
	}

	if !(TaskPatch{}).IsEmpty() || patch.IsEmpty() {
		t.Error("IsEmpty() mismatch")
	}
}

func TestLessTask(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	if !LessTask(Task{SortOrder: 1, CreatedAt: late}, Task{SortOrder: 2, CreatedAt: early}) {
		t.Error("sort_order should dominate")
	}
	if !LessTask(Task{SortOrder: 1, CreatedAt: early}, Task{SortOrder: 1, CreatedAt: late}) {
		t.Error("creation time should break ties")
	}
}
