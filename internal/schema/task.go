package schema

import (
	"fmt"
	"time"
)

// Status is the column a task lives in.
type Status string

const (
	StatusBacklog Status = "backlog"
	StatusDoing   Status = "doing"
	StatusWaiting Status = "waiting"
	StatusDone    Status = "done"
)

// Statuses lists every status in board order.
var Statuses = []Status{StatusBacklog, StatusDoing, StatusWaiting, StatusDone}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusDoing, StatusWaiting, StatusDone:
		return true
	}
	return false
}

// Source records which channel a task was created through.
type Source string

const (
	SourceUI   Source = "ui"
	SourceChat Source = "chat"
	SourceAPI  Source = "api"
)

const (
	// MinPriority is the most urgent priority.
	MinPriority = 1
	// MaxPriority is the least urgent priority.
	MaxPriority = 5
	// DefaultPriority is applied when a row carries no priority.
	DefaultPriority = 3
)

// Task is a unit of work on the board.
type Task struct {
	// ===== Core Identification =====
	ID string `json:"id" yaml:"id"`

	// ===== Task Content =====
	Title    string    `json:"title" yaml:"title"`
	Status   Status    `json:"status" yaml:"status"`
	Notes    []string  `json:"notes" yaml:"notes,omitempty"`
	Links    []string  `json:"links" yaml:"links,omitempty"`
	Sections []Section `json:"sections" yaml:"sections,omitempty"`

	// ===== Priority & Ordering =====
	Priority  int `json:"priority" yaml:"priority"`   // 1-5, lower is more urgent
	SortOrder int `json:"sort_order" yaml:"sort_order"` // position within a status column

	// ===== Assignment & Grouping =====
	AssigneeID string `json:"assignee_id" yaml:"assignee_id,omitempty"`
	ProjectID  string `json:"project_id" yaml:"project_id,omitempty"`
	GroupID    string `json:"group_id" yaml:"group_id,omitempty"` // tasks created from one batched input

	// ===== Provenance =====
	CreatedBy string `json:"created_by" yaml:"created_by,omitempty"`
	Source    Source `json:"source" yaml:"source,omitempty"`

	// ===== Timestamps =====
	DueAt     *time.Time `json:"due_at" yaml:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Section is a titled block of free text owned by a Task.
// It is never reachable independently of its parent.
type Section struct {
	ID      string `json:"id" yaml:"id"`
	TaskID  string `json:"task_id" yaml:"task_id"`
	Heading string `json:"heading" yaml:"heading"`
	Content string `json:"content" yaml:"content"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d (got %d)", MinPriority, MaxPriority, t.Priority)
	}
	for _, s := range t.Sections {
		if s.ID == "" {
			return fmt.Errorf("section id is required")
		}
	}
	return nil
}

// SetDefaults applies default values for optional fields.
// This ensures consistent behavior when fields are omitted.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.Source == "" {
		t.Source = SourceUI
	}
	if t.Notes == nil {
		t.Notes = []string{}
	}
	if t.Links == nil {
		t.Links = []string{}
	}
	if t.Sections == nil {
		t.Sections = []Section{}
	}
	for i := range t.Sections {
		t.Sections[i].TaskID = t.ID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// UpdateTimestamp sets UpdatedAt to current time.
func (t *Task) UpdateTimestamp() {
	t.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy; cached values are shared with subscribers and must not alias.
func (t Task) Clone() Task {
	t.Notes = append([]string{}, t.Notes...)
	t.Links = append([]string{}, t.Links...)
	t.Sections = append([]Section{}, t.Sections...)
	if t.DueAt != nil {
		due := *t.DueAt
		t.DueAt = &due
	}
	return t
}

// Key returns the task id.
func (t Task) Key() string {
	return t.ID
}

// WithID returns a copy re-keyed to id, including every owned section.
func (t Task) WithID(id string) Task {
	t = t.Clone()
	t.ID = id
	for i := range t.Sections {
		t.Sections[i].TaskID = id
	}
	return t
}

// Relink returns t with every reference to from pointing at to, and whether
// any reference changed.
func (t Task) Relink(from, to string) (Task, bool) {
	changed := relink(&t.AssigneeID, from, to)
	changed = relink(&t.ProjectID, from, to) || changed
	changed = relink(&t.CreatedBy, from, to) || changed
	return t, changed
}

// Row encodes the persisted fields. The id is left to the writer.
func (t Task) Row() map[string]any {
	return map[string]any{
		"title":       t.Title,
		"status":      string(t.Status),
		"priority":    t.Priority,
		"sort_order":  t.SortOrder,
		"assignee_id": nullable(t.AssigneeID),
		"project_id":  nullable(t.ProjectID),
		"group_id":    nullable(t.GroupID),
		"created_by":  nullable(t.CreatedBy),
		"source":      string(t.Source),
		"due_at":      nullableTime(t.DueAt),
		"notes":       t.Notes,
		"links":       t.Links,
		"sections":    sectionsRow(t.Sections),
	}
}

func sectionsRow(sections []Section) []any {
	out := make([]any, 0, len(sections))
	for _, s := range sections {
		out = append(out, map[string]any{
			"id":      s.ID,
			"task_id": s.TaskID,
			"heading": s.Heading,
			"content": s.Content,
		})
	}
	return out
}

// TaskPatch is a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Title      *string
	Status     *Status
	Priority   *int
	SortOrder  *int
	AssigneeID *string
	ProjectID  *string
	DueAt      **time.Time
	Notes      *[]string
	Links      *[]string
	Sections   *[]Section
}

// Apply returns t with the patch applied.
func (p TaskPatch) Apply(t Task) Task {
	t = t.Clone()
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.SortOrder != nil {
		t.SortOrder = *p.SortOrder
	}
	if p.AssigneeID != nil {
		t.AssigneeID = *p.AssigneeID
	}
	if p.ProjectID != nil {
		t.ProjectID = *p.ProjectID
	}
	if p.DueAt != nil {
		t.DueAt = *p.DueAt
	}
	if p.Notes != nil {
		t.Notes = append([]string{}, (*p.Notes)...)
	}
	if p.Links != nil {
		t.Links = append([]string{}, (*p.Links)...)
	}
	if p.Sections != nil {
		t.Sections = append([]Section{}, (*p.Sections)...)
		for i := range t.Sections {
			t.Sections[i].TaskID = t.ID
		}
	}
	t.UpdateTimestamp()
	return t
}

// Fields encodes only the patched columns plus updated_at.
func (p TaskPatch) Fields(t Task) map[string]any {
	f := map[string]any{"updated_at": t.UpdatedAt}
	if p.Title != nil {
		f["title"] = t.Title
	}
	if p.Status != nil {
		f["status"] = string(t.Status)
	}
	if p.Priority != nil {
		f["priority"] = t.Priority
	}
	if p.SortOrder != nil {
		f["sort_order"] = t.SortOrder
	}
	if p.AssigneeID != nil {
		f["assignee_id"] = nullable(t.AssigneeID)
	}
	if p.ProjectID != nil {
		f["project_id"] = nullable(t.ProjectID)
	}
	if p.DueAt != nil {
		f["due_at"] = nullableTime(t.DueAt)
	}
	if p.Notes != nil {
		f["notes"] = t.Notes
	}
	if p.Links != nil {
		f["links"] = t.Links
	}
	if p.Sections != nil {
		f["sections"] = sectionsRow(t.Sections)
	}
	return f
}

// IsEmpty reports whether the patch changes nothing.
func (p TaskPatch) IsEmpty() bool {
	return p == TaskPatch{}
}

// LessTask orders tasks by sort_order, then creation time.
func LessTask(a, b Task) bool {
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func relink(ref *string, from, to string) bool {
	if *ref != from || from == "" {
		return false
	}
	*ref = to
	return true
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
