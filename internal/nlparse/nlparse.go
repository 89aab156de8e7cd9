// Package nlparse turns free-form text into task drafts.
//
// Two parsers share the Parser interface: Heuristic, which understands a
// small inline syntax plus natural-language dates, and Claude, which asks
// the Anthropic API and falls back to another parser when the call fails.
//
// Inline syntax understood by Heuristic:
//
//	Ship the beta tomorrow at 5pm !1 @alice #launch
//
// "!1".."!5" (or "p1".."p5") sets priority, "@name" assigns by name or id,
// "#project" picks a project and any date phrase becomes the due date. One
// line is one task; list markers ("-", "*", "1.") are dropped.
package nlparse

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/tandemhq/tandem/internal/schema"
)

// Draft is a parsed task before it enters the store.
type Draft struct {
	Title      string     `json:"title"`
	Priority   int        `json:"priority,omitempty"`
	AssigneeID string     `json:"assignee_id,omitempty"`
	ProjectID  string     `json:"project_id,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	Notes      []string   `json:"notes,omitempty"`
}

// Task converts d to a task created through source.
func (d Draft) Task(source schema.Source) schema.Task {
	return schema.Task{
		Title:      d.Title,
		Priority:   d.Priority,
		AssigneeID: d.AssigneeID,
		ProjectID:  d.ProjectID,
		DueAt:      d.DueAt,
		Notes:      append([]string(nil), d.Notes...),
		Source:     source,
	}
}

// Hints give a parser the workspace it resolves names against.
type Hints struct {
	// Now anchors relative dates (default: time.Now).
	Now time.Time

	Users    []schema.User
	Projects []schema.Project
}

func (h Hints) now() time.Time {
	if h.Now.IsZero() {
		return time.Now()
	}
	return h.Now
}

// Parser turns input into zero or more drafts.
type Parser interface {
	Parse(ctx context.Context, input string, hints Hints) ([]Draft, error)
}

// findUser matches ref against user ids, full names (spaces ignored) and
// first names, case-insensitively.
func findUser(users []schema.User, ref string) (schema.User, bool) {
	ref = squash(ref)
	if ref == "" {
		return schema.User{}, false
	}
	for _, u := range users {
		if strings.EqualFold(u.ID, ref) || squash(u.Name) == ref {
			return u, true
		}
	}
	for _, u := range users {
		if first, _, _ := strings.Cut(strings.TrimSpace(u.Name), " "); squash(first) == ref {
			return u, true
		}
	}
	return schema.User{}, false
}

// findProject matches ref against project ids and names (spaces ignored).
func findProject(projects []schema.Project, ref string) (schema.Project, bool) {
	ref = squash(ref)
	if ref == "" {
		return schema.Project{}, false
	}
	for _, p := range projects {
		if strings.EqualFold(p.ID, ref) || squash(p.Name) == ref {
			return p, true
		}
	}
	return schema.Project{}, false
}

// squash lower-cases s and drops everything but letters and digits.
func squash(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
