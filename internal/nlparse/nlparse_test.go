package nlparse

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/go-cmp/cmp"

	"github.com/tandemhq/tandem/internal/schema"
)

var hints = Hints{
	Now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	Users: []schema.User{
		{ID: "u1", Name: "Alice Martin", Role: "designer"},
		{ID: "u2", Name: "Bob Stone", Description: "handles billing"},
	},
	Projects: []schema.Project{
		{ID: "p1", Name: "Launch"},
		{ID: "p2", Name: "Site Redesign"},
	},
}

func TestHeuristicTags(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Draft
	}{
		{
			name:  "plain title",
			input: "Write the quarterly report",
			want:  Draft{Title: "Write the quarterly report"},
		},
		{
			name:  "priority bang",
			input: "Fix login !1",
			want:  Draft{Title: "Fix login", Priority: 1},
		},
		{
			name:  "priority p",
			input: "p4 tidy the wiki",
			want:  Draft{Title: "tidy the wiki", Priority: 4},
		},
		{
			name:  "assignee by first name and project",
			input: "Review mockups @alice #launch",
			want:  Draft{Title: "Review mockups", AssigneeID: "u1", ProjectID: "p1"},
		},
		{
			name:  "multi-word project",
			input: "New footer #SiteRedesign @u2",
			want:  Draft{Title: "New footer", AssigneeID: "u2", ProjectID: "p2"},
		},
		{
			name:  "unknown tags stay in the title",
			input: "Ping @zed about #misc",
			want:  Draft{Title: "Ping @zed about #misc"},
		},
		{
			name:  "list marker",
			input: "- Order supplies",
			want:  Draft{Title: "Order supplies"},
		},
	}

	p := NewHeuristic()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drafts, err := p.Parse(context.Background(), tt.input, hints)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if len(drafts) != 1 {
				t.Fatalf("Parse() returned %d drafts, want 1", len(drafts))
			}
			if diff := cmp.Diff(tt.want, drafts[0]); diff != "" {
				t.Errorf("draft mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHeuristicDueDate(t *testing.T) {
	drafts, err := NewHeuristic().Parse(context.Background(), "Send invoices tomorrow !2", hints)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("Parse() returned %d drafts", len(drafts))
	}
	d := drafts[0]
	if d.DueAt == nil {
		t.Fatal("no due date parsed")
	}
	if y, m, day := d.DueAt.Date(); y != 2024 || m != time.March || day != 2 {
		t.Errorf("due = %v, want 2024-03-02", d.DueAt)
	}
	if d.Title != "Send invoices" || d.Priority != 2 {
		t.Errorf("draft = %+v", d)
	}
}

func TestHeuristicMultipleLines(t *testing.T) {
	input := "1. Book venue\n\n2. Print badges @bob\n   \n"
	drafts, err := NewHeuristic().Parse(context.Background(), input, hints)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := []Draft{
		{Title: "Book venue"},
		{Title: "Print badges", AssigneeID: "u2"},
	}
	if diff := cmp.Diff(want, drafts); diff != "" {
		t.Errorf("drafts mismatch (-want +got):\n%s", diff)
	}
}

func TestDraftTask(t *testing.T) {
	due := hints.Now.Add(24 * time.Hour)
	task := Draft{Title: "x", Priority: 2, AssigneeID: "u1", DueAt: &due, Notes: []string{"n"}}.Task(schema.SourceChat)
	if task.Source != schema.SourceChat || task.Priority != 2 || task.AssigneeID != "u1" || task.DueAt != &due {
		t.Errorf("Task() = %+v", task)
	}
}

// fakeMessages serves the Messages endpoint with a canned text reply.
func fakeMessages(t *testing.T, status int, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "Alice Martin") {
			t.Errorf("request did not carry the user list: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-sonnet-4-5",
			"content":       []map[string]any{{"type": "text", "text": text}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 10},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClaude(t *testing.T, srv *httptest.Server) *Claude {
	t.Helper()
	c, err := NewClaude(&ClaudeConfig{
		APIKey:  "sk-test",
		Logger:  log.New(io.Discard, "", 0),
		Options: []option.RequestOption{option.WithBaseURL(srv.URL), option.WithMaxRetries(0)},
	})
	if err != nil {
		t.Fatalf("NewClaude failed: %v", err)
	}
	return c
}

func TestClaudeParse(t *testing.T) {
	reply := "Here you go:\n" + `[
		{"title": "Reconcile invoices", "priority": 2, "assignee": "Bob Stone", "project": "", "due": "2024-03-04T17:00:00Z", "notes": ["from finance"]},
		{"title": "Refresh hero image", "priority": 9, "assignee": "u1", "project": "p2", "due": "", "notes": []},
		{"title": "  ", "priority": 1}
	]`
	c := newTestClaude(t, fakeMessages(t, http.StatusOK, reply))

	drafts, err := c.Parse(context.Background(), "invoices for bob by monday, and alice should refresh the hero", hints)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	due := time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)
	want := []Draft{
		{Title: "Reconcile invoices", Priority: 2, AssigneeID: "u2", DueAt: &due, Notes: []string{"from finance"}},
		{Title: "Refresh hero image", AssigneeID: "u1", ProjectID: "p2", Notes: []string{}},
	}
	if diff := cmp.Diff(want, drafts); diff != "" {
		t.Errorf("drafts mismatch (-want +got):\n%s", diff)
	}
}

func TestClaudeFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
	}{
		{"api error", http.StatusBadRequest, ""},
		{"prose reply", http.StatusOK, "Sorry, I can't help with that."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClaude(t, fakeMessages(t, tt.status, tt.reply))
			drafts, err := c.Parse(context.Background(), "Book venue !3", hints)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if diff := cmp.Diff([]Draft{{Title: "Book venue", Priority: 3}}, drafts); diff != "" {
				t.Errorf("fallback drafts mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewClaudeRequiresKey(t *testing.T) {
	if _, err := NewClaude(&ClaudeConfig{}); err == nil {
		t.Error("expected error without an API key")
	}
}
