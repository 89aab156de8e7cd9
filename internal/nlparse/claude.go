package nlparse

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = `You turn a user's free-form note into tasks for a team board.
Reply with a JSON array only, no prose. Each element:
{"title": string, "priority": 1-5 (1 most urgent, 0 if unstated),
 "assignee": user id or "", "project": project id or "",
 "due": RFC 3339 timestamp, a date phrase, or "", "notes": [string]}
Pick an assignee only when the text names a person or clearly matches a
user's role or description. Split the note into several tasks only when it
lists several distinct pieces of work.`

// ClaudeConfig holds configuration for the Claude parser.
type ClaudeConfig struct {
	// APIKey for the Anthropic API. Required.
	APIKey string

	// Model to ask (default: claude-sonnet-4-5).
	Model string

	// MaxTokens bounds the reply (default: 1024).
	MaxTokens int64

	// Fallback handles input when the API call fails (default: Heuristic).
	Fallback Parser

	// Logger for parser activity (default: stderr with [nlparse] prefix).
	Logger *log.Logger

	// Options are passed to the API client, e.g. a base URL for tests.
	Options []option.RequestOption
}

// DefaultClaudeConfig returns sensible defaults.
func DefaultClaudeConfig() *ClaudeConfig {
	return &ClaudeConfig{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		Logger:    log.New(os.Stderr, "[nlparse] ", log.LstdFlags),
	}
}

// Claude parses input with the Anthropic Messages API.
type Claude struct {
	client    anthropic.Client
	config    *ClaudeConfig
	heuristic *Heuristic
}

// NewClaude creates a Claude parser.
func NewClaude(config *ClaudeConfig) (*Claude, error) {
	defaults := DefaultClaudeConfig()
	if config == nil {
		config = defaults
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("failed to create Claude parser: API key is required")
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	heuristic := NewHeuristic()
	if config.Fallback == nil {
		config.Fallback = heuristic
	}

	opts := append([]option.RequestOption{option.WithAPIKey(config.APIKey)}, config.Options...)
	return &Claude{
		client:    anthropic.NewClient(opts...),
		config:    config,
		heuristic: heuristic,
	}, nil
}

// Parse asks the model for drafts. API and decode failures fall back to
// the configured fallback parser.
func (c *Claude) Parse(ctx context.Context, input string, hints Hints) ([]Draft, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		MaxTokens: c.config.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(input, hints))),
		},
	})
	if err != nil {
		c.config.Logger.Printf("Claude request failed, using fallback: %v", err)
		return c.config.Fallback.Parse(ctx, input, hints)
	}

	var reply strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	drafts, err := c.decode(reply.String(), hints)
	if err != nil {
		c.config.Logger.Printf("Unusable Claude reply, using fallback: %v", err)
		return c.config.Fallback.Parse(ctx, input, hints)
	}
	return drafts, nil
}

func userPrompt(input string, hints Hints) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\nUsers:\n", hints.now().Format(time.RFC3339))
	for _, u := range hints.Users {
		fmt.Fprintf(&b, "- id=%s name=%q", u.ID, u.Name)
		if u.Role != "" {
			fmt.Fprintf(&b, " role=%q", u.Role)
		}
		if u.Description != "" {
			fmt.Fprintf(&b, " description=%q", u.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nProjects:\n")
	for _, p := range hints.Projects {
		fmt.Fprintf(&b, "- id=%s name=%q\n", p.ID, p.Name)
	}
	fmt.Fprintf(&b, "\nNote:\n%s\n", input)
	return b.String()
}

type replyTask struct {
	Title    string   `json:"title"`
	Priority int      `json:"priority"`
	Assignee string   `json:"assignee"`
	Project  string   `json:"project"`
	Due      string   `json:"due"`
	Notes    []string `json:"notes"`
}

// decode reads the JSON array out of reply. Unknown users, projects and
// out-of-range priorities are dropped rather than trusted.
func (c *Claude) decode(reply string, hints Hints) ([]Draft, error) {
	start, end := strings.Index(reply, "["), strings.LastIndex(reply, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var tasks []replyTask
	if err := json.Unmarshal([]byte(reply[start:end+1]), &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}

	drafts := make([]Draft, 0, len(tasks))
	for _, t := range tasks {
		d := Draft{Title: strings.TrimSpace(t.Title), Notes: t.Notes}
		if d.Title == "" {
			continue
		}
		if t.Priority >= 1 && t.Priority <= 5 {
			d.Priority = t.Priority
		}
		if u, ok := findUser(hints.Users, t.Assignee); ok {
			d.AssigneeID = u.ID
		}
		if p, ok := findProject(hints.Projects, t.Project); ok {
			d.ProjectID = p.ID
		}
		if t.Due != "" {
			if due, err := time.Parse(time.RFC3339, t.Due); err == nil {
				d.DueAt = &due
			} else {
				d.DueAt = c.heuristic.ParseDue(t.Due, hints.now())
			}
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}
