package schema

import (
	"fmt"
	"strings"
	"time"
)

// Message is a chat message. A nil SenderID marks a system message.
// Deleted messages keep their row and position; DeletedAt marks the placeholder.
type Message struct {
	ID        string         `json:"id" yaml:"id"`
	ChannelID string         `json:"channel_id" yaml:"channel_id"`
	SenderID  string         `json:"sender_id" yaml:"sender_id,omitempty"`
	Body      string         `json:"body" yaml:"body"`
	ReplyTo   string         `json:"reply_to" yaml:"reply_to,omitempty"`
	Metadata  map[string]any `json:"metadata" yaml:"metadata,omitempty"` // embedded file references
	EditedAt  *time.Time     `json:"edited_at" yaml:"edited_at,omitempty"`
	DeletedAt *time.Time     `json:"deleted_at" yaml:"deleted_at,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// IsSystem reports whether the message has no sender.
func (m Message) IsSystem() bool {
	return m.SenderID == ""
}

// IsDeleted reports whether the message is a soft-deleted placeholder.
func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Validate checks if the Message has valid field values.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.ChannelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if strings.TrimSpace(m.Body) == "" && len(m.Metadata) == 0 {
		return fmt.Errorf("body is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (m *Message) SetDefaults() {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
}

// Key returns the message id.
func (m Message) Key() string {
	return m.ID
}

// WithID returns a copy re-keyed to id.
func (m Message) WithID(id string) Message {
	m.ID = id
	return m
}

// Relink returns m with references to from pointing at to.
func (m Message) Relink(from, to string) (Message, bool) {
	changed := relink(&m.ChannelID, from, to)
	changed = relink(&m.SenderID, from, to) || changed
	changed = relink(&m.ReplyTo, from, to) || changed
	return m, changed
}

// Row encodes the persisted fields. created_at is sent so the server keeps the
// client's send order.
func (m Message) Row() map[string]any {
	return map[string]any{
		"channel_id": m.ChannelID,
		"sender_id":  nullable(m.SenderID),
		"body":       m.Body,
		"reply_to":   nullable(m.ReplyTo),
		"metadata":   m.Metadata,
		"created_at": m.CreatedAt.UTC(),
	}
}

// LessMessage orders messages oldest first.
func LessMessage(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
