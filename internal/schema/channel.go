package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ChannelType distinguishes public, private and direct-message channels.
type ChannelType string

const (
	ChannelPublic  ChannelType = "public"
	ChannelPrivate ChannelType = "private"
	ChannelDirect  ChannelType = "direct"
)

// Channel is a chat room. LastMessage, LastMessageAt and UnreadCount are
// denormalized for list rendering and are computed per viewing member.
type Channel struct {
	ID        string      `json:"id" yaml:"id"`
	Name      string      `json:"name" yaml:"name,omitempty"`
	Type      ChannelType `json:"type" yaml:"type"`
	ProjectID string      `json:"project_id" yaml:"project_id,omitempty"`
	DMKey     string      `json:"dm_key" yaml:"dm_key,omitempty"`
	CreatedBy string      `json:"created_by" yaml:"created_by,omitempty"`

	LastMessage   string     `json:"last_message" yaml:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at" yaml:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count" yaml:"unread_count"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// DMKey identifies a direct-message channel by its exact two-member set.
// The key is order-independent: DMKey(a, b) == DMKey(b, a).
func DMKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// Members returns the two members of a direct channel, or nil.
func (c Channel) Members() []string {
	if c.Type != ChannelDirect || c.DMKey == "" {
		return nil
	}
	parts := strings.SplitN(c.DMKey, ":", 2)
	if len(parts) != 2 {
		return nil
	}
	return parts
}

// Validate checks if the Channel has valid field values.
func (c *Channel) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch c.Type {
	case ChannelPublic, ChannelPrivate:
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("name is required for %s channels", c.Type)
		}
	case ChannelDirect:
		if len(c.Members()) != 2 {
			return fmt.Errorf("direct channels need exactly two members")
		}
	default:
		return fmt.Errorf("invalid channel type %q", c.Type)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (c *Channel) SetDefaults() {
	if c.Type == "" {
		c.Type = ChannelPublic
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
}

// Key returns the channel id.
func (c Channel) Key() string {
	return c.ID
}

// WithID returns a copy re-keyed to id.
func (c Channel) WithID(id string) Channel {
	c.ID = id
	return c
}

// Relink returns c with references to from pointing at to.
func (c Channel) Relink(from, to string) (Channel, bool) {
	changed := relink(&c.ProjectID, from, to)
	changed = relink(&c.CreatedBy, from, to) || changed
	return c, changed
}

// Row encodes the persisted fields. Aggregates are server-computed and not written.
func (c Channel) Row() map[string]any {
	return map[string]any{
		"name":       nullable(c.Name),
		"type":       string(c.Type),
		"project_id": nullable(c.ProjectID),
		"dm_key":     nullable(c.DMKey),
		"created_by": nullable(c.CreatedBy),
	}
}

// LessChannel orders channels by most recent activity first.
func LessChannel(a, b Channel) bool {
	at, bt := a.activity(), b.activity()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.Name < b.Name
}

func (c Channel) activity() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// ChannelMember records membership and read state.
type ChannelMember struct {
	ID         string     `json:"id" yaml:"id"`
	ChannelID  string     `json:"channel_id" yaml:"channel_id"`
	UserID     string     `json:"user_id" yaml:"user_id"`
	LastReadAt *time.Time `json:"last_read_at" yaml:"last_read_at,omitempty"`
}

// MemberID is the deterministic id of a membership row.
func MemberID(channelID, userID string) string {
	return channelID + "/" + userID
}

// Row encodes the persisted fields, including the deterministic id.
func (m ChannelMember) Row() map[string]any {
	return map[string]any{
		"id":           MemberID(m.ChannelID, m.UserID),
		"channel_id":   m.ChannelID,
		"user_id":      m.UserID,
		"last_read_at": nullableTime(m.LastReadAt),
	}
}
