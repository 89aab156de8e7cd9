package schema

import (
	"time"
)

// Notification is addressed to one recipient.
type Notification struct {
	ID          string     `json:"id" yaml:"id"`
	RecipientID string     `json:"recipient_id" yaml:"recipient_id"`
	Type        string     `json:"type" yaml:"type"` // mention, assignment, due, system
	Title       string     `json:"title" yaml:"title"`
	Body        string     `json:"body" yaml:"body,omitempty"`
	Link        string     `json:"link" yaml:"link,omitempty"`
	Channel     string     `json:"channel" yaml:"channel,omitempty"` // delivery channel: push, whatsapp, email
	ReadAt      *time.Time `json:"read_at" yaml:"read_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at" yaml:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`
}

// IsRead reports whether the notification has been read.
func (n Notification) IsRead() bool {
	return n.ReadAt != nil
}

// SetDefaults applies default values for optional fields.
func (n *Notification) SetDefaults() {
	if n.Type == "" {
		n.Type = "system"
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
}

// Key returns the notification id.
func (n Notification) Key() string {
	return n.ID
}

// WithID returns a copy re-keyed to id.
func (n Notification) WithID(id string) Notification {
	n.ID = id
	return n
}

func (n Notification) Relink(from, to string) (Notification, bool) {
	changed := relink(&n.RecipientID, from, to)
	return n, changed
}

// Row encodes the persisted fields.
func (n Notification) Row() map[string]any {
	return map[string]any{
		"recipient_id": n.RecipientID,
		"type":         n.Type,
		"title":        n.Title,
		"body":         nullable(n.Body),
		"link":         nullable(n.Link),
		"channel":      nullable(n.Channel),
		"read_at":      nullableTime(n.ReadAt),
		"delivered_at": nullableTime(n.DeliveredAt),
	}
}

// LessNotification orders notifications newest first.
func LessNotification(a, b Notification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SameReadState reports whether two notification sets have the same ids and
// read timestamps. Order is ignored.
func SameReadState(a, b []Notification) bool {
	if len(a) != len(b) {
		return false
	}
	read := make(map[string]*time.Time, len(a))
	for _, n := range a {
		read[n.ID] = n.ReadAt
	}
	for _, n := range b {
		prev, ok := read[n.ID]
		if !ok {
			return false
		}
		switch {
		case prev == nil && n.ReadAt == nil:
		case prev == nil || n.ReadAt == nil:
			return false
		case !prev.Equal(*n.ReadAt):
			return false
		}
	}
	return true
}
