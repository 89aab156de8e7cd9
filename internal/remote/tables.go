package remote

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a remote table.
type Kind string

const (
	Tasks          Kind = "tasks"
	Projects       Kind = "projects"
	Users          Kind = "users"
	Channels       Kind = "channels"
	ChannelMembers Kind = "channel_members"
	Messages       Kind = "messages"
	Notifications  Kind = "notifications"
	Files          Kind = "files"

	// ChannelSummaries is a read-only view: one row per (channel, member) with
	// the channel columns plus member_id, last_message, last_message_at and
	// unread_count computed for that member.
	ChannelSummaries Kind = "channel_summaries"
)

// Table describes the columns of one kind.
type Table struct {
	Kind    Kind
	Columns []string
	JSON    map[string]bool // stored as JSON text or JSONB
	Times   map[string]bool
	Unique  []string // single-column unique constraints besides id
	Order   []Order  // default FetchAll order
	View    bool
}

// HasColumn reports whether col belongs to the table.
func (t *Table) HasColumn(col string) bool {
	for _, c := range t.Columns {
		if c == col {
			return true
		}
	}
	return false
}

func set(cols ...string) map[string]bool {
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return m
}

var tables = map[Kind]*Table{
	Tasks: {
		Kind: Tasks,
		Columns: []string{"id", "title", "status", "notes", "links", "sections", "priority", "sort_order",
			"assignee_id", "project_id", "group_id", "created_by", "source", "due_at", "created_at", "updated_at"},
		JSON:  set("notes", "links", "sections"),
		Times: set("due_at", "created_at", "updated_at"),
		Order: []Order{Asc("sort_order"), Asc("created_at")},
	},
	Projects: {
		Kind:    Projects,
		Columns: []string{"id", "name", "color", "created_at", "updated_at"},
		Times:   set("created_at", "updated_at"),
		Order:   []Order{Asc("created_at")},
	},
	Users: {
		Kind:    Users,
		Columns: []string{"id", "name", "color", "role", "description", "created_at", "updated_at"},
		Times:   set("created_at", "updated_at"),
		Order:   []Order{Asc("name")},
	},
	Channels: {
		Kind:    Channels,
		Columns: []string{"id", "name", "type", "project_id", "dm_key", "created_by", "created_at", "updated_at"},
		Times:   set("created_at", "updated_at"),
		Unique:  []string{"dm_key"},
		Order:   []Order{Asc("created_at")},
	},
	ChannelMembers: {
		Kind:    ChannelMembers,
		Columns: []string{"id", "channel_id", "user_id", "last_read_at", "created_at", "updated_at"},
		Times:   set("last_read_at", "created_at", "updated_at"),
		Order:   []Order{Asc("created_at")},
	},
	Messages: {
		Kind: Messages,
		Columns: []string{"id", "channel_id", "sender_id", "body", "reply_to", "metadata",
			"edited_at", "deleted_at", "created_at", "updated_at"},
		JSON:  set("metadata"),
		Times: set("edited_at", "deleted_at", "created_at", "updated_at"),
		Order: []Order{Asc("created_at")},
	},
	Notifications: {
		Kind: Notifications,
		Columns: []string{"id", "recipient_id", "type", "title", "body", "link", "channel",
			"read_at", "delivered_at", "created_at", "updated_at"},
		Times: set("read_at", "delivered_at", "created_at", "updated_at"),
		Order: []Order{Desc("created_at")},
	},
	Files: {
		Kind:    Files,
		Columns: []string{"id", "project_id", "name", "path", "size", "created_at", "updated_at"},
		Times:   set("created_at", "updated_at"),
		Order:   []Order{Asc("name")},
	},
	ChannelSummaries: {
		Kind: ChannelSummaries,
		Columns: []string{"id", "name", "type", "project_id", "dm_key", "created_by", "created_at", "updated_at",
			"member_id", "last_message", "last_message_at", "unread_count"},
		Times: set("created_at", "updated_at", "last_message_at"),
		Order: []Order{Desc("last_message_at"), Asc("created_at")},
		View:  true,
	},
}

// Kinds lists the writable tables in dependency order.
var Kinds = []Kind{Users, Projects, Tasks, Channels, ChannelMembers, Messages, Notifications, Files}

// Lookup returns the table for kind.
func Lookup(kind Kind) (*Table, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", kind)
	}
	return t, nil
}

// NewID returns a server id. Version 7 uuids sort by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// PrepareInsert validates fields for kind and fills the id and timestamps.
func PrepareInsert(kind Kind, fields Row, now time.Time) (*Table, Row, error) {
	t, err := Lookup(kind)
	if err != nil {
		return nil, nil, err
	}
	if t.View {
		return nil, nil, fmt.Errorf("cannot write to view %q", kind)
	}
	row := fields.Clone()
	if row == nil {
		row = Row{}
	}
	for col := range row {
		if !t.HasColumn(col) {
			return nil, nil, fmt.Errorf("unknown column %q in %s", col, kind)
		}
	}
	if row.ID() == "" {
		row["id"] = NewID()
	}
	if isZero(row["created_at"]) {
		row["created_at"] = now.UTC()
	}
	if isZero(row["updated_at"]) {
		row["updated_at"] = now.UTC()
	}
	return t, row, nil
}

// PrepareUpdate validates fields for kind and stamps updated_at.
func PrepareUpdate(kind Kind, fields Row, now time.Time) (*Table, Row, error) {
	t, err := Lookup(kind)
	if err != nil {
		return nil, nil, err
	}
	if t.View {
		return nil, nil, fmt.Errorf("cannot write to view %q", kind)
	}
	row := fields.Clone()
	if row == nil {
		row = Row{}
	}
	delete(row, "id")
	for col := range row {
		if !t.HasColumn(col) {
			return nil, nil, fmt.Errorf("unknown column %q in %s", col, kind)
		}
	}
	if isZero(row["updated_at"]) {
		row["updated_at"] = now.UTC()
	}
	return t, row, nil
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case time.Time:
		return x.IsZero()
	case string:
		return x == ""
	}
	return false
}
