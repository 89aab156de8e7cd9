package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/tandemhq/tandem/internal/remote"
)

// schemaDDL is executed one statement at a time; not every driver accepts batches.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	color TEXT,
	role TEXT,
	description TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	color TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'backlog',
	notes TEXT,     -- JSON array
	links TEXT,     -- JSON array
	sections TEXT,  -- JSON array of {id, task_id, heading, content}
	priority INTEGER NOT NULL DEFAULT 3,
	sort_order INTEGER NOT NULL DEFAULT 0,
	assignee_id TEXT REFERENCES users(id) ON DELETE SET NULL,
	project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
	group_id TEXT,
	created_by TEXT,
	source TEXT,
	due_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	name TEXT,
	type TEXT NOT NULL DEFAULT 'public',
	project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
	dm_key TEXT UNIQUE,
	created_by TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS channel_members (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	last_read_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	sender_id TEXT REFERENCES users(id) ON DELETE SET NULL,
	body TEXT NOT NULL DEFAULT '',
	reply_to TEXT REFERENCES messages(id) ON DELETE SET NULL,
	metadata TEXT,  -- JSON object
	edited_at TEXT,
	deleted_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	recipient_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	type TEXT NOT NULL DEFAULT 'system',
	title TEXT NOT NULL DEFAULT '',
	body TEXT,
	link TEXT,
	channel TEXT,
	read_at TEXT,
	delivered_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS change_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	op TEXT NOT NULL,
	row TEXT,  -- JSON object, new row (deleted row for deletes)
	old TEXT,  -- JSON object, previous row for updates
	at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, sort_order)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_members_user ON channel_members(user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_members_pair ON channel_members(channel_id, user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_page ON messages(channel_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_change_log_at ON change_log(at)`,
	`CREATE VIEW IF NOT EXISTS channel_summaries AS
SELECT
	c.id, c.name, c.type, c.project_id, c.dm_key, c.created_by, c.created_at, c.updated_at,
	m.user_id AS member_id,
	(SELECT x.body FROM messages x WHERE x.channel_id = c.id
		ORDER BY x.created_at DESC, x.id DESC LIMIT 1) AS last_message,
	(SELECT MAX(x.created_at) FROM messages x WHERE x.channel_id = c.id) AS last_message_at,
	(SELECT COUNT(*) FROM messages x
		WHERE x.channel_id = c.id
		  AND x.deleted_at IS NULL
		  AND (x.sender_id IS NULL OR x.sender_id != m.user_id)
		  AND (m.last_read_at IS NULL OR x.created_at > m.last_read_at)) AS unread_count
FROM channels c
JOIN channel_members m ON m.channel_id = c.id`,
}

// jsonObject renders json_object(...) over every column of t for the given
// trigger row alias (NEW or OLD).
func jsonObject(t *remote.Table, alias string) string {
	parts := make([]string, 0, len(t.Columns)*2)
	for _, col := range t.Columns {
		val := alias + "." + quote(col)
		if t.JSON[col] {
			val = "json(" + val + ")"
		}
		parts = append(parts, "'"+col+"'", val)
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

const nowExpr = `strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

// triggersDDL captures every write to t in change_log.
func triggersDDL(t *remote.Table) []string {
	name := string(t.Kind)
	newRow, oldRow := jsonObject(t, "NEW"), jsonObject(t, "OLD")
	trigger := func(event, op, row, old string) string {
		return fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %[1]s_change_%[3]s AFTER %[2]s ON %[1]s BEGIN\n"+
			"\tINSERT INTO change_log (kind, op, row, old, at) VALUES ('%[1]s', '%[3]s', %[4]s, %[5]s, %[6]s);\nEND",
			name, event, op, row, old, nowExpr)
	}
	return []string{
		trigger("INSERT", "insert", newRow, "NULL"),
		trigger("UPDATE", "update", newRow, oldRow),
		trigger("DELETE", "delete", oldRow, "NULL"),
	}
}

// InitSchema creates tables, indexes, the summary view and change triggers.
// This is idempotent - safe to call multiple times.
func (a *Adapter) InitSchema() error {
	return a.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (a *Adapter) InitSchemaContext(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	for _, kind := range remote.Kinds {
		t, err := remote.Lookup(kind)
		if err != nil {
			return err
		}
		for _, stmt := range triggersDDL(t) {
			if _, err := a.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create %s triggers: %w", kind, err)
			}
		}
	}
	return nil
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
