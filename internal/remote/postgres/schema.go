package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tandemhq/tandem/internal/remote"
)

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	color TEXT,
	role TEXT,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	color TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'backlog',
	notes JSONB,
	links JSONB,
	sections JSONB,
	priority BIGINT NOT NULL DEFAULT 3,
	sort_order BIGINT NOT NULL DEFAULT 0,
	assignee_id TEXT REFERENCES users(id) ON DELETE SET NULL,
	project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
	group_id TEXT,
	created_by TEXT,
	source TEXT,
	due_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	name TEXT,
	type TEXT NOT NULL DEFAULT 'public',
	project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
	dm_key TEXT UNIQUE,
	created_by TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS channel_members (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	last_read_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (channel_id, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	sender_id TEXT REFERENCES users(id) ON DELETE SET NULL,
	body TEXT NOT NULL DEFAULT '',
	reply_to TEXT REFERENCES messages(id) ON DELETE SET NULL,
	metadata JSONB,
	edited_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	recipient_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	type TEXT NOT NULL DEFAULT 'system',
	title TEXT NOT NULL DEFAULT '',
	body TEXT,
	link TEXT,
	channel TEXT,
	read_at TIMESTAMPTZ,
	delivered_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, sort_order)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_members_user ON channel_members(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_page ON messages(channel_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id)`,
	`CREATE OR REPLACE VIEW channel_summaries AS
SELECT
	c.id, c.name, c.type, c.project_id, c.dm_key, c.created_by, c.created_at, c.updated_at,
	m.user_id AS member_id,
	(SELECT x.body FROM messages x WHERE x.channel_id = c.id
		ORDER BY x.created_at DESC, x.id DESC LIMIT 1) AS last_message,
	(SELECT MAX(x.created_at) FROM messages x WHERE x.channel_id = c.id) AS last_message_at,
	(SELECT COUNT(*) FROM messages x
		WHERE x.channel_id = c.id
		  AND x.deleted_at IS NULL
		  AND (x.sender_id IS NULL OR x.sender_id <> m.user_id)
		  AND (m.last_read_at IS NULL OR x.created_at > m.last_read_at)) AS unread_count
FROM channels c
JOIN channel_members m ON m.channel_id = c.id`,
	// Payloads over the 8000 byte NOTIFY limit degrade to an invalidate.
	`CREATE OR REPLACE FUNCTION tandem_notify_change() RETURNS trigger AS $$
DECLARE
	payload text;
BEGIN
	IF TG_OP = 'DELETE' THEN
		payload := json_build_object('kind', TG_TABLE_NAME, 'op', 'delete', 'row', to_jsonb(OLD), 'at', now())::text;
	ELSIF TG_OP = 'UPDATE' THEN
		payload := json_build_object('kind', TG_TABLE_NAME, 'op', 'update', 'row', to_jsonb(NEW), 'old', to_jsonb(OLD), 'at', now())::text;
	ELSE
		payload := json_build_object('kind', TG_TABLE_NAME, 'op', 'insert', 'row', to_jsonb(NEW), 'at', now())::text;
	END IF;
	IF octet_length(payload) > 7900 THEN
		payload := json_build_object('kind', TG_TABLE_NAME, 'op', 'invalidate', 'at', now())::text;
	END IF;
	PERFORM pg_notify(TG_ARGV[0], payload);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`,
}

// triggersDDL attaches the notify function to every write on t.
func triggersDDL(t *remote.Table, channel string) []string {
	table := pgx.Identifier{string(t.Kind)}.Sanitize()
	name := pgx.Identifier{string(t.Kind) + "_change"}.Sanitize()
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", name, table),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION tandem_notify_change(%s)",
			name, table, quoteLiteral(channel)),
	}
}

// InitSchema creates tables, the summary view and notify triggers.
// This is idempotent - safe to call multiple times.
func (a *Adapter) InitSchema() error {
	return a.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (a *Adapter) InitSchemaContext(ctx context.Context) error {
	if a.config.Schema != "" {
		if _, err := a.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{a.config.Schema}.Sanitize()); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", a.config.Schema, err)
		}
	}
	for _, stmt := range schemaDDL {
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	for _, kind := range remote.Kinds {
		t, err := remote.Lookup(kind)
		if err != nil {
			return err
		}
		for _, stmt := range triggersDDL(t, a.config.Channel) {
			if _, err := a.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create %s trigger: %w", kind, err)
			}
		}
	}
	return nil
}

func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
