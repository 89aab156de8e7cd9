// Package sqlite implements remote.Backend on SQLite or libSQL.
//
// Local databases are opened with the ncruces/go-sqlite3 driver in WAL mode.
// libsql:// and https:// DSNs open an embedded replica of a Turso/libSQL
// primary through go-libsql; reads hit the replica and writes go to the primary.
//
// Architecture:
//   - Tables: users, projects, tasks, channels, channel_members, messages,
//     notifications, files
//   - View: channel_summaries (per-member last message and unread count)
//   - change_log: filled by AFTER INSERT/UPDATE/DELETE triggers on every table
//
// Change events come from tailing change_log, so writes made by other
// processes sharing the database file reach subscribers too. The tailer wakes
// on fsnotify events for the database and its WAL, on a poll ticker, and right
// after every write made through this adapter.
package sqlite

import (
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tursodatabase/go-libsql"
)

// isRemoteDSN reports whether dsn names a libSQL primary.
func isRemoteDSN(dsn string) bool {
	for _, scheme := range []string{"libsql://", "https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(dsn, scheme) {
			return true
		}
	}
	return false
}

// localPath extracts the filesystem path from a plain path or file: URI.
// It returns "" for in-memory databases.
func localPath(dsn string) string {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// openDB opens the connection pool described by config. The returned closer,
// when non-nil, must be closed after the pool.
func openDB(config *Config) (*sql.DB, io.Closer, string, error) {
	if isRemoteDSN(config.DSN) {
		return openReplica(config)
	}

	path := localPath(config.DSN)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	var connStr string
	if path == "" {
		connStr = "file::memory:?" + params.Encode()
	} else {
		params.Add("_pragma", "journal_mode(wal)")
		connStr = "file:" + path + "?" + params.Encode()
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, nil, "", fmt.Errorf("failed to ping database: %w", err)
	}

	if path == "" {
		// every connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}
	return conn, nil, path, nil
}

func openReplica(config *Config) (*sql.DB, io.Closer, string, error) {
	replica := config.ReplicaPath
	if replica == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, nil, "", fmt.Errorf("failed to locate cache directory: %w", err)
		}
		replica = filepath.Join(dir, "tandem", "replica.db")
	}
	if err := os.MkdirAll(filepath.Dir(replica), 0755); err != nil {
		return nil, nil, "", fmt.Errorf("failed to create replica directory: %w", err)
	}

	opts := []libsql.Option{libsql.WithSyncInterval(config.PollInterval)}
	if config.AuthToken != "" {
		opts = append(opts, libsql.WithAuthToken(config.AuthToken))
	}
	connector, err := libsql.NewEmbeddedReplicaConnector(replica, config.DSN, opts...)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to open libsql replica: %w", err)
	}

	conn := sql.OpenDB(connector)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		_ = connector.Close()
		return nil, nil, "", fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, connector, replica, nil
}
