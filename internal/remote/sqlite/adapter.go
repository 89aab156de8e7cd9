package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Config holds configuration for the SQLite adapter.
type Config struct {
	// DSN is a file path, a file: URI, ":memory:", or a libsql:// / https://
	// URL of a libSQL primary.
	DSN string

	// AuthToken authenticates against a libSQL primary.
	AuthToken string

	// ReplicaPath is where the embedded replica of a libSQL primary lives.
	// Default: <user cache dir>/tandem/replica.db
	ReplicaPath string

	// PollInterval is how often change_log is polled when no file event
	// arrives, and the replica sync interval for libSQL (default: 250ms).
	PollInterval time.Duration

	// Retention bounds how long change_log rows are kept (default: 24h).
	Retention time.Duration

	// DisableChanges skips the change_log tailer; SubscribeChanges then
	// never delivers events.
	DisableChanges bool

	// Logger for adapter activity (default: stderr with [sqlite] prefix).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DSN:          ".tandem/tandem.db",
		PollInterval: 250 * time.Millisecond,
		Retention:    24 * time.Hour,
		Logger:       log.New(os.Stderr, "[sqlite] ", log.LstdFlags),
	}
}

// Adapter is a remote.Backend over SQLite or libSQL.
type Adapter struct {
	remote.Hub

	db        *sql.DB
	connector io.Closer
	path      string
	config    *Config
	tail      *tailer

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) the database at dsn with default settings
// and starts the change tailer.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	a, err := sqlite.Open(".tandem/tandem.db")
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
func Open(dsn string) (*Adapter, error) {
	config := DefaultConfig()
	config.DSN = dsn
	return OpenWithConfig(config)
}

// OpenWithConfig opens the database described by config.
func OpenWithConfig(config *Config) (*Adapter, error) {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.DSN == "" {
		config.DSN = defaults.DSN
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	db, connector, path, err := openDB(config)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		db:        db,
		connector: connector,
		path:      path,
		config:    config,
	}
	if err := a.InitSchema(); err != nil {
		_ = a.closeDB()
		return nil, err
	}

	if !config.DisableChanges {
		t, err := newTailer(a)
		if err != nil {
			_ = a.closeDB()
			return nil, err
		}
		a.tail = t
		t.start()
	}

	config.Logger.Printf("Opened %s", redact(config.DSN))
	return a, nil
}

// RawDB returns the underlying sql.DB connection.
func (a *Adapter) RawDB() *sql.DB {
	return a.db
}

// Path returns the local database file, or "" for in-memory databases.
func (a *Adapter) Path() string {
	return a.path
}

// Close stops the tailer and closes the database.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.tail != nil {
		a.tail.stop()
	}
	return a.closeDB()
}

func (a *Adapter) closeDB() error {
	if a.path != "" && a.connector == nil {
		if _, err := a.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			a.config.Logger.Printf("Warning: failed to checkpoint WAL: %v", err)
		}
	}
	err := a.db.Close()
	if a.connector != nil {
		err = errors.Join(err, a.connector.Close())
	}
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (a *Adapter) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return remote.ErrClosed
	}
	return nil
}

// wrote nudges the tailer after a local write.
func (a *Adapter) wrote() {
	if a.tail != nil {
		a.tail.poke()
	}
}

// FetchAll implements remote.Adapter.
func (a *Adapter) FetchAll(ctx context.Context, kind remote.Kind, q remote.Query) ([]remote.Row, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	t, err := remote.Lookup(kind)
	if err != nil {
		return nil, err
	}

	where, args, err := whereClause(t, q.Filter)
	if err != nil {
		return nil, err
	}
	order := q.OrderBy
	if len(order) == 0 {
		order = t.Order
	}
	orderBy, err := orderClause(t, order)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + columnList(t) + " FROM " + quote(string(kind)) + where + orderBy
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()
	return scanRows(t, rows)
}

// FetchPage implements remote.Adapter.
func (a *Adapter) FetchPage(ctx context.Context, kind remote.Kind, filter remote.Filter, cursor remote.Cursor, limit int) ([]remote.Row, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	t, err := remote.Lookup(kind)
	if err != nil {
		return nil, err
	}
	if !t.HasColumn(cursor.Column) {
		return nil, fmt.Errorf("unknown cursor column %q in %s", cursor.Column, kind)
	}

	where, args, err := whereClause(t, filter)
	if err != nil {
		return nil, err
	}
	if cursor.Before != nil {
		cond := quote(cursor.Column) + " < ?"
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
		args = append(args, encodeValue(t, cursor.Column, cursor.Before))
	}

	query := "SELECT " + columnList(t) + " FROM " + quote(string(kind)) + where +
		" ORDER BY " + quote(cursor.Column) + " DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s page: %w", kind, err)
	}
	defer rows.Close()
	return scanRows(t, rows)
}

// Insert implements remote.Adapter.
func (a *Adapter) Insert(ctx context.Context, kind remote.Kind, fields remote.Row) (remote.Row, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	t, row, err := remote.PrepareInsert(kind, fields, time.Now())
	if err != nil {
		return nil, err
	}

	cols := make([]string, 0, len(row))
	marks := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, col := range t.Columns {
		v, ok := row[col]
		if !ok {
			continue
		}
		cols = append(cols, quote(col))
		marks = append(marks, "?")
		args = append(args, encodeValue(t, col, v))
	}

	query := "INSERT INTO " + quote(string(kind)) + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(marks, ", ") + ") RETURNING " + columnList(t)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapWriteError("insert", kind, row.ID(), err)
	}
	defer rows.Close()
	out, err := scanRows(t, rows)
	if err != nil {
		return nil, wrapWriteError("insert", kind, row.ID(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("failed to insert %s %s: no row returned", kind, row.ID())
	}
	a.wrote()
	return out[0], nil
}

// Update implements remote.Adapter.
func (a *Adapter) Update(ctx context.Context, kind remote.Kind, id string, fields remote.Row) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	t, row, err := remote.PrepareUpdate(kind, fields, time.Now())
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(row))
	args := make([]any, 0, len(row)+1)
	for _, col := range t.Columns {
		v, ok := row[col]
		if !ok {
			continue
		}
		sets = append(sets, quote(col)+" = ?")
		args = append(args, encodeValue(t, col, v))
	}
	args = append(args, id)

	res, err := a.db.ExecContext(ctx, "UPDATE "+quote(string(kind))+" SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return wrapWriteError("update", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, remote.ErrNotFound)
	}
	a.wrote()
	return nil
}

// Delete implements remote.Adapter.
// Returns nil if the row doesn't exist (idempotent).
func (a *Adapter) Delete(ctx context.Context, kind remote.Kind, id string) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	t, err := remote.Lookup(kind)
	if err != nil {
		return err
	}
	if t.View {
		return fmt.Errorf("cannot write to view %q", kind)
	}
	if _, err := a.db.ExecContext(ctx, "DELETE FROM "+quote(string(kind))+" WHERE id = ?", id); err != nil {
		return wrapWriteError("delete", kind, id, err)
	}
	a.wrote()
	return nil
}

func wrapWriteError(op string, kind remote.Kind, id string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("failed to %s %s %s: %w: %v", op, kind, id, remote.ErrConflict, err)
	}
	return fmt.Errorf("failed to %s %s %s: %w", op, kind, id, err)
}

func columnList(t *remote.Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quote(c)
	}
	return strings.Join(cols, ", ")
}

func whereClause(t *remote.Table, f remote.Filter) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(f))
	var args []any
	// iterate columns, not the map, for a stable statement text
	for _, col := range t.Columns {
		v, ok := f[col]
		if !ok {
			continue
		}
		if v == nil {
			conds = append(conds, quote(col)+" IS NULL")
			continue
		}
		conds = append(conds, quote(col)+" = ?")
		args = append(args, encodeValue(t, col, v))
	}
	if len(conds) != len(f) {
		for col := range f {
			if !t.HasColumn(col) {
				return "", nil, fmt.Errorf("unknown filter column %q in %s", col, t.Kind)
			}
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func orderClause(t *remote.Table, order []remote.Order) (string, error) {
	terms := make([]string, 0, len(order)+1)
	for _, o := range order {
		if !t.HasColumn(o.Column) {
			return "", fmt.Errorf("unknown order column %q in %s", o.Column, t.Kind)
		}
		term := quote(o.Column)
		if o.Desc {
			term += " DESC"
		}
		terms = append(terms, term)
	}
	terms = append(terms, "id")
	return " ORDER BY " + strings.Join(terms, ", "), nil
}

// encodeValue converts a Go value to its column representation.
func encodeValue(t *remote.Table, col string, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return schema.FormatTime(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return schema.FormatTime(*x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		if t.Times[col] {
			if parsed, err := schema.ParseTime(x); err == nil {
				return schema.FormatTime(parsed)
			}
		}
		return x
	}
	if t.JSON[col] {
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	}
	return v
}

// scanRows reads every row into a column map, decoding JSON and time columns.
func scanRows(t *remote.Table, rows *sql.Rows) ([]remote.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var out []remote.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.Kind, err)
		}
		row := make(remote.Row, len(cols))
		for i, col := range cols {
			row[col] = decodeValue(t, col, vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", t.Kind, err)
	}
	return out, nil
}

// decodeValue normalizes a column value: JSON text becomes Go values and
// timestamps become time.Time. Undecodable values are passed through.
func decodeValue(t *remote.Table, col string, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch {
	case t.JSON[col]:
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return decoded
		}
	case t.Times[col]:
		if parsed, err := schema.ParseTime(s); err == nil {
			return parsed
		}
	}
	return s
}

// redact hides credentials embedded in a DSN.
func redact(dsn string) string {
	if i := strings.Index(dsn, "authToken="); i >= 0 {
		return dsn[:i] + "authToken=***"
	}
	return dsn
}
