// Package postgres implements remote.Backend on PostgreSQL.
//
// Rows live in ordinary tables with JSONB and TIMESTAMPTZ columns. Every
// table carries an AFTER trigger that publishes the changed row (and the
// previous row for updates) with pg_notify; the adapter keeps one pooled
// connection LISTENing on that channel and republishes the payloads as
// remote.Events. Writes from any client of the database therefore reach
// every subscriber.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// uniqueViolation is the SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// Config holds configuration for the Postgres adapter.
type Config struct {
	// DSN is a postgres:// URL or key=value connection string.
	DSN string

	// Schema, when set, is created if missing and used as the search_path.
	Schema string

	// Channel is the NOTIFY channel change triggers publish on
	// (default: tandem_changes).
	Channel string

	// MaxConns bounds the pool size (default: pgxpool's default).
	MaxConns int32

	// ReconnectDelay is the pause before re-LISTENing after the listener
	// connection fails (default: 1s).
	ReconnectDelay time.Duration

	// DisableChanges skips the listener; SubscribeChanges then never
	// delivers events.
	DisableChanges bool

	// Logger for adapter activity (default: stderr with [postgres] prefix).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Channel:        "tandem_changes",
		ReconnectDelay: time.Second,
		Logger:         log.New(os.Stderr, "[postgres] ", log.LstdFlags),
	}
}

// Adapter is a remote.Backend over PostgreSQL.
type Adapter struct {
	remote.Hub

	pool   *pgxpool.Pool
	config *Config
	listen *listener

	mu     sync.Mutex
	closed bool
}

// Open connects to the database at dsn with default settings, creates the
// schema and starts listening for changes.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	a, err := postgres.Open(ctx, "postgres://localhost/tandem")
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
func Open(ctx context.Context, dsn string) (*Adapter, error) {
	config := DefaultConfig()
	config.DSN = dsn
	return OpenWithConfig(ctx, config)
}

// OpenWithConfig connects using config.
func OpenWithConfig(ctx context.Context, config *Config) (*Adapter, error) {
	defaults := DefaultConfig()
	if config == nil || config.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	if config.Channel == "" {
		config.Channel = defaults.Channel
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if config.Schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = config.Schema
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &Adapter{pool: pool, config: config}
	if err := a.InitSchemaContext(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if !config.DisableChanges {
		l := newListener(a)
		if err := l.start(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		a.listen = l
	}

	config.Logger.Printf("Connected to %s", poolConfig.ConnConfig.Host)
	return a, nil
}

// Pool returns the underlying connection pool.
func (a *Adapter) Pool() *pgxpool.Pool {
	return a.pool
}

// Close stops the listener and closes the pool.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.listen != nil {
		a.listen.stop()
	}
	a.pool.Close()
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

// FetchAll implements remote.Adapter.
func (a *Adapter) FetchAll(ctx context.Context, kind remote.Kind, q remote.Query) ([]remote.Row, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	t, err := remote.Lookup(kind)
	if err != nil {
		return nil, err
	}

	var args []any
	where, err := whereClause(t, q.Filter, &args)
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

	query := "SELECT " + columnList(t) + " FROM " + ident(string(kind)) + where + orderBy
	return a.query(ctx, t, query, args...)
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

	var args []any
	where, err := whereClause(t, filter, &args)
	if err != nil {
		return nil, err
	}
	if cursor.Before != nil {
		args = append(args, encodeValue(t, cursor.Column, cursor.Before))
		cond := fmt.Sprintf("%s < $%d", ident(cursor.Column), len(args))
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}

	query := "SELECT " + columnList(t) + " FROM " + ident(string(kind)) + where +
		" ORDER BY " + ident(cursor.Column) + " DESC, id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return a.query(ctx, t, query, args...)
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
		args = append(args, encodeValue(t, col, v))
		cols = append(cols, ident(col))
		marks = append(marks, fmt.Sprintf("$%d", len(args)))
	}

	query := "INSERT INTO " + ident(string(kind)) + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.Join(marks, ", ") + ") RETURNING " + columnList(t)
	out, err := a.query(ctx, t, query, args...)
	if err != nil {
		return nil, wrapWriteError("insert", kind, row.ID(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("failed to insert %s %s: no row returned", kind, row.ID())
	}
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
		args = append(args, encodeValue(t, col, v))
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(col), len(args)))
	}
	args = append(args, id)

	query := "UPDATE " + ident(string(kind)) + " SET " + strings.Join(sets, ", ") +
		fmt.Sprintf(" WHERE id = $%d", len(args))
	tag, err := a.pool.Exec(ctx, query, args...)
	if err != nil {
		return wrapWriteError("update", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, remote.ErrNotFound)
	}
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
	if _, err := a.pool.Exec(ctx, "DELETE FROM "+ident(string(kind))+" WHERE id = $1", id); err != nil {
		return wrapWriteError("delete", kind, id, err)
	}
	return nil
}

func (a *Adapter) query(ctx context.Context, t *remote.Table, query string, args ...any) ([]remote.Row, error) {
	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.Kind, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", t.Kind, err)
	}
	out := make([]remote.Row, len(maps))
	for i, m := range maps {
		row := make(remote.Row, len(m))
		for col, v := range m {
			row[col] = decodeValue(t, col, v)
		}
		out[i] = row
	}
	return out, nil
}

func wrapWriteError(op string, kind remote.Kind, id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("failed to %s %s %s: %w: %s", op, kind, id, remote.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("failed to %s %s %s: %w", op, kind, id, err)
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func columnList(t *remote.Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = ident(c)
	}
	return strings.Join(cols, ", ")
}

// whereClause renders f as equality conditions, appending values to args.
func whereClause(t *remote.Table, f remote.Filter, args *[]any) (string, error) {
	if len(f) == 0 {
		return "", nil
	}
	for col := range f {
		if !t.HasColumn(col) {
			return "", fmt.Errorf("unknown filter column %q in %s", col, t.Kind)
		}
	}
	conds := make([]string, 0, len(f))
	for _, col := range t.Columns {
		v, ok := f[col]
		if !ok {
			continue
		}
		if v == nil {
			conds = append(conds, ident(col)+" IS NULL")
			continue
		}
		*args = append(*args, encodeValue(t, col, v))
		conds = append(conds, fmt.Sprintf("%s = $%d", ident(col), len(*args)))
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

func orderClause(t *remote.Table, order []remote.Order) (string, error) {
	terms := make([]string, 0, len(order)+1)
	for _, o := range order {
		if !t.HasColumn(o.Column) {
			return "", fmt.Errorf("unknown order column %q in %s", o.Column, t.Kind)
		}
		term := ident(o.Column)
		if o.Desc {
			// match SQLite, where NULLs sort first ascending
			term += " DESC NULLS LAST"
		} else {
			term += " NULLS FIRST"
		}
		terms = append(terms, term)
	}
	terms = append(terms, "id")
	return " ORDER BY " + strings.Join(terms, ", "), nil
}

// encodeValue converts a Go value to a query argument for col.
func encodeValue(t *remote.Table, col string, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC()
	case time.Time:
		return x.UTC()
	case string:
		if t.Times[col] {
			if parsed, err := schema.ParseTime(x); err == nil {
				return parsed
			}
		}
		if t.JSON[col] {
			// pgx sends strings to jsonb as raw JSON text
			b, _ := json.Marshal(x)
			return string(b)
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

// decodeValue normalizes a column value read from pgx or a notify payload.
func decodeValue(t *remote.Table, col string, v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case float64:
		if !t.JSON[col] && x == float64(int64(x)) {
			return int64(x)
		}
	case string:
		if t.Times[col] {
			if parsed, err := schema.ParseTime(x); err == nil {
				return parsed
			}
		}
	}
	return v
}
