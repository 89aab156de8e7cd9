package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by adapters.
var (
	// ErrNotFound is returned when an update or delete targets a missing row.
	ErrNotFound = errors.New("row not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("unique constraint violation")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("adapter closed")
)

// Row is one record as a column map.
type Row map[string]any

// ID returns the row's id column, or "".
func (r Row) ID() string {
	if r == nil {
		return ""
	}
	switch id := r["id"].(type) {
	case string:
		return id
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

// Clone returns a shallow copy.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Filter selects rows whose columns equal the given values.
type Filter map[string]any

// Matches reports whether row satisfies every equality in f.
func (f Filter) Matches(row Row) bool {
	for col, want := range f {
		got, ok := row[col]
		if !ok {
			return false
		}
		if !sameValue(got, want) {
			return false
		}
	}
	return true
}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Asc orders by column ascending.
func Asc(column string) Order { return Order{Column: column} }

// Desc orders by column descending.
func Desc(column string) Order { return Order{Column: column, Desc: true} }

// Query narrows FetchAll.
type Query struct {
	Filter  Filter
	OrderBy []Order
}

// Cursor bounds a page: rows whose Column is strictly less than Before.
// A nil Before means "start from the newest row".
type Cursor struct {
	Column string
	Before any
}

// Adapter is the only component that talks to the durable store.
//
// All methods are safe for concurrent use. Timestamps in returned rows are
// either time.Time or text in schema.TimeLayout; callers decode both.
type Adapter interface {
	// FetchAll returns every row of kind matching q.Filter, ordered by q.OrderBy
	// (or the table's default order when empty).
	//
	// Example:
	//   rows, err := a.FetchAll(ctx, remote.Tasks, remote.Query{})
	FetchAll(ctx context.Context, kind Kind, q Query) ([]Row, error)

	// FetchPage returns up to limit rows of kind matching filter whose cursor
	// column is strictly less than cursor.Before, newest first.
	//
	// Example:
	//   rows, err := a.FetchPage(ctx, remote.Messages,
	//       remote.Filter{"channel_id": id},
	//       remote.Cursor{Column: "created_at", Before: oldest}, 50)
	FetchPage(ctx context.Context, kind Kind, filter Filter, cursor Cursor, limit int) ([]Row, error)

	// Insert creates a row and returns it with its server-assigned id and
	// timestamps. A caller-supplied id is kept.
	//
	// Returns ErrConflict if a unique column already holds the value.
	Insert(ctx context.Context, kind Kind, fields Row) (Row, error)

	// Update writes fields onto the row with id.
	//
	// Returns ErrNotFound if no such row exists.
	Update(ctx context.Context, kind Kind, id string, fields Row) error

	// Delete removes the row with id. Deleting a missing row is not an error.
	Delete(ctx context.Context, kind Kind, id string) error

	// Close releases the underlying connection.
	Close() error
}

// ChangeSource pushes row-level change events.
type ChangeSource interface {
	// SubscribeChanges delivers events for kind whose row matches filter until
	// the returned function is called. Calling it more than once is safe.
	SubscribeChanges(kind Kind, filter Filter, onEvent func(Event)) (func(), error)
}

// Backend is an Adapter that also pushes changes.
type Backend interface {
	Adapter
	ChangeSource
}

type withChanges struct {
	Adapter
	source ChangeSource
}

// WithChanges pairs an adapter with a change source from elsewhere, such as a
// websocket feed client.
func WithChanges(a Adapter, source ChangeSource) Backend {
	return &withChanges{Adapter: a, source: source}
}

func (w *withChanges) SubscribeChanges(kind Kind, filter Filter, onEvent func(Event)) (func(), error) {
	return w.source.SubscribeChanges(kind, filter, onEvent)
}

func (w *withChanges) Close() error {
	var errs []error
	if c, ok := w.source.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, w.Adapter.Close())
	return errors.Join(errs...)
}

func sameValue(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
