package remote

import (
	"fmt"
	"reflect"
	"time"
)

// Op is the kind of change an event reports.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"

	// OpInvalidate means "something in this table changed; refetch".
	OpInvalidate Op = "invalidate"
)

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete, OpInvalidate:
		return true
	}
	return false
}

// Event is one row-level change.
type Event struct {
	Kind Kind
	Op   Op
	Row  Row // new row; the deleted row for deletes
	Old  Row // previous row for updates, when the source knows it
	At   time.Time
}

// ID returns the id of the changed row.
func (e Event) ID() string {
	if id := e.Row.ID(); id != "" {
		return id
	}
	return e.Old.ID()
}

// Changed returns the columns whose values differ between Old and Row. Without
// Old every column of Row is considered changed. The id column is never included.
func (e Event) Changed() Row {
	out := make(Row, len(e.Row))
	for col, v := range e.Row {
		if col == "id" {
			continue
		}
		if e.Old != nil {
			if prev, ok := e.Old[col]; ok && reflect.DeepEqual(prev, v) {
				continue
			}
		}
		out[col] = v
	}
	return out
}

// String implements fmt.Stringer.
func (e Event) String() string {
	return fmt.Sprintf("%s %s %s", e.Op, e.Kind, e.ID())
}

// matchRow is the row used for filter matching.
func (e Event) matchRow() Row {
	if e.Row != nil {
		return e.Row
	}
	return e.Old
}
