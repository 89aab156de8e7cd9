package realtime

import (
	"log"
	"os"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Refetcher is satisfied by *debounce.Debouncer.
type Refetcher interface {
	Schedule()
}

// MergerConfig holds configuration for a Merger.
type MergerConfig[T cache.Entity[T]] struct {
	// Refetch is scheduled for events that cannot be merged per row.
	Refetch Refetcher

	// Aggregate reports events that change denormalized state (counts,
	// last message) and must refetch even when they also merge.
	Aggregate func(remote.Event) bool

	// Accept, when set, drops decoded values it returns false for.
	Accept func(T) bool

	// Logger for merge activity (default: stderr with [realtime] prefix).
	Logger *log.Logger
}

// Merger applies one stream's events to a cache table.
type Merger[T cache.Entity[T]] struct {
	table  *cache.Table[T]
	config MergerConfig[T]
}

// NewMerger creates a Merger writing into table.
func NewMerger[T cache.Entity[T]](table *cache.Table[T], config MergerConfig[T]) *Merger[T] {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Merger[T]{table: table, config: config}
}

// Handle merges e into the table. It is suitable as a Subscription handler.
func (m *Merger[T]) Handle(e remote.Event) {
	if m.config.Aggregate != nil && m.config.Aggregate(e) {
		m.refetch()
	}

	switch e.Op {
	case remote.OpInsert:
		m.insert(e)
	case remote.OpUpdate:
		m.update(e)
	default:
		// deletes and invalidations are reconciled by an authoritative refetch
		m.refetch()
	}
}

func (m *Merger[T]) insert(e remote.Event) {
	id := e.ID()
	if id == "" || m.table.Has(id) {
		return
	}
	v, err := schema.DecodeRow[T](e.Row)
	if err != nil {
		m.config.Logger.Printf("Skipping %v: %v", e, err)
		return
	}
	if m.config.Accept != nil && !m.config.Accept(v) {
		return
	}
	m.table.MergeInsert(v)
}

func (m *Merger[T]) update(e remote.Event) {
	id := e.ID()
	if id == "" {
		return
	}
	if !m.table.Has(id) {
		// the insert was missed, or the row just started matching
		m.refetch()
		return
	}
	changed := e.Changed()
	if len(changed) == 0 {
		return
	}

	var patchErr error
	m.table.Update(id, func(v T) T {
		patched, err := schema.Patch(v, changed)
		if err != nil {
			patchErr = err
			return v
		}
		return patched
	})
	if patchErr != nil {
		m.config.Logger.Printf("Failed to patch %v: %v", e, patchErr)
		m.refetch()
	}
}

func (m *Merger[T]) refetch() {
	if m.config.Refetch != nil {
		m.config.Refetch.Schedule()
	}
}
