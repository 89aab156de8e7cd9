package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/debounce"
	"github.com/tandemhq/tandem/internal/realtime"
	"github.com/tandemhq/tandem/internal/remote"
)

// collection is a cache table kept in step with one remote table: an initial
// fetch, a realtime stream merged into it, and a debounced authoritative
// refetch for everything the stream cannot merge row by row.
type collection[T cache.Entity[T]] struct {
	s       *Session
	kind    remote.Kind
	write   remote.Kind
	query   remote.Query
	reload  func(ctx context.Context) error
	table   *cache.Table[T]
	refetch *debounce.Debouncer
	sub     *realtime.Subscription
	merger  *realtime.Merger[T]
	links   func(v T, from, to string) (T, bool)

	mu sync.Mutex
	// local ids removed by the user before their insert landed
	dropped map[string]bool
}

type collectionConfig[T cache.Entity[T]] struct {
	kind   remote.Kind // table fetched
	stream remote.Kind // table streamed; defaults to kind
	write  remote.Kind // table written; defaults to kind
	query  remote.Query
	less   func(a, b T) bool

	// load replaces the FetchAll of kind with query.
	load func(ctx context.Context) error

	aggregate func(remote.Event) bool
	accept    func(T) bool

	// relink rewrites references from one id to another and reports
	// whether anything changed. Nil for entities that refer to nothing.
	relink func(v T, from, to string) (T, bool)
}

func newCollection[T cache.Entity[T]](s *Session, config collectionConfig[T]) *collection[T] {
	c := &collection[T]{
		s:       s,
		kind:    config.kind,
		write:   config.write,
		query:   config.query,
		reload:  config.load,
		table:   cache.New[T](string(config.kind), cache.Options[T]{Less: config.less}),
		links:   config.relink,
		dropped: make(map[string]bool),
	}
	if c.write == "" {
		c.write = config.kind
	}
	c.refetch = s.newDebouncer(string(config.kind), func() {
		s.goTracked(func() { _ = c.load(s.ctx) })
	})
	c.merger = realtime.NewMerger(c.table, realtime.MergerConfig[T]{
		Refetch:   c.refetch,
		Aggregate: config.aggregate,
		Accept:    config.accept,
		Logger:    s.logger,
	})
	stream := config.stream
	if stream == "" {
		stream = config.kind
	}
	c.sub = realtime.NewSubscription(s.backend, stream, s.logger)
	c.table.OnReconcile(s.reconciled)
	s.register(c)
	return c
}

func (c *collection[T]) resolveLocal(ctx context.Context, id string) (string, bool, error) {
	if !c.table.Has(id) {
		return "", false, nil
	}
	serverID, err := c.table.Resolve(ctx, id)
	return serverID, true, err
}

func (c *collection[T]) relink(localID, serverID string) {
	if c.links == nil {
		return
	}
	c.table.UpdateWhere(func(v T) bool {
		_, changed := c.links(v, localID, serverID)
		return changed
	}, func(v T) T {
		v, _ = c.links(v, localID, serverID)
		return v
	})
}

// drop records that the pending insert of localID was undone by the user, so
// the insert deletes its row once it lands.
func (c *collection[T]) drop(localID string) {
	c.mu.Lock()
	c.dropped[localID] = true
	c.mu.Unlock()
}

func (c *collection[T]) undrop(localID string) {
	c.mu.Lock()
	delete(c.dropped, localID)
	c.mu.Unlock()
}

func (c *collection[T]) takeDropped(localID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.dropped[localID]
	delete(c.dropped, localID)
	return was
}

// start subscribes first, so nothing written during the initial fetch is
// missed, then fetches in the background.
func (c *collection[T]) start(filter remote.Filter) {
	if err := c.sub.Open(filter, c.merger.Handle); err != nil {
		// without a stream the cache is refreshed only by explicit loads
		c.s.logger.Printf("Realtime unavailable for %s: %v", c.kind, err)
	}
	c.s.goTracked(func() { _ = c.load(c.s.ctx) })
}

func (c *collection[T]) stop() {
	c.sub.Close()
	c.refetch.Stop()
}

// load replaces the cache with the server's rows. On failure the last
// known-good snapshot stays in place.
func (c *collection[T]) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.s.config.OpTimeout)
	defer cancel()

	if c.reload != nil {
		return c.reload(ctx)
	}
	rows, err := c.s.backend.FetchAll(ctx, c.kind, c.query)
	if err != nil {
		c.s.logger.Printf("Failed to fetch %s, keeping cached copy: %v", c.kind, err)
		return fmt.Errorf("failed to fetch %s: %w", c.kind, err)
	}
	c.table.ReplaceAll(decodeRows[T](c.s.logger, c.kind, rows))
	return nil
}

// insert adds v optimistically and persists it under a server id chosen
// here, so realtime echoes of the row resolve to the pending entity. Local
// ids in reference columns are resolved before the write. done runs after the
// id swap, inside the same background write; an error from it rolls the
// insert back like a failed write.
func (c *collection[T]) insert(v T, category string, fields remote.Row, done func(ctx context.Context, serverID string) error) T {
	local := v.Key()
	undo, ok := c.table.Add(v)
	if !ok {
		c.s.errors.Report(category)
		return v
	}
	expected := remote.NewID()
	c.table.Expect(local, expected)
	fields = fields.Clone()
	fields["id"] = expected

	c.s.persist(key(c.kind, local), category, func(ctx context.Context) error {
		resolved, err := c.s.resolveRow(ctx, fields, local, expected)
		if err != nil {
			return err
		}
		row, err := c.s.backend.Insert(ctx, c.write, resolved)
		if err != nil {
			return err
		}
		serverID := row.ID()
		if err := c.table.Reconcile(local, serverID); err != nil {
			if !c.takeDropped(local) {
				// the cache was reset under the insert, as on a channel
				// switch; the row stays
				return errGone
			}
			c.table.Remove(serverID)
			if delErr := c.s.backend.Delete(ctx, c.write, serverID); delErr != nil {
				c.s.logger.Printf("Failed to delete orphaned %s %s: %v", c.kind, serverID, delErr)
			}
			return errGone
		}
		if done != nil {
			return done(ctx, serverID)
		}
		return nil
	}, func() {
		c.table.Rollback(undo)
	})
	return v
}

// update applies fn optimistically and persists fields(new value).
func (c *collection[T]) update(id, category string, fn func(T) T, fields func(T) remote.Row) bool {
	var next T
	undo, ok := c.table.Update(id, func(v T) T {
		next = fn(v)
		return next
	})
	if !ok {
		return false
	}
	row := fields(next)
	c.s.persist(key(c.kind, id), category, func(ctx context.Context) error {
		serverID, err := c.table.Resolve(ctx, id)
		if err != nil {
			return errGone
		}
		resolved, err := c.s.resolveRow(ctx, row, "", "")
		if err != nil {
			return err
		}
		return c.s.backend.Update(ctx, c.write, serverID, resolved)
	}, func() {
		c.table.Rollback(undo)
	})
	return true
}

// remove deletes id optimistically. A still-pending insert is deleted
// remotely by the insert itself once it lands.
func (c *collection[T]) remove(id, category string, extra func() []func()) bool {
	pending := c.table.IsPending(id)
	serverID := id
	if !pending {
		if resolved, err := c.table.Resolve(context.Background(), id); err == nil {
			serverID = resolved
		}
	}
	undo, ok := c.table.Remove(id)
	if !ok {
		return false
	}
	var undoExtra []func()
	if extra != nil {
		undoExtra = extra()
	}
	if pending {
		c.drop(undo.ID())
		return true
	}
	c.s.persist(key(c.kind, id), category, func(ctx context.Context) error {
		return c.s.backend.Delete(ctx, c.write, serverID)
	}, func() {
		c.table.Rollback(undo)
		for _, fn := range undoExtra {
			fn()
		}
	})
	return true
}

// removeWhere deletes every entity matching match without persisting and
// returns the function that restores them. Pending matches are deleted
// remotely once their inserts land, unless restored first.
func (c *collection[T]) removeWhere(match func(T) bool) func() {
	undos := c.table.RemoveWhere(match)
	for _, u := range undos {
		if u.WasPending() {
			c.drop(u.ID())
		}
	}
	return func() {
		for _, u := range undos {
			if u.WasPending() {
				c.undrop(u.ID())
			}
		}
		c.table.Rollback(undos...)
	}
}
