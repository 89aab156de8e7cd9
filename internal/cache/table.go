package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tandemhq/tandem/internal/emitter"
)

// LocalPrefix marks ids generated on the client before the server assigns one.
const LocalPrefix = "local-"

// ErrUnknownID is returned when an id does not resolve to a cached entity.
var ErrUnknownID = errors.New("unknown id")

// NewLocalID returns a collision-resistant client-side id.
func NewLocalID() string {
	return LocalPrefix + uuid.NewString()
}

// IsLocalID reports whether id was generated by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// Entity is implemented by every cached type.
type Entity[T any] interface {
	Key() string
	WithID(id string) T
}

// Handle is the stable internal key of a cached entity.
type Handle uint64

// Reconciled describes an id swap.
type Reconciled struct {
	LocalID  string
	ServerID string
}

// Options configures a Table.
type Options[T any] struct {
	// Less orders snapshots. Nil keeps insertion order.
	Less func(a, b T) bool
}

// Table is the cache for one entity kind. The zero value is not usable; call New.
type Table[T Entity[T]] struct {
	name string
	less func(a, b T) bool

	mu      sync.Mutex
	next    Handle
	order   []Handle
	values  map[Handle]T
	ids     map[Handle]string
	handles map[string]Handle
	aliases map[string]string
	pending map[Handle]chan struct{}
	loaded  bool

	// expected server ids of pending entities, both ways
	expect   map[string]Handle
	expected map[Handle]string

	queue    [][]T
	emitting bool

	changes    emitter.Emitter[[]T]
	reconciled emitter.Emitter[Reconciled]
}

// New creates an empty table.
func New[T Entity[T]](name string, opts Options[T]) *Table[T] {
	t := &Table[T]{
		name:    name,
		less:    opts.Less,
		values:  make(map[Handle]T),
		ids:     make(map[Handle]string),
		handles: make(map[string]Handle),
		aliases: make(map[string]string),
		pending:  make(map[Handle]chan struct{}),
		expect:   make(map[string]Handle),
		expected: make(map[Handle]string),
	}
	return t
}

// Name returns the table name.
func (t *Table[T]) Name() string {
	return t.name
}

// Subscribe registers fn to receive every new snapshot.
func (t *Table[T]) Subscribe(fn func([]T)) func() {
	return t.changes.Subscribe(fn)
}

// OnReconcile registers fn to run after a local id is swapped for a server id.
func (t *Table[T]) OnReconcile(fn func(Reconciled)) func() {
	return t.reconciled.Subscribe(fn)
}

// GetAll returns the current ordered snapshot.
func (t *Table[T]) GetAll() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Get returns the entity with id. Local ids that were already reconciled still resolve.
func (t *Table[T]) Get(id string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.lookupLocked(id)
	if !ok {
		var zero T
		return zero, false
	}
	return t.valueLocked(h), true
}

// Has reports whether id is cached.
func (t *Table[T]) Has(id string) bool {
	_, ok := t.Get(id)
	return ok
}

// Len returns the number of cached entities.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// Loaded reports whether an authoritative snapshot has been applied.
func (t *Table[T]) Loaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}

// Handle returns the internal handle for id.
func (t *Table[T]) Handle(id string) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(id)
}

// IsPending reports whether id is a local id awaiting reconciliation.
func (t *Table[T]) IsPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.lookupLocked(id)
	if !ok {
		return false
	}
	_, pending := t.pending[h]
	return pending
}

// Add inserts a locally created entity and marks it pending until Reconcile or
// Rollback. It returns false if the id is already cached.
func (t *Table[T]) Add(v T) (Undo[T], bool) {
	t.mu.Lock()
	id := v.Key()
	if _, ok := t.lookupLocked(id); ok {
		t.mu.Unlock()
		return Undo[T]{}, false
	}
	h := t.insertLocked(v, id, -1)
	t.pending[h] = make(chan struct{})
	t.emitLocked()
	return Undo[T]{op: opAdd, handle: h, id: id}, true
}

// Expect records the server id the pending entity id will be reconciled to.
// Until then, rows arriving under serverID resolve to the pending entity
// instead of being added beside it. It reports false if id is not pending or
// serverID is already taken.
func (t *Table[T]) Expect(id, serverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.lookupLocked(id)
	if !ok {
		return false
	}
	if _, pending := t.pending[h]; !pending {
		return false
	}
	if _, taken := t.lookupLocked(serverID); taken {
		return false
	}
	t.expectLocked(h, serverID)
	return true
}

// MergeInsert adds a server-confirmed entity unless its id is already cached.
// It is the dedup point for rows arriving from outside the process.
func (t *Table[T]) MergeInsert(v T) bool {
	return t.MergeInsertMany([]T{v}) == 1
}

// MergeInsertMany inserts every entity whose id is not cached and emits once.
// It returns how many were inserted.
func (t *Table[T]) MergeInsertMany(vs []T) int {
	t.mu.Lock()
	n := 0
	for _, v := range vs {
		id := v.Key()
		if _, ok := t.lookupLocked(id); ok {
			continue
		}
		t.insertLocked(v, id, -1)
		n++
	}
	if n == 0 {
		t.mu.Unlock()
		return 0
	}
	t.emitLocked()
	return n
}

// Update replaces the entity with id by fn's result. Missing ids are a silent
// no-op and report false.
func (t *Table[T]) Update(id string, fn func(T) T) (Undo[T], bool) {
	t.mu.Lock()
	h, ok := t.lookupLocked(id)
	if !ok {
		t.mu.Unlock()
		return Undo[T]{}, false
	}
	prev := t.values[h]
	t.values[h] = fn(t.valueLocked(h))
	t.sortLocked()
	t.emitLocked()
	return Undo[T]{op: opUpdate, handle: h, id: t.ids[h], prev: prev}, true
}

// UpdateMany applies fn to each listed id and emits one snapshot.
// Missing ids are skipped.
func (t *Table[T]) UpdateMany(ids []string, fn func(i int, v T) T) []Undo[T] {
	t.mu.Lock()
	var undos []Undo[T]
	for i, id := range ids {
		h, ok := t.lookupLocked(id)
		if !ok {
			continue
		}
		prev := t.values[h]
		t.values[h] = fn(i, t.valueLocked(h))
		undos = append(undos, Undo[T]{op: opUpdate, handle: h, id: t.ids[h], prev: prev})
	}
	if len(undos) == 0 {
		t.mu.Unlock()
		return nil
	}
	t.sortLocked()
	t.emitLocked()
	return undos
}

// UpdateWhere applies fn to every entity matching match and emits one snapshot.
func (t *Table[T]) UpdateWhere(match func(T) bool, fn func(T) T) []Undo[T] {
	t.mu.Lock()
	var undos []Undo[T]
	for _, h := range t.order {
		v := t.valueLocked(h)
		if !match(v) {
			continue
		}
		prev := t.values[h]
		t.values[h] = fn(v)
		undos = append(undos, Undo[T]{op: opUpdate, handle: h, id: t.ids[h], prev: prev})
	}
	if len(undos) == 0 {
		t.mu.Unlock()
		return nil
	}
	t.sortLocked()
	t.emitLocked()
	return undos
}

// Remove deletes the entity with id. Missing ids report false.
func (t *Table[T]) Remove(id string) (Undo[T], bool) {
	t.mu.Lock()
	h, ok := t.lookupLocked(id)
	if !ok {
		t.mu.Unlock()
		return Undo[T]{}, false
	}
	u := Undo[T]{op: opRemove, handle: h, id: t.ids[h], prev: t.values[h], index: t.indexLocked(h)}
	if _, pending := t.pending[h]; pending {
		u.wasPending = true
		u.expect = t.expected[h]
	}
	t.removeLocked(h)
	t.emitLocked()
	return u, true
}

// RemoveWhere deletes every entity matching match and emits one snapshot.
func (t *Table[T]) RemoveWhere(match func(T) bool) []Undo[T] {
	t.mu.Lock()
	var undos []Undo[T]
	for i := 0; i < len(t.order); {
		h := t.order[i]
		if !match(t.valueLocked(h)) {
			i++
			continue
		}
		_, wasPending := t.pending[h]
		undos = append(undos, Undo[T]{op: opRemove, handle: h, id: t.ids[h], prev: t.values[h], index: i, wasPending: wasPending, expect: t.expected[h]})
		t.removeLocked(h)
	}
	if len(undos) == 0 {
		t.mu.Unlock()
		return nil
	}
	t.emitLocked()
	return undos
}

// Rollback reverts the given mutations, newest first, and emits one snapshot.
func (t *Table[T]) Rollback(undos ...Undo[T]) {
	t.mu.Lock()
	changed := false
	for i := len(undos) - 1; i >= 0; i-- {
		if t.undoLocked(undos[i]) {
			changed = true
		}
	}
	if !changed {
		t.mu.Unlock()
		return
	}
	t.sortLocked()
	t.emitLocked()
}

// Reconcile swaps the pending local id for the server-assigned one. Only the
// handle→id mapping changes. If serverID is already cached, because the server
// row arrived first through another path, the local copy is dropped instead.
func (t *Table[T]) Reconcile(localID, serverID string) error {
	t.mu.Lock()
	h, ok := t.handles[localID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("failed to reconcile %s %s: %w", t.name, localID, ErrUnknownID)
	}
	t.forgetLocked(h)
	if localID == serverID {
		t.settleLocked(h)
		t.mu.Unlock()
		return nil
	}

	if _, exists := t.handles[serverID]; exists {
		t.settleLocked(h)
		t.removeLocked(h)
	} else {
		delete(t.handles, localID)
		t.ids[h] = serverID
		t.handles[serverID] = h
		t.settleLocked(h)
	}
	t.aliases[localID] = serverID
	t.sortLocked()
	t.emitLocked()

	t.reconciled.Emit(Reconciled{LocalID: localID, ServerID: serverID})
	return nil
}

// Resolve returns the server id for id, waiting while id is a pending local id.
func (t *Table[T]) Resolve(ctx context.Context, id string) (string, error) {
	for {
		t.mu.Lock()
		h, ok := t.lookupLocked(id)
		if !ok {
			t.mu.Unlock()
			return "", fmt.Errorf("failed to resolve %s %s: %w", t.name, id, ErrUnknownID)
		}
		wait, pending := t.pending[h]
		if !pending {
			resolved := t.ids[h]
			t.mu.Unlock()
			return resolved, nil
		}
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ReplaceAll installs an authoritative snapshot. Known ids keep their handles.
// Pending local entities are kept so a refetch never drops an optimistic insert.
func (t *Table[T]) ReplaceAll(vs []T) {
	t.mu.Lock()
	keep := make(map[Handle]bool, len(vs))
	for _, v := range vs {
		id := v.Key()
		if h, ok := t.lookupLocked(id); ok {
			t.values[h] = v
			keep[h] = true
			continue
		}
		keep[t.insertLocked(v, id, -1)] = true
	}
	for _, h := range append([]Handle(nil), t.order...) {
		if keep[h] {
			continue
		}
		if _, pending := t.pending[h]; pending {
			continue
		}
		t.removeLocked(h)
	}
	if t.less == nil {
		t.orderLike(vs)
	}
	t.sortLocked()
	t.loaded = true
	t.emitLocked()
}

// Reset drops every entity, including pending ones, and emits an empty snapshot.
func (t *Table[T]) Reset() {
	t.mu.Lock()
	for h, ch := range t.pending {
		close(ch)
		delete(t.pending, h)
	}
	t.order = nil
	t.values = make(map[Handle]T)
	t.ids = make(map[Handle]string)
	t.handles = make(map[string]Handle)
	t.aliases = make(map[string]string)
	t.expect = make(map[string]Handle)
	t.expected = make(map[Handle]string)
	t.loaded = false
	t.emitLocked()
}

// orderLike puts server rows in server order, followed by surviving pending rows.
func (t *Table[T]) orderLike(vs []T) {
	pos := make(map[Handle]int, len(vs))
	for i, v := range vs {
		if h, ok := t.lookupLocked(v.Key()); ok {
			pos[h] = i
		}
	}
	sort.SliceStable(t.order, func(i, j int) bool {
		pi, iok := pos[t.order[i]]
		pj, jok := pos[t.order[j]]
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		default:
			return false
		}
	})
}

func (t *Table[T]) lookupLocked(id string) (Handle, bool) {
	if h, ok := t.handles[id]; ok {
		return h, true
	}
	if alias, ok := t.aliases[id]; ok {
		h, ok := t.handles[alias]
		return h, ok
	}
	if h, ok := t.expect[id]; ok {
		return h, true
	}
	return 0, false
}

func (t *Table[T]) expectLocked(h Handle, serverID string) {
	t.forgetLocked(h)
	t.expect[serverID] = h
	t.expected[h] = serverID
}

func (t *Table[T]) forgetLocked(h Handle) {
	if serverID, ok := t.expected[h]; ok {
		delete(t.expect, serverID)
		delete(t.expected, h)
	}
}

func (t *Table[T]) valueLocked(h Handle) T {
	return t.values[h].WithID(t.ids[h])
}

func (t *Table[T]) snapshotLocked() []T {
	out := make([]T, 0, len(t.order))
	for _, h := range t.order {
		out = append(out, t.valueLocked(h))
	}
	return out
}

func (t *Table[T]) insertLocked(v T, id string, index int) Handle {
	t.next++
	h := t.next
	t.values[h] = v
	t.ids[h] = id
	t.handles[id] = h
	if index < 0 || index >= len(t.order) {
		t.order = append(t.order, h)
	} else {
		t.order = append(t.order, 0)
		copy(t.order[index+1:], t.order[index:])
		t.order[index] = h
	}
	t.sortLocked()
	return h
}

func (t *Table[T]) removeLocked(h Handle) {
	if i := t.indexLocked(h); i >= 0 {
		t.order = append(t.order[:i], t.order[i+1:]...)
	}
	delete(t.handles, t.ids[h])
	delete(t.ids, h)
	delete(t.values, h)
	t.forgetLocked(h)
	t.settleLocked(h)
}

func (t *Table[T]) settleLocked(h Handle) {
	if ch, ok := t.pending[h]; ok {
		close(ch)
		delete(t.pending, h)
	}
}

func (t *Table[T]) indexLocked(h Handle) int {
	for i, x := range t.order {
		if x == h {
			return i
		}
	}
	return -1
}

func (t *Table[T]) sortLocked() {
	if t.less == nil {
		return
	}
	sort.SliceStable(t.order, func(i, j int) bool {
		return t.less(t.values[t.order[i]], t.values[t.order[j]])
	})
}

// emitLocked queues the snapshot and unlocks mu. The first caller to find no
// delivery in progress delivers queued snapshots until the queue is empty, so
// listeners see snapshots one at a time and in mutation order. A listener
// that mutates the table gets its snapshot after it returns.
func (t *Table[T]) emitLocked() {
	t.queue = append(t.queue, t.snapshotLocked())
	if t.emitting {
		t.mu.Unlock()
		return
	}
	t.emitting = true
	drained := false
	defer func() {
		if !drained {
			// a listener panicked; let the next mutation deliver again
			t.mu.Lock()
			t.emitting = false
			t.queue = nil
			t.mu.Unlock()
		}
	}()

	for len(t.queue) > 0 {
		snap := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()
		t.changes.Emit(snap)
		t.mu.Lock()
	}
	t.emitting = false
	drained = true
	t.mu.Unlock()
}
