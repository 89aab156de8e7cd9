package cache

type undoOp int

const (
	opNone undoOp = iota
	opAdd
	opUpdate
	opRemove
)

// Undo records how to revert one mutation of one entity.
type Undo[T any] struct {
	op         undoOp
	handle     Handle
	id         string
	prev       T
	index      int
	wasPending bool
	expect     string
}

// Valid reports whether the undo refers to an applied mutation.
func (u Undo[T]) Valid() bool {
	return u.op != opNone
}

// ID returns the id the entity had when the mutation was applied.
func (u Undo[T]) ID() string {
	return u.id
}

// WasPending reports whether the mutation hit an entity still awaiting its
// server id.
func (u Undo[T]) WasPending() bool {
	return u.wasPending
}

func (t *Table[T]) undoLocked(u Undo[T]) bool {
	switch u.op {
	case opAdd:
		if _, ok := t.ids[u.handle]; !ok {
			return false
		}
		t.removeLocked(u.handle)
		return true

	case opUpdate:
		if _, ok := t.ids[u.handle]; !ok {
			// deleted since; the delete wins
			return false
		}
		t.values[u.handle] = u.prev
		return true

	case opRemove:
		if _, ok := t.ids[u.handle]; ok {
			return false
		}
		if _, ok := t.handles[u.id]; ok {
			return false
		}
		t.values[u.handle] = u.prev
		t.ids[u.handle] = u.id
		t.handles[u.id] = u.handle
		if u.index < 0 || u.index > len(t.order) {
			t.order = append(t.order, u.handle)
		} else {
			t.order = append(t.order, 0)
			copy(t.order[u.index+1:], t.order[u.index:])
			t.order[u.index] = u.handle
		}
		if u.wasPending {
			t.pending[u.handle] = make(chan struct{})
			if _, taken := t.lookupLocked(u.expect); u.expect != "" && !taken {
				t.expectLocked(u.handle, u.expect)
			}
		}
		return true
	}
	return false
}
