package remote

import (
	"sync"
)

type hubSub struct {
	kind   Kind
	filter Filter
	fn     func(Event)
}

// Hub fans events out to filtered subscribers. Adapters embed one to implement
// ChangeSource. The zero value is ready to use.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	order  []uint64
	subs   map[uint64]hubSub
}

// SubscribeChanges implements ChangeSource.
func (h *Hub) SubscribeChanges(kind Kind, filter Filter, onEvent func(Event)) (func(), error) {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[uint64]hubSub)
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = hubSub{kind: kind, filter: filter, fn: onEvent}
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}, nil
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
	for i, x := range h.order {
		if x == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Publish delivers e to every matching subscriber, in subscription order, on
// the calling goroutine.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	var targets []func(Event)
	for _, id := range h.order {
		sub := h.subs[id]
		if sub.kind != e.Kind {
			continue
		}
		if e.Op != OpInvalidate && len(sub.filter) > 0 && !sub.filter.Matches(e.matchRow()) {
			continue
		}
		targets = append(targets, sub.fn)
	}
	h.mu.Unlock()

	for _, fn := range targets {
		fn(e)
	}
}

// Subscribers returns the number of live subscriptions for kind.
func (h *Hub) Subscribers(kind Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, sub := range h.subs {
		if sub.kind == kind {
			n++
		}
	}
	return n
}
