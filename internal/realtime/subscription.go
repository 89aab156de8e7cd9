// Package realtime merges pushed remote changes into the entity cache.
//
// A Subscription owns one logical change stream (a table, optionally narrowed
// by a filter). It is either Idle or Subscribed; opening it again always tears
// down the previous stream first, so a resubscribe never leaves two handlers
// attached.
//
// A Merger applies the events of one stream to a cache.Table:
//   - insert: added unless the id is already cached (whichever path adds an
//     id first wins; the other is ignored)
//   - update: only the columns that changed are patched onto the cached value
//   - delete, invalidate, and anything the caller marks as aggregate-affecting:
//     handed to the Debouncer for one authoritative refetch
package realtime

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/tandemhq/tandem/internal/remote"
)

// State is a Subscription's lifecycle state.
type State int

const (
	Idle State = iota
	Subscribed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribed:
		return "subscribed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Subscription is one change stream with explicit teardown.
type Subscription struct {
	source remote.ChangeSource
	kind   remote.Kind
	logger *log.Logger

	mu     sync.Mutex
	state  State
	filter remote.Filter
	unsub  func()
	gen    uint64
	events int
}

// NewSubscription creates an idle subscription for kind on source.
// A nil logger logs to stderr with a [realtime] prefix.
func NewSubscription(source remote.ChangeSource, kind remote.Kind, logger *log.Logger) *Subscription {
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Subscription{source: source, kind: kind, logger: logger}
}

// Open closes any current stream and subscribes handler to events matching
// filter. On error the subscription is left Idle.
func (s *Subscription) Open(filter remote.Filter, handler func(remote.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	s.gen++
	gen := s.gen

	unsub, err := s.source.SubscribeChanges(s.kind, filter, func(e remote.Event) {
		s.mu.Lock()
		// a publish racing Close or a reopen must not reach the old handler
		if s.gen != gen || s.state != Subscribed {
			s.mu.Unlock()
			return
		}
		s.events++
		s.mu.Unlock()
		handler(e)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.kind, err)
	}
	s.unsub = unsub
	s.filter = filter
	s.state = Subscribed
	s.logger.Printf("Subscribed to %s %v", s.kind, filter)
	return nil
}

// Close tears the stream down. Closing an idle subscription is a no-op.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.state == Idle {
		return
	}
	s.unsub()
	s.unsub = nil
	s.state = Idle
	s.logger.Printf("Unsubscribed from %s %v", s.kind, s.filter)
	s.filter = nil
}

// State returns the current state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Filter returns the filter of the open stream, or nil when idle.
func (s *Subscription) Filter() remote.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Events returns how many events have been delivered since creation.
func (s *Subscription) Events() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}
