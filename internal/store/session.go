// Package store is the reactive synchronization layer the UI and CLI read from.
//
// A Session is the one context object of a process: it owns the remote
// backend, every entity store and the error channel, and is passed by
// reference to all consumers. Stores are created lazily, exactly once per
// scope (per session, or per user for channels and notifications), no matter
// how many callers ask for them concurrently.
//
// Every mutation follows the same protocol:
//  1. the new value is built synchronously (new entities get a local id)
//  2. the cache is updated and subscribers are notified before the call returns
//  3. persistence runs in the background
//  4. on success a local id is reconciled to the server id, in the entity
//     itself and in every cached entity that refers to it
//  5. on failure the mutation is rolled back and one short category message
//     ("failed to save task changes") is sent to the error channel
//
// Background writes to the same entity run in the order they were issued.
// Wait joins every write in flight.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tandemhq/tandem/internal/debounce"
	"github.com/tandemhq/tandem/internal/emitter"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Config holds configuration for a Session.
type Config struct {
	// UserID is the acting user: task creator, message sender, channel viewer.
	UserID string

	// Debounce is the coalescing window for realtime-triggered refetches (default: 300ms).
	Debounce time.Duration

	// PageSize is the message history page size (default: 50).
	PageSize int

	// NotificationPoll is the polling fallback interval (default: 30s).
	NotificationPoll time.Duration

	// OpTimeout bounds each background remote call (default: 10s).
	OpTimeout time.Duration

	// Clock drives debounce timers (default: wall clock).
	Clock debounce.Clock

	// Logger for store activity (default: stderr with [store] prefix).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:         debounce.DefaultWindow,
		PageSize:         50,
		NotificationPoll: 30 * time.Second,
		OpTimeout:        10 * time.Second,
		Clock:            debounce.RealClock(),
		Logger:           log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Session owns the backend, the stores and the error channel.
type Session struct {
	backend remote.Backend
	config  *Config
	logger  *log.Logger
	errors  *emitter.Errors

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tails  map[string]chan struct{}

	tasksOnce    sync.Once
	tasks        *TaskStore
	projectsOnce sync.Once
	projects     *ProjectStore
	usersOnce    sync.Once
	users        *UserStore
	filesOnce    sync.Once
	files        *FileStore
	messagesOnce sync.Once
	messages     *MessageStore

	channels      map[string]*ChannelStore
	notifications map[string]*NotificationStore

	refsMu sync.Mutex
	refs   []referrer
}

// New creates a session over backend with default settings.
//
// The caller MUST call Close() when done.
func New(backend remote.Backend, userID string) *Session {
	config := DefaultConfig()
	config.UserID = userID
	return NewWithConfig(backend, config)
}

// NewWithConfig creates a session with custom configuration.
func NewWithConfig(backend remote.Backend, config *Config) *Session {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Debounce <= 0 {
		config.Debounce = defaults.Debounce
	}
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.NotificationPoll <= 0 {
		config.NotificationPoll = defaults.NotificationPoll
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = defaults.OpTimeout
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		backend:       backend,
		config:        config,
		logger:        config.Logger,
		errors:        emitter.NewErrors(),
		ctx:           ctx,
		cancel:        cancel,
		tails:         make(map[string]chan struct{}),
		channels:      make(map[string]*ChannelStore),
		notifications: make(map[string]*NotificationStore),
	}
}

// UserID returns the acting user.
func (s *Session) UserID() string {
	return s.config.UserID
}

// Backend returns the remote backend.
func (s *Session) Backend() remote.Backend {
	return s.backend
}

// OnError subscribes fn to persistence failure messages.
func (s *Session) OnError(fn func(string)) func() {
	return s.errors.Subscribe(fn)
}

// Wait blocks until every background write and fetch in flight has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close stops every store's subscriptions and timers, waits for in-flight
// work and cancels what remains. The backend is not closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var stops []func()
	if s.tasks != nil {
		stops = append(stops, s.tasks.stop)
	}
	if s.projects != nil {
		stops = append(stops, s.projects.stop)
	}
	if s.users != nil {
		stops = append(stops, s.users.stop)
	}
	if s.files != nil {
		stops = append(stops, s.files.stop)
	}
	if s.messages != nil {
		stops = append(stops, s.messages.stop)
	}
	channels := make([]*ChannelStore, 0, len(s.channels))
	for _, c := range s.channels {
		channels = append(channels, c)
	}
	notifications := make([]*NotificationStore, 0, len(s.notifications))
	for _, n := range s.notifications {
		notifications = append(notifications, n)
	}
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, c := range channels {
		c.stop()
	}
	for _, n := range notifications {
		n.stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.OpTimeout):
		s.logger.Printf("Timed out waiting for pending writes")
	}
	s.cancel()
	<-done
	return nil
}

// goTracked runs fn in the background as part of Wait's working set.
func (s *Session) goTracked(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// persist runs write in the background after every earlier write with the
// same key. On failure rollback runs and category is reported once.
func (s *Session) persist(key, category string, write func(ctx context.Context) error, rollback func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if rollback != nil {
			rollback()
		}
		s.errors.Report(category)
		return
	}
	prev := s.tails[key]
	done := make(chan struct{})
	s.tails[key] = done
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.tails[key] == done {
				delete(s.tails, key)
			}
			s.mu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.config.OpTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			if errors.Is(err, errGone) {
				return
			}
			s.logger.Printf("%s: %v", category, err)
			if rollback != nil {
				rollback()
			}
			s.errors.Report(category)
		}
	}()
}

// errGone marks a write whose entity disappeared locally before it could be
// sent; there is nothing left to persist or roll back.
var errGone = errors.New("entity no longer cached")

// writing reports whether any background write for kind is queued or running.
func (s *Session) writing(kind remote.Kind) bool {
	prefix := string(kind) + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.tails {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (s *Session) newDebouncer(name string, fn func()) *debounce.Debouncer {
	return debounce.NewWithConfig(name, fn, &debounce.Config{
		Window: s.config.Debounce,
		Clock:  s.config.Clock,
		Logger: s.logger,
	})
}

func key(kind remote.Kind, id string) string {
	return string(kind) + "/" + id
}

// decodeRows maps rows to typed values, skipping malformed ones.
func decodeRows[T any](logger *log.Logger, kind remote.Kind, rows []remote.Row) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := schema.DecodeRow[T](row)
		if err != nil {
			logger.Printf("Skipping malformed %s row %s: %v", kind, row.ID(), err)
			continue
		}
		out = append(out, v)
	}
	return out
}

func requireUser(s *Session) error {
	if s.config.UserID == "" {
		return fmt.Errorf("no acting user configured")
	}
	return nil
}
