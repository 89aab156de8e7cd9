package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/emitter"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Error categories reported by MessageStore.
const (
	ErrSendMessage   = "failed to send message"
	ErrEditMessage   = "failed to edit message"
	ErrDeleteMessage = "failed to delete message"
)

// PageState is the pagination state of the active channel.
type PageState struct {
	ChannelID string
	HasMore   bool
	Loading   bool
}

// MessageStore is the history of the active channel, oldest first. Older pages
// are loaded on demand; new messages arrive through the channel's stream.
// Switching channels discards any page still in flight for the previous one.
type MessageStore struct {
	*collection[schema.Message]

	// switching is held while the history is reset or a fetched page is
	// applied, so no page lands after a channel switch.
	switching sync.Mutex

	mu        sync.Mutex
	channelID string
	gen       uint64
	hasMore   bool
	loading   bool

	state emitter.Emitter[PageState]
}

// Messages returns the session's message store, creating it on first use.
func (s *Session) Messages() *MessageStore {
	s.messagesOnce.Do(func() {
		m := &MessageStore{}
		m.collection = newCollection(s, collectionConfig[schema.Message]{
			kind:   remote.Messages,
			less:   schema.LessMessage,
			load:   m.reload,
			relink: schema.Message.Relink,
		})
		s.mu.Lock()
		s.messages = m
		s.mu.Unlock()
	})
	return s.messages
}

// Subscribe registers fn for every new message snapshot.
func (m *MessageStore) Subscribe(fn func([]schema.Message)) func() {
	return m.table.Subscribe(fn)
}

// SubscribeState registers fn for pagination state changes.
func (m *MessageStore) SubscribeState(fn func(PageState)) func() {
	return m.state.Subscribe(fn)
}

// Messages returns the loaded history, oldest first.
func (m *MessageStore) Messages() []schema.Message {
	return m.table.GetAll()
}

// Get returns a loaded message.
func (m *MessageStore) Get(id string) (schema.Message, bool) {
	return m.table.Get(id)
}

// ActiveChannel returns the channel being viewed, or "".
func (m *MessageStore) ActiveChannel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelID
}

// HasMore reports whether older messages may exist.
func (m *MessageStore) HasMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasMore
}

// Loading reports whether a page fetch is in flight.
func (m *MessageStore) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// State returns the pagination state.
func (m *MessageStore) State() PageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *MessageStore) stateLocked() PageState {
	return PageState{ChannelID: m.channelID, HasMore: m.hasMore, Loading: m.loading}
}

// SetActiveChannel clears the history, subscribes to channelID and fetches its
// newest page in the background. The channel is marked read for the session
// user. An empty id just clears.
func (m *MessageStore) SetActiveChannel(channelID string) {
	m.switching.Lock()
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.channelID = channelID
	m.hasMore = false
	m.loading = channelID != ""
	state := m.stateLocked()
	m.mu.Unlock()

	m.sub.Close()
	m.table.Reset()
	m.switching.Unlock()
	m.state.Emit(state)
	if channelID == "" {
		return
	}

	if err := m.sub.Open(remote.Filter{"channel_id": channelID}, m.merger.Handle); err != nil {
		m.s.logger.Printf("Realtime unavailable for channel %s: %v", channelID, err)
	}
	m.s.goTracked(func() { m.fetchPage(gen, channelID, nil) })
	m.markRead(channelID)
}

// LoadMore fetches the page just older than the oldest loaded message. It is a
// no-op while a fetch is in flight or when the history is exhausted.
func (m *MessageStore) LoadMore() bool {
	m.mu.Lock()
	if m.loading || !m.hasMore || m.channelID == "" {
		m.mu.Unlock()
		return false
	}
	msgs := m.table.GetAll()
	if len(msgs) == 0 {
		m.mu.Unlock()
		return false
	}
	m.loading = true
	gen, channelID := m.gen, m.channelID
	state := m.stateLocked()
	m.mu.Unlock()

	m.state.Emit(state)
	before := msgs[0].CreatedAt.UTC()
	return m.s.goTracked(func() { m.fetchPage(gen, channelID, before) })
}

// fetchPage loads one page older than before (nil: the newest page) and
// merges it unless the active channel changed meanwhile.
func (m *MessageStore) fetchPage(gen uint64, channelID string, before any) {
	ctx, cancel := context.WithTimeout(m.s.ctx, m.s.config.OpTimeout)
	defer cancel()

	size := m.s.config.PageSize
	rows, err := m.s.backend.FetchPage(ctx, remote.Messages,
		remote.Filter{"channel_id": channelID},
		remote.Cursor{Column: "created_at", Before: before}, size)

	m.switching.Lock()
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.switching.Unlock()
		m.s.logger.Printf("Discarding page for inactive channel %s", channelID)
		return
	}
	m.loading = false
	if err == nil {
		m.hasMore = len(rows) == size
	}
	state := m.stateLocked()
	m.mu.Unlock()

	if err != nil {
		m.switching.Unlock()
		m.s.logger.Printf("Failed to fetch messages for %s: %v", channelID, err)
	} else {
		m.table.MergeInsertMany(decodeRows[schema.Message](m.s.logger, remote.Messages, rows))
		m.switching.Unlock()
	}
	m.state.Emit(state)
}

// reload refetches the newest messages, enough to cover what is loaded. It
// backs the debounced refetch after deletes and stream resets.
func (m *MessageStore) reload(ctx context.Context) error {
	m.mu.Lock()
	gen, channelID := m.gen, m.channelID
	m.mu.Unlock()
	if channelID == "" {
		return nil
	}

	limit := m.table.Len() + m.s.config.PageSize
	rows, err := m.s.backend.FetchPage(ctx, remote.Messages,
		remote.Filter{"channel_id": channelID},
		remote.Cursor{Column: "created_at"}, limit)
	if err != nil {
		m.s.logger.Printf("Failed to refetch messages for %s, keeping cached copy: %v", channelID, err)
		return fmt.Errorf("failed to fetch messages: %w", err)
	}

	m.switching.Lock()
	defer m.switching.Unlock()
	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		return nil
	}
	m.table.ReplaceAll(decodeRows[schema.Message](m.s.logger, remote.Messages, rows))
	return nil
}

func (m *MessageStore) markRead(channelID string) {
	s := m.s
	if s.config.UserID == "" {
		return
	}
	s.mu.Lock()
	channels := s.channels[s.config.UserID]
	s.mu.Unlock()
	if channels != nil && channels.MarkRead(channelID) {
		return
	}
	if cache.IsLocalID(channelID) {
		return
	}
	now := time.Now().UTC()
	s.persist(key(remote.ChannelMembers, channelID+"/"+s.config.UserID), ErrMarkRead, func(ctx context.Context) error {
		return s.markRead(ctx, channelID, s.config.UserID, now)
	}, nil)
}

// Send posts a message to the active channel as the session user.
func (m *MessageStore) Send(body, replyTo string, metadata map[string]any) (schema.Message, error) {
	if err := requireUser(m.s); err != nil {
		return schema.Message{}, err
	}
	channelID := m.ActiveChannel()
	if channelID == "" {
		return schema.Message{}, fmt.Errorf("no active channel")
	}
	msg := schema.Message{
		ID:        cache.NewLocalID(),
		ChannelID: channelID,
		SenderID:  m.s.config.UserID,
		Body:      strings.TrimSpace(body),
		ReplyTo:   replyTo,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	msg.SetDefaults()
	if err := msg.Validate(); err != nil {
		return msg, fmt.Errorf("invalid message: %w", err)
	}
	return m.insert(msg, ErrSendMessage, msg.Row(), nil), nil
}

// Edit replaces the body of one of the session user's messages.
func (m *MessageStore) Edit(id, body string) bool {
	body = strings.TrimSpace(body)
	if body == "" || !m.ownLive(id) {
		return false
	}
	now := time.Now().UTC()
	return m.update(id, ErrEditMessage, func(msg schema.Message) schema.Message {
		msg.Body = body
		msg.EditedAt = &now
		msg.UpdatedAt = now
		return msg
	}, func(msg schema.Message) remote.Row {
		return remote.Row{"body": msg.Body, "edited_at": now, "updated_at": now}
	})
}

// Delete soft-deletes one of the session user's messages. The message keeps
// its place in the history as a placeholder.
func (m *MessageStore) Delete(id string) bool {
	if !m.ownLive(id) {
		return false
	}
	now := time.Now().UTC()
	return m.update(id, ErrDeleteMessage, func(msg schema.Message) schema.Message {
		msg.Body = ""
		msg.Metadata = map[string]any{}
		msg.DeletedAt = &now
		msg.UpdatedAt = now
		return msg
	}, func(msg schema.Message) remote.Row {
		return remote.Row{"body": "", "metadata": map[string]any{}, "deleted_at": now, "updated_at": now}
	})
}

func (m *MessageStore) ownLive(id string) bool {
	msg, ok := m.table.Get(id)
	return ok && !msg.IsDeleted() && msg.SenderID == m.s.config.UserID
}

func (m *MessageStore) stop() {
	m.mu.Lock()
	m.gen++
	m.mu.Unlock()
	m.collection.stop()
}
