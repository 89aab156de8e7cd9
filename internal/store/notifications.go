package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/debounce"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Error categories reported by NotificationStore.
const (
	ErrSaveNotification   = "failed to save notification"
	ErrMarkNotification   = "failed to mark notification read"
	ErrMarkNotifications  = "failed to mark notifications read"
	ErrDeleteNotification = "failed to delete notification"
)

// NotificationStore is one recipient's inbox, newest first. Besides the
// realtime stream it polls the server while anyone is subscribed and replaces
// the cache when ids or read state drifted.
type NotificationStore struct {
	*collection[schema.Notification]

	userID string
	once   sync.Once

	mu          sync.Mutex
	subscribers int
	timer       debounce.Timer
	gen         uint64 // bumped whenever the poll chain is re-armed or stopped
	polls       int
}

// Notifications returns the inbox of userID (the session user when empty),
// creating and starting it on first use.
func (s *Session) Notifications(userID string) *NotificationStore {
	if userID == "" {
		userID = s.config.UserID
	}
	s.mu.Lock()
	n, ok := s.notifications[userID]
	if !ok {
		n = &NotificationStore{userID: userID}
		n.collection = newCollection(s, collectionConfig[schema.Notification]{
			kind:   remote.Notifications,
			query:  remote.Query{Filter: remote.Filter{"recipient_id": userID}},
			less:   schema.LessNotification,
			relink: schema.Notification.Relink,
		})
		s.notifications[userID] = n
	}
	s.mu.Unlock()

	n.once.Do(func() { n.start(remote.Filter{"recipient_id": userID}) })
	return n
}

// UserID returns the recipient.
func (n *NotificationStore) UserID() string {
	return n.userID
}

// GetAll returns the inbox, newest first.
func (n *NotificationStore) GetAll() []schema.Notification {
	return n.table.GetAll()
}

// Get returns the notification with id.
func (n *NotificationStore) Get(id string) (schema.Notification, bool) {
	return n.table.Get(id)
}

// Unread returns the number of unread notifications.
func (n *NotificationStore) Unread() int {
	count := 0
	for _, v := range n.table.GetAll() {
		if !v.IsRead() {
			count++
		}
	}
	return count
}

// Polls returns how many poll ticks have run.
func (n *NotificationStore) Polls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.polls
}

// Subscribe registers fn for every new snapshot. The first subscriber starts
// the poller; the last one to leave stops it.
func (n *NotificationStore) Subscribe(fn func([]schema.Notification)) func() {
	unsub := n.table.Subscribe(fn)

	n.mu.Lock()
	n.subscribers++
	if n.subscribers == 1 {
		n.armLocked()
	}
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			n.mu.Lock()
			n.subscribers--
			if n.subscribers == 0 {
				n.disarmLocked()
			}
			n.mu.Unlock()
		})
	}
}

func (n *NotificationStore) armLocked() {
	n.gen++
	gen := n.gen
	n.timer = n.s.config.Clock.AfterFunc(n.s.config.NotificationPoll, func() { n.tick(gen) })
}

func (n *NotificationStore) disarmLocked() {
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

// tick polls once and re-arms, unless a newer chain replaced the one gen
// belongs to.
func (n *NotificationStore) tick(gen uint64) {
	n.mu.Lock()
	if gen != n.gen || n.subscribers == 0 {
		n.mu.Unlock()
		return
	}
	n.polls++
	n.armLocked()
	n.mu.Unlock()

	n.s.goTracked(func() {
		ctx, cancel := context.WithTimeout(n.s.ctx, n.s.config.OpTimeout)
		defer cancel()
		if _, err := n.Poll(ctx); err != nil {
			n.s.logger.Printf("Notification poll for %s failed: %v", n.userID, err)
		}
	})
}

// Poll fetches the inbox and replaces the cache only if a notification
// appeared, disappeared or changed read state. It reports whether it did.
// Polls are skipped while a notification write is in flight.
func (n *NotificationStore) Poll(ctx context.Context) (bool, error) {
	if n.s.writing(remote.Notifications) {
		return false, nil
	}
	rows, err := n.s.backend.FetchAll(ctx, remote.Notifications, n.query)
	if err != nil {
		return false, fmt.Errorf("failed to poll notifications: %w", err)
	}
	fetched := decodeRows[schema.Notification](n.s.logger, remote.Notifications, rows)

	var cached []schema.Notification
	for _, v := range n.table.GetAll() {
		if !n.table.IsPending(v.ID) {
			cached = append(cached, v)
		}
	}
	if n.table.Loaded() && schema.SameReadState(cached, fetched) {
		return false, nil
	}
	n.table.ReplaceAll(fetched)
	return true, nil
}

// Add creates a notification. An empty RecipientID means this inbox's user;
// notifications for anyone else are written without touching this inbox.
func (n *NotificationStore) Add(v schema.Notification) (schema.Notification, error) {
	v.ID = cache.NewLocalID()
	if v.RecipientID == "" {
		v.RecipientID = n.userID
	}
	v.Title = strings.TrimSpace(v.Title)
	if v.Title == "" {
		return v, fmt.Errorf("invalid notification: title is required")
	}
	v.SetDefaults()
	if v.RecipientID != n.userID {
		n.s.persist(key(remote.Notifications, v.ID), ErrSaveNotification, func(ctx context.Context) error {
			row, err := n.s.resolveRow(ctx, v.Row(), "", "")
			if err != nil {
				return err
			}
			_, err = n.s.backend.Insert(ctx, remote.Notifications, row)
			return err
		}, nil)
		return v, nil
	}
	return n.insert(v, ErrSaveNotification, v.Row(), nil), nil
}

// MarkRead stamps read_at on one notification. Already-read ones are left alone.
func (n *NotificationStore) MarkRead(id string) bool {
	if v, ok := n.table.Get(id); !ok || v.IsRead() {
		return false
	}
	now := time.Now().UTC()
	return n.update(id, ErrMarkNotification, func(v schema.Notification) schema.Notification {
		v.ReadAt = &now
		v.UpdatedAt = now
		return v
	}, func(schema.Notification) remote.Row {
		return remote.Row{"read_at": now, "updated_at": now}
	})
}

// MarkAllRead stamps read_at on every unread notification and reports how
// many changed.
func (n *NotificationStore) MarkAllRead() int {
	now := time.Now().UTC()
	undos := n.table.UpdateWhere(func(v schema.Notification) bool {
		return !v.IsRead()
	}, func(v schema.Notification) schema.Notification {
		v.ReadAt = &now
		v.UpdatedAt = now
		return v
	})
	if len(undos) == 0 {
		return 0
	}
	ids := make([]string, 0, len(undos))
	for _, u := range undos {
		ids = append(ids, u.ID())
	}

	n.s.persist(key(remote.Notifications, "read-all/"+n.userID), ErrMarkNotifications, func(ctx context.Context) error {
		for _, id := range ids {
			serverID, err := n.table.Resolve(ctx, id)
			if err != nil {
				continue
			}
			if err := n.s.backend.Update(ctx, remote.Notifications, serverID, remote.Row{"read_at": now, "updated_at": now}); err != nil {
				return err
			}
		}
		return nil
	}, func() {
		n.table.Rollback(undos...)
	})
	return len(undos)
}

// Delete removes a notification.
func (n *NotificationStore) Delete(id string) bool {
	return n.remove(id, ErrDeleteNotification, nil)
}

func (n *NotificationStore) stop() {
	n.mu.Lock()
	n.disarmLocked()
	n.subscribers = 0
	n.mu.Unlock()
	n.collection.stop()
}
