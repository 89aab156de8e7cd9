package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Error categories reported by ChannelStore.
const (
	ErrSaveChannel        = "failed to create channel"
	ErrSaveChannelChanges = "failed to save channel changes"
	ErrDeleteChannel      = "failed to delete channel"
	ErrMarkRead           = "failed to mark channel read"
)

// ChannelStore is one user's channel list with per-member aggregates: last
// message and unread count. Any message, membership or channel change
// schedules a debounced refetch of the list.
type ChannelStore struct {
	*collection[schema.Channel]

	userID string
	once   sync.Once
	dms    singleflight.Group

	mu     sync.Mutex
	unsubs []func()
}

// Channels returns the channel list of userID (the session user when empty),
// creating and starting it on first use.
func (s *Session) Channels(userID string) *ChannelStore {
	if userID == "" {
		userID = s.config.UserID
	}
	s.mu.Lock()
	c, ok := s.channels[userID]
	if !ok {
		c = newChannelStore(s, userID)
		s.channels[userID] = c
	}
	s.mu.Unlock()

	c.once.Do(c.start)
	return c
}

func newChannelStore(s *Session, userID string) *ChannelStore {
	c := &ChannelStore{userID: userID}
	c.collection = newCollection(s, collectionConfig[schema.Channel]{
		kind:   remote.ChannelSummaries,
		stream: remote.Channels,
		write:  remote.Channels,
		query:  remote.Query{Filter: remote.Filter{"member_id": userID}},
		less:   schema.LessChannel,
		relink: schema.Channel.Relink,

		// a new channel row says nothing about membership
		aggregate: func(e remote.Event) bool { return e.Op == remote.OpInsert },
		accept:    func(schema.Channel) bool { return false },
	})
	return c
}

func (c *ChannelStore) start() {
	c.collection.start(nil)

	schedule := func(remote.Event) { c.refetch.Schedule() }
	for _, kind := range []remote.Kind{remote.Messages, remote.ChannelMembers} {
		unsub, err := c.s.backend.SubscribeChanges(kind, nil, schedule)
		if err != nil {
			c.s.logger.Printf("Realtime unavailable for %s: %v", kind, err)
			continue
		}
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.mu.Unlock()
	}
}

func (c *ChannelStore) stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	c.collection.stop()
}

// UserID returns the viewing user.
func (c *ChannelStore) UserID() string {
	return c.userID
}

// GetAll returns the user's channels, most recent activity first.
func (c *ChannelStore) GetAll() []schema.Channel {
	return c.table.GetAll()
}

// Get returns the channel with id.
func (c *ChannelStore) Get(id string) (schema.Channel, bool) {
	return c.table.Get(id)
}

// Subscribe registers fn for every new snapshot.
func (c *ChannelStore) Subscribe(fn func([]schema.Channel)) func() {
	return c.table.Subscribe(fn)
}

// Loaded reports whether the first fetch has completed.
func (c *ChannelStore) Loaded() bool {
	return c.table.Loaded()
}

// Refresh refetches the list now.
func (c *ChannelStore) Refresh(ctx context.Context) error {
	return c.load(ctx)
}

// TotalUnread sums the unread counts of every channel.
func (c *ChannelStore) TotalUnread() int {
	total := 0
	for _, ch := range c.table.GetAll() {
		total += ch.UnreadCount
	}
	return total
}

// Create makes a public or private channel with the viewing user and members.
// Memberships are written once the channel has its server id.
func (c *ChannelStore) Create(name string, typ schema.ChannelType, projectID string, members ...string) (schema.Channel, error) {
	if typ == schema.ChannelDirect {
		return schema.Channel{}, fmt.Errorf("invalid channel: use GetOrCreateDM for direct channels")
	}
	ch := schema.Channel{
		ID:        cache.NewLocalID(),
		Name:      strings.TrimSpace(name),
		Type:      typ,
		ProjectID: projectID,
		CreatedBy: c.userID,
	}
	ch.SetDefaults()
	if err := ch.Validate(); err != nil {
		return ch, fmt.Errorf("invalid channel: %w", err)
	}

	users := uniqueIDs(append([]string{c.userID}, members...))
	return c.insert(ch, ErrSaveChannel, ch.Row(), func(ctx context.Context, serverID string) error {
		if err := c.addMembers(ctx, serverID, users); err != nil {
			if delErr := c.s.backend.Delete(ctx, remote.Channels, serverID); delErr != nil {
				c.s.logger.Printf("Failed to delete channel %s without members: %v", serverID, delErr)
			}
			return err
		}
		return nil
	}), nil
}

// addMembers inserts membership rows. Existing memberships are kept.
func (c *ChannelStore) addMembers(ctx context.Context, channelID string, users []string) error {
	for _, u := range users {
		u, err := c.s.resolveID(ctx, u)
		if err != nil {
			return fmt.Errorf("failed to add member to channel %s: %w", channelID, err)
		}
		m := schema.ChannelMember{ChannelID: channelID, UserID: u}
		if _, err := c.s.backend.Insert(ctx, remote.ChannelMembers, m.Row()); err != nil && !errors.Is(err, remote.ErrConflict) {
			return fmt.Errorf("failed to add %s to channel %s: %w", u, channelID, err)
		}
	}
	return nil
}

// GetOrCreateDM returns the direct channel between a and b, creating it if
// none exists. Concurrent calls for the same pair in this process share one
// lookup; across processes the unique dm_key decides and the loser reads the
// winner's row. The call blocks until the channel has a server id.
//
// Example:
//
//	dm, err := session.Channels("").GetOrCreateDM(ctx, me, them)
//	if err != nil {
//	    return err
//	}
//	session.Messages().SetActiveChannel(dm.ID)
func (c *ChannelStore) GetOrCreateDM(ctx context.Context, a, b string) (schema.Channel, error) {
	if a == "" || b == "" || a == b {
		return schema.Channel{}, fmt.Errorf("invalid direct channel: need two distinct users")
	}
	var err error
	if a, err = c.s.resolveID(ctx, a); err != nil {
		return schema.Channel{}, fmt.Errorf("failed to get direct channel: %w", err)
	}
	if b, err = c.s.resolveID(ctx, b); err != nil {
		return schema.Channel{}, fmt.Errorf("failed to get direct channel: %w", err)
	}
	dmKey := schema.DMKey(a, b)

	v, err, _ := c.dms.Do(dmKey, func() (any, error) {
		if ch, ok := c.findDM(dmKey); ok && !c.table.IsPending(ch.ID) {
			return ch, nil
		}
		ch, err := c.lookupDM(ctx, dmKey)
		if err != nil {
			return nil, err
		}
		if ch == nil {
			ch, err = c.createDM(ctx, a, dmKey)
			if err != nil {
				return nil, err
			}
		}
		if err := c.addMembers(ctx, ch.ID, []string{a, b}); err != nil {
			return nil, err
		}
		c.table.MergeInsert(*ch)
		c.refetch.Schedule()
		return *ch, nil
	})
	if err != nil {
		return schema.Channel{}, fmt.Errorf("failed to get direct channel %s: %w", dmKey, err)
	}
	return v.(schema.Channel), nil
}

func (c *ChannelStore) findDM(dmKey string) (schema.Channel, bool) {
	for _, ch := range c.table.GetAll() {
		if ch.Type == schema.ChannelDirect && ch.DMKey == dmKey {
			return ch, true
		}
	}
	return schema.Channel{}, false
}

// lookupDM reads the channel with dmKey from the server, or nil.
func (c *ChannelStore) lookupDM(ctx context.Context, dmKey string) (*schema.Channel, error) {
	rows, err := c.s.backend.FetchAll(ctx, remote.Channels, remote.Query{Filter: remote.Filter{"dm_key": dmKey}})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ch, err := schema.DecodeRow[schema.Channel](rows[0])
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *ChannelStore) createDM(ctx context.Context, creator, dmKey string) (*schema.Channel, error) {
	ch := schema.Channel{Type: schema.ChannelDirect, DMKey: dmKey, CreatedBy: creator}
	row, err := c.s.backend.Insert(ctx, remote.Channels, ch.Row())
	if errors.Is(err, remote.ErrConflict) {
		existing, lookupErr := c.lookupDM(ctx, dmKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			return nil, err
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	created, err := schema.DecodeRow[schema.Channel](row)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// Rename changes a channel's name. Direct channels have no name.
func (c *ChannelStore) Rename(id, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	if ch, ok := c.table.Get(id); !ok || ch.Type == schema.ChannelDirect {
		return false
	}
	return c.update(id, ErrSaveChannelChanges, func(ch schema.Channel) schema.Channel {
		ch.Name = name
		ch.UpdatedAt = time.Now().UTC()
		return ch
	}, func(ch schema.Channel) remote.Row {
		return remote.Row{"name": ch.Name, "updated_at": ch.UpdatedAt}
	})
}

// Delete removes a channel with its memberships and messages.
func (c *ChannelStore) Delete(id string) bool {
	return c.remove(id, ErrDeleteChannel, nil)
}

// MarkRead zeroes the channel's unread count and records the read time on the
// viewing user's membership.
func (c *ChannelStore) MarkRead(id string) bool {
	now := time.Now().UTC()
	undo, ok := c.table.Update(id, func(ch schema.Channel) schema.Channel {
		ch.UnreadCount = 0
		return ch
	})
	if !ok {
		return false
	}
	c.s.persist(key(remote.ChannelMembers, id+"/"+c.userID), ErrMarkRead, func(ctx context.Context) error {
		channelID, err := c.table.Resolve(ctx, id)
		if err != nil {
			return errGone
		}
		return c.s.markRead(ctx, channelID, c.userID, now)
	}, func() {
		c.table.Rollback(undo)
	})
	return true
}

// markRead writes last_read_at on a membership row. Non-members have nothing
// to mark.
func (s *Session) markRead(ctx context.Context, channelID, userID string, at time.Time) error {
	var err error
	if channelID, err = s.resolveID(ctx, channelID); err != nil {
		return errGone
	}
	if userID, err = s.resolveID(ctx, userID); err != nil {
		return errGone
	}
	err = s.backend.Update(ctx, remote.ChannelMembers, schema.MemberID(channelID, userID), remote.Row{"last_read_at": at})
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	return err
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
