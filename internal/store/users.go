package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Error categories reported by UserStore.
const (
	ErrSaveUser        = "failed to save user"
	ErrSaveUserChanges = "failed to save user changes"
	ErrDeleteUser      = "failed to delete user"
)

// UserStore holds every workspace member.
type UserStore struct {
	*collection[schema.User]
}

// Users returns the session's user store, creating it on first use.
func (s *Session) Users() *UserStore {
	s.usersOnce.Do(func() {
		u := &UserStore{newCollection(s, collectionConfig[schema.User]{
			kind: remote.Users,
			less: schema.LessUser,
		})}
		s.mu.Lock()
		s.users = u
		s.mu.Unlock()
		u.start(nil)
	})
	return s.users
}

// GetAll returns every user by name.
func (u *UserStore) GetAll() []schema.User {
	return u.table.GetAll()
}

// Get returns the user with id.
func (u *UserStore) Get(id string) (schema.User, bool) {
	return u.table.Get(id)
}

// Subscribe registers fn for every new snapshot.
func (u *UserStore) Subscribe(fn func([]schema.User)) func() {
	return u.table.Subscribe(fn)
}

// Refresh refetches every user now.
func (u *UserStore) Refresh(ctx context.Context) error {
	return u.load(ctx)
}

// FindByName returns the first user whose name matches case-insensitively.
func (u *UserStore) FindByName(name string) (schema.User, bool) {
	name = strings.TrimSpace(name)
	for _, user := range u.table.GetAll() {
		if strings.EqualFold(user.Name, name) {
			return user, true
		}
	}
	return schema.User{}, false
}

// Initials returns the initials of the user with id, or "?" if unknown.
func (u *UserStore) Initials(id string) string {
	user, ok := u.table.Get(id)
	if !ok {
		return "?"
	}
	return user.Initials()
}

// Add creates a user.
func (u *UserStore) Add(user schema.User) (schema.User, error) {
	user.ID = cache.NewLocalID()
	user.Name = strings.TrimSpace(user.Name)
	user.SetDefaults()
	if err := user.Validate(); err != nil {
		return user, fmt.Errorf("invalid user: %w", err)
	}
	return u.insert(user, ErrSaveUser, user.Row(), nil), nil
}

// Update applies fn to the user and persists the editable fields.
func (u *UserStore) Update(id string, fn func(*schema.User)) bool {
	return u.update(id, ErrSaveUserChanges, func(v schema.User) schema.User {
		fn(&v)
		v.SetDefaults()
		return v
	}, func(v schema.User) remote.Row {
		return v.Row()
	})
}

// Delete removes the user. Tasks assigned to them become unassigned.
func (u *UserStore) Delete(id string) bool {
	s := u.s
	s.mu.Lock()
	tasks := s.tasks
	s.mu.Unlock()

	serverID := id
	if !u.table.IsPending(id) {
		if resolved, err := u.table.Resolve(context.Background(), id); err == nil {
			serverID = resolved
		}
	}

	return u.remove(id, ErrDeleteUser, func() []func() {
		if tasks == nil {
			return nil
		}
		undos := tasks.table.UpdateWhere(func(t schema.Task) bool {
			return t.AssigneeID != "" && (t.AssigneeID == id || t.AssigneeID == serverID)
		}, func(t schema.Task) schema.Task {
			t = t.Clone()
			t.AssigneeID = ""
			return t
		})
		return []func(){func() { tasks.table.Rollback(undos...) }}
	})
}
