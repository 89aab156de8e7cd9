package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/remote"
)

// referrer is a cached table other entities can point into, or that points
// into others.
type referrer interface {
	// resolveLocal maps a local id cached here to its server id, waiting for
	// a pending insert. ok is false when the id is not cached here.
	resolveLocal(ctx context.Context, id string) (serverID string, ok bool, err error)

	// relink rewrites cached references from a local id to its server id.
	relink(localID, serverID string)
}

func (s *Session) register(r referrer) {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	s.refs = append(s.refs, r)
}

func (s *Session) referrers() []referrer {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	return append([]referrer(nil), s.refs...)
}

// reconciled rewrites every cached reference to a freshly reconciled id.
func (s *Session) reconciled(r cache.Reconciled) {
	for _, ref := range s.referrers() {
		ref.relink(r.LocalID, r.ServerID)
	}
}

// resolveID returns the server id for id. Server ids come back unchanged.
func (s *Session) resolveID(ctx context.Context, id string) (string, error) {
	if !cache.IsLocalID(id) {
		return id, nil
	}
	for _, ref := range s.referrers() {
		serverID, ok, err := ref.resolveLocal(ctx, id)
		if !ok {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", id, err)
		}
		return serverID, nil
	}
	return "", fmt.Errorf("failed to resolve %s: %w", id, cache.ErrUnknownID)
}

// resolveRow copies fields with every local id in a reference column
// replaced by its server id, or cleared when that entity is gone. self, when set, is the local id of the row being
// inserted and maps to selfID without waiting.
func (s *Session) resolveRow(ctx context.Context, fields remote.Row, self, selfID string) (remote.Row, error) {
	resolve := func(v any) (any, error) {
		id, ok := v.(string)
		if !ok || !cache.IsLocalID(id) {
			return v, nil
		}
		if self != "" && id == self {
			return selfID, nil
		}
		resolved, err := s.resolveID(ctx, id)
		if errors.Is(err, cache.ErrUnknownID) {
			// the referenced entity was deleted or never saved
			return nil, nil
		}
		return resolved, err
	}

	out := make(remote.Row, len(fields))
	for col, v := range fields {
		switch {
		case isRefColumn(col):
			resolved, err := resolve(v)
			if err != nil {
				return nil, err
			}
			out[col] = resolved
		case col == "sections":
			list, ok := v.([]any)
			if !ok {
				out[col] = v
				continue
			}
			sections := make([]any, len(list))
			for i, item := range list {
				section, ok := item.(map[string]any)
				if !ok {
					sections[i] = item
					continue
				}
				section = maps.Clone(section)
				taskID, err := resolve(section["task_id"])
				if err != nil {
					return nil, err
				}
				section["task_id"] = taskID
				sections[i] = section
			}
			out[col] = sections
		default:
			out[col] = v
		}
	}
	return out, nil
}

func isRefColumn(col string) bool {
	return col == "created_by" || col == "reply_to" || (col != "id" && strings.HasSuffix(col, "_id"))
}
