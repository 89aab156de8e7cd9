package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/tandemhq/tandem/internal/schema"
	"github.com/tandemhq/tandem/internal/store"
)

// match finds the item ref names: an exact id, a unique id prefix, or a
// case-insensitive name.
func match[T any](what string, items []T, ref string, id, name func(T) string) (T, error) {
	var zero T
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return zero, fmt.Errorf("no %s given", what)
	}
	for _, it := range items {
		if id(it) == ref {
			return it, nil
		}
	}

	var found []T
	for _, it := range items {
		if strings.HasPrefix(id(it), ref) || (name != nil && strings.EqualFold(name(it), ref)) {
			found = append(found, it)
		}
	}
	switch len(found) {
	case 0:
		return zero, fmt.Errorf("no %s matches %q", what, ref)
	case 1:
		return found[0], nil
	default:
		return zero, fmt.Errorf("%q matches %d %ss; use more of the id", ref, len(found), what)
	}
}

func findTask(tasks *store.TaskStore, ref string) (schema.Task, error) {
	return match("task", tasks.GetAll(), ref,
		func(t schema.Task) string { return t.ID },
		func(t schema.Task) string { return t.Title })
}

func findProject(projects *store.ProjectStore, ref string) (schema.Project, error) {
	return match("project", projects.GetAll(), ref,
		func(p schema.Project) string { return p.ID },
		func(p schema.Project) string { return p.Name })
}

func findUser(users *store.UserStore, ref string) (schema.User, error) {
	return match("user", users.GetAll(), ref,
		func(u schema.User) string { return u.ID },
		func(u schema.User) string { return u.Name })
}

func findChannel(channels *store.ChannelStore, ref string) (schema.Channel, error) {
	return match("channel", channels.GetAll(), strings.TrimPrefix(ref, "#"),
		func(c schema.Channel) string { return c.ID },
		func(c schema.Channel) string { return c.Name })
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}
