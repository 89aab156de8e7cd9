package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Error categories reported by TaskStore.
const (
	ErrSaveTask        = "failed to save task"
	ErrSaveTasks       = "failed to save tasks"
	ErrSaveTaskChanges = "failed to save task changes"
	ErrDeleteTask      = "failed to delete task"
	ErrReorderTasks    = "failed to reorder tasks"
)

// TaskStore is the board: every task, ordered by sort_order.
type TaskStore struct {
	*collection[schema.Task]
}

// Tasks returns the session's task store, creating it on first use.
func (s *Session) Tasks() *TaskStore {
	s.tasksOnce.Do(func() {
		t := &TaskStore{newCollection(s, collectionConfig[schema.Task]{
			kind:   remote.Tasks,
			less:   schema.LessTask,
			relink: schema.Task.Relink,
		})}
		s.mu.Lock()
		s.tasks = t
		s.mu.Unlock()
		t.start(nil)
	})
	return s.tasks
}

// GetAll returns every task in board order.
func (t *TaskStore) GetAll() []schema.Task {
	return t.table.GetAll()
}

// Get returns the task with id (local or server).
func (t *TaskStore) Get(id string) (schema.Task, bool) {
	return t.table.Get(id)
}

// Subscribe registers fn for every new snapshot.
func (t *TaskStore) Subscribe(fn func([]schema.Task)) func() {
	return t.table.Subscribe(fn)
}

// Loaded reports whether the first fetch has completed.
func (t *TaskStore) Loaded() bool {
	return t.table.Loaded()
}

// Refresh refetches every task now.
func (t *TaskStore) Refresh(ctx context.Context) error {
	return t.load(ctx)
}

// ByStatus returns the tasks of one column in order.
func (t *TaskStore) ByStatus(status schema.Status) []schema.Task {
	var out []schema.Task
	for _, task := range t.table.GetAll() {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out
}

// nextSortOrder returns a position after every task in status.
func (t *TaskStore) nextSortOrder(status schema.Status) int {
	next := 0
	for _, task := range t.ByStatus(status) {
		if task.SortOrder >= next {
			next = task.SortOrder + 1
		}
	}
	return next
}

// prepare fills ids, provenance and defaults for a new task.
func (t *TaskStore) prepare(task schema.Task) (schema.Task, error) {
	task.ID = cache.NewLocalID()
	task.Title = strings.TrimSpace(task.Title)
	if task.CreatedBy == "" {
		task.CreatedBy = t.s.config.UserID
	}
	task.SetDefaults()
	for i := range task.Sections {
		if task.Sections[i].ID == "" {
			task.Sections[i].ID = uuid.NewString()
		}
	}
	if err := task.Validate(); err != nil {
		return task, fmt.Errorf("invalid task: %w", err)
	}
	return task, nil
}

// Add creates a task at the end of its status column. The returned task carries
// a local id that is swapped for the server id once the insert lands.
//
// Example:
//
//	task, err := session.Tasks().Add(schema.Task{Title: "Write report", Priority: 2})
//	if err != nil {
//	    return err // validation only; persistence errors go to OnError
//	}
func (t *TaskStore) Add(task schema.Task) (schema.Task, error) {
	task, err := t.prepare(task)
	if err != nil {
		return task, err
	}
	task.SortOrder = t.nextSortOrder(task.Status)
	return t.insert(task, ErrSaveTask, task.Row(), nil), nil
}

// AddBatch creates tasks that came from one input; they share a group id.
// Nothing is added if any task is invalid.
func (t *TaskStore) AddBatch(tasks []schema.Task) ([]schema.Task, error) {
	group := uuid.NewString()
	prepared := make([]schema.Task, 0, len(tasks))
	next := make(map[schema.Status]int)
	for _, task := range tasks {
		task.GroupID = group
		task, err := t.prepare(task)
		if err != nil {
			return nil, err
		}
		if _, ok := next[task.Status]; !ok {
			next[task.Status] = t.nextSortOrder(task.Status)
		}
		task.SortOrder = next[task.Status]
		next[task.Status]++
		prepared = append(prepared, task)
	}
	for i, task := range prepared {
		prepared[i] = t.insert(task, ErrSaveTasks, task.Row(), nil)
	}
	return prepared, nil
}

// Update applies patch to the task. Updating a task that no longer exists is a
// silent no-op and returns false.
func (t *TaskStore) Update(id string, patch schema.TaskPatch) bool {
	if patch.IsEmpty() {
		return false
	}
	return t.update(id, ErrSaveTaskChanges, patch.Apply, func(v schema.Task) remote.Row {
		return patch.Fields(v)
	})
}

// SetStatus moves the task to the end of another column.
func (t *TaskStore) SetStatus(id string, status schema.Status) bool {
	if !status.Valid() {
		return false
	}
	order := t.nextSortOrder(status)
	return t.Update(id, schema.TaskPatch{Status: &status, SortOrder: &order})
}

// Delete removes the task.
func (t *TaskStore) Delete(id string) bool {
	return t.remove(id, ErrDeleteTask, nil)
}

// Reorder rewrites the sort_order of the listed tasks in one status column to
// their index in ids. Ids of tasks in other columns are ignored. Positions are
// written in parallel. If any write fails the new order stays, exactly one
// error is reported, and the next refetch decides.
func (t *TaskStore) Reorder(status schema.Status, ids []string) {
	column := make([]string, 0, len(ids))
	for _, id := range ids {
		if task, ok := t.table.Get(id); ok && task.Status == status {
			column = append(column, id)
		}
	}
	ids = column

	undos := t.table.UpdateMany(ids, func(i int, v schema.Task) schema.Task {
		v = v.Clone()
		v.SortOrder = i
		v.UpdateTimestamp()
		return v
	})
	if len(undos) == 0 {
		return
	}

	type write struct {
		id    string
		order int
	}
	writes := make([]write, 0, len(undos))
	for i, id := range ids {
		if _, ok := t.table.Get(id); ok {
			writes = append(writes, write{id: id, order: i})
		}
	}

	t.s.persist(key(remote.Tasks, "reorder"), ErrReorderTasks, func(ctx context.Context) error {
		// no shared cancellation: one failed write must not abort the others
		var g errgroup.Group
		now := time.Now().UTC()
		for _, w := range writes {
			g.Go(func() error {
				serverID, err := t.table.Resolve(ctx, w.id)
				if err != nil {
					return nil
				}
				return t.s.backend.Update(ctx, remote.Tasks, serverID, remote.Row{"sort_order": w.order, "updated_at": now})
			})
		}
		return g.Wait()
	}, nil)
}

func (t *TaskStore) patchList(id string, fn func(v schema.Task) schema.TaskPatch) bool {
	var patch schema.TaskPatch
	return t.update(id, ErrSaveTaskChanges, func(v schema.Task) schema.Task {
		patch = fn(v)
		return patch.Apply(v)
	}, func(v schema.Task) remote.Row {
		return patch.Fields(v)
	})
}

// AddNote appends a note.
func (t *TaskStore) AddNote(id, note string) bool {
	return t.patchList(id, func(v schema.Task) schema.TaskPatch {
		notes := append(append([]string{}, v.Notes...), note)
		return schema.TaskPatch{Notes: &notes}
	})
}

// RemoveNote removes the note at index. Out-of-range indexes change nothing.
func (t *TaskStore) RemoveNote(id string, index int) bool {
	return t.patchList(id, func(v schema.Task) schema.TaskPatch {
		notes := removeAt(v.Notes, index)
		return schema.TaskPatch{Notes: &notes}
	})
}

// AddLink appends a link.
func (t *TaskStore) AddLink(id, link string) bool {
	return t.patchList(id, func(v schema.Task) schema.TaskPatch {
		links := append(append([]string{}, v.Links...), link)
		return schema.TaskPatch{Links: &links}
	})
}

// RemoveLink removes the link at index.
func (t *TaskStore) RemoveLink(id string, index int) bool {
	return t.patchList(id, func(v schema.Task) schema.TaskPatch {
		links := removeAt(v.Links, index)
		return schema.TaskPatch{Links: &links}
	})
}

// AddSection appends a section and returns it.
func (t *TaskStore) AddSection(id, heading, content string) (schema.Section, bool) {
	section := schema.Section{ID: uuid.NewString(), Heading: heading, Content: content}
	ok := t.patchList(id, func(v schema.Task) schema.TaskPatch {
		section.TaskID = v.ID
		sections := append(append([]schema.Section{}, v.Sections...), section)
		return schema.TaskPatch{Sections: &sections}
	})
	return section, ok
}

// UpdateSection rewrites a section's heading and content.
func (t *TaskStore) UpdateSection(id, sectionID, heading, content string) bool {
	return t.patchList(id, func(v schema.Task) schema.TaskPatch {
		sections := append([]schema.Section{}, v.Sections...)
		for i := range sections {
			if sections[i].ID == sectionID {
				sections[i].Heading = heading
				sections[i].Content = content
			}
		}
		return schema.TaskPatch{Sections: &sections}
	})
}

// RemoveSection drops a section.
func (t *TaskStore) RemoveSection(id, sectionID string) bool {
	return t.patchList(id, func(v schema.Task) schema.TaskPatch {
		sections := make([]schema.Section, 0, len(v.Sections))
		for _, s := range v.Sections {
			if s.ID != sectionID {
				sections = append(sections, s)
			}
		}
		return schema.TaskPatch{Sections: &sections}
	})
}

func removeAt(list []string, index int) []string {
	out := append([]string{}, list...)
	if index < 0 || index >= len(out) {
		return out
	}
	return append(out[:index], out[index+1:]...)
}
