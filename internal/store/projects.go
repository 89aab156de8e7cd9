package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/tandemhq/tandem/internal/cache"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Error categories reported by ProjectStore and FileStore.
const (
	ErrSaveProject        = "failed to save project"
	ErrSaveProjectChanges = "failed to save project changes"
	ErrDeleteProject      = "failed to delete project"
	ErrSaveFile           = "failed to save file"
	ErrDeleteFile         = "failed to delete file"
)

// ProjectStore holds every project.
type ProjectStore struct {
	*collection[schema.Project]
}

// Projects returns the session's project store, creating it on first use.
func (s *Session) Projects() *ProjectStore {
	s.projectsOnce.Do(func() {
		p := &ProjectStore{newCollection(s, collectionConfig[schema.Project]{
			kind: remote.Projects,
			less: schema.LessProject,
		})}
		s.mu.Lock()
		s.projects = p
		s.mu.Unlock()
		p.start(nil)
	})
	return s.projects
}

// GetAll returns every project, oldest first.
func (p *ProjectStore) GetAll() []schema.Project {
	return p.table.GetAll()
}

// Get returns the project with id.
func (p *ProjectStore) Get(id string) (schema.Project, bool) {
	return p.table.Get(id)
}

// Subscribe registers fn for every new snapshot.
func (p *ProjectStore) Subscribe(fn func([]schema.Project)) func() {
	return p.table.Subscribe(fn)
}

// Refresh refetches every project now.
func (p *ProjectStore) Refresh(ctx context.Context) error {
	return p.load(ctx)
}

// Add creates a project.
func (p *ProjectStore) Add(name, color string) (schema.Project, error) {
	project := schema.Project{ID: cache.NewLocalID(), Name: strings.TrimSpace(name), Color: color}
	project.SetDefaults()
	if err := project.Validate(); err != nil {
		return project, fmt.Errorf("invalid project: %w", err)
	}
	return p.insert(project, ErrSaveProject, project.Row(), nil), nil
}

// Update applies fn to the project and persists its name and color.
func (p *ProjectStore) Update(id string, fn func(*schema.Project)) bool {
	return p.update(id, ErrSaveProjectChanges, func(v schema.Project) schema.Project {
		fn(&v)
		v.SetDefaults()
		return v
	}, func(v schema.Project) remote.Row {
		return v.Row()
	})
}

// Rename changes the project name.
func (p *ProjectStore) Rename(id, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	return p.Update(id, func(v *schema.Project) { v.Name = name })
}

// Delete removes the project. Its tasks and channels are detached, not
// deleted, and its files are removed. The backend applies the same rules;
// the caches mirror them so the change is visible at once.
func (p *ProjectStore) Delete(id string) bool {
	s := p.s
	s.mu.Lock()
	tasks, files, channels := s.tasks, s.files, make([]*ChannelStore, 0, len(s.channels))
	for _, c := range s.channels {
		channels = append(channels, c)
	}
	s.mu.Unlock()

	serverID := id
	if !p.table.IsPending(id) {
		if resolved, err := p.table.Resolve(context.Background(), id); err == nil {
			serverID = resolved
		}
	}

	return p.remove(id, ErrDeleteProject, func() []func() {
		var undo []func()
		if tasks != nil {
			u := tasks.table.UpdateWhere(func(t schema.Task) bool {
				return t.ProjectID == id || t.ProjectID == serverID
			}, func(t schema.Task) schema.Task {
				t = t.Clone()
				t.ProjectID = ""
				return t
			})
			undo = append(undo, func() { tasks.table.Rollback(u...) })
		}
		if files != nil {
			undo = append(undo, files.removeWhere(func(f schema.File) bool {
				return f.ProjectID == id || f.ProjectID == serverID
			}))
		}
		for _, c := range channels {
			u := c.table.UpdateWhere(func(ch schema.Channel) bool {
				return ch.ProjectID == id || ch.ProjectID == serverID
			}, func(ch schema.Channel) schema.Channel {
				ch.ProjectID = ""
				return ch
			})
			undo = append(undo, func() { c.table.Rollback(u...) })
		}
		return undo
	})
}

// FileStore holds file metadata for every project.
type FileStore struct {
	*collection[schema.File]
}

// Files returns the session's file store, creating it on first use.
func (s *Session) Files() *FileStore {
	s.filesOnce.Do(func() {
		f := &FileStore{newCollection(s, collectionConfig[schema.File]{
			kind:   remote.Files,
			less:   func(a, b schema.File) bool { return a.Name < b.Name },
			relink: schema.File.Relink,
		})}
		s.mu.Lock()
		s.files = f
		s.mu.Unlock()
		f.start(nil)
	})
	return s.files
}

// GetAll returns every file, by name.
func (f *FileStore) GetAll() []schema.File {
	return f.table.GetAll()
}

// Subscribe registers fn for every new snapshot.
func (f *FileStore) Subscribe(fn func([]schema.File)) func() {
	return f.table.Subscribe(fn)
}

// ByProject returns the files of one project.
func (f *FileStore) ByProject(projectID string) []schema.File {
	var out []schema.File
	for _, file := range f.table.GetAll() {
		if file.ProjectID == projectID {
			out = append(out, file)
		}
	}
	return out
}

// Add records a file stored under a project. The project must already be
// persisted: files reference it by server id.
func (f *FileStore) Add(file schema.File) (schema.File, error) {
	if file.ProjectID == "" || cache.IsLocalID(file.ProjectID) {
		return file, fmt.Errorf("invalid file: project %q is not saved", file.ProjectID)
	}
	if strings.TrimSpace(file.Name) == "" || file.Path == "" {
		return file, fmt.Errorf("invalid file: name and path are required")
	}
	file.ID = cache.NewLocalID()
	return f.insert(file, ErrSaveFile, file.Row(), nil), nil
}

// Delete removes a file record.
func (f *FileStore) Delete(id string) bool {
	return f.remove(id, ErrDeleteFile, nil)
}
