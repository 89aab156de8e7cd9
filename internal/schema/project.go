package schema

import (
	"fmt"
	"strings"
	"time"
)

// DefaultColor is used for projects and users created without one.
const DefaultColor = "#6366f1"

// Project groups tasks, channels and files.
type Project struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Color     string    `json:"color" yaml:"color"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Validate checks if the Project has valid field values.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (p *Project) SetDefaults() {
	if p.Color == "" {
		p.Color = DefaultColor
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
}

// Key returns the project id.
func (p Project) Key() string {
	return p.ID
}

// WithID returns a copy re-keyed to id.
func (p Project) WithID(id string) Project {
	p.ID = id
	return p
}

// Row encodes the persisted fields.
func (p Project) Row() map[string]any {
	return map[string]any{
		"name":  p.Name,
		"color": p.Color,
	}
}

// LessProject orders projects by creation time.
func LessProject(a, b Project) bool {
	return a.CreatedAt.Before(b.CreatedAt)
}

// File is metadata for an object stored under a project.
type File struct {
	ID        string    `json:"id" yaml:"id"`
	ProjectID string    `json:"project_id" yaml:"project_id"`
	Name      string    `json:"name" yaml:"name"`
	Path      string    `json:"path" yaml:"path"`
	Size      int64     `json:"size" yaml:"size"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Key returns the file id.
func (f File) Key() string {
	return f.ID
}

// WithID returns a copy re-keyed to id.
func (f File) WithID(id string) File {
	f.ID = id
	return f
}

func (f File) Relink(from, to string) (File, bool) {
	changed := relink(&f.ProjectID, from, to)
	return f, changed
}

// Row encodes the persisted fields.
func (f File) Row() map[string]any {
	return map[string]any{
		"project_id": f.ProjectID,
		"name":       f.Name,
		"path":       f.Path,
		"size":       f.Size,
	}
}
