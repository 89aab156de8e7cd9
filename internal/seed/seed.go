// Package seed imports users, projects, tasks and channels from a TOML or
// JSON Lines file straight into a remote store.
//
// Rows without an explicit id get one derived from their position and
// name, so importing the same file twice skips everything the first run
// wrote instead of duplicating it.
//
// Example file:
//
//	[[users]]
//	id = "alice"
//	name = "Alice Martin"
//	role = "designer"
//
//	[[projects]]
//	id = "launch"
//	name = "Launch"
//
//	[[tasks]]
//	title = "Draft press release"
//	status = "doing"
//	priority = 2
//	assignee = "Alice Martin"
//	project = "launch"
//	due = 2024-03-04T17:00:00Z
//	notes = ["coordinate with legal"]
//
//	[[channels]]
//	name = "launch-room"
//	project = "launch"
//	members = ["alice"]
package seed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// File is the decoded seed document.
type File struct {
	Users    []User    `toml:"users" json:"users"`
	Projects []Project `toml:"projects" json:"projects"`
	Tasks    []Task    `toml:"tasks" json:"tasks"`
	Channels []Channel `toml:"channels" json:"channels"`
}

// User is a seeded user.
type User struct {
	ID          string `toml:"id" json:"id"`
	Name        string `toml:"name" json:"name"`
	Color       string `toml:"color" json:"color"`
	Role        string `toml:"role" json:"role"`
	Description string `toml:"description" json:"description"`
}

// Project is a seeded project.
type Project struct {
	ID    string `toml:"id" json:"id"`
	Name  string `toml:"name" json:"name"`
	Color string `toml:"color" json:"color"`
}

// Task is a seeded task. Assignee and Project accept an id or a name.
type Task struct {
	ID       string     `toml:"id" json:"id"`
	Title    string     `toml:"title" json:"title"`
	Status   string     `toml:"status" json:"status"`
	Priority int        `toml:"priority" json:"priority"`
	Assignee string     `toml:"assignee" json:"assignee"`
	Project  string     `toml:"project" json:"project"`
	Due      *time.Time `toml:"due" json:"due"`
	Notes    []string   `toml:"notes" json:"notes"`
	Links    []string   `toml:"links" json:"links"`
	Sections []Section  `toml:"sections" json:"sections"`
}

// Section is a seeded task section.
type Section struct {
	Heading string `toml:"heading" json:"heading"`
	Content string `toml:"content" json:"content"`
}

// Channel is a seeded channel. A direct channel needs exactly two members.
type Channel struct {
	ID      string   `toml:"id" json:"id"`
	Name    string   `toml:"name" json:"name"`
	Type    string   `toml:"type" json:"type"`
	Project string   `toml:"project" json:"project"`
	Members []string `toml:"members" json:"members"`
}

// Parse decodes a seed document. Unknown keys are an error so typos do not
// silently drop data.
func Parse(data string) (*File, error) {
	var f File
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("failed to parse seed file: unknown keys %s", strings.Join(keys, ", "))
	}
	return &f, nil
}

// Load reads and decodes the seed file at path.
func Load(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("failed to load seed file %s: unknown key %s", path, undecoded[0])
	}
	return &f, nil
}

// Result counts what Apply wrote.
type Result struct {
	Users    int
	Projects int
	Tasks    int
	Channels int
	Members  int

	// Skipped counts rows that already existed.
	Skipped int
}

// Apply writes f into a. Existing rows are left untouched and counted as
// skipped. Names in task and channel references are resolved against the
// file and the users and projects already in a.
func Apply(ctx context.Context, a remote.Adapter, f *File) (Result, error) {
	var res Result
	ref, err := newResolver(ctx, a)
	if err != nil {
		return res, err
	}

	for i, su := range f.Users {
		u := schema.User{ID: su.ID, Name: strings.TrimSpace(su.Name), Color: su.Color, Role: su.Role, Description: su.Description}
		if u.ID == "" {
			u.ID = stableID("user", i, u.Name)
		}
		u.SetDefaults()
		if err := u.Validate(); err != nil {
			return res, fmt.Errorf("invalid user %d: %w", i+1, err)
		}
		ref.addUser(u.ID, u.Name)
		if err := insert(ctx, a, remote.Users, u.ID, u.Row(), &res.Users, &res.Skipped); err != nil {
			return res, err
		}
	}

	for i, sp := range f.Projects {
		p := schema.Project{ID: sp.ID, Name: strings.TrimSpace(sp.Name), Color: sp.Color}
		if p.ID == "" {
			p.ID = stableID("project", i, p.Name)
		}
		p.SetDefaults()
		if err := p.Validate(); err != nil {
			return res, fmt.Errorf("invalid project %d: %w", i+1, err)
		}
		ref.addProject(p.ID, p.Name)
		if err := insert(ctx, a, remote.Projects, p.ID, p.Row(), &res.Projects, &res.Skipped); err != nil {
			return res, err
		}
	}

	orders := make(map[schema.Status]int)
	for i, st := range f.Tasks {
		t, err := ref.task(i, st)
		if err != nil {
			return res, err
		}
		t.SortOrder = orders[t.Status]
		orders[t.Status]++
		if err := insert(ctx, a, remote.Tasks, t.ID, t.Row(), &res.Tasks, &res.Skipped); err != nil {
			return res, err
		}
	}

	for i, sc := range f.Channels {
		ch, members, err := ref.channel(i, sc)
		if err != nil {
			return res, err
		}
		if err := insert(ctx, a, remote.Channels, ch.ID, ch.Row(), &res.Channels, &res.Skipped); err != nil {
			return res, err
		}
		for _, userID := range members {
			m := schema.ChannelMember{ChannelID: ch.ID, UserID: userID}
			if err := insert(ctx, a, remote.ChannelMembers, "", m.Row(), &res.Members, &res.Skipped); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func insert(ctx context.Context, a remote.Adapter, kind remote.Kind, id string, fields remote.Row, written, skipped *int) error {
	if id != "" {
		fields["id"] = id
	}
	if _, err := a.Insert(ctx, kind, fields); err != nil {
		if errors.Is(err, remote.ErrConflict) {
			*skipped++
			return nil
		}
		return fmt.Errorf("failed to seed %s %s: %w", kind, fields.ID(), err)
	}
	*written++
	return nil
}

// stableID derives a deterministic id for the i-th row of kind.
func stableID(kind string, i int, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("tandem:"+kind+":"+strconv.Itoa(i)+":"+name)).String()
}

// resolver maps user and project names to ids.
type resolver struct {
	users    map[string]string
	projects map[string]string
}

func newResolver(ctx context.Context, a remote.Adapter) (*resolver, error) {
	r := &resolver{users: make(map[string]string), projects: make(map[string]string)}
	users, err := a.FetchAll(ctx, remote.Users, remote.Query{})
	if err != nil {
		return nil, fmt.Errorf("failed to read existing users: %w", err)
	}
	for _, row := range users {
		name, _ := row["name"].(string)
		r.addUser(row.ID(), name)
	}
	projects, err := a.FetchAll(ctx, remote.Projects, remote.Query{})
	if err != nil {
		return nil, fmt.Errorf("failed to read existing projects: %w", err)
	}
	for _, row := range projects {
		name, _ := row["name"].(string)
		r.addProject(row.ID(), name)
	}
	return r, nil
}

func (r *resolver) addUser(id, name string) {
	r.users[strings.ToLower(id)] = id
	if name != "" {
		r.users[strings.ToLower(name)] = id
	}
}

func (r *resolver) addProject(id, name string) {
	r.projects[strings.ToLower(id)] = id
	if name != "" {
		r.projects[strings.ToLower(name)] = id
	}
}

func (r *resolver) user(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if id, ok := r.users[strings.ToLower(strings.TrimSpace(ref))]; ok {
		return id, nil
	}
	return "", fmt.Errorf("unknown user %q", ref)
}

func (r *resolver) project(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	if id, ok := r.projects[strings.ToLower(strings.TrimSpace(ref))]; ok {
		return id, nil
	}
	return "", fmt.Errorf("unknown project %q", ref)
}

func (r *resolver) task(i int, st Task) (schema.Task, error) {
	t := schema.Task{
		ID:       st.ID,
		Title:    strings.TrimSpace(st.Title),
		Status:   schema.Status(st.Status),
		Priority: st.Priority,
		DueAt:    st.Due,
		Notes:    st.Notes,
		Links:    st.Links,
		Source:   schema.SourceAPI,
	}
	if t.ID == "" {
		t.ID = stableID("task", i, t.Title)
	}
	var err error
	if t.AssigneeID, err = r.user(st.Assignee); err != nil {
		return t, fmt.Errorf("invalid task %d: %w", i+1, err)
	}
	if t.ProjectID, err = r.project(st.Project); err != nil {
		return t, fmt.Errorf("invalid task %d: %w", i+1, err)
	}
	for j, s := range st.Sections {
		t.Sections = append(t.Sections, schema.Section{
			ID:      stableID("section", j, t.ID),
			Heading: s.Heading,
			Content: s.Content,
		})
	}
	t.SetDefaults()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("invalid task %d: %w", i+1, err)
	}
	return t, nil
}

func (r *resolver) channel(i int, sc Channel) (schema.Channel, []string, error) {
	ch := schema.Channel{ID: sc.ID, Name: strings.TrimSpace(sc.Name), Type: schema.ChannelType(sc.Type)}
	var err error
	if ch.ProjectID, err = r.project(sc.Project); err != nil {
		return ch, nil, fmt.Errorf("invalid channel %d: %w", i+1, err)
	}
	members := make([]string, 0, len(sc.Members))
	seen := make(map[string]bool)
	for _, ref := range sc.Members {
		id, err := r.user(ref)
		if err != nil {
			return ch, nil, fmt.Errorf("invalid channel %d: %w", i+1, err)
		}
		if id != "" && !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	sort.Strings(members)

	ch.SetDefaults()
	if ch.Type == schema.ChannelDirect {
		if len(members) != 2 {
			return ch, nil, fmt.Errorf("invalid channel %d: direct channels need exactly two members", i+1)
		}
		ch.DMKey = schema.DMKey(members[0], members[1])
		ch.Name = ""
	}
	if ch.ID == "" {
		ch.ID = stableID("channel", i, ch.Name+ch.DMKey)
	}
	if err := ch.Validate(); err != nil {
		return ch, nil, fmt.Errorf("invalid channel %d: %w", i+1, err)
	}
	return ch, members, nil
}
