package schema

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// User is a workspace member.
type User struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Color string `json:"color" yaml:"color"`
	Role  string `json:"role" yaml:"role,omitempty"`

	// Description biases natural-language assignment ("handles billing", ...).
	Description string `json:"description" yaml:"description,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Initials returns the display initials for the user.
func (u User) Initials() string {
	return Initials(u.Name)
}

// Initials derives initials from a name: the first letters of the first and last
// name parts, or the first two letters of a single-word name, upper-cased.
func Initials(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_' || r == '.'
	})
	switch len(parts) {
	case 0:
		return ""
	case 1:
		word := []rune(parts[0])
		if len(word) > 2 {
			word = word[:2]
		}
		return strings.ToUpper(string(word))
	default:
		first, _ := utf8.DecodeRuneInString(parts[0])
		last, _ := utf8.DecodeRuneInString(parts[len(parts)-1])
		return strings.ToUpper(string([]rune{first, last}))
	}
}

// Validate checks if the User has valid field values.
func (u *User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (u *User) SetDefaults() {
	if u.Color == "" {
		u.Color = DefaultColor
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
}

// Key returns the user id.
func (u User) Key() string {
	return u.ID
}

// WithID returns a copy re-keyed to id.
func (u User) WithID(id string) User {
	u.ID = id
	return u
}

// Row encodes the persisted fields.
func (u User) Row() map[string]any {
	return map[string]any{
		"name":        u.Name,
		"color":       u.Color,
		"role":        nullable(u.Role),
		"description": nullable(u.Description),
	}
}

// LessUser orders users by name.
func LessUser(a, b User) bool {
	return strings.ToLower(a.Name) < strings.ToLower(b.Name)
}
