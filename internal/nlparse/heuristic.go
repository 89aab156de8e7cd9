package nlparse

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var (
	listMarker  = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
	priorityTag = regexp.MustCompile(`(?i)(?:^|\s)(?:!|p)([1-5])(?:\s|$)`)
	mentionTag  = regexp.MustCompile(`(?:^|\s)([@#])([\p{L}\p{N}_.-]+)`)
	dueLeadIn   = regexp.MustCompile(`(?i)\s+(?:due|by|on|at)$`)
)

// Heuristic parses the inline syntax described in the package doc. It makes
// no network calls.
type Heuristic struct {
	w *when.Parser
}

// NewHeuristic creates a heuristic parser with English date rules.
func NewHeuristic() *Heuristic {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return &Heuristic{w: w}
}

// Parse returns one draft per non-empty line. Lines that are only tags
// produce no draft.
func (h *Heuristic) Parse(ctx context.Context, input string, hints Hints) ([]Draft, error) {
	var drafts []Draft
	for _, line := range strings.Split(input, "\n") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := h.parseLine(line, hints)
		if err != nil {
			return nil, err
		}
		if d.Title != "" {
			drafts = append(drafts, d)
		}
	}
	return drafts, nil
}

func (h *Heuristic) parseLine(line string, hints Hints) (Draft, error) {
	var d Draft
	text := listMarker.ReplaceAllString(line, "")

	if m := priorityTag.FindStringSubmatchIndex(text); m != nil {
		d.Priority, _ = strconv.Atoi(text[m[2]:m[3]])
		text = text[:m[0]] + " " + text[m[1]:]
	}

	text = mentionTag.ReplaceAllStringFunc(text, func(tag string) string {
		sub := mentionTag.FindStringSubmatch(tag)
		switch sub[1] {
		case "@":
			if u, ok := findUser(hints.Users, sub[2]); ok && d.AssigneeID == "" {
				d.AssigneeID = u.ID
				return " "
			}
		case "#":
			if p, ok := findProject(hints.Projects, sub[2]); ok && d.ProjectID == "" {
				d.ProjectID = p.ID
				return " "
			}
		}
		return tag
	})

	r, err := h.w.Parse(text, hints.now())
	if err != nil {
		return d, fmt.Errorf("failed to parse date in %q: %w", line, err)
	}
	if r != nil {
		if start := matchIndex(text, r.Index, r.Text); start >= 0 {
			due := r.Time
			d.DueAt = &due
			before := dueLeadIn.ReplaceAllString(strings.TrimRight(text[:start], " "), "")
			text = before + " " + text[start+len(r.Text):]
		}
	}

	d.Title = strings.Join(strings.Fields(text), " ")
	return d, nil
}

// matchIndex locates match in text, trusting index when it lines up.
func matchIndex(text string, index int, match string) int {
	if match == "" {
		return -1
	}
	if index >= 0 && index+len(match) <= len(text) && strings.EqualFold(text[index:index+len(match)], match) {
		return index
	}
	return strings.Index(strings.ToLower(text), strings.ToLower(match))
}

// ParseDue reads a date phrase such as "next friday 5pm" relative to now.
// It returns nil when s holds no date.
func (h *Heuristic) ParseDue(s string, now time.Time) *time.Time {
	r, err := h.w.Parse(s, now)
	if err != nil || r == nil {
		return nil
	}
	t := r.Time
	return &t
}
