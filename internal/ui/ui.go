// Package ui renders CLI output: status glyphs, badges and simple tables.
//
// Colour follows the terminal. Output that is not a TTY, or a NO_COLOR
// environment, renders plain text.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/tandemhq/tandem/internal/schema"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Init picks the colour profile for out.
func Init(out *os.File) {
	if _, noColor := os.LookupEnv("NO_COLOR"); noColor || !IsTerminal(out) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// RenderPass renders a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders a failure marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders highlighted text.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// Status renders a task status tag.
func Status(s schema.Status) string {
	switch s {
	case schema.StatusDoing:
		return accentStyle.Render(string(s))
	case schema.StatusWaiting:
		return warnStyle.Render(string(s))
	case schema.StatusDone:
		return passStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}

// Priority renders "P1".."P5"; P1 and P2 stand out.
func Priority(p int) string {
	label := fmt.Sprintf("P%d", p)
	switch {
	case p <= 1:
		return failStyle.Render(label)
	case p == 2:
		return warnStyle.Render(label)
	default:
		return label
	}
}

// Avatar renders a user's initials in their colour.
func Avatar(u schema.User) string {
	initials := u.Initials()
	if initials == "" {
		initials = "?"
	}
	if u.Color == "" {
		return initials
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(u.Color)).Bold(true).Render(initials)
}

// Table writes rows under headers with columns padded to the widest cell.
// Cells may carry styling; widths are measured without it.
func Table(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style func(string) string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			pad := 0
			if i < len(widths) {
				pad = widths[i] - lipgloss.Width(cell)
			}
			if i == len(cells)-1 {
				pad = 0
			}
			parts[i] = style(cell) + strings.Repeat(" ", pad)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(headers, func(s string) string { return headerStyle.Render(s) })
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
}
