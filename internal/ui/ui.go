// Package ui styles CLI output.
//
// Color is used only when stdout is a terminal and NO_COLOR is unset; in
// every other case the Render helpers return their input unchanged.
package ui

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	keyStyle    = lipgloss.NewStyle().Bold(true)
)

var color atomic.Bool

func init() {
	color.Store(os.Getenv("NO_COLOR") == "" && IsTerminal(os.Stdout))
}

// ErrNotInteractive is returned by Confirm when stdin is not a terminal.
var ErrNotInteractive = errors.New("not an interactive terminal")

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SetColor forces color on or off.
func SetColor(enabled bool) {
	color.Store(enabled)
}

// ColorEnabled reports whether Render helpers add color.
func ColorEnabled() bool {
	return color.Load()
}

func render(s lipgloss.Style, text string) string {
	if !color.Load() {
		return text
	}
	return s.Render(text)
}

// RenderPass renders success markers and messages.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail renders errors.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderAccent renders headings and highlights.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderMuted renders secondary detail.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// KeyValues renders rows as aligned "key: value" lines.
func KeyValues(rows [][2]string) string {
	width := 0
	for _, r := range rows {
		if len(r[0]) > width {
			width = len(r[0])
		}
	}

	var b strings.Builder
	for _, r := range rows {
		key := fmt.Sprintf("%-*s", width+1, r[0]+":")
		fmt.Fprintf(&b, "%s %s\n", render(keyStyle, key), r[1])
	}
	return b.String()
}

// Counts renders a map as "a=1 b=2" with sorted keys.
func Counts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}

// Size formats a byte count.
func Size(n int64) string {
	switch {
	case n >= 1024*1024*1024:
		return fmt.Sprintf("%.1f GB", float64(n)/(1024*1024*1024))
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	}
	return fmt.Sprintf("%d B", n)
}

// Confirm asks a yes/no question on the terminal.
func Confirm(title, description string) (bool, error) {
	if !IsTerminal(os.Stdin) {
		return false, ErrNotInteractive
	}

	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, fmt.Errorf("confirmation failed: %w", err)
	}
	return ok, nil
}
