// Package ui renders CLI output: status glyphs, headings and aligned
// key/value tables. Color is disabled when stdout is not a terminal or
// NO_COLOR is set.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	accentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("69"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true).
			Underline(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

func init() {
	ConfigureOutput(os.Stdout)
}

// ConfigureOutput picks the color profile for w.
func ConfigureOutput(w io.Writer) {
	profile := termenv.NewOutput(w).EnvColorProfile()
	lipgloss.SetColorProfile(profile)
}

// RenderPass renders a success marker or message.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders a warning marker or message.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders an error marker or message.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders highlighted text such as paths and names.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section heading.
func RenderHeader(s string) string { return headerStyle.Render(s) }

// Row is one line of a key/value table.
type Row struct {
	Label string
	Value string
}

// RenderTable aligns labels into a column followed by their values.
func RenderTable(rows []Row) string {
	width := 0
	for _, r := range rows {
		if w := lipgloss.Width(r.Label); w > width {
			width = w
		}
	}

	var b strings.Builder
	for _, r := range rows {
		label := labelStyle.Width(width + 2).Render(r.Label + ":")
		fmt.Fprintf(&b, "   %s%s\n", label, r.Value)
	}
	return b.String()
}
