package main

import (
	"fmt"
	"os"
	"strings"

	"blobshare/pkg/identity"

	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	dangerStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Italic(true)
)

type field struct {
	label string
	value string
	style lipgloss.Style
}

func renderPanel(title string, fields []field, footer ...string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	for _, f := range fields {
		style := f.style
		if style.GetForeground() == (lipgloss.NoColor{}) {
			style = valueStyle
		}
		b.WriteString(labelStyle.Render(f.label))
		b.WriteString(style.Render(f.value))
		b.WriteString("\n")
	}
	for _, line := range footer {
		b.WriteString("\n")
		b.WriteString(hintStyle.Render(line))
	}
	return panelStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func printGeneratedKey(key *identity.SecretKey) {
	fmt.Fprintln(os.Stderr, warningStyle.Render("Generated new secret key: ")+valueStyle.Render(key.String()))
	fmt.Fprintln(os.Stderr, hintStyle.Render(fmt.Sprintf("To reuse this key, set the %s environment variable to this value.", identity.SecretEnv)))
}

// printExportConflict tells the user how to recover from an existing
// target. The content stays in the receive store, so a retry does not
// download again.
func printExportConflict(path string) {
	fmt.Fprintln(os.Stderr, dangerStyle.Render(fmt.Sprintf("target %s already exists. Export stopped.", path)))
	fmt.Fprintln(os.Stderr, hintStyle.Render("You can remove the file or directory and try again. The download will not be repeated."))
}
