package cmd

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

type palette struct {
	peer  lipgloss.Style
	mine  lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	title lipgloss.Style
}

var styles = newPalette(term.IsTerminal(int(os.Stdout.Fd())))

// newPalette returns colored styles for a terminal and plain ones otherwise.
func newPalette(color bool) palette {
	if !color {
		plain := lipgloss.NewStyle()
		return palette{peer: plain, mine: plain, dim: plain, ok: plain, warn: plain, title: plain}
	}
	return palette{
		peer:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		mine:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		title: lipgloss.NewStyle().Bold(true),
	}
}
