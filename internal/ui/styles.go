// Package ui renders operator-facing terminal output.
//
// Colors are used only when stdout is a terminal and NO_COLOR is unset.
package ui

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	mu       sync.RWMutex
	renderer = newRenderer()
)

// Palette
var (
	colorAccent = lipgloss.Color("12")  // Blue
	colorPass   = lipgloss.Color("10")  // Green
	colorWarn   = lipgloss.Color("11")  // Yellow
	colorFail   = lipgloss.Color("9")   // Red
	colorMuted  = lipgloss.Color("240") // Gray
)

func newRenderer() *lipgloss.Renderer {
	r := lipgloss.NewRenderer(os.Stdout)
	if os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd())) {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

// SetPlain disables or re-enables styling, regardless of the terminal.
func SetPlain(plain bool) {
	mu.Lock()
	defer mu.Unlock()
	if plain {
		renderer = lipgloss.NewRenderer(os.Stdout)
		renderer.SetColorProfile(termenv.Ascii)
		return
	}
	renderer = newRenderer()
}

func render(s string, style func(lipgloss.Style) lipgloss.Style) string {
	mu.RLock()
	defer mu.RUnlock()
	return style(renderer.NewStyle()).Render(s)
}

// RenderAccent highlights s.
func RenderAccent(s string) string {
	return render(s, func(st lipgloss.Style) lipgloss.Style { return st.Foreground(colorAccent) })
}

// RenderPass renders s as a success.
func RenderPass(s string) string {
	return render(s, func(st lipgloss.Style) lipgloss.Style { return st.Foreground(colorPass) })
}

// RenderWarn renders s as a warning.
func RenderWarn(s string) string {
	return render(s, func(st lipgloss.Style) lipgloss.Style { return st.Foreground(colorWarn) })
}

// RenderFail renders s as a failure.
func RenderFail(s string) string {
	return render(s, func(st lipgloss.Style) lipgloss.Style { return st.Foreground(colorFail).Bold(true) })
}

// RenderMuted renders s in a dim color.
func RenderMuted(s string) string {
	return render(s, func(st lipgloss.Style) lipgloss.Style { return st.Foreground(colorMuted) })
}

// RenderHeading renders a section heading.
func RenderHeading(s string) string {
	return render(s, func(st lipgloss.Style) lipgloss.Style { return st.Bold(true).Underline(true) })
}
