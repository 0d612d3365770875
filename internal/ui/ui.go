// Package ui holds the terminal styles shared by CLI commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
)

// RenderAccent styles informational markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass styles success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles warning markers.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles failure markers.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderDim styles secondary detail.
func RenderDim(s string) string { return dimStyle.Render(s) }
