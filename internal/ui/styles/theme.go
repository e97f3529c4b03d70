// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the dashchat TUI.
package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Color palette. Adaptive colors degrade gracefully on light terminals.
var (
	colorAccent    = lipgloss.AdaptiveColor{Light: "#2563EB", Dark: "#60A5FA"}
	colorUser      = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}
	colorAssistant = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}
	colorMuted     = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	colorError     = lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#F87171"}
	colorBorder    = lipgloss.AdaptiveColor{Light: "#D1D5DB", Dark: "#374151"}
)

// Theme holds the styled components for the application.
// It detects the terminal's color capability and adjusts accordingly.
type Theme struct {
	// Terminal capabilities
	IsDark       bool
	ColorProfile termenv.Profile

	// Layout dimensions
	Width  int
	Height int

	// ==========================================================================
	// APPLICATION CONTAINER STYLES
	// ==========================================================================

	App lipgloss.Style

	// ==========================================================================
	// HEADER STYLES
	// ==========================================================================

	Header         lipgloss.Style
	HeaderTitle    lipgloss.Style
	HeaderSubtitle lipgloss.Style

	// ==========================================================================
	// MESSAGE STYLES
	// ==========================================================================

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	Timestamp      lipgloss.Style

	// ==========================================================================
	// INPUT AREA STYLES
	// ==========================================================================

	InputPrompt      lipgloss.Style
	InputPlaceholder lipgloss.Style

	// ==========================================================================
	// STATUS BAR STYLES
	// ==========================================================================

	StatusBar    lipgloss.Style
	StatusKey    lipgloss.Style
	StatusDesc   lipgloss.Style
	StatusNotice lipgloss.Style

	// ==========================================================================
	// CONVERSATION LIST STYLES
	// ==========================================================================

	ListTitle        lipgloss.Style
	ListItem         lipgloss.Style
	ListItemSelected lipgloss.Style
	ListMeta         lipgloss.Style

	// ==========================================================================
	// ATTACHMENT STYLES
	// ==========================================================================

	AttachmentReady   lipgloss.Style
	AttachmentPending lipgloss.Style
	AttachmentError   lipgloss.Style

	// ==========================================================================
	// FEEDBACK STYLES
	// ==========================================================================

	Spinner  lipgloss.Style
	ErrorBox lipgloss.Style
}

// NewTheme creates a theme adjusted to the current terminal.
func NewTheme() *Theme {
	t := &Theme{
		IsDark:       termenv.HasDarkBackground(),
		ColorProfile: termenv.ColorProfile(),
	}
	t.initStyles()
	return t
}

func (t *Theme) initStyles() {
	t.App = lipgloss.NewStyle().Padding(0, 1)

	t.Header = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(colorBorder).
		Padding(0, 1)
	t.HeaderTitle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	t.HeaderSubtitle = lipgloss.NewStyle().Foreground(colorMuted)

	t.UserLabel = lipgloss.NewStyle().Bold(true).Foreground(colorUser)
	t.AssistantLabel = lipgloss.NewStyle().Bold(true).Foreground(colorAssistant)
	t.Timestamp = lipgloss.NewStyle().Foreground(colorMuted)

	t.InputPrompt = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	t.InputPlaceholder = lipgloss.NewStyle().Foreground(colorMuted)

	t.StatusBar = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderTop(true).
		BorderForeground(colorBorder).
		Foreground(colorMuted)
	t.StatusKey = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	t.StatusDesc = lipgloss.NewStyle().Foreground(colorMuted)
	t.StatusNotice = lipgloss.NewStyle().Foreground(colorAssistant)

	t.ListTitle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	t.ListItem = lipgloss.NewStyle().Padding(0, 2)
	t.ListItemSelected = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	t.ListMeta = lipgloss.NewStyle().Foreground(colorMuted).Padding(0, 2)

	t.AttachmentReady = lipgloss.NewStyle().Foreground(colorAssistant)
	t.AttachmentPending = lipgloss.NewStyle().Foreground(colorMuted)
	t.AttachmentError = lipgloss.NewStyle().Foreground(colorError)

	t.Spinner = lipgloss.NewStyle().Foreground(colorAccent)
	t.ErrorBox = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(colorError).
		Foreground(colorError).
		Padding(0, 1)
}

// SetSize records the terminal dimensions.
func (t *Theme) SetSize(width, height int) {
	t.Width = width
	t.Height = height
}
