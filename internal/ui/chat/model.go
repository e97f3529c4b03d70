// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the terminal chat interface.
//
// The model drives three views: the conversation list, the chat
// transcript with an input line, and the same transcript while a reply
// streams in. Stream progress arrives as messages on a channel fed by
// the turn controller's callback, so the bubbletea loop stays the only
// writer of model state.
package chat

import (
	"log"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"dashchat/internal/client"
	"dashchat/internal/config"
	"dashchat/internal/store"
	"dashchat/internal/ui/styles"
)

// =============================================================================
// STATE
// =============================================================================

// State identifies the active view.
type State int

const (
	// StateList shows the conversation list.
	StateList State = iota
	// StateReady shows the transcript with the input focused.
	StateReady
	// StateStreaming shows the transcript while a reply is in flight.
	StateStreaming
)

const inputCharLimit = 4000

// =============================================================================
// MODEL
// =============================================================================

// Model is the bubbletea model for the chat interface.
type Model struct {
	cfg        *config.Config
	theme      *styles.Theme
	store      *store.Store
	controller *client.Controller
	keys       KeyMap

	state  State
	width  int
	height int
	ready  bool

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model
	renderer *glamour.TermRenderer

	// Current conversation. conv is a snapshot reloaded from the store
	// after every completed turn.
	convID string
	conv   *store.Conversation
	// inFlight is the user message of the current turn; the store only
	// persists it once the turn settles.
	inFlight string
	pending  string

	// Conversation list state.
	metas  []store.Meta
	cursor int

	statusMsg string
	errMsg    string

	updates chan client.Update
}

// New creates the chat model. It opens the most recent conversation, or
// creates one when the store is empty.
func New(cfg *config.Config, st *store.Store, controller *client.Controller) (*Model, error) {
	theme := styles.NewTheme()

	input := textinput.New()
	input.Placeholder = "Type a message, or /attach <path> to add a file"
	input.CharLimit = inputCharLimit
	input.Prompt = ""
	input.Focus()

	spin := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(theme.Spinner),
	)

	m := &Model{
		cfg:        cfg,
		theme:      theme,
		store:      st,
		controller: controller,
		keys:       DefaultKeyMap(),
		state:      StateReady,
		input:      input,
		spin:       spin,
		updates:    make(chan client.Update, 16),
	}

	metas := st.List()
	if len(metas) > 0 {
		if err := m.openConversation(metas[0].ID); err != nil {
			return nil, err
		}
	} else if err := m.newConversation(); err != nil {
		return nil, err
	}
	return m, nil
}

// Init starts the cursor blink.
func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

// Conversation returns the currently open conversation snapshot.
func (m *Model) Conversation() *store.Conversation {
	return m.conv
}

// State returns the active view state.
func (m *Model) State() State {
	return m.state
}

// =============================================================================
// CONVERSATION MANAGEMENT
// =============================================================================

func (m *Model) openConversation(id string) error {
	conv, err := m.store.Get(id)
	if err != nil {
		return err
	}
	m.convID = conv.ID
	m.conv = conv
	m.inFlight = ""
	m.pending = ""
	m.state = StateReady
	m.refreshViewport(true)
	return nil
}

func (m *Model) newConversation() error {
	conv, err := m.store.Create("", m.cfg.Client.DefaultAssistant)
	if err != nil {
		return err
	}
	log.Printf("UI_NEW_CONVERSATION | id=%s", conv.ID)
	return m.openConversation(conv.ID)
}

func (m *Model) reloadConversation() {
	conv, err := m.store.Get(m.convID)
	if err != nil {
		// The conversation disappeared underneath us.
		m.errMsg = err.Error()
		return
	}
	m.conv = conv
}

func (m *Model) deleteSelected() {
	if m.cursor >= len(m.metas) {
		return
	}
	id := m.metas[m.cursor].ID
	if err := m.store.Delete(id); err != nil {
		m.errMsg = err.Error()
		return
	}
	m.controller.Attachments().Clear(id)
	m.metas = m.store.List()
	if m.cursor >= len(m.metas) && m.cursor > 0 {
		m.cursor--
	}
	if id == m.convID {
		m.convID = ""
		m.conv = nil
	}
}

// =============================================================================
// RENDERING SUPPORT
// =============================================================================

func (m *Model) setSize(width, height int) {
	m.width = width
	m.height = height
	m.theme.SetSize(width, height)

	headerHeight := 2
	footerHeight := 4
	vpHeight := height - headerHeight - footerHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vpHeight
	}
	m.input.Width = width - 4

	wrap := width - 2
	if wrap > 100 {
		wrap = 100
	}
	if wrap < 20 {
		wrap = 20
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		m.renderer = nil
	} else {
		m.renderer = renderer
	}
	m.refreshViewport(true)
}

// renderMarkdown renders assistant markdown for the terminal, falling
// back to the raw text when no renderer is available.
func (m *Model) renderMarkdown(content string) string {
	if m.renderer == nil {
		return content
	}
	out, err := m.renderer.Render(content)
	if err != nil {
		return content
	}
	return out
}
