// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"dashchat/internal/client"
)

// Update handles all incoming messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.setSize(msg.Width, msg.Height)
		return m, nil

	case spinner.TickMsg:
		if m.state != StateStreaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case streamMsg:
		return m.handleStream(client.Update(msg))

	case attachmentUploadedMsg:
		if msg.err != nil {
			m.errMsg = attachmentErrorText(msg.err)
			return m, nil
		}
		m.statusMsg = fmt.Sprintf("uploaded %s, parsing", msg.attachment.FileName)
		return m, m.waitAttachmentReady(msg.conversationID, msg.attachment.FileID)

	case attachmentReadyMsg:
		if msg.err != nil {
			m.errMsg = attachmentErrorText(msg.err)
			return m, nil
		}
		m.statusMsg = "file ready, it will be used on the next message"
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	if m.state == StateReady {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// =============================================================================
// STREAM PROGRESS
// =============================================================================

func (m *Model) handleStream(u client.Update) (tea.Model, tea.Cmd) {
	current := u.ConversationID == m.convID
	if !u.Done {
		if current {
			m.pending = u.Content
			m.refreshViewport(true)
		}
		return m, m.waitForUpdate()
	}

	if u.Err != nil {
		m.errMsg = turnErrorText(u.Err)
	}
	if current {
		m.inFlight = ""
		m.pending = ""
		m.reloadConversation()
		m.state = StateReady
		m.input.Focus()
		m.refreshViewport(true)
		return m, textinput.Blink
	}
	return m, nil
}

// =============================================================================
// KEY HANDLING
// =============================================================================

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}

	switch m.state {
	case StateList:
		return m.handleListKey(msg)
	case StateStreaming:
		return m.handleStreamingKey(msg)
	default:
		return m.handleChatKey(msg)
	}
}

func (m *Model) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.metas)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Submit):
		if m.cursor < len(m.metas) {
			if err := m.openConversation(m.metas[m.cursor].ID); err != nil {
				m.errMsg = err.Error()
			}
		}
	case key.Matches(msg, m.keys.NewChat):
		if err := m.newConversation(); err != nil {
			m.errMsg = err.Error()
		}
	case key.Matches(msg, m.keys.Delete):
		m.deleteSelected()
	case key.Matches(msg, m.keys.Cancel):
		if m.convID != "" {
			m.state = StateReady
			m.input.Focus()
		}
	}
	return m, nil
}

func (m *Model) handleStreamingKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.PageUp):
		m.viewport.ViewUp()
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.ViewDown()
	}
	return m, nil
}

func (m *Model) handleChatKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Submit):
		return m.submit()
	case key.Matches(msg, m.keys.NewChat):
		if err := m.newConversation(); err != nil {
			m.errMsg = err.Error()
		}
		return m, nil
	case key.Matches(msg, m.keys.ListChat):
		m.metas = m.store.List()
		m.cursor = 0
		m.state = StateList
		m.input.Blur()
		return m, nil
	case key.Matches(msg, m.keys.PageUp):
		m.viewport.ViewUp()
		return m, nil
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.ViewDown()
		return m, nil
	case key.Matches(msg, m.keys.Cancel):
		m.errMsg = ""
		m.statusMsg = ""
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// =============================================================================
// SUBMISSION
// =============================================================================

func (m *Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	if strings.HasPrefix(text, "/") {
		m.input.Reset()
		return m.handleCommand(text)
	}

	m.input.Reset()
	m.input.Blur()
	m.errMsg = ""
	m.statusMsg = ""
	m.inFlight = text
	m.pending = ""
	m.state = StateStreaming
	m.refreshViewport(true)
	return m, tea.Batch(m.startTurn(text), m.spin.Tick)
}

func (m *Model) handleCommand(text string) (tea.Model, tea.Cmd) {
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/attach":
		if arg == "" {
			m.errMsg = "usage: /attach <path>"
			return m, nil
		}
		m.statusMsg = "uploading " + arg
		return m, m.uploadAttachment(arg)
	case "/files":
		m.statusMsg = m.attachmentSummary()
		return m, nil
	case "/new":
		if err := m.newConversation(); err != nil {
			m.errMsg = err.Error()
		}
		return m, nil
	case "/quit":
		return m, tea.Quit
	default:
		m.errMsg = "unknown command: " + cmd
		return m, nil
	}
}

func (m *Model) attachmentSummary() string {
	atts := m.controller.Attachments().List(m.convID)
	if len(atts) == 0 {
		return "no attached files"
	}
	parts := make([]string, 0, len(atts))
	for _, a := range atts {
		parts = append(parts, fmt.Sprintf("%s (%s)", a.FileName, a.Status))
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// ERROR PRESENTATION
// =============================================================================

func turnErrorText(err error) string {
	var relayErr *client.RelayError
	switch {
	case errors.As(err, &relayErr):
		return relayErr.Message
	case errors.Is(err, client.ErrInterrupted):
		return "connection interrupted, partial reply kept"
	default:
		return "request failed: " + err.Error()
	}
}

func attachmentErrorText(err error) string {
	var parseErr *client.ParseFailedError
	switch {
	case errors.Is(err, client.ErrTooManyFiles):
		return "attachment limit reached for this conversation"
	case errors.Is(err, client.ErrFileTooLarge):
		return "file is too large"
	case errors.Is(err, client.ErrExtensionNotAllowed):
		return "file type not supported"
	case errors.Is(err, client.ErrParseTimeout):
		return "file parsing timed out"
	case errors.As(err, &parseErr):
		return parseErr.Message
	default:
		return "attachment failed: " + err.Error()
	}
}
