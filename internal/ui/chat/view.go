// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"dashchat/internal/continuity"
	"dashchat/internal/store"
)

// View renders the active view.
func (m *Model) View() string {
	if !m.ready {
		return "starting..."
	}

	var body string
	if m.state == StateList {
		body = m.renderList()
	} else {
		body = m.viewport.View()
	}

	sections := []string{
		m.renderHeader(),
		body,
		m.renderInput(),
		m.renderStatus(),
	}
	return m.theme.App.Render(strings.Join(sections, "\n"))
}

// =============================================================================
// HEADER
// =============================================================================

func (m *Model) renderHeader() string {
	title := m.theme.HeaderTitle.Render("dashchat")
	sub := ""
	if m.conv != nil {
		sub = m.conv.Title
		if sub == "" {
			sub = "new conversation"
		}
		if rounds := m.conv.SessionInfo.Rounds(); rounds > 0 {
			sub = fmt.Sprintf("%s (round %d/%d)", sub, rounds, continuity.MaxRounds)
		}
	}
	line := title
	if sub != "" {
		line += "  " + m.theme.HeaderSubtitle.Render(sub)
	}
	return m.theme.Header.Width(m.width - 2).Render(line)
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// refreshViewport rebuilds the transcript content. When follow is true
// the viewport jumps to the bottom, matching a chat log.
func (m *Model) refreshViewport(follow bool) {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderTranscript())
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderTranscript() string {
	if m.conv == nil {
		return ""
	}
	var b strings.Builder
	for _, msg := range m.conv.Messages {
		b.WriteString(m.renderMessage(msg.Role, msg.Content, msg.Timestamp.Format("15:04")))
	}
	if m.inFlight != "" {
		b.WriteString(m.renderMessage(continuity.RoleUser, m.inFlight, ""))
	}
	if m.state == StateStreaming {
		label := m.theme.AssistantLabel.Render("Assistant")
		b.WriteString(label + "\n")
		if m.pending != "" {
			b.WriteString(m.pending)
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return m.theme.HeaderSubtitle.Render("Send a message to start the conversation.")
	}
	return b.String()
}

func (m *Model) renderMessage(role, content, timestamp string) string {
	var label string
	if role == continuity.RoleUser {
		label = m.theme.UserLabel.Render("You")
	} else {
		label = m.theme.AssistantLabel.Render("Assistant")
		content = strings.TrimRight(m.renderMarkdown(content), "\n")
	}
	if timestamp != "" {
		label += " " + m.theme.Timestamp.Render(timestamp)
	}
	return label + "\n" + content + "\n\n"
}

// =============================================================================
// CONVERSATION LIST
// =============================================================================

func (m *Model) renderList() string {
	var b strings.Builder
	b.WriteString(m.theme.ListTitle.Render("Conversations") + "\n\n")
	if len(m.metas) == 0 {
		b.WriteString(m.theme.ListMeta.Render("No conversations yet.") + "\n")
	}
	for i, meta := range m.metas {
		b.WriteString(m.renderListItem(i, meta))
	}
	return lipgloss.NewStyle().Height(m.viewport.Height).Render(b.String())
}

func (m *Model) renderListItem(i int, meta store.Meta) string {
	title := meta.Title
	if title == "" {
		title = "(untitled)"
	}
	line := fmt.Sprintf("%s  %d messages, %s", title, meta.MessageCount, meta.LastUpdate.Format("Jan 2 15:04"))
	if i == m.cursor {
		return m.theme.ListItemSelected.Render("> "+line) + "\n"
	}
	return m.theme.ListItem.Render(line) + "\n"
}

// =============================================================================
// INPUT AND STATUS
// =============================================================================

func (m *Model) renderInput() string {
	if m.state == StateStreaming {
		return m.spin.View() + m.theme.HeaderSubtitle.Render(" waiting for reply")
	}
	if m.state == StateList {
		return ""
	}
	return m.theme.InputPrompt.Render("> ") + m.input.View()
}

func (m *Model) renderStatus() string {
	var line string
	switch {
	case m.errMsg != "":
		line = m.theme.ErrorBox.Render(m.errMsg)
	case m.statusMsg != "":
		line = m.theme.StatusNotice.Render(m.statusMsg)
	case m.state == StateList:
		line = m.renderHelp(m.keys.ListHelp())
	default:
		line = m.renderHelp(m.keys.ShortHelp())
	}
	return m.theme.StatusBar.Width(m.width - 2).Render(line)
}

func (m *Model) renderHelp(bindings []key.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		parts = append(parts,
			m.theme.StatusKey.Render(b.Help().Key)+" "+m.theme.StatusDesc.Render(b.Help().Desc))
	}
	return strings.Join(parts, "  ")
}
