// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"dashchat/internal/client"
	"dashchat/internal/store"
)

// =============================================================================
// MESSAGES
// =============================================================================

// streamMsg carries one turn progress update into the bubbletea loop.
type streamMsg client.Update

// attachmentUploadedMsg reports the outcome of a file upload.
type attachmentUploadedMsg struct {
	conversationID string
	attachment     *client.Attachment
	err            error
}

// attachmentReadyMsg reports the outcome of waiting for parsing.
type attachmentReadyMsg struct {
	conversationID string
	fileID         string
	err            error
}

// =============================================================================
// COMMANDS
// =============================================================================

// startTurn launches the chat turn in the background. Progress from the
// controller callback is forwarded through the updates channel; the
// final update carries Done and any error, so the Send return value is
// already accounted for.
func (m *Model) startTurn(text string) tea.Cmd {
	ch := m.updates
	controller := m.controller
	convID := m.convID
	go func() {
		err := controller.Send(context.Background(), convID, text, func(u client.Update) {
			ch <- u
		})
		// Pre-flight failures return before any callback fires; emit the
		// terminal update ourselves so the view leaves the streaming state.
		if errors.Is(err, client.ErrBusy) || errors.Is(err, client.ErrEmptyMessage) ||
			errors.Is(err, store.ErrConversationNotFound) {
			ch <- client.Update{ConversationID: convID, Done: true, Err: err}
		}
	}()
	return m.waitForUpdate()
}

// waitForUpdate blocks on the next turn progress update.
func (m *Model) waitForUpdate() tea.Cmd {
	ch := m.updates
	return func() tea.Msg {
		return streamMsg(<-ch)
	}
}

// uploadAttachment reads a local file and uploads it for the current
// conversation.
func (m *Model) uploadAttachment(path string) tea.Cmd {
	attachments := m.controller.Attachments()
	convID := m.convID
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return attachmentUploadedMsg{conversationID: convID, err: err}
		}
		att, err := attachments.Upload(context.Background(), convID, filepath.Base(path), data)
		return attachmentUploadedMsg{conversationID: convID, attachment: att, err: err}
	}
}

// waitAttachmentReady polls until the uploaded file is parsed.
func (m *Model) waitAttachmentReady(convID, fileID string) tea.Cmd {
	attachments := m.controller.Attachments()
	return func() tea.Msg {
		err := attachments.WaitReady(context.Background(), convID, fileID)
		return attachmentReadyMsg{conversationID: convID, fileID: fileID, err: err}
	}
}
