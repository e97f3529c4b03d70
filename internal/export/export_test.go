// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashchat/internal/store"
)

func sampleConversation() *store.Conversation {
	return &store.Conversation{
		ID:         "conv-1",
		Title:      "Clean core basics",
		AIType:     "abap-clean-core",
		LastUpdate: time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC),
		Messages: []store.Message{
			{ID: "u1", Role: "user", Content: "What is clean core?", Timestamp: time.Date(2025, 6, 1, 14, 29, 0, 0, time.UTC)},
			{ID: "a1", Role: "assistant", Content: "Clean core means **extending** without modifying.", Timestamp: time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)},
		},
	}
}

func TestForFormat(t *testing.T) {
	for _, format := range []string{"", "txt", "md", "markdown", "json"} {
		_, err := ForFormat(format, nil)
		assert.NoError(t, err, format)
	}
	_, err := ForFormat("pdf", nil)
	assert.Error(t, err)
}

func TestTextExport(t *testing.T) {
	out, err := NewTextExporter(nil).Export(sampleConversation())
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "Clean core basics")
	assert.Contains(t, s, "You [2025-06-01 14:29]:")
	assert.Contains(t, s, "Assistant")
	assert.Contains(t, s, "What is clean core?")
}

func TestTextExport_WithoutMetadata(t *testing.T) {
	out, err := NewTextExporter(&Options{}).Export(sampleConversation())
	require.NoError(t, err)
	assert.NotContains(t, string(out), "assistant: abap-clean-core")
}

func TestMarkdownExport(t *testing.T) {
	out, err := NewMarkdownExporter(nil).Export(sampleConversation())
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "---\n")
	assert.Contains(t, s, `title: "Clean core basics"`)
	assert.Contains(t, s, "generator: dashchat")
	assert.Contains(t, s, "# Clean core basics")
	assert.Contains(t, s, "## You")
	assert.Contains(t, s, "## Assistant")
}

func TestMarkdownExport_EscapesTitleNewlines(t *testing.T) {
	conv := sampleConversation()
	conv.Title = "line one\nline two \"quoted\""

	out, err := NewMarkdownExporter(nil).Export(conv)
	require.NoError(t, err)
	assert.Contains(t, string(out), `title: "line one line two \"quoted\""`)
}

func TestJSONExport_RoundTrips(t *testing.T) {
	out, err := NewJSONExporter().Export(sampleConversation())
	require.NoError(t, err)

	var decoded store.Conversation
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "conv-1", decoded.ID)
	assert.Len(t, decoded.Messages, 2)
}

func TestExport_EmptyConversationRejected(t *testing.T) {
	conv := sampleConversation()
	conv.Messages = nil

	_, err := NewTextExporter(nil).Export(conv)
	assert.Error(t, err)
	_, err = NewMarkdownExporter(nil).Export(conv)
	assert.Error(t, err)
	_, err = NewJSONExporter().Export(conv)
	assert.Error(t, err)
}

func TestFilename(t *testing.T) {
	conv := sampleConversation()
	exp := NewMarkdownExporter(nil)
	assert.Equal(t, "clean-core-basics-20250601-1430.md", Filename(conv, exp))

	conv.Title = "///"
	assert.Equal(t, "conversation-20250601-1430.md", Filename(conv, NewJSONExporter()))
}
