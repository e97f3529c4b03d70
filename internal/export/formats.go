// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dashchat/internal/continuity"
	"dashchat/internal/store"
)

// =============================================================================
// TEXT EXPORTER
// =============================================================================

// TextExporter renders a plain text transcript.
type TextExporter struct {
	options *Options
}

// NewTextExporter creates a plain text exporter.
func NewTextExporter(opts *Options) *TextExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &TextExporter{options: opts}
}

func (e *TextExporter) Extension() string { return ".txt" }

// Export converts a conversation to plain text.
func (e *TextExporter) Export(conv *store.Conversation) ([]byte, error) {
	if err := validate(conv); err != nil {
		return nil, err
	}

	var sb strings.Builder
	if e.options.IncludeMetadata {
		sb.WriteString(fmt.Sprintf("%s\n", displayTitle(conv)))
		sb.WriteString(fmt.Sprintf("assistant: %s\n", conv.AIType))
		sb.WriteString(fmt.Sprintf("messages: %d\n", len(conv.Messages)))
		sb.WriteString(strings.Repeat("=", 60) + "\n\n")
	}
	for _, msg := range conv.Messages {
		sb.WriteString(speaker(msg.Role))
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			sb.WriteString(" [" + msg.Timestamp.Format("2006-01-02 15:04") + "]")
		}
		sb.WriteString(":\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
	}
	return []byte(sb.String()), nil
}

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter renders a Markdown transcript with YAML frontmatter.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

func (e *MarkdownExporter) Extension() string { return ".md" }

// Export converts a conversation to Markdown.
func (e *MarkdownExporter) Export(conv *store.Conversation) ([]byte, error) {
	if err := validate(conv); err != nil {
		return nil, err
	}

	var sb strings.Builder
	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		sb.WriteString(fmt.Sprintf("title: %s\n", escapeYAML(displayTitle(conv))))
		sb.WriteString(fmt.Sprintf("assistant: %s\n", conv.AIType))
		sb.WriteString(fmt.Sprintf("updated: %s\n", conv.LastUpdate.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("messages: %d\n", len(conv.Messages)))
		sb.WriteString(fmt.Sprintf("exported: %s\n", time.Now().Format(time.RFC3339)))
		sb.WriteString("generator: dashchat\n")
		sb.WriteString("---\n\n")
	}
	sb.WriteString("# " + displayTitle(conv) + "\n\n")
	for _, msg := range conv.Messages {
		sb.WriteString("## " + speaker(msg.Role))
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			sb.WriteString(" (" + msg.Timestamp.Format("2006-01-02 15:04") + ")")
		}
		sb.WriteString("\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
	}
	return []byte(sb.String()), nil
}

// escapeYAML quotes a frontmatter value; newlines must not break the
// header structure.
func escapeYAML(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", " ")
	return "\"" + s + "\""
}

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter renders the stored conversation verbatim as indented JSON.
type JSONExporter struct{}

// NewJSONExporter creates a JSON exporter.
func NewJSONExporter() *JSONExporter {
	return &JSONExporter{}
}

func (e *JSONExporter) Extension() string { return ".json" }

// Export converts a conversation to indented JSON.
func (e *JSONExporter) Export(conv *store.Conversation) ([]byte, error) {
	if err := validate(conv); err != nil {
		return nil, err
	}
	return json.MarshalIndent(conv, "", "  ")
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

func displayTitle(conv *store.Conversation) string {
	if conv.Title != "" {
		return conv.Title
	}
	return "Conversation"
}

func speaker(role string) string {
	if role == continuity.RoleUser {
		return "You"
	}
	return "Assistant"
}
