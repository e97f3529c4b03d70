// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders stored conversations as shareable documents.
package export

import (
	"fmt"
	"strings"
	"time"

	"dashchat/internal/store"
)

// =============================================================================
// OPTIONS AND DISPATCH
// =============================================================================

// Options controls export output.
type Options struct {
	// IncludeMetadata adds a metadata header to the output.
	IncludeMetadata bool
	// IncludeTimestamps prefixes each message with its time.
	IncludeTimestamps bool
}

// DefaultOptions returns the default export options.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
	}
}

// Exporter converts a conversation to an output document.
type Exporter interface {
	Export(conv *store.Conversation) ([]byte, error)
	// Extension returns the file extension for this format, with dot.
	Extension() string
}

// ForFormat returns the exporter for a format name.
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(format) {
	case "", "txt", "text":
		return NewTextExporter(opts), nil
	case "md", "markdown":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(), nil
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

func validate(conv *store.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation is nil")
	}
	if len(conv.Messages) == 0 {
		return fmt.Errorf("conversation has no messages")
	}
	return nil
}

// =============================================================================
// FILENAMES
// =============================================================================

// Filename builds a safe default file name for an exported conversation.
func Filename(conv *store.Conversation, exporter Exporter) string {
	title := sanitizeFilename(conv.Title)
	if title == "" {
		title = "conversation"
	}
	stamp := conv.LastUpdate
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return fmt.Sprintf("%s-%s%s", title, stamp.Format("20060102-1504"), exporter.Extension())
}

// sanitizeFilename keeps letters, digits, dash and underscore; runs of
// anything else collapse to a single dash.
func sanitizeFilename(s string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(sb.String(), "-")
}
