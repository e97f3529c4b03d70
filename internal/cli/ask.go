// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - single question command handler.
//
// Sends one question through the relay and prints the streamed answer.
//
// Examples:
//   dashchat ask "How do I release an internal table?"
//   dashchat ask --assistant abap-clean-core "Explain VALUE #( )"
//   dashchat ask --json "question" > answer.json
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"dashchat/internal/client"
	"dashchat/internal/config"
)

const askTimeout = 5 * time.Minute

// markdownRenderer renders answers for terminal display. Nil when the
// renderer cannot be built; output falls back to plain text.
var markdownRenderer *glamour.TermRenderer

func init() {
	var err error
	markdownRenderer, err = glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		markdownRenderer = nil
	}
}

func renderMarkdown(content string) string {
	if markdownRenderer == nil {
		return content
	}
	out, err := markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return out
}

// askResult is the --json output shape.
type askResult struct {
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Assistant string `json:"assistant"`
	SessionID string `json:"sessionId,omitempty"`
}

// HandleAsk sends a single question and prints the answer.
func HandleAsk(cfg *config.Config, args Args) int {
	question := strings.TrimSpace(args.Query)
	if question == "" {
		fmt.Fprintln(os.Stderr, "usage: dashchat ask \"question\"")
		return 2
	}

	assistant := args.Assistant
	if assistant == "" {
		assistant = cfg.Client.DefaultAssistant
	}

	relay := client.NewRelay(ServerURL(cfg, args))
	ctx, cancel := context.WithTimeout(context.Background(), askTimeout)
	defer cancel()

	var answer strings.Builder
	var sessionID string
	err := relay.Stream(ctx, client.StreamRequest{
		Message: question,
		AIType:  assistant,
	}, func(ev client.RelayEvent) {
		answer.WriteString(ev.Text)
		if sessionID == "" {
			sessionID = ev.SessionID
		}
		if !args.JSON && args.Verbose {
			// Stream raw chunks as they arrive.
			fmt.Print(ev.Text)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ask failed: %v\n", err)
		return 1
	}

	if args.JSON {
		out, _ := json.MarshalIndent(askResult{
			Question:  question,
			Answer:    answer.String(),
			Assistant: assistant,
			SessionID: sessionID,
		}, "", "  ")
		fmt.Println(string(out))
		return 0
	}

	if args.Verbose {
		// Chunks were already printed raw.
		fmt.Println()
		return 0
	}
	fmt.Print(renderMarkdown(answer.String()))
	return 0
}

// ServerURL resolves the relay URL: flag, then environment, then config.
func ServerURL(cfg *config.Config, args Args) string {
	if args.Server != "" {
		return args.Server
	}
	if url := os.Getenv("DASHCHAT_SERVER_URL"); url != "" {
		return url
	}
	return cfg.Client.ServerURL
}
