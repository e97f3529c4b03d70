// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// sessions.go - stored conversation management.
//
// Subcommands:
//   dashchat sessions list
//   dashchat sessions show <id>
//   dashchat sessions export <id> [--format txt|md|json] [--output FILE]
//   dashchat sessions delete <id> --confirm
//   dashchat sessions clear --confirm
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"dashchat/internal/config"
	"dashchat/internal/continuity"
	"dashchat/internal/export"
	"dashchat/internal/store"
)

// HandleSessions dispatches the sessions subcommands.
func HandleSessions(cfg *config.Config, args Args) int {
	st, err := OpenStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open conversation store: %v\n", err)
		return 1
	}

	parser := NewArgParser(args.Raw)
	switch args.Subcommand {
	case "", "list":
		return sessionsList(st, args)
	case "show":
		return sessionsShow(st, parser)
	case "export":
		return sessionsExport(st, parser)
	case "delete":
		return sessionsDelete(st, parser)
	case "clear", "delete-all":
		return sessionsClear(st, parser)
	default:
		fmt.Fprintf(os.Stderr, "unknown sessions subcommand: %s\n", args.Subcommand)
		return 2
	}
}

// OpenStore opens the conversation store at the configured location.
func OpenStore(cfg *config.Config) (*store.Store, error) {
	path, err := cfg.ConversationsPath()
	if err != nil {
		return nil, err
	}
	st, err := store.NewStore(path)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.MaxConversations > 0 {
		st = st.WithMaxConversations(cfg.Storage.MaxConversations)
	}
	return st, nil
}

func sessionsList(st *store.Store, args Args) int {
	metas := st.List()
	if args.JSON {
		out, _ := json.MarshalIndent(metas, "", "  ")
		fmt.Println(string(out))
		return 0
	}
	if len(metas) == 0 {
		fmt.Println("no stored conversations")
		return 0
	}
	for _, meta := range metas {
		title := meta.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %-30s  %3d messages  %s\n",
			meta.ID, title, meta.MessageCount, meta.LastUpdate.Format("2006-01-02 15:04"))
	}
	return 0
}

func sessionsShow(st *store.Store, parser *ArgParser) int {
	id := parser.Positional(0)
	if id == "" {
		fmt.Fprintln(os.Stderr, "usage: dashchat sessions show <id>")
		return 2
	}
	conv, err := st.Get(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	title := conv.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Printf("%s\nassistant: %s\n", title, conv.AIType)
	if rounds := conv.SessionInfo.Rounds(); rounds > 0 {
		fmt.Printf("session rounds: %d\n", rounds)
	}
	fmt.Println(strings.Repeat("-", 60))
	for _, msg := range conv.Messages {
		speaker := "Assistant"
		if msg.Role == continuity.RoleUser {
			speaker = "You"
		}
		fmt.Printf("[%s] %s\n%s\n\n", msg.Timestamp.Format("15:04"), speaker, msg.Content)
	}
	return 0
}

func sessionsExport(st *store.Store, parser *ArgParser) int {
	id := parser.Positional(0)
	if id == "" {
		fmt.Fprintln(os.Stderr, "usage: dashchat sessions export <id> [--format txt|md|json] [--output FILE]")
		return 2
	}
	conv, err := st.Get(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	exporter, err := export.ForFormat(parser.FlagOrDefault("format", "txt"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	out, err := exporter.Export(conv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		return 1
	}

	path := parser.Flag("output")
	if path == "" {
		path = export.Filename(conv, exporter)
	}
	if path == "-" {
		fmt.Print(string(out))
		return 0
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "cannot write %s: %v\n", path, err)
		return 1
	}
	fmt.Printf("exported to %s\n", path)
	return 0
}

func sessionsDelete(st *store.Store, parser *ArgParser) int {
	id := parser.Positional(0)
	if id == "" {
		fmt.Fprintln(os.Stderr, "usage: dashchat sessions delete <id> --confirm")
		return 2
	}
	if !parser.HasFlag("confirm") {
		fmt.Fprintln(os.Stderr, "refusing to delete without --confirm")
		return 2
	}
	if err := st.Delete(id); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Printf("deleted %s\n", id)
	return 0
}

func sessionsClear(st *store.Store, parser *ArgParser) int {
	if !parser.HasFlag("confirm") {
		fmt.Fprintln(os.Stderr, "refusing to clear all conversations without --confirm")
		return 2
	}
	n := st.Len()
	if err := st.Clear(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Printf("deleted %d conversations\n", n)
	return 0
}
