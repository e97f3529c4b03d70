// dashchat - terminal chat client and relay server for DashScope assistants.
//
// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"dashchat/internal/cli"
	"dashchat/internal/client"
	"dashchat/internal/config"
	"dashchat/internal/ui/chat"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	// Credentials commonly live in a local .env during development.
	_ = godotenv.Load()

	cmd, args := cli.Parse()

	switch cmd {
	case cli.CmdVersion:
		cli.PrintVersion()
		return
	case cli.CmdHelp:
		cli.PrintUsage()
		return
	}

	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	config.SetGlobal(cfg)

	switch cmd {
	case cli.CmdServe:
		os.Exit(cli.HandleServe(cfg, args))
	case cli.CmdAsk:
		os.Exit(cli.HandleAsk(cfg, args))
	case cli.CmdSessions:
		os.Exit(cli.HandleSessions(cfg, args))
	case cli.CmdConfig:
		os.Exit(cli.HandleConfig(cfg, args))
	case cli.CmdStatus:
		os.Exit(cli.HandleStatus(cfg, args))
	default:
		os.Exit(runTUI(cfg, args))
	}
}

func loadConfig(args cli.Args) (*config.Config, error) {
	if args.ConfigPath != "" {
		return config.LoadFromPath(args.ConfigPath)
	}
	return config.Load()
}

// runTUI starts the interactive chat interface.
func runTUI(cfg *config.Config, args cli.Args) int {
	st, err := cli.OpenStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open conversation store: %v\n", err)
		return 1
	}

	relay := client.NewRelay(cli.ServerURL(cfg, args))
	controller := client.NewController(cfg, st, relay)

	model, err := chat.New(cfg, st, controller)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot start chat: %v\n", err)
		return 1
	}

	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat interface error: %v\n", err)
		return 1
	}
	return 0
}
