// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - argument parsing and command dispatch for dashchat.
package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdTUI Command = iota
	CmdServe
	CmdAsk
	CmdSessions
	CmdConfig
	CmdStatus
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON    bool
	Quiet   bool
	Verbose bool
	// ConfigPath overrides the default config file location.
	ConfigPath string
	// Server overrides the relay URL for client commands.
	Server string

	// Command-specific
	Query      string
	Assistant  string
	Subcommand string

	// Raw args remaining after flag parsing
	Raw []string

	// Options holds command-specific named options (e.g., --format)
	Options map[string]string
}

const usageText = `dashchat - terminal chat client and relay server for DashScope assistants

Usage:
  dashchat                     Start the chat TUI (default)
  dashchat serve               Run the relay server
  dashchat ask "question"      Ask a single question and print the answer
  dashchat sessions [subcommand]  Manage stored conversations
  dashchat config [show|path]  Configuration
  dashchat status              Check relay server health
  dashchat version             Show version information
  dashchat help                Show this help

Ask Command:
  dashchat ask "question"
    --assistant NAME           Assistant type (default from config)
    --json                     Print the full answer as JSON

Sessions Commands:
  dashchat sessions list       List stored conversations
  dashchat sessions show <id>  Print a conversation transcript
  dashchat sessions export <id>  Export a conversation
    --format txt|md|json       Export format (default: txt)
    --output FILE              Destination ("-" for stdout)
  dashchat sessions delete <id>  Delete a conversation
    --confirm                  Required confirmation flag
  dashchat sessions clear      Delete all conversations
    --confirm                  Required confirmation flag

Global Flags:
  --config PATH                Config file to load
  --server URL                 Relay server URL (client commands)
  --json                       JSON output where supported
  -q, --quiet                  Minimal output
  -v, --verbose                Verbose output

Environment:
  DASHSCOPE_API_KEY            Upstream API key (server)
  DASHSCOPE_WORKSPACE_ID       Completion workspace header (server)
  BAILIAN_ACCESS_KEY_ID / BAILIAN_ACCESS_KEY_SECRET  File service credentials (server, file uploads)
  BAILIAN_WORKSPACE_ID         File service workspace (server, file uploads)
  DASHCHAT_SERVER_URL          Relay URL for the client
`

// PrintUsage prints the full usage text.
func PrintUsage() {
	fmt.Print(usageText)
}

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Printf("dashchat %s\n", Version)
	fmt.Printf("  commit: %s\n", GitCommit)
	fmt.Printf("  built:  %s\n", BuildDate)
	fmt.Printf("  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Parse parses os.Args into a command and its arguments.
func Parse() (Command, Args) {
	return parse(os.Args[1:])
}

func parse(args []string) (Command, Args) {
	remaining, parsed := parseGlobalFlags(args)

	if len(remaining) == 0 {
		return CmdTUI, parsed
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsed.Raw = remaining

	switch cmd {
	case "tui", "chat":
		return CmdTUI, parsed

	case "serve", "server":
		return CmdServe, parsed

	case "ask":
		parseAskArgs(&parsed, remaining)
		return CmdAsk, parsed

	case "sessions", "session":
		if len(remaining) > 0 {
			parsed.Subcommand = remaining[0]
			parsed.Raw = remaining[1:]
		}
		return CmdSessions, parsed

	case "config":
		if len(remaining) > 0 {
			parsed.Subcommand = remaining[0]
			parsed.Raw = remaining[1:]
		}
		return CmdConfig, parsed

	case "status", "s":
		return CmdStatus, parsed

	case "version", "--version":
		return CmdVersion, parsed

	case "help", "-h", "--help":
		return CmdHelp, parsed

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		return CmdHelp, parsed
	}
}

func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	parsed := Args{
		Options: make(map[string]string),
	}

	i := 0
	for i < len(args) {
		arg := args[i]

		switch arg {
		case "-q", "--quiet":
			parsed.Quiet = true
		case "-v", "--verbose":
			parsed.Verbose = true
		case "--json":
			parsed.JSON = true
		case "--config":
			if i+1 < len(args) {
				i++
				parsed.ConfigPath = args[i]
			}
		case "--server":
			if i+1 < len(args) {
				i++
				parsed.Server = args[i]
			}
		default:
			switch {
			case strings.HasPrefix(arg, "--config="):
				parsed.ConfigPath = strings.TrimPrefix(arg, "--config=")
			case strings.HasPrefix(arg, "--server="):
				parsed.Server = strings.TrimPrefix(arg, "--server=")
			default:
				remaining = append(remaining, arg)
			}
		}
		i++
	}

	return remaining, parsed
}

// parseAskArgs collects the question text and ask-specific flags.
func parseAskArgs(args *Args, remaining []string) {
	var queryParts []string
	i := 0
	for i < len(remaining) {
		arg := remaining[i]
		switch {
		case arg == "--assistant" || arg == "-a":
			if i+1 < len(remaining) {
				i++
				args.Assistant = remaining[i]
			}
		case strings.HasPrefix(arg, "--assistant="):
			args.Assistant = strings.TrimPrefix(arg, "--assistant=")
		default:
			queryParts = append(queryParts, arg)
		}
		i++
	}
	args.Query = strings.Join(queryParts, " ")
}
