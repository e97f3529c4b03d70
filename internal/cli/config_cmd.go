// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - configuration inspection.
//
// Subcommands:
//   dashchat config show    Print the effective configuration (secrets redacted)
//   dashchat config path    Print the config file location
//   dashchat config init    Write a default config file
package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"dashchat/internal/config"
)

const redacted = "***"

// HandleConfig dispatches the config subcommands.
func HandleConfig(cfg *config.Config, args Args) int {
	switch args.Subcommand {
	case "", "show":
		return configShow(cfg)
	case "path":
		path, err := config.ConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Println(path)
		return 0
	case "init":
		return configInit()
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n", args.Subcommand)
		return 2
	}
}

func configShow(cfg *config.Config) int {
	// Print a copy with credentials masked.
	shown := *cfg
	if shown.DashScope.APIKey != "" {
		shown.DashScope.APIKey = redacted
	}
	if shown.Bailian.AccessKeyID != "" {
		shown.Bailian.AccessKeyID = redacted
	}
	if shown.Bailian.AccessKeySecret != "" {
		shown.Bailian.AccessKeySecret = redacted
	}

	if err := toml.NewEncoder(os.Stdout).Encode(shown); err != nil {
		fmt.Fprintf(os.Stderr, "cannot encode config: %v\n", err)
		return 1
	}
	return 0
}

func configInit() int {
	path, err := config.ConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists: %s\n", path)
		return 1
	}
	if err := config.Save(config.Default()); err != nil {
		fmt.Fprintf(os.Stderr, "cannot write config: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\n", path)
	return 0
}
