// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// args.go - small positional/flag parser for subcommand arguments.
package cli

import (
	"strings"
)

// ArgParser splits subcommand arguments into positionals and --flags.
// Flags may appear as "--name value" or "--name=value"; bare flags are
// recorded with an empty value.
type ArgParser struct {
	positionals []string
	flags       map[string]string
}

// boolValueFlags take no argument; the token after them stays positional.
var boolValueFlags = map[string]bool{
	"confirm": true,
	"json":    true,
}

// NewArgParser parses raw subcommand arguments.
func NewArgParser(raw []string) *ArgParser {
	p := &ArgParser{
		flags: make(map[string]string),
	}

	i := 0
	for i < len(raw) {
		arg := raw[i]
		if strings.HasPrefix(arg, "--") {
			name := strings.TrimPrefix(arg, "--")
			if eq := strings.Index(name, "="); eq >= 0 {
				p.flags[name[:eq]] = name[eq+1:]
			} else if !boolValueFlags[name] && i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "--") {
				p.flags[name] = raw[i+1]
				i++
			} else {
				p.flags[name] = ""
			}
		} else {
			p.positionals = append(p.positionals, arg)
		}
		i++
	}
	return p
}

// Flag returns the value of a named flag, or "" when absent.
func (p *ArgParser) Flag(name string) string {
	return p.flags[name]
}

// FlagOrDefault returns the flag value or the default when absent.
func (p *ArgParser) FlagOrDefault(name, defaultValue string) string {
	if v, ok := p.flags[name]; ok && v != "" {
		return v
	}
	return defaultValue
}

// HasFlag reports whether a flag was given, with or without a value.
func (p *ArgParser) HasFlag(name string) bool {
	_, ok := p.flags[name]
	return ok
}

// Positional returns the positional argument at index, or "".
func (p *ArgParser) Positional(index int) string {
	if index < len(p.positionals) {
		return p.positionals[index]
	}
	return ""
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int {
	return len(p.positionals)
}
