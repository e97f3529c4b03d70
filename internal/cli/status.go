// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - relay health check command.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"dashchat/internal/config"
)

const statusTimeout = 5 * time.Second

// healthReport mirrors the relay's health response.
type healthReport struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	ChatStatus string `json:"chat_status"`
	FileStatus string `json:"file_status"`
}

// HandleStatus queries the relay's health endpoint.
func HandleStatus(cfg *config.Config, args Args) int {
	base := ServerURL(cfg, args)

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid server URL: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay unreachable at %s: %v\n", base, err)
		return 1
	}
	defer resp.Body.Close()

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		fmt.Fprintf(os.Stderr, "unexpected health response: %v\n", err)
		return 1
	}

	if args.JSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Printf("relay:   %s (%s)\n", report.Status, base)
		fmt.Printf("version: %s\n", report.Version)
		fmt.Printf("chat:    %s\n", report.ChatStatus)
		fmt.Printf("files:   %s\n", report.FileStatus)
	}

	if report.Status != "ok" {
		return 1
	}
	return 0
}
