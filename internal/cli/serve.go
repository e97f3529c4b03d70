// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - the relay server command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dashchat/internal/config"
	"dashchat/internal/server"
)

const shutdownTimeout = 10 * time.Second

// HandleServe runs the relay server until SIGINT or SIGTERM.
func HandleServe(cfg *config.Config, args Args) int {
	if !cfg.ChatConfigured() && !args.Quiet {
		fmt.Fprintln(os.Stderr, "warning: DASHSCOPE_API_KEY or app ids missing, chat requests will fail")
	}

	srv := server.NewServer(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		return 1
	}
	return 0
}
