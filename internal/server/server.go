// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server implements the streaming relay between chat clients and
// the DashScope application API.
//
// Endpoints:
//   - POST /api/chat/stream                   - relay one chat turn as SSE
//   - POST /api/files/session                 - upload a session file
//   - GET  /api/files/session/{fileId}/status - poll file parse status
//   - GET  /health                            - health check
//
// The chat endpoint keeps the upstream API key on the server: clients send
// plain chat turns, the relay attaches credentials, re-frames the upstream
// SSE stream, and forwards only the delta text and session id.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"dashchat/internal/config"
	"dashchat/internal/continuity"
	"dashchat/internal/dashscope"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize is the maximum size for a chat request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// Version is the server version.
	Version = "1.0.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP relay server.
type Server struct {
	cfg    *config.Config
	router *http.ServeMux
	server *http.Server

	chat  *dashscope.Client
	files *dashscope.FileClient

	mu sync.RWMutex
}

// NewServer creates a Server wired to the upstream clients described by cfg.
func NewServer(cfg *config.Config) *Server {
	s := &Server{
		cfg:    cfg,
		router: http.NewServeMux(),
		chat: dashscope.NewClient(cfg.DashScope.APIKey).
			WithBaseURL(cfg.DashScope.BaseURL).
			WithWorkspace(cfg.DashScope.WorkspaceID),
		files: dashscope.NewFileClient(
			cfg.Bailian.AccessKeyID,
			cfg.Bailian.AccessKeySecret,
			cfg.Bailian.Endpoint,
			cfg.Bailian.WorkspaceID,
		),
	}

	s.setupRoutes()
	return s
}

// WithChatClient sets a custom DashScope completion client.
func (s *Server) WithChatClient(client *dashscope.Client) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat = client
	return s
}

// WithFileClient sets a custom Bailian file client.
func (s *Server) WithFileClient(client *dashscope.FileClient) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = client
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /api/chat/stream", s.handleChatStream)

	s.router.HandleFunc("POST /api/files/session", s.handleFileUpload)
	s.router.HandleFunc("GET /api/files/session/{fileId}/status", s.handleFileStatus)

	s.router.HandleFunc("GET /health", s.handleHealth)
}

// ============================================================================
// CHAT TYPES
// ============================================================================

// ChatRequest is one chat turn submitted by a client.
type ChatRequest struct {
	Message        string                  `json:"message"`
	AIType         string                  `json:"aiType"`
	SessionID      string                  `json:"sessionId,omitempty"`
	SessionInfo    *continuity.SessionInfo `json:"sessionInfo,omitempty"`
	Messages       []continuity.Turn       `json:"messages,omitempty"`
	SessionFileIDs []string                `json:"sessionFileIds,omitempty"`
}

// ChatStreamFrame is one SSE data frame sent back to the client.
// Text frames carry the incremental delta and, when the upstream reports
// one, the session id. Error frames carry only the error message.
type ChatStreamFrame struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// handleChatStream handles POST /api/chat/stream.
//
// The request is validated, the continuity mode is decided server-side from
// the client's claimed session state, and the upstream SSE stream is
// re-framed into ChatStreamFrame events. The stream ends with "data: [DONE]"
// on success; upstream or timeout failures end the stream with a single
// error frame instead.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	s.mu.RLock()
	chat := s.chat
	s.mu.RUnlock()

	appID := s.cfg.AppIDFor(req.AIType)
	if appID == "" || chat == nil || !chat.IsConfigured() {
		log.Printf("CHAT_CONFIG_MISSING | aiType=%s", req.AIType)
		s.sendStreamFrame(w, flusher, ChatStreamFrame{Error: "AI service is not configured"})
		return
	}

	upstream := dashscope.CompletionRequest{
		Input:      dashscope.CompletionInput{Prompt: req.Message},
		Parameters: dashscope.CompletionParameters{IncrementalOutput: true},
	}

	// The session decision is recomputed here rather than trusted from the
	// client, so a stale session id degrades to history replay instead of
	// failing upstream.
	mode := continuity.Decide(req.SessionID, req.SessionInfo, time.Now())
	switch {
	case mode == continuity.ModeSession:
		upstream.Input.SessionID = req.SessionID
		log.Printf("CHAT_MODE | mode=%s rounds=%d", mode, req.SessionInfo.Rounds())
	case len(req.Messages) > 0:
		upstream.Input.Messages = req.Messages
		log.Printf("CHAT_MODE | mode=%s history=%d", continuity.ModeFallback, len(req.Messages))
	default:
		log.Printf("CHAT_MODE | mode=%s", continuity.ModeNew)
	}

	if valid := dashscope.FilterSessionFileIDs(req.SessionFileIDs); len(valid) > 0 {
		upstream.Parameters.RagOptions = &dashscope.RagOptions{SessionFileIDs: valid}
		log.Printf("CHAT_SESSION_FILES | count=%d", len(valid))
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.Server.StreamTimeoutSecs)*time.Second)
	defer cancel()

	err := chat.Completion(ctx, appID, upstream, func(chunk dashscope.StreamChunk) {
		text := chunk.GetText()
		if text == "" {
			return
		}
		s.sendStreamFrame(w, flusher, ChatStreamFrame{
			Text:      text,
			SessionID: chunk.GetSessionID(),
		})
	})

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("CHAT_STREAM_TIMEOUT | aiType=%s timeout=%ds", req.AIType, s.cfg.Server.StreamTimeoutSecs)
			s.sendStreamFrame(w, flusher, ChatStreamFrame{Error: "AI service response timed out, please retry"})
		} else {
			log.Printf("CHAT_STREAM_ERROR | aiType=%s error=%v", req.AIType, err)
			s.sendStreamFrame(w, flusher, ChatStreamFrame{Error: "AI service request failed"})
		}
		return
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// sendStreamFrame sends a single SSE data frame.
func (s *Server) sendStreamFrame(w http.ResponseWriter, flusher http.Flusher, frame ChatStreamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	ChatStatus string `json:"chat_status"`
	FileStatus string `json:"file_status"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	chat := s.chat
	files := s.files
	s.mu.RUnlock()

	health := HealthResponse{
		Status:     "ok",
		Version:    Version,
		ChatStatus: "not_configured",
		FileStatus: "not_configured",
	}

	if chat != nil && chat.IsConfigured() {
		health.ChatStatus = "configured"
	} else {
		health.Status = "degraded"
	}

	if files != nil && files.IsConfigured() {
		health.FileStatus = "configured"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		LoggingMiddleware(log.Default()),
		CORSMiddleware(DefaultCORSConfig()),
	}
	if s.cfg.Server.RateLimitPerSec > 0 {
		middlewares = append(middlewares, RateLimitMiddleware(
			NewRateLimiter(s.cfg.Server.RateLimitPerSec, s.cfg.Server.RateLimitBurst),
		))
	}
	handler := Chain(middlewares...)(s.router)

	s.server = &http.Server{
		Addr:        s.Addr(),
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// WriteTimeout must outlast the upstream stream timeout or long
		// completions get cut off mid-stream.
		WriteTimeout: 2 * time.Duration(s.cfg.Server.StreamTimeoutSecs) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", s.Addr(), Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a flat JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}

// writeErrorCode writes a JSON error response with a machine-readable code.
func (s *Server) writeErrorCode(w http.ResponseWriter, status int, message, code string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
