// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client implements the chat-side consumer of the relay server:
// the SSE stream reader, the conversation controller that drives one chat
// turn end to end, and the session file attachment manager.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"dashchat/internal/continuity"
	"dashchat/internal/dashscope"
)

// sharedUnaryClient is used for request/response calls (uploads, status).
var sharedUnaryClient = &http.Client{
	Timeout: 2 * time.Minute,
	Transport: &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	},
}

// sharedStreamingClient has no client timeout; streams are bounded by the
// caller's context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	},
}

// ErrInterrupted indicates the stream ended before the terminal [DONE]
// marker arrived. Any text received up to that point is still usable.
var ErrInterrupted = errors.New("stream interrupted before completion")

// RelayError is an error frame sent by the relay on an open stream.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	return e.Message
}

// StreamRequest is one chat turn submitted to the relay.
type StreamRequest struct {
	Message        string                  `json:"message"`
	AIType         string                  `json:"aiType"`
	SessionID      string                  `json:"sessionId,omitempty"`
	SessionInfo    *continuity.SessionInfo `json:"sessionInfo,omitempty"`
	Messages       []continuity.Turn       `json:"messages,omitempty"`
	SessionFileIDs []string                `json:"sessionFileIds,omitempty"`
}

// RelayEvent is one decoded text frame from the relay stream.
type RelayEvent struct {
	Text      string
	SessionID string
}

// Relay is the HTTP client for the relay server.
type Relay struct {
	baseURL      string
	unaryClient  *http.Client
	streamClient *http.Client
}

// NewRelay creates a Relay talking to the given base URL
// (e.g. "http://127.0.0.1:4004").
func NewRelay(baseURL string) *Relay {
	return &Relay{
		baseURL:      strings.TrimRight(baseURL, "/"),
		unaryClient:  sharedUnaryClient,
		streamClient: sharedStreamingClient,
	}
}

// BaseURL returns the relay base URL.
func (r *Relay) BaseURL() string {
	return r.baseURL
}

// Stream performs one chat turn and calls onEvent for every text frame.
//
// Returns nil when the stream ends with [DONE], a *RelayError when the
// relay reports a failure on the open stream, and ErrInterrupted when the
// connection drops mid-stream. Partial text delivered before a failure has
// already been handed to onEvent.
func (r *Relay) Stream(ctx context.Context, req StreamRequest, onEvent func(RelayEvent)) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := r.streamClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return r.handleErrorResponse(resp)
	}

	reader := dashscope.NewSSEReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// The relay always terminates with [DONE]; an EOF first
				// means the connection died.
				return ErrInterrupted
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var frame struct {
			Text      string `json:"text"`
			SessionID string `json:"sessionId"`
			Error     string `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.Error != "" {
			return &RelayError{Message: frame.Error}
		}
		if frame.Text != "" {
			onEvent(RelayEvent{Text: frame.Text, SessionID: frame.SessionID})
		}
	}
}

// handleErrorResponse converts a non-OK relay response into an error.
func (r *Relay) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return &RelayError{Message: apiErr.Error}
	}
	return fmt.Errorf("relay returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
