// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dashscope implements the upstream Alibaba Bailian/DashScope
// clients: the streaming application-completion API and the session-file
// service (upload lease, registration, parse status).
package dashscope

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dashchat/internal/continuity"
)

// Configuration constants for the DashScope API.
const (
	// DefaultBaseURL is the completion API origin.
	DefaultBaseURL = "https://dashscope.aliyuncs.com"

	// DefaultTimeout is the default timeout for unary API requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed error response body size.
	MaxResponseSize = 10 * 1024 * 1024
)

var (
	// Shared HTTP client with connection pooling for unary requests.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient has no client timeout; streaming calls are
	// bounded through their context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// Error variables for common DashScope errors.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("DashScope API key not configured")

	// ErrNoAppID indicates no application id could be resolved.
	ErrNoAppID = errors.New("no DashScope application id configured")
)

// APIError represents an error response from the DashScope API.
type APIError struct {
	Code      string
	Message   string
	RequestID string
	Status    int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("DashScope error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("DashScope error (HTTP %d): %s", e.Status, e.Message)
}

// CompletionInput is the input block of a completion request. Exactly
// one continuity shape is populated: prompt alone, prompt plus session
// id, or prompt plus a replayed message history.
type CompletionInput struct {
	Prompt    string            `json:"prompt"`
	SessionID string            `json:"session_id,omitempty"`
	Messages  []continuity.Turn `json:"messages,omitempty"`
}

// RagOptions attaches registered session files to a completion request.
type RagOptions struct {
	SessionFileIDs []string `json:"session_file_ids"`
}

// CompletionParameters is the parameters block of a completion request.
type CompletionParameters struct {
	IncrementalOutput bool        `json:"incremental_output"`
	RagOptions        *RagOptions `json:"rag_options,omitempty"`
}

// CompletionRequest is the body sent to the application completion
// endpoint.
type CompletionRequest struct {
	Input      CompletionInput      `json:"input"`
	Parameters CompletionParameters `json:"parameters"`
}

// Client is a client for the DashScope application completion API.
type Client struct {
	apiKey       string
	baseURL      string
	workspaceID  string
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a new DashScope client with the given API key.
// If the key is empty the client is still created, but completion calls
// fail with ErrNotConfigured.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      DefaultBaseURL,
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
	}
}

// WithBaseURL sets a custom API origin. Used by tests.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithWorkspace sets the workspace id sent as X-DashScope-WorkSpace.
func (c *Client) WithWorkspace(id string) *Client {
	c.workspaceID = id
	return c
}

// IsConfigured returns true if the client has an API key configured.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// completionURL builds the endpoint for an application id.
func (c *Client) completionURL(appID string) string {
	return fmt.Sprintf("%s/api/v1/apps/%s/completion", c.baseURL, appID)
}

// setHeaders applies the authentication and SSE headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DashScope-SSE", "enable")
	if c.workspaceID != "" {
		req.Header.Set("X-DashScope-WorkSpace", c.workspaceID)
	}
}
