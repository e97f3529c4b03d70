// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package dashscope

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk represents a single event from the completion SSE stream.
type StreamChunk struct {
	Output struct {
		Text      string `json:"text"`
		SessionID string `json:"session_id"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// GetText returns the incremental text of the chunk.
func (c *StreamChunk) GetText() string {
	return c.Output.Text
}

// GetSessionID returns the upstream session id carried by the chunk.
func (c *StreamChunk) GetSessionID() string {
	return c.Output.SessionID
}

// HasError returns true if the chunk carries an upstream error code.
func (c *StreamChunk) HasError() bool {
	return c.Code != ""
}

// StreamCallback is called for each received chunk.
type StreamCallback func(chunk StreamChunk)

// StreamError represents an error that occurred during streaming,
// preserving any partial content received before the error.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event from the stream and returns its
// event type and data. Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// An unterminated final event still counts.
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("event:")) {
			eventType = string(bytes.TrimSpace(line[6:]))
		} else if bytes.HasPrefix(line, []byte("data:")) {
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// Ignore other fields (id:, retry:, comments starting with :).
	}
}

// =============================================================================
// STREAMING COMPLETION
// =============================================================================

// Completion performs a streaming application completion request.
// The callback is called for each chunk received. The call is bounded
// entirely by ctx; no other timeout applies.
func (c *Client) Completion(ctx context.Context, appID string, reqBody CompletionRequest, callback StreamCallback) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	if appID == "" {
		return ErrNoAppID
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionURL(appID), bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}

	return c.processStream(ctx, resp.Body, callback)
}

// processStream reads and dispatches the SSE stream. Malformed data
// lines are skipped rather than failing the whole stream.
func (c *Client) processStream(ctx context.Context, body io.Reader, callback StreamCallback) error {
	reader := NewSSEReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}

		callback(chunk)
	}
}

// handleErrorResponse converts a non-OK completion response into an
// APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))

	var apiErr struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && (apiErr.Code != "" || apiErr.Message != "") {
		return &APIError{
			Code:      apiErr.Code,
			Message:   apiErr.Message,
			RequestID: apiErr.RequestID,
			Status:    resp.StatusCode,
		}
	}
	return &APIError{
		Message: string(bytes.TrimSpace(body)),
		Status:  resp.StatusCode,
	}
}

// CompletionAccumulate performs a streaming completion and returns the
// full accumulated text and the last seen session id. On failure the
// returned error is a *StreamError preserving any partial content.
func (c *Client) CompletionAccumulate(ctx context.Context, appID string, reqBody CompletionRequest) (string, string, error) {
	var text bytes.Buffer
	var sessionID string

	err := c.Completion(ctx, appID, reqBody, func(chunk StreamChunk) {
		text.WriteString(chunk.GetText())
		if id := chunk.GetSessionID(); id != "" {
			sessionID = id
		}
	})
	if err != nil {
		return text.String(), sessionID, &StreamError{
			Partial: text.String(),
			Err:     err,
		}
	}
	return text.String(), sessionID, nil
}
