// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashchat/internal/config"
	"dashchat/internal/continuity"
	"dashchat/internal/dashscope"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// upstreamRequest mirrors the completion request body for assertions.
type upstreamRequest struct {
	Input struct {
		Prompt    string            `json:"prompt"`
		SessionID string            `json:"session_id"`
		Messages  []continuity.Turn `json:"messages"`
	} `json:"input"`
	Parameters struct {
		IncrementalOutput bool `json:"incremental_output"`
		RagOptions        *struct {
			SessionFileIDs []string `json:"session_file_ids"`
		} `json:"rag_options"`
	} `json:"parameters"`
}

// fakeUpstream is a recording stand-in for the completion API.
type fakeUpstream struct {
	requests []upstreamRequest
	paths    []string
	frames   []string
	status   int
}

func newFakeUpstream(frames ...string) *fakeUpstream {
	return &fakeUpstream{frames: frames, status: http.StatusOK}
}

func (f *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req upstreamRequest
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)

		f.requests = append(f.requests, req)
		f.paths = append(f.paths, r.URL.Path)

		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			fmt.Fprintf(w, `{"code":"InternalError","message":"boom"}`)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range f.frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}
}

// newTestServer builds a relay wired to the given fake completion upstream.
func newTestServer(t *testing.T, fake *fakeUpstream) (*Server, *httptest.Server) {
	t.Helper()

	upstream := httptest.NewServer(fake.handler())
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.DashScope.APIKey = "test-key"
	cfg.DashScope.DefaultAppID = "app-default"
	cfg.DashScope.Apps = map[string]string{"cpi": "app-cpi"}

	srv := NewServer(cfg).WithChatClient(
		dashscope.NewClient("test-key").WithBaseURL(upstream.URL),
	)

	relay := httptest.NewServer(srv.router)
	t.Cleanup(relay.Close)

	return srv, relay
}

func postChat(t *testing.T, relay *httptest.Server, body string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Post(relay.URL+"/api/chat/stream", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

// =============================================================================
// CHAT STREAM TESTS
// =============================================================================

func TestChatStream_ReframesUpstreamFrames(t *testing.T) {
	fake := newFakeUpstream(
		`{"output":{"text":"Hello","session_id":"sess-1"}}`,
		`{"output":{"text":" world","session_id":"sess-1"}}`,
	)
	_, relay := newTestServer(t, fake)

	resp, body := postChat(t, relay, `{"message":"hi","aiType":"abap-clean-core"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	want := "data: {\"text\":\"Hello\",\"sessionId\":\"sess-1\"}\n\n" +
		"data: {\"text\":\" world\",\"sessionId\":\"sess-1\"}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, body)
}

func TestChatStream_OmitsEmptySessionID(t *testing.T) {
	fake := newFakeUpstream(`{"output":{"text":"hi there"}}`)
	_, relay := newTestServer(t, fake)

	_, body := postChat(t, relay, `{"message":"hi"}`)

	assert.Contains(t, body, "data: {\"text\":\"hi there\"}\n\n")
	assert.NotContains(t, body, "sessionId")
}

func TestChatStream_SkipsFramesWithoutText(t *testing.T) {
	fake := newFakeUpstream(
		`{"output":{"session_id":"sess-1"}}`,
		`{"output":{"text":"answer","session_id":"sess-1"}}`,
	)
	_, relay := newTestServer(t, fake)

	_, body := postChat(t, relay, `{"message":"hi"}`)

	want := "data: {\"text\":\"answer\",\"sessionId\":\"sess-1\"}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, body)
}

func TestChatStream_MissingMessage(t *testing.T) {
	fake := newFakeUpstream()
	_, relay := newTestServer(t, fake)

	for _, body := range []string{`{}`, `{"message":"   "}`} {
		resp, got := postChat(t, relay, body)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, got, `"error"`)
		assert.Empty(t, fake.requests, "upstream must not be called")
	}
}

func TestChatStream_InvalidJSON(t *testing.T) {
	fake := newFakeUpstream()
	_, relay := newTestServer(t, fake)

	resp, _ := postChat(t, relay, `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatStream_SessionMode(t *testing.T) {
	fake := newFakeUpstream(`{"output":{"text":"ok","session_id":"sess-9"}}`)
	_, relay := newTestServer(t, fake)

	info := continuity.SessionInfo{CreatedAt: time.Now(), RoundCount: 3}
	infoJSON, _ := json.Marshal(info)

	postChat(t, relay, fmt.Sprintf(
		`{"message":"hi","sessionId":"sess-9","sessionInfo":%s}`, infoJSON))

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "hi", req.Input.Prompt)
	assert.Equal(t, "sess-9", req.Input.SessionID)
	assert.Empty(t, req.Input.Messages)
	assert.True(t, req.Parameters.IncrementalOutput)
}

func TestChatStream_FallbackMode(t *testing.T) {
	fake := newFakeUpstream(`{"output":{"text":"ok"}}`)
	_, relay := newTestServer(t, fake)

	// Round count at the limit forces history replay.
	info := continuity.SessionInfo{CreatedAt: time.Now(), RoundCount: continuity.MaxRounds}
	infoJSON, _ := json.Marshal(info)

	postChat(t, relay, fmt.Sprintf(
		`{"message":"next","sessionId":"sess-9","sessionInfo":%s,"messages":[{"role":"user","content":"q"},{"role":"assistant","content":"a"}]}`,
		infoJSON))

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Empty(t, req.Input.SessionID)
	require.Len(t, req.Input.Messages, 2)
	assert.Equal(t, "q", req.Input.Messages[0].Content)
}

func TestChatStream_NewConversation(t *testing.T) {
	fake := newFakeUpstream(`{"output":{"text":"ok","session_id":"sess-new"}}`)
	_, relay := newTestServer(t, fake)

	postChat(t, relay, `{"message":"first question"}`)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "first question", req.Input.Prompt)
	assert.Empty(t, req.Input.SessionID)
	assert.Empty(t, req.Input.Messages)
}

func TestChatStream_AppRouting(t *testing.T) {
	fake := newFakeUpstream(`{"output":{"text":"ok"}}`)
	_, relay := newTestServer(t, fake)

	postChat(t, relay, `{"message":"hi","aiType":"cpi"}`)
	postChat(t, relay, `{"message":"hi","aiType":"no-such-assistant"}`)

	require.Len(t, fake.paths, 2)
	assert.Equal(t, "/api/v1/apps/app-cpi/completion", fake.paths[0])
	// Unknown assistants fall back to the default application.
	assert.Equal(t, "/api/v1/apps/app-default/completion", fake.paths[1])
}

func TestChatStream_FiltersSessionFileIDs(t *testing.T) {
	fake := newFakeUpstream(`{"output":{"text":"ok"}}`)
	_, relay := newTestServer(t, fake)

	postChat(t, relay, `{"message":"hi","sessionFileIds":["file_session_abc","bogus-id","file_session_def"]}`)
	postChat(t, relay, `{"message":"hi","sessionFileIds":["bogus-only"]}`)

	require.Len(t, fake.requests, 2)
	require.NotNil(t, fake.requests[0].Parameters.RagOptions)
	assert.Equal(t, []string{"file_session_abc", "file_session_def"},
		fake.requests[0].Parameters.RagOptions.SessionFileIDs)
	assert.Nil(t, fake.requests[1].Parameters.RagOptions)
}

func TestChatStream_NotConfigured(t *testing.T) {
	cfg := config.Default()
	srv := NewServer(cfg)

	relay := httptest.NewServer(srv.router)
	defer relay.Close()

	resp, body := postChat(t, relay, `{"message":"hi"}`)

	// Config errors arrive as an SSE error frame, not an HTTP error.
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"error":"AI service is not configured"`)
	assert.NotContains(t, body, "[DONE]")
}

func TestChatStream_UpstreamError(t *testing.T) {
	fake := newFakeUpstream()
	fake.status = http.StatusInternalServerError
	_, relay := newTestServer(t, fake)

	resp, body := postChat(t, relay, `{"message":"hi"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"error":"AI service request failed"`)
	assert.NotContains(t, body, "[DONE]")
}

func TestChatStream_Timeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	cfg := config.Default()
	cfg.DashScope.APIKey = "test-key"
	cfg.DashScope.DefaultAppID = "app-default"
	cfg.Server.StreamTimeoutSecs = 1

	srv := NewServer(cfg).WithChatClient(
		dashscope.NewClient("test-key").WithBaseURL(upstream.URL),
	)
	relay := httptest.NewServer(srv.router)
	defer relay.Close()

	resp, body := postChat(t, relay, `{"message":"hi"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"error":"AI service response timed out, please retry"`)
}

// =============================================================================
// HEALTH TESTS
// =============================================================================

func TestHealth(t *testing.T) {
	cfg := config.Default()
	cfg.DashScope.APIKey = "test-key"
	cfg.DashScope.DefaultAppID = "app-default"

	srv := NewServer(cfg)
	relay := httptest.NewServer(srv.router)
	defer relay.Close()

	resp, err := http.Get(relay.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "configured", health.ChatStatus)
	assert.Equal(t, "not_configured", health.FileStatus)
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestCORSMiddleware_Preflight(t *testing.T) {
	handler := CORSMiddleware(DefaultCORSConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/stream", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORSMiddleware_WildcardOnRequest(t *testing.T) {
	handler := CORSMiddleware(DefaultCORSConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "burst exhausted")

	// Separate clients have separate buckets.
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimitMiddleware_TooManyRequests(t *testing.T) {
	handler := RateLimitMiddleware(NewRateLimiter(1, 1))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.7:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler blew up")
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriter_ForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapped := newResponseWriter(rec)

	_, ok := interface{}(wrapped).(http.Flusher)
	require.True(t, ok)
	wrapped.Flush()
	assert.True(t, rec.Flushed)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct connection", "203.0.113.7:9999", "", "203.0.113.7"},
		{"forwarded via trusted proxy", "127.0.0.1:9999", "198.51.100.2", "198.51.100.2"},
		{"forwarded via untrusted host ignored", "203.0.113.7:9999", "198.51.100.2", "203.0.113.7"},
		{"invalid forwarded value ignored", "127.0.0.1:9999", "not-an-ip", "127.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}
