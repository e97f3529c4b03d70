// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package dashscope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSSEReader_SingleEvent(t *testing.T) {
	input := "data: {\"output\":{\"text\":\"hello\"}}\n\n"
	reader := NewSSEReader(strings.NewReader(input))

	_, data, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if string(data) != `{"output":{"text":"hello"}}` {
		t.Errorf("data = %q", string(data))
	}
}

func TestSSEReader_EventType(t *testing.T) {
	input := "event: result\ndata: {\"a\":1}\n\n"
	reader := NewSSEReader(strings.NewReader(input))

	eventType, data, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if eventType != "result" {
		t.Errorf("eventType = %q, want %q", eventType, "result")
	}
	if string(data) != `{"a":1}` {
		t.Errorf("data = %q", string(data))
	}
}

func TestSSEReader_MultipleEvents(t *testing.T) {
	input := "data: one\n\ndata: two\n\ndata: three\n\n"
	reader := NewSSEReader(strings.NewReader(input))

	var events []string
	for {
		_, data, err := reader.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadEvent failed: %v", err)
		}
		events = append(events, string(data))
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0] != "one" || events[1] != "two" || events[2] != "three" {
		t.Errorf("events = %v", events)
	}
}

func TestSSEReader_IgnoresCommentsAndIDs(t *testing.T) {
	input := ": keepalive\nid: 42\nretry: 1000\ndata: payload\n\n"
	reader := NewSSEReader(strings.NewReader(input))

	_, data, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q, want %q", string(data), "payload")
	}
}

func TestSSEReader_UnterminatedFinalEvent(t *testing.T) {
	input := "data: tail"
	reader := NewSSEReader(strings.NewReader(input))

	_, data, err := reader.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent failed: %v", err)
	}
	if string(data) != "tail" {
		t.Errorf("data = %q, want %q", string(data), "tail")
	}

	if _, _, err := reader.ReadEvent(); err != io.EOF {
		t.Errorf("second ReadEvent err = %v, want io.EOF", err)
	}
}

// fakeCompletion serves frames in the upstream SSE shape.
func fakeCompletion(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Error("missing Authorization header")
		}
		if r.Header.Get("X-DashScope-SSE") != "enable" {
			t.Error("missing X-DashScope-SSE header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	}))
}

func TestCompletion_StreamsChunks(t *testing.T) {
	server := fakeCompletion(t, []string{
		`{"output":{"text":"He","session_id":"sess-1"}}`,
		`{"output":{"text":"llo"}}`,
	})
	defer server.Close()

	client := NewClient("sk-test").WithBaseURL(server.URL)

	var texts []string
	var sessionID string
	err := client.Completion(context.Background(), "app-1", CompletionRequest{
		Input:      CompletionInput{Prompt: "hi"},
		Parameters: CompletionParameters{IncrementalOutput: true},
	}, func(chunk StreamChunk) {
		texts = append(texts, chunk.GetText())
		if id := chunk.GetSessionID(); id != "" {
			sessionID = id
		}
	})
	if err != nil {
		t.Fatalf("Completion failed: %v", err)
	}

	if len(texts) != 2 || texts[0] != "He" || texts[1] != "llo" {
		t.Errorf("texts = %v", texts)
	}
	if sessionID != "sess-1" {
		t.Errorf("sessionID = %q, want %q", sessionID, "sess-1")
	}
}

func TestCompletion_SkipsMalformedFrames(t *testing.T) {
	server := fakeCompletion(t, []string{
		`{"output":{"text":"ok"}}`,
		`{not json`,
		`{"output":{"text":"still ok"}}`,
	})
	defer server.Close()

	client := NewClient("sk-test").WithBaseURL(server.URL)

	var count int
	err := client.Completion(context.Background(), "app-1", CompletionRequest{}, func(chunk StreamChunk) {
		count++
	})
	if err != nil {
		t.Fatalf("Completion failed: %v", err)
	}
	if count != 2 {
		t.Errorf("callback count = %d, want 2", count)
	}
}

func TestCompletion_StopsOnDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: %s\n\n", `{"output":{"text":"a"}}`)
		fmt.Fprintf(w, "data: [DONE]\n\n")
		fmt.Fprintf(w, "data: %s\n\n", `{"output":{"text":"after done"}}`)
	}))
	defer server.Close()

	client := NewClient("sk-test").WithBaseURL(server.URL)

	var count int
	err := client.Completion(context.Background(), "app-1", CompletionRequest{}, func(chunk StreamChunk) {
		count++
	})
	if err != nil {
		t.Fatalf("Completion failed: %v", err)
	}
	if count != 1 {
		t.Errorf("callback count = %d, want 1", count)
	}
}

func TestCompletion_NotConfigured(t *testing.T) {
	client := NewClient("")
	err := client.Completion(context.Background(), "app-1", CompletionRequest{}, func(StreamChunk) {})
	if err != ErrNotConfigured {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestCompletion_NoAppID(t *testing.T) {
	client := NewClient("sk-test")
	err := client.Completion(context.Background(), "", CompletionRequest{}, func(StreamChunk) {})
	if err != ErrNoAppID {
		t.Errorf("err = %v, want ErrNoAppID", err)
	}
}

func TestCompletion_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":"InvalidApiKey","message":"Invalid API-key provided.","request_id":"req-1"}`)
	}))
	defer server.Close()

	client := NewClient("sk-bad").WithBaseURL(server.URL)

	err := client.Completion(context.Background(), "app-1", CompletionRequest{}, func(StreamChunk) {})
	if err == nil {
		t.Fatal("Completion succeeded, want error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err type = %T, want *APIError", err)
	}
	if apiErr.Code != "InvalidApiKey" {
		t.Errorf("Code = %q, want %q", apiErr.Code, "InvalidApiKey")
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", apiErr.Status)
	}
}

func TestCompletion_ContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// the request context when the client disconnects.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient("sk-test").WithBaseURL(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Completion(ctx, "app-1", CompletionRequest{}, func(StreamChunk) {})
	if err == nil {
		t.Fatal("Completion succeeded, want timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestCompletionAccumulate(t *testing.T) {
	server := fakeCompletion(t, []string{
		`{"output":{"text":"acc","session_id":"s9"}}`,
		`{"output":{"text":"umulated"}}`,
	})
	defer server.Close()

	client := NewClient("sk-test").WithBaseURL(server.URL)

	text, sessionID, err := client.CompletionAccumulate(context.Background(), "app-1", CompletionRequest{})
	if err != nil {
		t.Fatalf("CompletionAccumulate failed: %v", err)
	}
	if text != "accumulated" {
		t.Errorf("text = %q, want %q", text, "accumulated")
	}
	if sessionID != "s9" {
		t.Errorf("sessionID = %q, want %q", sessionID, "s9")
	}
}

func TestCompletionAccumulate_PreservesPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", `{"output":{"text":"partial "}}`)
		flusher.Flush()
		// Drop the connection mid-stream.
		conn, _, _ := w.(http.Hijacker).Hijack()
		conn.Close()
	}))
	defer server.Close()

	client := NewClient("sk-test").WithBaseURL(server.URL)

	text, _, err := client.CompletionAccumulate(context.Background(), "app-1", CompletionRequest{})
	if err == nil {
		t.Fatal("CompletionAccumulate succeeded, want error")
	}

	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err type = %T, want *StreamError", err)
	}
	if streamErr.Partial != "partial " {
		t.Errorf("Partial = %q, want %q", streamErr.Partial, "partial ")
	}
	if text != "partial " {
		t.Errorf("text = %q, want %q", text, "partial ")
	}
}
