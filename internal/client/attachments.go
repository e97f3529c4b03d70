// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"dashchat/internal/config"
	"dashchat/internal/dashscope"
)

var (
	// ErrTooManyFiles indicates the per-conversation attachment cap is hit.
	ErrTooManyFiles = errors.New("attachment limit reached for this conversation")

	// ErrFileTooLarge indicates the file exceeds the configured size limit.
	ErrFileTooLarge = errors.New("file exceeds the maximum upload size")

	// ErrExtensionNotAllowed indicates an unsupported file type.
	ErrExtensionNotAllowed = errors.New("file type is not supported")

	// ErrParseTimeout indicates the file never became ready within the
	// polling budget.
	ErrParseTimeout = errors.New("file processing timed out")
)

// ParseFailedError indicates the upstream rejected the file after upload.
type ParseFailedError struct {
	FileID  string
	Message string
}

func (e *ParseFailedError) Error() string {
	return fmt.Sprintf("file processing failed: %s", e.Message)
}

// Attachment is one session file tied to a conversation.
type Attachment struct {
	FileID   string
	FileName string
	Size     int64
	Status   string
	Message  string
}

// Ready reports whether the file can be attached to a chat turn.
func (a *Attachment) Ready() bool {
	return a.Status == dashscope.FileStatusReady
}

// Attachments manages session file uploads per conversation: client-side
// validation, upload through the relay, and the readiness poll loop.
type Attachments struct {
	cfg   *config.Config
	relay *Relay

	mu     sync.Mutex
	byConv map[string][]*Attachment
}

// NewAttachments creates an attachment manager.
func NewAttachments(cfg *config.Config, relay *Relay) *Attachments {
	return &Attachments{
		cfg:    cfg,
		relay:  relay,
		byConv: make(map[string][]*Attachment),
	}
}

// List returns copies of the conversation's attachments.
func (a *Attachments) List(conversationID string) []Attachment {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Attachment, 0, len(a.byConv[conversationID]))
	for _, att := range a.byConv[conversationID] {
		out = append(out, *att)
	}
	return out
}

// ReadySessionFileIDs returns the ids of parsed files for the
// conversation, filtered to valid session file ids.
func (a *Attachments) ReadySessionFileIDs(conversationID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []string
	for _, att := range a.byConv[conversationID] {
		if att.Ready() {
			ids = append(ids, att.FileID)
		}
	}
	return dashscope.FilterSessionFileIDs(ids)
}

// Remove drops one attachment from the conversation.
func (a *Attachments) Remove(conversationID, fileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	atts := a.byConv[conversationID]
	for i, att := range atts {
		if att.FileID == fileID {
			a.byConv[conversationID] = append(atts[:i], atts[i+1:]...)
			return
		}
	}
}

// Clear drops all attachments of the conversation.
func (a *Attachments) Clear(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byConv, conversationID)
}

// Upload validates and uploads one file through the relay. The returned
// attachment is in processing state; call WaitReady to poll until it can
// be used.
//
// Size, extension, and the per-conversation cap are checked before any
// bytes leave the client.
func (a *Attachments) Upload(ctx context.Context, conversationID, fileName string, data []byte) (*Attachment, error) {
	a.mu.Lock()
	count := len(a.byConv[conversationID])
	a.mu.Unlock()

	if count >= a.cfg.Files.MaxPerConversation {
		return nil, ErrTooManyFiles
	}
	if int64(len(data)) > a.cfg.MaxFileBytes() {
		return nil, ErrFileTooLarge
	}
	if !a.cfg.ExtensionAllowed(fileName) {
		return nil, ErrExtensionNotAllowed
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.relay.BaseURL()+"/api/files/session", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := a.relay.unaryClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("upload failed: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("upload failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var uploaded struct {
		FileID   string `json:"fileId"`
		FileName string `json:"fileName"`
		Size     int64  `json:"size"`
	}
	if err := json.Unmarshal(raw, &uploaded); err != nil {
		return nil, fmt.Errorf("upload failed: invalid response: %w", err)
	}

	att := &Attachment{
		FileID:   uploaded.FileID,
		FileName: uploaded.FileName,
		Size:     uploaded.Size,
		Status:   dashscope.FileStatusProcessing,
	}

	a.mu.Lock()
	a.byConv[conversationID] = append(a.byConv[conversationID], att)
	a.mu.Unlock()

	log.Printf("ATTACHMENT_UPLOADED | conversation=%s fileId=%s name=%s size=%d",
		conversationID, att.FileID, att.FileName, att.Size)
	return att, nil
}

// WaitReady polls the file's parse state until it is ready, fails, or the
// attempt budget runs out. Transient poll errors consume attempts instead
// of aborting the wait.
func (a *Attachments) WaitReady(ctx context.Context, conversationID, fileID string) error {
	interval := time.Duration(a.cfg.Files.PollIntervalSecs) * time.Second

	for attempt := 0; attempt < a.cfg.Files.PollMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}

		status, message, err := a.pollStatus(ctx, fileID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("ATTACHMENT_POLL_RETRY | fileId=%s attempt=%d error=%v", fileID, attempt+1, err)
			continue
		}

		switch status {
		case dashscope.FileStatusReady:
			a.setStatus(conversationID, fileID, status, message)
			return nil
		case dashscope.FileStatusError:
			a.setStatus(conversationID, fileID, status, message)
			return &ParseFailedError{FileID: fileID, Message: message}
		default:
			a.setStatus(conversationID, fileID, status, message)
		}
	}

	a.setStatus(conversationID, fileID, dashscope.FileStatusError, ErrParseTimeout.Error())
	return ErrParseTimeout
}

// pollStatus fetches the simplified parse state once.
func (a *Attachments) pollStatus(ctx context.Context, fileID string) (string, string, error) {
	url := fmt.Sprintf("%s/api/files/session/%s/status", a.relay.BaseURL(), fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}

	resp, err := a.relay.unaryClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("status poll failed: HTTP %d", resp.StatusCode)
	}

	var status struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", "", fmt.Errorf("status poll failed: invalid response: %w", err)
	}
	return status.Status, status.Message, nil
}

// setStatus updates the tracked state of one attachment.
func (a *Attachments) setStatus(conversationID, fileID, status, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, att := range a.byConv[conversationID] {
		if att.FileID == fileID {
			att.Status = status
			att.Message = message
			return
		}
	}
}
