// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dashchat/internal/config"
	"dashchat/internal/continuity"
	"dashchat/internal/store"
)

// interruptedNotice is appended to a partially received answer when the
// stream dies mid-turn.
const interruptedNotice = "\n\n(connection interrupted)"

var (
	// ErrEmptyMessage indicates a blank chat message.
	ErrEmptyMessage = errors.New("message must not be empty")

	// ErrBusy indicates a turn is already in flight for the conversation.
	ErrBusy = errors.New("a message is already being processed")
)

// Update is a progress notification for one chat turn. Content always
// carries the full accumulated answer so far, not a delta.
type Update struct {
	ConversationID string
	Content        string
	Done           bool
	Err            error
}

// UpdateFunc receives turn progress. It is called from the streaming
// goroutine; implementations must be safe for that.
type UpdateFunc func(Update)

// Controller drives chat turns: it owns the conversation store, decides
// the continuity mode, streams the answer, and persists the finished turn.
type Controller struct {
	cfg         *config.Config
	store       *store.Store
	relay       *Relay
	attachments *Attachments

	mu      sync.Mutex
	loading map[string]bool
}

// NewController creates a Controller.
func NewController(cfg *config.Config, st *store.Store, relay *Relay) *Controller {
	return &Controller{
		cfg:         cfg,
		store:       st,
		relay:       relay,
		attachments: NewAttachments(cfg, relay),
		loading:     make(map[string]bool),
	}
}

// Attachments returns the session file manager.
func (c *Controller) Attachments() *Attachments {
	return c.attachments
}

// Loading reports whether a turn is in flight for the conversation.
func (c *Controller) Loading(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading[conversationID]
}

// beginTurn marks the conversation busy. Returns ErrBusy when a turn is
// already in flight.
func (c *Controller) beginTurn(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading[conversationID] {
		return ErrBusy
	}
	c.loading[conversationID] = true
	return nil
}

// endTurn clears the busy flag.
func (c *Controller) endTurn(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loading, conversationID)
}

// Send runs one chat turn for the conversation and blocks until the
// answer is complete or the turn fails.
//
// Nothing is persisted until the turn produced text: a failure before the
// first byte leaves the conversation untouched and reports the error
// through onUpdate with empty content. A mid-stream failure persists the
// partial answer with an interruption notice appended.
func (c *Controller) Send(ctx context.Context, conversationID, text string, onUpdate UpdateFunc) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	if err := c.beginTurn(conversationID); err != nil {
		return err
	}
	defer c.endTurn(conversationID)

	conv, err := c.store.Get(conversationID)
	if err != nil {
		return err
	}

	req := c.buildRequest(conv, text)

	var answer strings.Builder
	var sessionID string
	sessionSaved := false

	streamErr := c.relay.Stream(ctx, req, func(ev RelayEvent) {
		answer.WriteString(ev.Text)
		// The upstream repeats the session id on every frame; capture it
		// once per turn.
		if !sessionSaved && ev.SessionID != "" {
			sessionID = ev.SessionID
			sessionSaved = true
		}
		onUpdate(Update{
			ConversationID: conversationID,
			Content:        answer.String(),
		})
	})

	if streamErr != nil && answer.Len() == 0 {
		onUpdate(Update{
			ConversationID: conversationID,
			Done:           true,
			Err:            streamErr,
		})
		return streamErr
	}

	content := answer.String()
	if streamErr != nil {
		log.Printf("TURN_INTERRUPTED | conversation=%s received=%d error=%v",
			conversationID, answer.Len(), streamErr)
		content += interruptedNotice
	}

	now := time.Now()
	err = c.store.Update(conversationID, func(conv *store.Conversation) {
		conv.Messages = append(conv.Messages,
			store.Message{
				ID:        uuid.NewString(),
				Role:      continuity.RoleUser,
				Content:   text,
				Timestamp: now,
			},
			store.Message{
				ID:        uuid.NewString(),
				Role:      continuity.RoleAssistant,
				Content:   content,
				Timestamp: time.Now(),
			},
		)
		if sessionID != "" {
			conv.SessionID = sessionID
			if conv.SessionInfo == nil {
				conv.SessionInfo = &continuity.SessionInfo{CreatedAt: now, RoundCount: 1}
			} else {
				conv.SessionInfo.RoundCount++
			}
		}
	})
	if err != nil {
		onUpdate(Update{ConversationID: conversationID, Content: content, Done: true, Err: err})
		return err
	}

	onUpdate(Update{
		ConversationID: conversationID,
		Content:        content,
		Done:           true,
		Err:            streamErr,
	})
	return streamErr
}

// buildRequest assembles the relay request for one turn, picking the
// continuity shape and attaching ready session files.
func (c *Controller) buildRequest(conv *store.Conversation, text string) StreamRequest {
	req := StreamRequest{
		Message:        text,
		AIType:         conv.AIType,
		SessionFileIDs: c.attachments.ReadySessionFileIDs(conv.ID),
	}

	mode := continuity.Decide(conv.SessionID, conv.SessionInfo, time.Now())
	switch mode {
	case continuity.ModeSession:
		req.SessionID = conv.SessionID
		req.SessionInfo = conv.SessionInfo
	case continuity.ModeFallback:
		// History is sliced as if the new turn were already appended, so
		// the in-flight pair is never replayed.
		turns := append(conv.Turns(),
			continuity.Turn{Role: continuity.RoleUser, Content: text},
			continuity.Turn{Role: continuity.RoleAssistant, Content: ""},
		)
		req.Messages = continuity.FallbackHistory(turns)
	}

	if mode != continuity.ModeNew {
		log.Printf("TURN_MODE | conversation=%s mode=%s", conv.ID, mode)
	}
	return req
}
