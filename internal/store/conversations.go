// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides conversation persistence for dashchat.
//
// All conversations live in one JSON document on disk. Every mutation
// goes through Update, which applies the change and persists the whole
// list in one step, so the file can never drift from memory.
package store

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dashchat/internal/continuity"
	"dashchat/internal/util"
)

// DefaultMaxConversations caps the stored list. The oldest entries are
// dropped first.
const DefaultMaxConversations = 100

// =============================================================================
// TYPES
// =============================================================================

// Message represents a persisted chat message.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation represents a persisted conversation, including the
// upstream session bookkeeping that drives continuity selection.
type Conversation struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	LastUpdate time.Time `json:"lastUpdate"`
	AIType     string    `json:"aiType"`

	// SessionID is the upstream session id, captured from the first
	// stream event that carries one.
	SessionID string `json:"sessionId,omitempty"`
	// SessionInfo tracks the session's age and completed rounds.
	SessionInfo *continuity.SessionInfo `json:"sessionInfo,omitempty"`
}

// Meta contains conversation metadata for listing.
type Meta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	AIType       string    `json:"aiType"`
	LastUpdate   time.Time `json:"lastUpdate"`
	MessageCount int       `json:"messageCount"`
	Preview      string    `json:"preview"`
}

// Turns converts the message list to the continuity wire shape.
func (c *Conversation) Turns() []continuity.Turn {
	turns := make([]continuity.Turn, 0, len(c.Messages))
	for _, m := range c.Messages {
		turns = append(turns, continuity.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// clone returns a deep copy so callers cannot alias stored state.
func (c *Conversation) clone() *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	if c.SessionInfo != nil {
		info := *c.SessionInfo
		out.SessionInfo = &info
	}
	return &out
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound is returned when a conversation doesn't exist.
// Use errors.Is(err, ErrConversationNotFound) to check for this error.
var ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

// ConversationError represents a conversation-related error.
type ConversationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// STORE
// =============================================================================

// Store handles conversation persistence. The in-memory list is ordered
// most recent first; index 0 is the newest conversation.
type Store struct {
	path             string
	maxConversations int
	// writeFile performs the disk write. Tests swap it to exercise the
	// halving retry on write failure.
	writeFile func(path string, data []byte, perm os.FileMode) error

	mu            sync.Mutex
	conversations []*Conversation
}

// NewStore creates a store backed by the given file. An existing file
// is loaded; a corrupted one is discarded and the store starts empty.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:             path,
		maxConversations: DefaultMaxConversations,
		writeFile:        util.AtomicWriteFile,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	var convs []*Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		// A corrupted file loses its history rather than blocking
		// startup.
		return s, nil
	}
	s.conversations = convs
	return s, nil
}

// WithMaxConversations overrides the conversation cap.
func (s *Store) WithMaxConversations(max int) *Store {
	s.maxConversations = max
	return s
}

// Create prepends a new conversation and persists.
func (s *Store) Create(title, aiType string) (*Conversation, error) {
	conv := &Conversation{
		ID:         uuid.NewString(),
		Title:      title,
		AIType:     aiType,
		Messages:   []Message{},
		LastUpdate: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = append([]*Conversation{conv}, s.conversations...)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return conv.clone(), nil
}

// Get retrieves a conversation by ID. The returned value is a copy.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(id)
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv.clone(), nil
}

// Update applies mutate to the conversation and persists the full list.
// This is the only mutation path for existing conversations: the change
// and the write happen together under one lock.
func (s *Store) Update(id string, mutate func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(id)
	if conv == nil {
		return ErrConversationNotFound
	}

	mutate(conv)
	conv.LastUpdate = time.Now()

	if conv.Title == "" {
		conv.Title = generateTitle(conv)
	}

	return s.persistLocked()
}

// Delete removes a conversation by ID and persists.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, conv := range s.conversations {
		if conv.ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			return s.persistLocked()
		}
	}
	return ErrConversationNotFound
}

// Clear removes all conversations and persists.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = nil
	return s.persistLocked()
}

// List returns metadata for all conversations, most recent first.
func (s *Store) List() []Meta {
	s.mu.Lock()
	defer s.mu.Unlock()

	metas := make([]Meta, 0, len(s.conversations))
	for _, conv := range s.conversations {
		metas = append(metas, Meta{
			ID:           conv.ID,
			Title:        conv.Title,
			AIType:       conv.AIType,
			LastUpdate:   conv.LastUpdate,
			MessageCount: len(conv.Messages),
			Preview:      preview(conv),
		})
	}
	return metas
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// findLocked locates a conversation. Caller holds the lock.
func (s *Store) findLocked(id string) *Conversation {
	for _, conv := range s.conversations {
		if conv.ID == id {
			return conv
		}
	}
	return nil
}

// persistLocked writes the whole list to disk. Over-cap entries are
// trimmed first. If the write fails the newest half is kept and the
// write retried once, trading history for durability.
func (s *Store) persistLocked() error {
	if s.maxConversations > 0 && len(s.conversations) > s.maxConversations {
		s.conversations = s.conversations[:s.maxConversations]
	}

	if err := s.writeLocked(); err != nil {
		half := len(s.conversations) / 2
		s.conversations = s.conversations[:half]
		if retryErr := s.writeLocked(); retryErr != nil {
			return retryErr
		}
	}
	return nil
}

func (s *Store) writeLocked() error {
	convs := s.conversations
	if convs == nil {
		convs = []*Conversation{}
	}
	data, err := json.MarshalIndent(convs, "", "  ")
	if err != nil {
		return err
	}
	return s.writeFile(s.path, data, 0644)
}

// =============================================================================
// HELPERS
// =============================================================================

// generateTitle derives a title from the first user message.
func generateTitle(conv *Conversation) string {
	for _, msg := range conv.Messages {
		if msg.Role == "user" && msg.Content != "" {
			title := strings.ReplaceAll(msg.Content, "\n", " ")
			title = strings.ReplaceAll(title, "\r", "")
			return util.TruncateRunes(title, 50)
		}
	}
	return "New conversation"
}

// preview returns the first user message, truncated.
func preview(conv *Conversation) string {
	for _, msg := range conv.Messages {
		if msg.Role == "user" && msg.Content != "" {
			return util.TruncateRunes(msg.Content, 80)
		}
	}
	return ""
}
