// Copyright (c) 2025 The dashchat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package continuity decides how a conversation turn carries its context
// to the completion API.
//
// Three modes exist:
//   - ModeNew: no upstream session yet, send the prompt alone
//   - ModeSession: a usable upstream session exists, send its id
//   - ModeFallback: the session expired or hit the round cap, replay a
//     bounded slice of local history instead
//
// The policy is pure and is evaluated on both sides of the relay: the
// client picks the request shape, and the server recomputes the decision
// from the same inputs so a stale client cannot force a dead session.
package continuity

import "time"

const (
	// MaxRounds is the number of completed turns after which an upstream
	// session is no longer reused.
	MaxRounds = 50

	// SessionExpiry is how long after creation an upstream session is
	// still considered alive.
	SessionExpiry = time.Hour

	// FallbackRounds is the number of past rounds replayed when a session
	// cannot be reused.
	FallbackRounds = 10

	// maxFallbackMessages is the message-count form of FallbackRounds.
	maxFallbackMessages = FallbackRounds * 2

	// assistantTruncateLen caps replayed assistant messages. Assistant
	// output dominates history size and the model only needs its gist.
	assistantTruncateLen = 1000
)

// Mode is the selected continuity mode for one turn.
type Mode int

const (
	// ModeNew starts a fresh upstream conversation.
	ModeNew Mode = iota
	// ModeSession reuses the stored upstream session id.
	ModeSession
	// ModeFallback replays local history because the session is unusable.
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModeNew:
		return "new"
	case ModeSession:
		return "session"
	case ModeFallback:
		return "history-fallback"
	default:
		return "unknown"
	}
}

// SessionInfo is the bookkeeping attached to an upstream session id.
// CreatedAt is stamped when the first session id arrives; RoundCount
// counts completed turns and starts at 1.
type SessionInfo struct {
	CreatedAt  time.Time `json:"createdAt"`
	RoundCount int       `json:"roundCount"`
}

// Usable reports whether the session the info describes may still be
// reused at the given instant.
func (si *SessionInfo) Usable(now time.Time) bool {
	if si == nil {
		// A session id without bookkeeping predates the round tracking.
		// Trust it; the upstream will reject it if it is actually dead.
		return true
	}
	if si.RoundCount >= MaxRounds {
		return false
	}
	if now.Sub(si.CreatedAt) > SessionExpiry {
		return false
	}
	return true
}

// Rounds returns the tracked round count, or 0 when no bookkeeping exists.
func (si *SessionInfo) Rounds() int {
	if si == nil {
		return 0
	}
	return si.RoundCount
}

// Decide selects the continuity mode for a turn. sessionID is the stored
// upstream session id ("" when none), info its bookkeeping (nil when
// absent), now the evaluation instant.
func Decide(sessionID string, info *SessionInfo, now time.Time) Mode {
	if sessionID == "" {
		return ModeNew
	}
	if info.Usable(now) {
		return ModeSession
	}
	return ModeFallback
}

// Turn is one message in a replayed history, in the wire shape the
// completion API expects.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FallbackHistory builds the history slice for ModeFallback from the
// conversation's full message list. The list is expected to end with the
// in-flight user message and its empty assistant placeholder; those two
// are excluded. Of the rest, only the trailing maxFallbackMessages are
// kept, messages with empty content are dropped, and assistant messages
// longer than assistantTruncateLen runes are cut with a trailing marker.
func FallbackHistory(messages []Turn) []Turn {
	if len(messages) <= 2 {
		return nil
	}
	history := messages[:len(messages)-2]
	if len(history) > maxFallbackMessages {
		history = history[len(history)-maxFallbackMessages:]
	}

	out := make([]Turn, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		if m.Role == RoleAssistant {
			m.Content = truncateContent(m.Content)
		}
		out = append(out, m)
	}
	return out
}

// truncateContent cuts content at assistantTruncateLen runes and appends
// "..." so the replayed history signals the elision.
func truncateContent(s string) string {
	runes := []rune(s)
	if len(runes) <= assistantTruncateLen {
		return s
	}
	return string(runes[:assistantTruncateLen]) + "..."
}
