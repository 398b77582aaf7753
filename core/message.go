package core

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleSystem is only used for assembled context messages. Stores reject it.
	RoleSystem Role = "system"
)

// ParseRole converts a wire value into a storable Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	}
	return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("must be user or assistant, got %q", s)}
}

// Message is a single conversation turn in the recency store.
// Messages are immutable once written. They are ordered by Timestamp, with
// ties broken by Seq (assigned by the store on insert).
type Message struct {
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Validate checks a message before it is appended to a store.
func (m Message) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return &ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("must be user or assistant, got %q", m.Role)}
	}
	return nil
}

// Before reports whether m sorts before other.
func (m Message) Before(other Message) bool {
	if m.Timestamp.Equal(other.Timestamp) {
		return m.Seq < other.Seq
	}
	return m.Timestamp.Before(other.Timestamp)
}

// SessionSummary is derived from the recency store, never stored on its own.
type SessionSummary struct {
	SessionID     string    `json:"session_id"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	DisplayName   string    `json:"display_name,omitempty"`
}
