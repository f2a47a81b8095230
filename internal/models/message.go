package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Message represents an individual communication entry within a chat. Content, ReasoningContent,
// CompletionTokens and Speed of an assistant message are rewritten while its response streams in,
// and frozen once Loading is cleared.
type Message struct {
	ID               string
	Role             Role
	Content          string
	ReasoningContent string
	Files            []string
	CompletionTokens int
	Speed            string
	Loading          bool
	Timestamp        time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system prompt.
	RoleSystem Role = "system"
)

// ZeroSpeed is the speed reported before any token count is known.
const ZeroSpeed = "0.00"

// NewMessage creates a message with a fresh time-ordered ID. Token count starts at zero and speed at
// ZeroSpeed.
func NewMessage(role Role, content string) Message {
	now := time.Now()
	return Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Role:      role,
		Content:   content,
		Speed:     ZeroSpeed,
		Timestamp: now,
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
