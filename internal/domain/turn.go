package domain

import (
	"fmt"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn is one append-only message within a session.
type ConversationTurn struct {
	SessionID string
	Seq       int64
	Role      Role
	Content   string
	CreatedAt time.Time
}

// ValidateConversationTurn validates a turn before it is appended
func ValidateConversationTurn(t *ConversationTurn) error {
	if t == nil {
		return fmt.Errorf("conversation turn cannot be nil")
	}

	if t.SessionID == "" {
		return fmt.Errorf("conversation turn SessionID is required")
	}

	if !IsValidRole(t.Role) {
		return fmt.Errorf("conversation turn Role is invalid: %s", t.Role)
	}

	if t.Content == "" {
		return fmt.Errorf("conversation turn Content is required")
	}

	return nil
}

// IsValidRole checks if a Role is valid
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry of a generation prompt.
type Message struct {
	Role    Role
	Content string
}
