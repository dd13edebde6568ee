package models

import "time"

// Session represents one conversation about a single video. It groups the
// messages exchanged in the conversation tab and carries a generated title.
type Session struct {
	ID      string
	VideoID string
	Title   string
}

// Message represents an individual communication entry within a session. It contains
// the core components of a chat message including its unique identifier, the
// participant's role, the actual content, and the precise time when the message
// was created.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleSystem represents the instruction message prepended to a completion request.
	RoleSystem Role = "system"
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
)

const (
	StreamingStateLoading   = "loading"
	StreamingStateStreaming = "streaming"
	StreamingStateEnded     = "ended"
)
