// Package types defines the shared types used across opendialogue packages.
//
// These types are the lingua franca between providers, the conversation log
// and the turn driver. Each package defines its own domain types; only
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Message roles understood by every completion backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a completion conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant tag. In a multi-persona conversation it
	// carries the speaking persona's roster index so the model can tell the
	// assistants apart.
	Name string
}

// LogEntry is one message of a persisted conversation log.
type LogEntry struct {
	// SessionID identifies the conversation the entry belongs to.
	SessionID string

	// Message is the logged message.
	Message Message

	// Timestamp is when the entry was appended.
	Timestamp time.Time
}
