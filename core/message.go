package core

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn in a conversation.
// Messages are immutable once written. Within a conversation they are
// totally ordered by (Timestamp, Seq): Seq is the append sequence number
// assigned by the backend and breaks timestamp ties.
type Message struct {
	// ID is the backend-assigned message identifier.
	ID string `json:"id"`

	// ConversationID links the message to its conversation.
	ConversationID string `json:"conversation_id"`

	// Role is who wrote the message: user, assistant, or system.
	Role Role `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Timestamp is when the message was appended.
	Timestamp time.Time `json:"timestamp"`

	// Seq is the append sequence within the conversation.
	// Monotonically increasing; assigned by the backend on append.
	Seq int64 `json:"seq"`

	// Importance is an optional relevance score in [0.0, 1.0].
	// Backends may use it as a retrieval tie-breaker.
	Importance float64 `json:"importance,omitempty"`

	// Embedding is the optional vector for similarity search.
	// Only embedding-bearing backends populate this.
	Embedding []float32 `json:"embedding,omitempty"`

	// Tags are optional free-form labels.
	Tags []string `json:"tags,omitempty"`
}

// AssessImportance scores a message's importance in [0.0, 1.0].
// The heuristic favors questions, longer reasoning, and explicit
// preference statements, which retrieval should surface first.
func AssessImportance(m *Message) float64 {
	importance := 0.5 // Base

	// System messages carry standing instructions
	if m.Role == RoleSystem {
		importance += 0.3
	}

	// Longer content indicates substantive exchange
	if len(m.Content) > 200 {
		importance += 0.1
	}

	// Questions tend to anchor future context
	if len(m.Content) > 0 && m.Content[len(m.Content)-1] == '?' {
		importance += 0.1
	}

	if importance > 1.0 {
		importance = 1.0
	}

	return importance
}
