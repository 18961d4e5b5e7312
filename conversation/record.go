package conversation

import (
	"time"
)

// Status is the conversation lifecycle state.
type Status string

const (
	// StatusActive marks a conversation receiving traffic.
	StatusActive Status = "active"

	// StatusArchived marks a conversation idle past the archival
	// threshold. New traffic reactivates it.
	StatusArchived Status = "archived"

	// StatusDeleted marks a soft-deleted conversation. The record and
	// message log are retained for audit; no new traffic is accepted.
	StatusDeleted Status = "deleted"
)

// Record is the durable metadata for one conversation. One JSON file per
// conversation id; timestamps persist as RFC 3339.
type Record struct {
	ConversationID string                 `json:"conversation_id"`
	EntityName     string                 `json:"entity_name"`
	UserID         string                 `json:"user_id"`
	CreatedAt      time.Time              `json:"created_at"`
	LastActivity   time.Time              `json:"last_activity"`
	MessageCount   int                    `json:"message_count"`
	Status         Status                 `json:"status"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy: callers may mutate the returned
// record without affecting the cached one.
func (r *Record) Clone() *Record {
	out := *r
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
