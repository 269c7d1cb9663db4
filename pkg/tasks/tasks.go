// Package tasks defines the structure for events that are sent to Kafka.
package tasks

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// ConversationLogged is published once a conversation record has been persisted.
type ConversationLogged struct {
	EventID        string    `json:"event_id"`
	ConversationID uint      `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	DocumentSlugs  []string  `json:"document_slugs"`
	OwnerID        *uint     `json:"owner_id,omitempty"`
	EffectiveModel string    `json:"effective_model"`
	EmbeddingSpace string    `json:"embedding_space"`
	ChunkCount     int       `json:"chunk_count"`
	Banned         bool      `json:"banned"`
	Failed         bool      `json:"failed"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewEventID returns a lexicographically sortable event id.
func NewEventID() string {
	return ulid.Make().String()
}
