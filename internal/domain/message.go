package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeMessage announces that one identifier changed at a source.
type ChangeMessage struct {
	MessageID     uuid.UUID `json:"message_id"`
	CorrelationID string    `json:"correlation_id"`
	Source        Source    `json:"source"`
	EntityType    string    `json:"entity_type"`
	MessageType   string    `json:"message_type"`
	Identifier    string    `json:"identifier"`
	CreatedAt     time.Time `json:"created_at"`
}

// Delivery wraps a consumed ChangeMessage with its broker acknowledgement callbacks.
type Delivery struct {
	Message *ChangeMessage
	Ack     func() error
	Nack    func(requeue bool) error
}
