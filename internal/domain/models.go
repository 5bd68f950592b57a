package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserID identifies a chat participant. It is the user_id claim of the bearer token.
type UserID = uuid.UUID

type Message struct {
	ID          string    `json:"id,omitempty"`
	Content     string    `json:"content"`
	Delivered   bool      `json:"delivered"`
	RecipientID UserID    `json:"recipient_id"`
	SenderID    UserID    `json:"sender_id"`
	CreatedAt   time.Time `json:"timestamp"`
	LastUpdated time.Time `json:"last_updated"`
}

// Conversation groups every message exchanged with one partner, oldest first.
type Conversation struct {
	PartnerID UserID    `json:"partner_id"`
	Messages  []Message `json:"messages"`
}

// PushEvent is published to the push exchange when a message is stored for an offline recipient.
type PushEvent struct {
	Type    string  `json:"type"`
	Payload Message `json:"payload"`
}

const (
	EventTypeMessageQueued = "MESSAGE_QUEUED"
)

// Wire envelope types, carried in the message_type field.
const (
	FrameMessage = "message"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameError   = "error"
)

// MessageFrame is the server-to-client envelope for a delivered message.
// Message fields are flattened next to message_type.
type MessageFrame struct {
	MessageType string `json:"message_type"`
	Message
}

type ErrorFrame struct {
	MessageType string `json:"message_type"`
	Message     string `json:"message"`
}

type PongFrame struct {
	MessageType string `json:"message_type"`
}

// InboundFrame is the envelope every client text frame must decode into.
type InboundFrame struct {
	MessageType string `json:"message_type"`
}

// ChatRequest is the payload of an inbound "message" frame.
type ChatRequest struct {
	Content     *string `json:"content"`
	RecipientID *UserID `json:"recipient_id"`
}
