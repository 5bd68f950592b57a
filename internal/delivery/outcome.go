package delivery

import (
	"chat_relay/internal/domain"
)

type Status int

const (
	// StatusFailed means nothing was recorded; the message does not exist.
	StatusFailed Status = iota
	// StatusQueued means the message was stored for a recipient that is offline.
	StatusQueued
	// StatusDelivered means the message was stored as delivered and handed to the recipient's channel.
	StatusDelivered
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusDelivered:
		return "delivered"
	default:
		return "failed"
	}
}

// Outcome is the result of a send.
type Outcome struct {
	Status  Status
	Message domain.Message
	Err     error
}

func (o Outcome) Failed() bool {
	return o.Status == StatusFailed
}

// String is the text relayed back to the sender.
func (o Outcome) String() string {
	if o.Failed() {
		if o.Err == nil {
			return "Failed to send message"
		}
		return "Failed to send message: " + o.Err.Error()
	}
	return "Message sent successfully"
}
