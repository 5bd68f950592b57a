package repository

import (
	"context"
	"errors"
	"time"

	"chat_relay/internal/domain"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("message not found")

// MessageStore is the durable record of every message. Implementations must be
// safe for concurrent use; no transaction spans Insert and a later MarkDelivered.
type MessageStore interface {
	// Insert stores msg and assigns msg.ID.
	Insert(ctx context.Context, msg *domain.Message) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	Find(ctx context.Context, filter Filter) ([]domain.Message, error)
}

// Filter selects messages. Zero-valued fields do not constrain the query.
type Filter struct {
	RecipientID     uuid.UUID
	UndeliveredOnly bool
	// ParticipantID matches messages where the user is either sender or recipient.
	ParticipantID uuid.UUID
}

func UndeliveredFor(user uuid.UUID) Filter {
	return Filter{RecipientID: user, UndeliveredOnly: true}
}

func Involving(user uuid.UUID) Filter {
	return Filter{ParticipantID: user}
}

func (f Filter) matches(m domain.Message) bool {
	if f.RecipientID != uuid.Nil && m.RecipientID != f.RecipientID {
		return false
	}
	if f.UndeliveredOnly && m.Delivered {
		return false
	}
	if f.ParticipantID != uuid.Nil && m.SenderID != f.ParticipantID && m.RecipientID != f.ParticipantID {
		return false
	}
	return true
}
