package delivery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"chat_relay/internal/domain"
	"chat_relay/internal/repository"

	"go.uber.org/zap"
)

// Notifier is told about messages stored for offline recipients.
type Notifier interface {
	NotifyOffline(ctx context.Context, msg domain.Message) error
}

// Coordinator decides what a send and a connect do to stored and live state.
// The store is the source of truth: a message is never pushed unless it was
// recorded first, and a failed push never rolls the record back.
type Coordinator struct {
	store    repository.MessageStore
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewCoordinator(store repository.MessageStore, notifier Notifier, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:    store,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PersistAndRoute stores a new message and, when sink is non-nil (the recipient is
// registered), pushes it to the recipient. Only a store failure fails the send.
func (c *Coordinator) PersistAndRoute(ctx context.Context, content string, sender, recipient domain.UserID, sink Sink) Outcome {
	now := c.now()
	msg := domain.Message{
		Content:     content,
		Delivered:   sink != nil,
		RecipientID: recipient,
		SenderID:    sender,
		CreatedAt:   now,
		LastUpdated: now,
	}

	if err := c.store.Insert(ctx, &msg); err != nil {
		c.log.Error("failed to save message",
			zap.Stringer("sender_id", sender),
			zap.Stringer("recipient_id", recipient),
			zap.Error(err))
		return Outcome{Status: StatusFailed, Err: err}
	}

	if sink == nil {
		c.notify(ctx, msg)
		return Outcome{Status: StatusQueued, Message: msg}
	}

	// The record already says delivered; a lost push is not retried.
	if err := sink.Push(ctx, msg); err != nil {
		c.log.Warn("failed to deliver message",
			zap.String("message_id", msg.ID),
			zap.Stringer("recipient_id", recipient),
			zap.Error(err))
	}
	return Outcome{Status: StatusDelivered, Message: msg}
}

func (c *Coordinator) notify(ctx context.Context, msg domain.Message) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyOffline(ctx, msg); err != nil {
		c.log.Warn("failed to publish offline notification",
			zap.String("message_id", msg.ID),
			zap.Stringer("recipient_id", msg.RecipientID),
			zap.Error(err))
	}
}

// ReplayReport summarizes one backlog replay.
type ReplayReport struct {
	Pending  int
	Pushed   int
	Skipped  int
	Unmarked int
}

// ReplayBacklog pushes every undelivered message addressed to user, oldest first,
// and marks each one delivered after its push succeeds. The first failed push ends
// the pass; that message and everything after it stay pending for a later replay.
// A pushed message whose mark fails is offered again too, so a client may see it
// twice. Only a failed query returns an error.
func (c *Coordinator) ReplayBacklog(ctx context.Context, user domain.UserID, sink Sink) (ReplayReport, error) {
	var report ReplayReport

	pending, err := c.store.Find(ctx, repository.UndeliveredFor(user))
	if err != nil {
		return report, fmt.Errorf("failed to fetch undelivered messages: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	report.Pending = len(pending)

	for i, msg := range pending {
		if err := sink.Push(ctx, msg); err != nil {
			report.Skipped = len(pending) - i
			c.log.Warn("failed to send undelivered message",
				zap.String("message_id", msg.ID),
				zap.Stringer("user_id", user),
				zap.Int("left_pending", report.Skipped),
				zap.Error(err))
			break
		}
		report.Pushed++

		if err := c.store.MarkDelivered(ctx, msg.ID, c.now()); err != nil {
			c.log.Warn("failed to update message status",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			report.Unmarked++
		}
	}
	return report, nil
}
