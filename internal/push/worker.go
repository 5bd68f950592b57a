package push

import (
	"context"
	"encoding/json"

	"chat_relay/internal/broker"
	"chat_relay/internal/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Sender hands a notification to whatever reaches the user's device.
type Sender interface {
	Send(ctx context.Context, userID uuid.UUID, msg domain.Message) error
}

// LogSender only records the dispatch.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(ctx context.Context, userID uuid.UUID, msg domain.Message) error {
	s.Log.Info("Sending push notification",
		zap.Stringer("user_id", userID),
		zap.String("message_id", msg.ID),
		zap.Stringer("sender_id", msg.SenderID))
	return nil
}

type Worker struct {
	sender Sender
	log    *zap.Logger
}

func NewWorker(sender Sender, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if sender == nil {
		sender = LogSender{Log: log}
	}
	return &Worker{
		sender: sender,
		log:    log,
	}
}

// Run consumes push events until ctx is cancelled or msgs is closed.
func (w *Worker) Run(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				w.log.Warn("Push consumer channel closed")
				return
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var event domain.PushEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		w.log.Warn("Failed to unmarshal event", zap.Error(err))
		w.ack(d)
		return
	}
	if event.Type != domain.EventTypeMessageQueued {
		w.ack(d)
		return
	}

	userID, err := broker.ParseRoutingKey(d.RoutingKey)
	if err != nil {
		// The payload still names the recipient.
		userID = event.Payload.RecipientID
	}
	if userID == uuid.Nil {
		w.log.Warn("Skipping push: no recipient", zap.String("routing_key", d.RoutingKey))
		w.ack(d)
		return
	}

	if err := w.sender.Send(ctx, userID, event.Payload); err != nil {
		w.log.Warn("Failed to send push", zap.Stringer("user_id", userID), zap.Error(err))
		if nackErr := d.Nack(false, !d.Redelivered); nackErr != nil {
			w.log.Warn("Failed to nack push event", zap.Error(nackErr))
		}
		return
	}
	w.ack(d)
}

func (w *Worker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.log.Warn("Failed to ack push event", zap.Error(err))
	}
}
