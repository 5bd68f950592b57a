package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chat_relay/internal/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangePush   = "chat.push"
	PushQueue      = "push_notifications"
	routingPrefix  = "user."
	publishTimeout = 5 * time.Second
)

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangePush, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare push exchange: %w", err)
	}

	return &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}, nil
}

// RoutingKey is the push routing key for a recipient.
func RoutingKey(user uuid.UUID) string {
	return routingPrefix + user.String()
}

// ParseRoutingKey extracts the recipient from a key built by RoutingKey.
func ParseRoutingKey(key string) (uuid.UUID, error) {
	if !strings.HasPrefix(key, routingPrefix) {
		return uuid.Nil, fmt.Errorf("invalid routing key %q", key)
	}
	return uuid.Parse(strings.TrimPrefix(key, routingPrefix))
}

// NotifyOffline publishes a MESSAGE_QUEUED event for a message stored while its
// recipient had no connection.
func (c *RabbitMQClient) NotifyOffline(ctx context.Context, msg domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	event := domain.PushEvent{Type: domain.EventTypeMessageQueued, Payload: msg}
	return c.PublishToExchange(ctx, ExchangePush, RoutingKey(msg.RecipientID), event)
}

func (c *RabbitMQClient) PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	err = c.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         bytes,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}
	return nil
}

// ConsumePushQueue declares the durable push queue, binds it to every user key on
// the push exchange and consumes it with manual acks.
func (c *RabbitMQClient) ConsumePushQueue() (<-chan amqp.Delivery, error) {
	q, err := c.channel.QueueDeclare(
		PushQueue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare push queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,            // queue name
		routingPrefix+"*", // routing key
		ExchangePush,      // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind push queue: %w", err)
	}

	return c.channel.Consume(
		q.Name, "", false, false, false, false, nil,
	)
}

func (c *RabbitMQClient) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
