package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"chat_relay/internal/delivery"
	"chat_relay/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Registry is the part of the Hub a session needs.
type Registry interface {
	Connect(ctx context.Context, user uuid.UUID, sink delivery.Sink) error
	Disconnect(ctx context.Context, user uuid.UUID, sink delivery.Sink) error
	Send(ctx context.Context, content string, sender, recipient uuid.UUID) (delivery.Outcome, error)
}

type SessionConfig struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	OutboundBuffer    int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HeartbeatInterval: 5 * time.Second,
		ClientTimeout:     10 * time.Second,
		WriteWait:         10 * time.Second,
		MaxMessageSize:    64 << 10,
		OutboundBuffer:    100,
	}
}

// Client is one authenticated connection. The read pump handles inbound frames;
// the write pump is the only goroutine that writes data frames, and it alone owns
// the liveness timestamp.
type Client struct {
	registry Registry
	conn     *websocket.Conn
	userID   uuid.UUID
	cfg      SessionConfig
	log      *zap.Logger

	outbound   *delivery.Outbound
	replies    chan []byte
	liveness   chan struct{}
	shutdown   chan struct{}
	writerDone chan struct{}
}

func NewClient(registry Registry, conn *websocket.Conn, userID uuid.UUID, cfg SessionConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		registry:   registry,
		conn:       conn,
		userID:     userID,
		cfg:        cfg,
		log:        log.With(zap.Stringer("user_id", userID)),
		outbound:   delivery.NewOutbound(cfg.OutboundBuffer),
		replies:    make(chan []byte, 16),
		liveness:   make(chan struct{}, 1),
		shutdown:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Serve runs the session until the peer goes away, a write fails or the heartbeat
// times out. The registry entry is removed only after both pumps have stopped.
func (c *Client) Serve(ctx context.Context) {
	if err := c.registry.Connect(ctx, c.userID, c.outbound); err != nil {
		c.log.Error("Failed to connect to chat server", zap.Error(err))
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(c.cfg.WriteWait))
		c.conn.Close()
		return
	}
	c.log.Info("User connected to chat")

	go c.writePump()
	c.readPump(ctx)

	close(c.shutdown)
	<-c.writerDone
	c.outbound.Close()
	c.conn.Close()

	if err := c.registry.Disconnect(context.WithoutCancel(ctx), c.userID, c.outbound); err != nil {
		c.log.Warn("Failed to disconnect from chat server", zap.Error(err))
	}
	c.log.Info("WebSocket connection closed")
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetPingHandler(func(appData string) error {
		c.markAlive()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn("Error receiving message", zap.Error(err))
			} else {
				c.log.Debug("Read loop finished", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var frame domain.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Debug("Dropping unparseable frame", zap.Error(err))
		return
	}

	switch frame.MessageType {
	case domain.FrameMessage:
		var req domain.ChatRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Content == nil || req.RecipientID == nil {
			c.log.Debug("Dropping malformed chat message", zap.Error(err))
			return
		}
		out, err := c.registry.Send(ctx, *req.Content, c.userID, *req.RecipientID)
		if err != nil {
			c.replyError("Failed to send message: " + err.Error())
			return
		}
		if out.Failed() {
			c.replyError(out.String())
			return
		}
		c.reply([]byte(out.String()))
	case domain.FramePing:
		c.replyJSON(domain.PongFrame{MessageType: domain.FramePong})
	default:
		c.replyError("Unknown message type")
	}
}

func (c *Client) markAlive() {
	select {
	case c.liveness <- struct{}{}:
	default:
	}
}

func (c *Client) reply(data []byte) {
	select {
	case c.replies <- data:
	case <-c.writerDone:
	}
}

func (c *Client) replyJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("Failed to encode reply", zap.Error(err))
		return
	}
	c.reply(data)
}

func (c *Client) replyError(message string) {
	c.replyJSON(domain.ErrorFrame{MessageType: domain.FrameError, Message: message})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()
	lastSeen := time.Now()

	for {
		select {
		case msg := <-c.outbound.C():
			data, err := json.Marshal(domain.MessageFrame{MessageType: domain.FrameMessage, Message: msg})
			if err != nil {
				c.log.Error("Failed to encode message", zap.String("message_id", msg.ID), zap.Error(err))
				continue
			}
			if err := c.write(data); err != nil {
				c.log.Debug("Failed to relay message", zap.String("message_id", msg.ID), zap.Error(err))
				c.conn.Close()
				return
			}
		case data := <-c.replies:
			if err := c.write(data); err != nil {
				c.log.Debug("Failed to write reply", zap.Error(err))
				c.conn.Close()
				return
			}
		case <-c.liveness:
			lastSeen = time.Now()
		case <-ticker.C:
			if time.Since(lastSeen) > c.cfg.ClientTimeout {
				c.log.Info("Client heartbeat timeout, disconnecting")
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "heartbeat timeout"),
					time.Now().Add(c.cfg.WriteWait))
				c.conn.Close()
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Debug("Failed to send ping", zap.Error(err))
				c.conn.Close()
				return
			}
		case <-c.shutdown:
			return
		}
	}
}

func (c *Client) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
