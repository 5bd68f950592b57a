package ws

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"chat_relay/internal/delivery"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrRegistryClosed = errors.New("registry is not running")

// SessionTracker records which node holds a user's connection.
type SessionTracker interface {
	AddSession(ctx context.Context, userID uuid.UUID, nodeID string) error
	RemoveSession(ctx context.Context, userID uuid.UUID, nodeID string) error
}

type command interface {
	isCommand()
}

type connectCmd struct {
	user uuid.UUID
	sink delivery.Sink
}

type disconnectCmd struct {
	user uuid.UUID
	sink delivery.Sink
}

type sendCmd struct {
	content   string
	sender    uuid.UUID
	recipient uuid.UUID
	reply     chan<- delivery.Outcome
}

type onlineCmd struct {
	user  uuid.UUID
	reply chan<- bool
}

// replayCmd resumes a backlog replay that stopped on a full outbound channel.
type replayCmd struct {
	user uuid.UUID
	sink delivery.Sink
}

func (connectCmd) isCommand()    {}
func (disconnectCmd) isCommand() {}
func (sendCmd) isCommand()       {}
func (onlineCmd) isCommand()     {}
func (replayCmd) isCommand()     {}

type sessionEvent struct {
	user      uuid.UUID
	connected bool
}

const defaultReplayRetry = 500 * time.Millisecond

// Hub is the connection registry. The connections map is read and written only by
// the Run goroutine; every other goroutine talks to it through commands, which are
// processed one at a time in arrival order.
type Hub struct {
	connections map[uuid.UUID]delivery.Sink
	size        atomic.Int64

	queue   *mailbox[command]
	stopped chan struct{}

	coordinator *delivery.Coordinator
	replayRetry time.Duration

	tracker     SessionTracker
	sessions    *mailbox[sessionEvent]
	trackerDone chan struct{}

	nodeID string
	log    *zap.Logger
}

func NewHub(coordinator *delivery.Coordinator, tracker SessionTracker, nodeID string, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		connections: make(map[uuid.UUID]delivery.Sink),
		queue:       newMailbox[command](),
		stopped:     make(chan struct{}),
		coordinator: coordinator,
		replayRetry: defaultReplayRetry,
		tracker:     tracker,
		sessions:    newMailbox[sessionEvent](),
		trackerDone: make(chan struct{}),
		nodeID:      nodeID,
		log:         log,
	}
}

// Run consumes commands until ctx is cancelled. It must be called exactly once, and
// it returns only after every session change has reached the tracker.
func (h *Hub) Run(ctx context.Context) {
	// Store calls already started finish on their own once ctx is cancelled.
	opCtx := context.WithoutCancel(ctx)
	go h.trackSessions(opCtx)

	for {
		select {
		case <-ctx.Done():
			h.queue.close()
			close(h.stopped)
			<-h.trackerDone
			h.log.Info("Registry stopped", zap.Int64("connections", h.size.Load()))
			return
		case <-h.queue.ready:
			for _, cmd := range h.queue.drain() {
				h.handle(opCtx, cmd)
			}
		}
	}
}

func (h *Hub) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case connectCmd:
		h.connect(ctx, c)
	case disconnectCmd:
		h.disconnect(c)
	case sendCmd:
		recipient := h.connections[c.recipient]
		c.reply <- h.coordinator.PersistAndRoute(ctx, c.content, c.sender, c.recipient, recipient)
	case onlineCmd:
		_, ok := h.connections[c.user]
		c.reply <- ok
	case replayCmd:
		if h.connections[c.user] == c.sink {
			h.replay(ctx, c.user, c.sink)
		}
	}
}

func (h *Hub) connect(ctx context.Context, c connectCmd) {
	if _, ok := h.connections[c.user]; ok {
		h.log.Info("User reconnected, replacing previous channel", zap.Stringer("user_id", c.user))
	}
	h.connections[c.user] = c.sink
	h.size.Store(int64(len(h.connections)))
	h.log.Info("User connected", zap.Stringer("user_id", c.user))
	h.track(c.user, true)
	h.replay(ctx, c.user, c.sink)
}

// replay pushes the user's backlog. When the channel fills up the rest stays pending
// and another pass is queued, so a large backlog drains without the loop waiting on
// the session.
func (h *Hub) replay(ctx context.Context, user uuid.UUID, sink delivery.Sink) {
	report, err := h.coordinator.ReplayBacklog(ctx, user, sink)
	if err != nil {
		h.log.Error("Error fetching undelivered messages", zap.Stringer("user_id", user), zap.Error(err))
		return
	}
	if report.Pending > 0 {
		h.log.Info("Replayed undelivered messages",
			zap.Stringer("user_id", user),
			zap.Int("pending", report.Pending),
			zap.Int("pushed", report.Pushed),
			zap.Int("skipped", report.Skipped),
			zap.Int("unmarked", report.Unmarked))
	}
	if report.Skipped > 0 {
		time.AfterFunc(h.replayRetry, func() {
			h.queue.push(replayCmd{user: user, sink: sink})
		})
	}
}

func (h *Hub) disconnect(c disconnectCmd) {
	current, ok := h.connections[c.user]
	if !ok {
		return
	}
	if c.sink != nil && current != c.sink {
		h.log.Debug("Ignoring disconnect from replaced session", zap.Stringer("user_id", c.user))
		return
	}
	delete(h.connections, c.user)
	h.size.Store(int64(len(h.connections)))
	h.log.Info("User disconnected", zap.Stringer("user_id", c.user))
	h.track(c.user, false)
}

func (h *Hub) track(user uuid.UUID, connected bool) {
	if h.tracker != nil {
		h.sessions.push(sessionEvent{user: user, connected: connected})
	}
}

// trackSessions applies session changes to the tracker one at a time, in the order
// the registry made them. After the registry stops it flushes what is left.
func (h *Hub) trackSessions(ctx context.Context) {
	defer close(h.trackerDone)
	for {
		select {
		case <-h.sessions.ready:
			h.applySessionEvents(ctx, h.sessions.drain())
		case <-h.stopped:
			h.applySessionEvents(ctx, h.sessions.drain())
			return
		}
	}
}

func (h *Hub) applySessionEvents(ctx context.Context, events []sessionEvent) {
	for _, ev := range events {
		var err error
		if ev.connected {
			err = h.tracker.AddSession(ctx, ev.user, h.nodeID)
		} else {
			err = h.tracker.RemoveSession(ctx, ev.user, h.nodeID)
		}
		if err != nil {
			h.log.Warn("Failed to update session",
				zap.Stringer("user_id", ev.user),
				zap.Bool("connected", ev.connected),
				zap.Error(err))
		}
	}
}

// Connect registers sink as the user's outbound channel, replacing any previous one,
// and replays the user's undelivered messages into it. It returns once the command
// is queued.
func (h *Hub) Connect(ctx context.Context, user uuid.UUID, sink delivery.Sink) error {
	if !h.queue.push(connectCmd{user: user, sink: sink}) {
		return ErrRegistryClosed
	}
	return nil
}

// Disconnect removes the user's entry. With a non-nil sink the entry is removed only
// while it still refers to that sink, so a replaced session cannot evict its
// successor. Disconnecting an absent user is a no-op.
func (h *Hub) Disconnect(ctx context.Context, user uuid.UUID, sink delivery.Sink) error {
	if !h.queue.push(disconnectCmd{user: user, sink: sink}) {
		return ErrRegistryClosed
	}
	return nil
}

// Send stores a message from sender to recipient and delivers it if the recipient
// is registered when the command is processed.
func (h *Hub) Send(ctx context.Context, content string, sender, recipient uuid.UUID) (delivery.Outcome, error) {
	reply := make(chan delivery.Outcome, 1)
	if !h.queue.push(sendCmd{content: content, sender: sender, recipient: recipient, reply: reply}) {
		return delivery.Outcome{Err: ErrRegistryClosed}, ErrRegistryClosed
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return delivery.Outcome{Err: ctx.Err()}, ctx.Err()
	case <-h.stopped:
		return delivery.Outcome{Err: ErrRegistryClosed}, ErrRegistryClosed
	}
}

// IsOnline reports whether the user has a registry entry, as seen after every
// previously queued command has been processed.
func (h *Hub) IsOnline(ctx context.Context, user uuid.UUID) (bool, error) {
	reply := make(chan bool, 1)
	if !h.queue.push(onlineCmd{user: user, reply: reply}) {
		return false, ErrRegistryClosed
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-h.stopped:
		return false, ErrRegistryClosed
	}
}

// Stats returns the number of registered users.
func (h *Hub) Stats() int {
	return int(h.size.Load())
}
