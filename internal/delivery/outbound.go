package delivery

import (
	"context"
	"errors"
	"sync"

	"chat_relay/internal/domain"
)

var (
	ErrSinkClosed = errors.New("outbound channel closed")
	ErrSinkFull   = errors.New("outbound channel full")
)

// Sink is the write side of a user's outbound channel. Push must be safe for
// concurrent use.
type Sink interface {
	Push(ctx context.Context, msg domain.Message) error
}

// Outbound is a bounded, ordered queue of messages for one session. Any number of
// writers may Push; the owning session is the only reader of C. Push never waits:
// the registry loop pushes, and one session that stopped reading must not hold up
// everyone else.
type Outbound struct {
	ch   chan domain.Message
	done chan struct{}
	once sync.Once
}

// NewOutbound returns a channel holding up to size messages.
func NewOutbound(size int) *Outbound {
	return &Outbound{
		ch:   make(chan domain.Message, size),
		done: make(chan struct{}),
	}
}

// Push queues msg, failing with ErrSinkFull when the buffer has no room and with
// ErrSinkClosed once the channel is torn down.
func (o *Outbound) Push(ctx context.Context, msg domain.Message) error {
	select {
	case <-o.done:
		return ErrSinkClosed
	default:
	}

	select {
	case o.ch <- msg:
		return nil
	default:
		return ErrSinkFull
	}
}

func (o *Outbound) C() <-chan domain.Message {
	return o.ch
}

// Done is closed once the channel has been torn down.
func (o *Outbound) Done() <-chan struct{} {
	return o.done
}

func (o *Outbound) Close() {
	o.once.Do(func() { close(o.done) })
}
