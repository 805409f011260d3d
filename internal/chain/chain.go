// Package chain multiplexes request/response exchanges over one connection.
//
// A Chain owns a private FrameQueue and a correlation id. The Registry routes
// inbound frames to chains by id, creates receiver chains for server-initiated
// exchanges, and guarantees no frame is queued on a chain after it is removed.
package chain

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/taulink/internal/protocol/frame"
	"github.com/danmuck/taulink/internal/protocol/msg"
)

// Sender writes one frame to the connection.
type Sender interface {
	WriteFrame(f frame.Frame) error
}

// Linked is anything that carries a Chain. Concrete chains embed *Chain.
type Linked interface {
	Base() *Chain
}

type state int

const (
	stateNew state = iota
	stateOpen
	stateClosed
)

// Chain is one exchange. Create with New, then Registry.Link.
type Chain struct {
	mu     sync.Mutex
	id     uint64
	name   string
	state  state
	sender Sender
	queue  *FrameQueue
}

func New() *Chain {
	return &Chain{queue: NewFrameQueue()}
}

// WithID creates an unlinked chain that will be registered under id.
func WithID(id uint64) *Chain {
	c := New()
	c.id = id
	return c
}

func (c *Chain) Base() *Chain { return c }

func (c *Chain) ID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Chain) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Chain) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

func (c *Chain) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

// Send encodes v as a t frame and writes it. It does not wait.
func (c *Chain) Send(t msg.Type, v any) error {
	c.mu.Lock()
	id, st, sender := c.id, c.state, c.sender
	c.mu.Unlock()
	switch st {
	case stateNew:
		return ErrChainNotLinked
	case stateClosed:
		return ErrChainClosed
	}
	f, err := msg.NewFrame(id, t, v)
	if err != nil {
		return err
	}
	return sender.WriteFrame(f)
}

// SendError writes a final error frame on this chain.
func (c *Chain) SendError(e msg.ErrorPayload) error {
	c.mu.Lock()
	id, st, sender := c.id, c.state, c.sender
	c.mu.Unlock()
	if st != stateOpen {
		return ErrChainClosed
	}
	return sender.WriteFrame(msg.ErrorFrame(id, e))
}

// Receive blocks for the next raw frame on this chain.
func (c *Chain) Receive(ctx context.Context) (frame.Frame, error) {
	f, err := c.queue.Pop(ctx)
	if errors.Is(err, ErrQueueClosed) {
		return frame.Frame{}, ErrChainClosed
	}
	return f, err
}

// Expect receives the next frame and decodes it into out.
// Error frames become *ProtocolError, a wrong tag *UnexpectedMessageTypeError,
// and a bad payload *DeserializationError.
func (c *Chain) Expect(ctx context.Context, want msg.Type, out any) error {
	f, err := c.Receive(ctx)
	if err != nil {
		return err
	}
	return Interpret(f, want, out)
}

// Request sends one frame and waits for a single reply of type want.
func (c *Chain) Request(ctx context.Context, t msg.Type, v any, want msg.Type, out any) error {
	if err := c.Send(t, v); err != nil {
		return err
	}
	return c.Expect(ctx, want, out)
}

// Interpret checks f in the order error, type, payload.
func Interpret(f frame.Frame, want msg.Type, out any) error {
	got := msg.TypeOf(f)
	if f.IsError() || got == msg.TypeError {
		var payload msg.ErrorPayload
		if err := msg.Decode(f, &payload); err != nil {
			return &DeserializationError{Type: got, Err: err}
		}
		return &ProtocolError{Code: payload.Code, Name: payload.Name, Message: payload.Message}
	}
	if got != want {
		return &UnexpectedMessageTypeError{Expected: want, Actual: got}
	}
	if out == nil {
		return nil
	}
	if err := msg.Decode(f, out); err != nil {
		return &DeserializationError{Type: got, Err: err}
	}
	return nil
}

// ExpectAs is Expect returning a value.
func ExpectAs[T any](ctx context.Context, c *Chain, want msg.Type) (T, error) {
	var out T
	err := c.Expect(ctx, want, &out)
	return out, err
}
