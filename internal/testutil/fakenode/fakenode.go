// Package fakenode is an in-process node for exercising client chains.
package fakenode

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/danmuck/taulink/internal/protocol/frame"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/danmuck/taulink/internal/transport"
)

// Handler answers one request frame with zero or more frames.
type Handler func(req frame.Frame) []frame.Frame

// Node answers frames by message type. Used directly as a chain.Sender it
// replies synchronously through the attached dispatch func; Serve runs it
// over a real transport.Conn instead.
type Node struct {
	mu       sync.Mutex
	handlers map[msg.Type]Handler
	counts   map[msg.Type]int
	dispatch func(frame.Frame)
	conn     transport.Conn
}

func New() *Node {
	return &Node{
		handlers: make(map[msg.Type]Handler),
		counts:   make(map[msg.Type]int),
	}
}

func (n *Node) Handle(t msg.Type, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[t] = h
}

// Attach routes replies into dispatch, usually a chain.Registry's Dispatch.
func (n *Node) Attach(dispatch func(frame.Frame)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatch = dispatch
}

func (n *Node) WriteFrame(f frame.Frame) error {
	for _, reply := range n.respond(f) {
		n.Push(reply)
	}
	return nil
}

// Push delivers an unsolicited frame to the client.
func (n *Node) Push(f frame.Frame) {
	n.mu.Lock()
	dispatch, conn := n.dispatch, n.conn
	n.mu.Unlock()
	switch {
	case conn != nil:
		_ = conn.WriteFrame(f)
	case dispatch != nil:
		dispatch(f)
	}
}

// Serve answers frames read from conn until it closes or ctx ends.
func (n *Node) Serve(ctx context.Context, conn transport.Conn) error {
	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, transport.ErrConnClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, reply := range n.respond(f) {
			if err := conn.WriteFrame(reply); err != nil {
				return err
			}
		}
	}
}

// Count is the number of requests of type t seen so far.
func (n *Node) Count(t msg.Type) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[t]
}

func (n *Node) respond(f frame.Frame) []frame.Frame {
	t := msg.TypeOf(f)
	n.mu.Lock()
	n.counts[t]++
	h, ok := n.handlers[t]
	n.mu.Unlock()
	if !ok {
		return []frame.Frame{msg.ErrorFrame(f.ChainID(), msg.NewError(msg.CodeUnhandledType, t.String()))}
	}
	return h(f)
}

// Reply builds a t frame on the chain of req. It panics on encode errors,
// which only a broken test fixture produces.
func Reply(req frame.Frame, t msg.Type, v any) []frame.Frame {
	f, err := msg.NewFrame(req.ChainID(), t, v)
	if err != nil {
		panic(err)
	}
	return []frame.Frame{f}
}

// Fail answers req with an error frame.
func Fail(req frame.Frame, code uint32, message string) []frame.Frame {
	return []frame.Frame{msg.ErrorFrame(req.ChainID(), msg.NewError(code, message))}
}

// Decode reads the request payload, panicking on fixture errors.
func Decode[T any](req frame.Frame) T {
	var out T
	if err := msg.Decode(req, &out); err != nil {
		panic(err)
	}
	return out
}
