// Package host connects taulink to the embedding application over a
// line-delimited JSON stream. The host sends requests and answers our
// call-outs; we send responses, events and call-outs.
package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/taulink/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultCallTimeout bounds a call-out when ctx carries no deadline.
const DefaultCallTimeout = 10 * time.Second

const maxLineBytes = 16 * 1024 * 1024

var (
	ErrCallTimeout  = errors.New("host: call timed out")
	ErrBridgeClosed = errors.New("host: bridge closed")
)

// CallError is a call-out the host answered with an error.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("host: %s: %s", e.Method, e.Message)
}

// Envelope kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
	KindCall     = "call"
	KindReply    = "reply"
)

// envelope is one line on the wire in either direction.
type envelope struct {
	Kind    string         `json:"kind"`
	ID      string         `json:"id,omitempty"`
	Method  string         `json:"method,omitempty"`
	Event   string         `json:"event,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Result  any            `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type reply struct {
	result map[string]any
	err    error
}

// Handler answers one host request.
type Handler interface {
	Handle(ctx context.Context, method string, params map[string]any) map[string]any
}

type HandlerFunc func(ctx context.Context, method string, params map[string]any) map[string]any

func (f HandlerFunc) Handle(ctx context.Context, method string, params map[string]any) map[string]any {
	return f(ctx, method, params)
}

type Bridge struct {
	r       io.Reader
	w       io.Writer
	wmu     sync.Mutex
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan reply
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewBridge(r io.Reader, w io.Writer, callTimeout time.Duration) *Bridge {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Bridge{
		r:       r,
		w:       w,
		timeout: callTimeout,
		pending: make(map[string]chan reply),
		done:    make(chan struct{}),
	}
}

func (b *Bridge) write(env envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	b.wmu.Lock()
	defer b.wmu.Unlock()
	_, err = b.w.Write(line)
	return err
}

// Notify sends a fire-and-forget event.
func (b *Bridge) Notify(event string, payload map[string]any) {
	if err := b.write(envelope{Kind: KindEvent, Event: event, Payload: payload}); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("host.Bridge.Notify write failed")
	}
}

// Call asks the host for a result and waits for its reply, ctx cancellation,
// the call timeout or bridge shutdown, whichever comes first.
func (b *Bridge) Call(ctx context.Context, method string, payload map[string]any) (res map[string]any, err error) {
	start := time.Now()
	defer func() { observability.RecordHostCall(method, err, time.Since(start)) }()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan reply, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.write(envelope{Kind: KindCall, ID: id, Method: method, Params: payload}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("method", method).Str("call_id", id).Msg("host.Bridge.Call timed out")
			return nil, fmt.Errorf("%w: %s", ErrCallTimeout, method)
		}
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrBridgeClosed
	}
}

// Serve reads host lines until the stream ends or ctx is done. Requests run
// concurrently; each gets exactly one response line.
func (b *Bridge) Serve(ctx context.Context, h Handler) error {
	defer b.shutdown()
	scanner := bufio.NewScanner(b.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			b.handleLine(ctx, h, line)
		}
	}
}

func (b *Bridge) handleLine(ctx context.Context, h Handler, line []byte) {
	if len(line) == 0 {
		return
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		log.Warn().Err(err).Msg("host.Bridge.Serve bad line")
		return
	}
	switch env.Kind {
	case KindReply:
		b.deliver(env)
	case KindRequest:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			result := h.Handle(ctx, env.Method, env.Params)
			if err := b.write(envelope{Kind: KindResponse, ID: env.ID, Method: env.Method, Result: result}); err != nil {
				log.Warn().Err(err).Str("method", env.Method).Msg("host.Bridge.Serve response write failed")
			}
		}()
	default:
		log.Warn().Str("kind", env.Kind).Msg("host.Bridge.Serve unknown envelope kind")
	}
}

func (b *Bridge) deliver(env envelope) {
	b.mu.Lock()
	ch, ok := b.pending[env.ID]
	b.mu.Unlock()
	if !ok {
		log.Debug().Str("call_id", env.ID).Msg("host.Bridge.deliver late or unknown reply")
		return
	}
	r := reply{}
	if env.Error != "" {
		r.err = &CallError{Method: env.Method, Message: env.Error}
	} else if m, ok := env.Result.(map[string]any); ok {
		r.result = m
	}
	select {
	case ch <- r:
	default:
	}
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
}
