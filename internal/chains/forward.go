// Package chains holds the concrete client exchanges spoken over a session.
package chains

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/protocol/frame"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ForwardRequestName is the registry name of the long-lived send chain.
const ForwardRequestName = "fwd_req"

// ForwardRequest sends chat messages. One call at a time owns the chain so
// replies pair with their requests.
type ForwardRequest struct {
	*chain.Chain
	mu sync.Mutex
}

func NewForwardRequest() *ForwardRequest {
	return &ForwardRequest{Chain: chain.New()}
}

// Message sends input and returns the id the server stored it under.
func (c *ForwardRequest) Message(ctx context.Context, input msg.ChatMessageInput) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out msg.IDPayload
	if err := c.Request(ctx, msg.TypeForwardRequest, msg.ForwardRequest{Message: input}, msg.TypeHappy, &out); err != nil {
		return uuid.Nil, err
	}
	return out.ID, nil
}

// ForwardHandler consumes one pushed message.
type ForwardHandler func(ctx context.Context, fwd msg.Forward)

// ForwardReceiver reads server-pushed FWD frames until the server ends the
// chain or the session goes away.
type ForwardReceiver struct {
	*chain.Chain
	handle ForwardHandler
}

// ForwardReceiverFactory builds receivers for the registry's FWD binding.
func ForwardReceiverFactory(h ForwardHandler) chain.Factory {
	return func(c *chain.Chain) chain.Receiver {
		return &ForwardReceiver{Chain: c, handle: h}
	}
}

func (r *ForwardReceiver) Run(ctx context.Context) {
	for {
		f, err := r.Receive(ctx)
		if err != nil {
			if !errors.Is(err, chain.ErrChainClosed) && ctx.Err() == nil {
				log.Warn().Err(err).Uint64("chain_id", r.ID()).Msg("chains.ForwardReceiver.Run")
			}
			return
		}
		if done := r.consume(ctx, f); done {
			return
		}
	}
}

func (r *ForwardReceiver) consume(ctx context.Context, f frame.Frame) bool {
	var fwd msg.Forward
	if err := chain.Interpret(f, msg.TypeForward, &fwd); err != nil {
		log.Warn().Err(err).
			Uint64("chain_id", f.ChainID()).
			Str("msg_type", msg.TypeOf(f).String()).
			Msg("chains.ForwardReceiver.consume dropped frame")
		return f.IsFinal() || f.IsError()
	}
	if r.handle != nil {
		r.handle(ctx, fwd)
	}
	return f.IsFinal()
}
