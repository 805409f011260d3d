package chain

import (
	"context"

	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/rs/zerolog/log"
)

// UnhandledReport describes a frame that no chain or factory claimed.
type UnhandledReport struct {
	ChainID    uint64
	Type       msg.Type
	PayloadLen int
}

type Reporter func(UnhandledReport)

// Unhandled is the terminal receiver for unroutable frames. It reports the
// frame upward and answers the peer with an UnhandledMessageType error.
type Unhandled struct {
	*Chain
	report Reporter
}

func NewUnhandled(c *Chain, report Reporter) *Unhandled {
	return &Unhandled{Chain: c, report: report}
}

// UnhandledFactory builds Unhandled receivers that call report.
func UnhandledFactory(report Reporter) Factory {
	return func(c *Chain) Receiver {
		return NewUnhandled(c, report)
	}
}

func (u *Unhandled) Run(ctx context.Context) {
	f, err := u.Receive(ctx)
	if err != nil {
		return
	}
	rep := UnhandledReport{ChainID: f.ChainID(), Type: msg.TypeOf(f), PayloadLen: len(f.Payload)}
	log.Error().
		Uint64("chain_id", rep.ChainID).
		Str("msg_type", rep.Type.String()).
		Int("payload_len", rep.PayloadLen).
		Msg("chain.Unhandled.Run")
	if u.report != nil {
		u.report(rep)
	}
	if f.IsError() {
		return
	}
	if err := u.SendError(msg.NewError(msg.CodeUnhandledType, rep.Type.String())); err != nil {
		log.Warn().Err(err).Uint64("chain_id", rep.ChainID).Msg("chain.Unhandled.Run reply failed")
	}
}
