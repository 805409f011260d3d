// Package client owns live connections to nodes. A Session is the context
// object for one connection: its transport, chain registry, key facade and
// key exchange orchestrator. Nothing here is process-global.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/chains"
	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/exchange"
	"github.com/danmuck/taulink/internal/keystore"
	"github.com/danmuck/taulink/internal/link"
	"github.com/danmuck/taulink/internal/protocol/frame"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/danmuck/taulink/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink receives fire-and-forget events for the host application.
type Sink interface {
	Notify(event string, payload map[string]any)
}

const (
	EventMessage    = "onmessage"
	EventDisconnect = "disconnect"
)

type discardSink struct{}

func (discardSink) Notify(string, map[string]any) {}

// Options are shared by every session a Manager starts.
type Options struct {
	Dial              func(ctx context.Context, addr string) (transport.Conn, error)
	Store             keystore.Store
	Algorithms        *crypto.Registry
	DEKAlgorithm      string
	PersonalAlgorithm string
	Sink              Sink
}

func (o Options) withDefaults() Options {
	if o.Store == nil {
		o.Store = keystore.NewMemoryStore()
	}
	if o.Algorithms == nil {
		o.Algorithms = crypto.DefaultRegistry()
	}
	if o.Sink == nil {
		o.Sink = discardSink{}
	}
	return o
}

type Session struct {
	id     uuid.UUID
	link   link.Link
	conn   transport.Conn
	reg    *chain.Registry
	keys   *keystore.Facade
	ex     *exchange.Orchestrator
	sink   Sink
	logger zerolog.Logger

	inbound *chain.FrameQueue
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials the node named by l and starts a session on it.
func Connect(ctx context.Context, id uuid.UUID, l link.Link, opts Options) (*Session, error) {
	if opts.Dial == nil {
		return nil, errors.New("client: no dialer configured")
	}
	conn, err := opts.Dial(ctx, l.Address.Dial())
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", l.Address, err)
	}
	return NewSession(ctx, id, l, conn, opts), nil
}

// NewSession runs a session over an established conn. The session owns conn
// from here on.
func NewSession(ctx context.Context, id uuid.UUID, l link.Link, conn transport.Conn, opts Options) *Session {
	opts = opts.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		link:    l,
		conn:    conn,
		keys:    keystore.NewFacade(opts.Store),
		sink:    opts.Sink,
		logger:  log.With().Str("client", id.String()).Str("node", l.Address.String()).Logger(),
		inbound: chain.NewFrameQueue(),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.reg = chain.NewRegistry(conn,
		chain.WithFactory(msg.TypeForward, chains.ForwardReceiverFactory(s.onForward)),
		chain.WithUnhandled(chain.UnhandledFactory(s.onUnhandled)),
	)
	s.ex = exchange.New(s.reg, s.keys, opts.Algorithms, exchange.Config{
		Address:           l.Address,
		DEKAlgorithm:      opts.DEKAlgorithm,
		PersonalAlgorithm: opts.PersonalAlgorithm,
	})
	if l.Nickname != "" {
		s.ex.SetNickname(l.Nickname)
	}
	if err := s.keys.SaveServerKey(ctx, l.Address, l.ServerKey); err != nil {
		s.logger.Warn().Err(err).Msg("client.Session server key not persisted")
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.dispatchLoop()
	s.logger.Info().Str("remote", conn.RemoteAddr()).Msg("client.Session started")
	return s
}

func (s *Session) ID() uuid.UUID                    { return s.id }
func (s *Session) Link() link.Link                  { return s.link }
func (s *Session) Registry() *chain.Registry        { return s.reg }
func (s *Session) Keys() *keystore.Facade           { return s.keys }
func (s *Session) Exchange() *exchange.Orchestrator { return s.ex }
func (s *Session) Nickname() string                 { return s.ex.Nickname() }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// readLoop is the single reader of the connection.
func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info().Err(err).Msg("client.Session.readLoop connection ended")
			}
			go s.Close()
			return
		}
		s.inbound.Push(f)
	}
}

func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		f, err := s.inbound.Pop(s.ctx)
		if err != nil {
			return
		}
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f frame.Frame) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().
				Uint64("chain_id", f.ChainID()).
				Str("msg_type", msg.TypeOf(f).String()).
				Str("panic", fmt.Sprint(p)).
				Msg("client.Session.dispatch recovered")
		}
	}()
	s.reg.Dispatch(f)
}

func (s *Session) onUnhandled(rep chain.UnhandledReport) {
	s.logger.Error().
		Uint64("chain_id", rep.ChainID).
		Str("msg_type", rep.Type.String()).
		Msg("client.Session unhandled message type")
}

func (s *Session) onForward(ctx context.Context, fwd msg.Forward) {
	payload := map[string]any{
		"uuid":         s.id.String(),
		"your-session": fwd.YourSession,
		"message":      ViewMap(fwd.Message),
	}
	decryptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	text, err := s.ex.Decrypt(decryptCtx, fwd.Message.Message, fwd.Message.Nickname)
	switch {
	case err == nil:
		payload["decrypted"] = text
	case keystore.IsNotFound(err):
		s.logger.Debug().Err(err).Str("message_id", fwd.Message.ID.String()).Msg("client.Session.onForward not decrypted")
	default:
		s.logger.Warn().Err(err).Str("message_id", fwd.Message.ID.String()).Msg("client.Session.onForward decrypt failed")
	}
	s.sink.Notify(EventMessage, payload)
}

// Close tears down the connection and every chain, then tells the host.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
		s.inbound.Close()
		s.reg.Close()
		s.wg.Wait()
		close(s.done)
		s.logger.Info().Msg("client.Session closed")
		s.sink.Notify(EventDisconnect, map[string]any{"uuid": s.id.String()})
	})
	return err
}
