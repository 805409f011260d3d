package transport

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/taulink/internal/observability"
	"github.com/rs/zerolog/log"
)

// Dialer opens framed connections with retry and backoff.
type Dialer struct {
	cfg   Config
	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewDialer(cfg Config) (*Dialer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (d *Dialer) Config() Config {
	return d.cfg
}

// Dial connects to addr ("host:port"), retrying up to MaxConnectAttempts.
func (d *Dialer) Dial(ctx context.Context, addr string) (*StreamConn, error) {
	var attempt int
	for {
		attempt++
		conn, err := d.dialOnce(ctx, addr)
		observability.RecordDial(string(d.cfg.Network), err == nil)
		if err == nil {
			log.Debug().Str("peer", addr).Int("attempt", attempt).Msg("transport.Dialer.Dial connected")
			return conn, nil
		}
		log.Warn().Err(err).Str("peer", addr).Int("attempt", attempt).Msg("transport.Dialer.Dial failed")
		if !d.shouldRetry(attempt) || ctx.Err() != nil {
			return nil, err
		}
		if err := d.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (d *Dialer) dialOnce(ctx context.Context, addr string) (*StreamConn, error) {
	if d.cfg.Network == NetworkQUIC {
		return d.dialQUIC(ctx, addr)
	}
	return d.dialTCP(ctx, addr)
}

func (d *Dialer) dialTCP(ctx context.Context, addr string) (*StreamConn, error) {
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout, KeepAlive: d.cfg.KeepAlivePeriod}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !d.cfg.TLS.Enabled {
		return NewStreamConn(rawConn, addr, d.cfg.Limits, d.cfg.WriteTimeout), nil
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	tlsCfg, err := d.cfg.clientTLSConfig(host)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return NewStreamConn(conn, addr, d.cfg.Limits, d.cfg.WriteTimeout), nil
}

func (d *Dialer) shouldRetry(attempt int) bool {
	if d.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < d.cfg.MaxConnectAttempts
}

func (d *Dialer) sleepBackoff(ctx context.Context, attempt int) error {
	d.rngMu.Lock()
	delay := NextBackoffDelay(d.cfg.Backoff, attempt, d.rng)
	d.rngMu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
