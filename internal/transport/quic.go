package transport

import (
	"context"
	"net"

	"github.com/quic-go/quic-go"
)

// ALPN is the QUIC application protocol name.
const ALPN = "sandnode"

// dialQUIC opens one bidirectional stream and frames over it.
func (d *Dialer) dialQUIC(ctx context.Context, addr string) (*StreamConn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := d.cfg.clientTLSConfig(host, ALPN)
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		HandshakeIdleTimeout: d.cfg.HandshakeTimeout,
		KeepAlivePeriod:      d.cfg.KeepAlivePeriod,
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, addr, tlsCfg, quicConf)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, err
	}

	sc := NewStreamConn(stream, addr, d.cfg.Limits, d.cfg.WriteTimeout)
	sc.network = string(NetworkQUIC)
	sc.onClose = func() error {
		return conn.CloseWithError(0, "")
	}
	return sc, nil
}
