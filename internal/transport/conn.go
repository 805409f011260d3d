// Package transport moves frames over a byte stream to a node.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/taulink/internal/observability"
	"github.com/danmuck/taulink/internal/protocol/frame"
)

var ErrConnClosed = errors.New("transport: connection closed")

// Conn is the frame-level view of one connection. ReadFrame is called from a
// single reader; WriteFrame is safe for concurrent use.
type Conn interface {
	WriteFrame(f frame.Frame) error
	ReadFrame() (frame.Frame, error)
	Close() error
	RemoteAddr() string
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// StreamConn frames an ordered byte stream.
type StreamConn struct {
	rw           io.ReadWriteCloser
	r            *bufio.Reader
	wmu          sync.Mutex
	limits       frame.Limits
	writeTimeout time.Duration
	remote       string
	network      string

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	onClose   func() error
}

var _ Conn = (*StreamConn)(nil)

func NewStreamConn(rw io.ReadWriteCloser, remote string, limits frame.Limits, writeTimeout time.Duration) *StreamConn {
	return &StreamConn{
		rw:           rw,
		r:            bufio.NewReader(rw),
		limits:       limits,
		writeTimeout: writeTimeout,
		remote:       remote,
		network:      string(NetworkTCP),
		closed:       make(chan struct{}),
	}
}

func (c *StreamConn) WriteFrame(f frame.Frame) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if d, ok := c.rw.(writeDeadliner); ok && c.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := frame.WriteFrame(c.rw, f, c.limits); err != nil {
		return err
	}
	observability.RecordFrame(c.network, "out")
	return nil
}

func (c *StreamConn) ReadFrame() (frame.Frame, error) {
	f, err := frame.ReadFrame(c.r, c.limits)
	if err != nil {
		select {
		case <-c.closed:
			return frame.Frame{}, ErrConnClosed
		default:
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return frame.Frame{}, ErrConnClosed
		}
		return frame.Frame{}, err
	}
	observability.RecordFrame(c.network, "in")
	return f, nil
}

// Close is idempotent.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.rw.Close()
		if c.onClose != nil {
			if err := c.onClose(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// Done is closed once Close has been called.
func (c *StreamConn) Done() <-chan struct{} {
	return c.closed
}

func (c *StreamConn) RemoteAddr() string {
	return c.remote
}

// Pipe returns two connected in-memory conns.
func Pipe(limits frame.Limits) (*StreamConn, *StreamConn) {
	a, b := net.Pipe()
	return NewStreamConn(a, "pipe:a", limits, 0), NewStreamConn(b, "pipe:b", limits, 0)
}
