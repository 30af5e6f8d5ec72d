package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/trzy/RoBart/internal/framing"
)

type streamConn struct {
	conn net.Conn
	opts Options
	r    *framing.Reader
	w    *framing.Writer

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn frames payloads over a byte stream such as TCP.
func NewStreamConn(conn net.Conn, opts Options) Conn {
	opts = opts.withDefaults()
	return &streamConn{
		conn: conn,
		opts: opts,
		// The header counts toward the frame limit.
		r: framing.NewReader(conn, opts.MaxPayloadBytes+framing.HeaderSize),
		w: framing.NewWriter(conn),
	}
}

func (c *streamConn) ReadPayload() ([]byte, error) {
	return c.r.ReadFrame()
}

func (c *streamConn) WritePayload(payload []byte) error {
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return c.w.WriteFrame(payload)
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *streamConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

type streamListener struct {
	ln   net.Listener
	opts Options
}

// Listen opens a stream listener, e.g. Listen("tcp", ":8000", opts).
func Listen(network, addr string, opts Options) (Listener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return NewStreamListener(ln, opts), nil
}

func NewStreamListener(ln net.Listener, opts Options) Listener {
	return &streamListener{ln: ln, opts: opts}
}

func (l *streamListener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewStreamConn(conn, l.opts), nil
}

func (l *streamListener) Close() error {
	return l.ln.Close()
}

func (l *streamListener) Addr() string {
	return l.ln.Addr().String()
}

// Dial connects to a stream listener. It is used by clients and tests.
func Dial(network, addr string, opts Options) (Conn, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn, opts), nil
}
