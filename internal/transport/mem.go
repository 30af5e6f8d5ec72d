package transport

import (
	"io"
	"net"
	"strconv"
	"sync"
)

const memQueueDepth = 1024

// MemConn is an in-process Conn. Pairs are created by Pipe or MemListener.
type MemConn struct {
	addr string
	in   chan []byte
	peer *MemConn
	done chan struct{}

	closeOnce sync.Once

	mu        sync.Mutex
	writeErr  error
	writeGate chan struct{}
}

// Pipe returns two connected in-process Conns. aAddr and bAddr are reported
// by each end's RemoteAddr as the address of the other end.
func Pipe(aAddr, bAddr string) (*MemConn, *MemConn) {
	a := &MemConn{addr: bAddr, in: make(chan []byte, memQueueDepth), done: make(chan struct{})}
	b := &MemConn{addr: aAddr, in: make(chan []byte, memQueueDepth), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *MemConn) ReadPayload() ([]byte, error) {
	select {
	case p := <-c.in:
		return p, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-c.peer.done:
		select {
		case p := <-c.in:
			return p, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *MemConn) WritePayload(payload []byte) error {
	c.mu.Lock()
	err, gate := c.writeErr, c.writeGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.done:
			return net.ErrClosed
		}
	}
	if err != nil {
		return err
	}

	cp := append([]byte(nil), payload...)
	select {
	case <-c.done:
		return net.ErrClosed
	case <-c.peer.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.peer.in <- cp:
		return nil
	case <-c.done:
		return net.ErrClosed
	case <-c.peer.done:
		return io.ErrClosedPipe
	}
}

func (c *MemConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *MemConn) RemoteAddr() string { return c.addr }

// Peer returns the other end of the pipe.
func (c *MemConn) Peer() *MemConn { return c.peer }

// FailWrites makes every later write return err, simulating a broken link
// whose failure is only noticed when writing.
func (c *MemConn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// BlockWrites stalls writes until the returned func is called.
func (c *MemConn) BlockWrites() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.writeGate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// MemListener accepts in-process connections created by Dial.
type MemListener struct {
	addr      string
	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	dials int
}

func NewMemListener(addr string) *MemListener {
	return &MemListener{addr: addr, conns: make(chan Conn), done: make(chan struct{})}
}

// Dial connects to the listener and returns the client end. It blocks until
// the connection is accepted.
func (l *MemListener) Dial() (*MemConn, error) {
	l.mu.Lock()
	l.dials++
	clientAddr := l.addr + "/client-" + strconv.Itoa(l.dials)
	l.mu.Unlock()

	client, server := Pipe(clientAddr, l.addr)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *MemListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *MemListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *MemListener) Addr() string { return l.addr }
