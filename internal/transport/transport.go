// Package transport carries message payloads over a connection. Each
// implementation delimits payloads itself: stream connections use
// length-prefixed frames, WebSocket connections use one message per payload.
package transport

import (
	"errors"
	"time"

	"github.com/trzy/RoBart/internal/framing"
)

var ErrListenerClosed = errors.New("listener closed")

// Conn is one live connection to a peer. ReadPayload is called from a single
// goroutine and WritePayload from a single (possibly different) goroutine;
// Close may be called concurrently with both.
type Conn interface {
	ReadPayload() ([]byte, error)
	WritePayload(payload []byte) error
	Close() error
	RemoteAddr() string
}

// Listener produces Conns. Accept blocks until a connection arrives or the
// listener is closed, after which it returns ErrListenerClosed.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Options configure both stream and WebSocket connections.
type Options struct {
	// MaxPayloadBytes bounds a single inbound payload. Zero selects
	// framing.DefaultMaxFrameSize.
	MaxPayloadBytes int
	// WriteTimeout bounds a single write. Zero disables the deadline.
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = framing.DefaultMaxFrameSize
	}
	return o
}
