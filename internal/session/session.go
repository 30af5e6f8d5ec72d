// Package session owns a single live peer connection: an ordered outbound
// queue drained by one writer goroutine, and an inbound loop that decodes
// payloads into typed messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/trzy/RoBart/internal/framing"
	"github.com/trzy/RoBart/internal/message"
	"github.com/trzy/RoBart/internal/metrics"
	"github.com/trzy/RoBart/internal/transport"
)

const (
	DefaultSendQueueBytes    = 32 << 20
	DefaultSendQueueMessages = 1024
)

// Inbound is one decoded message together with its wire bytes.
type Inbound struct {
	Tag     string
	Message any
	// Payload is the undecoded JSON payload exactly as received.
	Payload []byte
	Arrival time.Time
}

type Options struct {
	Registry *message.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Transport labels the session in logs and metrics, e.g. "tcp".
	Transport string

	SendQueueBytes    int
	SendQueueMessages int

	// RateLimit caps inbound messages per second; excess messages are dropped.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	Now func() time.Time
}

type Session struct {
	id         string
	conn       transport.Conn
	reg        *message.Registry
	logger     *slog.Logger
	metrics    *metrics.Metrics
	transport  string
	now        func() time.Time
	limiter    *rate.Limiter
	queue      *sendQueue
	connected  time.Time
	writerDone chan struct{}

	mu       sync.Mutex
	closed   bool
	closeErr error
	onClose  []func(*Session)
	done     chan struct{}
}

// New wraps conn and starts its writer goroutine, so Send may be used before
// Run is called.
func New(conn transport.Conn, opts Options) *Session {
	if opts.Registry == nil {
		opts.Registry = message.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SendQueueBytes <= 0 {
		opts.SendQueueBytes = DefaultSendQueueBytes
	}
	if opts.SendQueueMessages <= 0 {
		opts.SendQueueMessages = DefaultSendQueueMessages
	}

	id := uuid.NewString()
	s := &Session{
		id:         id,
		conn:       conn,
		reg:        opts.Registry,
		metrics:    opts.Metrics,
		transport:  opts.Transport,
		now:        opts.Now,
		queue:      newSendQueue(opts.SendQueueBytes, opts.SendQueueMessages),
		connected:  opts.Now(),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.logger = opts.Logger.With("session_id", id, "remote_addr", conn.RemoteAddr())
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	go s.writeLoop()
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) RemoteAddr() string     { return s.conn.RemoteAddr() }
func (s *Session) Transport() string      { return s.transport }
func (s *Session) ConnectedAt() time.Time { return s.connected }
func (s *Session) Logger() *slog.Logger   { return s.logger }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns why the session closed. It is nil while open and after an
// orderly close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// AddOnClose registers fn to run once when the session closes. If the session
// is already closed fn runs immediately.
func (s *Session) AddOnClose(fn func(*Session)) {
	s.mu.Lock()
	if !s.closed {
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(s)
}

// Send serializes m and queues it for delivery. Serialization errors are
// returned without affecting the session.
func (s *Session) Send(m any) error {
	payload, err := s.reg.Serialize(m)
	if err != nil {
		return err
	}
	return s.SendPayload(payload)
}

// SendPayload queues an already serialized payload. payload must not be
// modified afterwards.
//
// A send to a closed session fails with ErrSendFailed. If the outbound queue
// is full the session is closed, since the peer is not keeping up.
func (s *Session) SendPayload(payload []byte) error {
	switch s.queue.Enqueue(payload) {
	case enqueued:
		return nil
	case enqueueClosed:
		s.metrics.MessageDropped(metrics.DropReasonClosed)
		return fmt.Errorf("%w: %w", ErrSendFailed, ErrClosed)
	default:
		s.metrics.MessageDropped(metrics.DropReasonQueueFull)
		err := fmt.Errorf("%w: %w", ErrSendFailed, ErrQueueFull)
		s.closeWithError(err)
		return err
	}
}

// Close closes the session. It is idempotent and safe to call from any
// goroutine.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) closeWithError(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = cause
	callbacks := s.onClose
	s.onClose = nil
	close(s.done)
	s.mu.Unlock()

	s.queue.Close()
	_ = s.conn.Close()

	if cause != nil {
		s.logger.Info("session closed", "err", cause)
	} else {
		s.logger.Debug("session closed")
	}
	for _, fn := range callbacks {
		fn(s)
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		payload, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		if err := s.conn.WritePayload(payload); err != nil {
			s.closeWithError(fmt.Errorf("%w: %w", ErrSendFailed, err))
			return
		}
		s.metrics.MessageSent()
	}
}

// Run reads and decodes inbound payloads until the connection ends, calling
// emit for each message in arrival order. emit runs on Run's goroutine.
//
// Run closes the session before returning. It returns nil when the peer
// disconnects cleanly or the session is closed locally, and the cause
// otherwise. Cancelling ctx closes the session.
func (s *Session) Run(ctx context.Context, emit func(Inbound)) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		payload, err := s.conn.ReadPayload()
		if err != nil {
			if s.Closed() || isCleanDisconnect(err) {
				_ = s.Close()
				return nil
			}
			if errors.Is(err, framing.ErrFrameTooLarge) || errors.Is(err, framing.ErrInvalidFrameSize) {
				s.metrics.DecodeError(metrics.DecodeKindFraming)
			}
			s.closeWithError(err)
			return err
		}
		arrival := s.now()

		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.MessageDropped(metrics.DropReasonRateLimited)
			s.logger.Debug("inbound message rate limited")
			continue
		}

		decoded, err := s.reg.Deserialize(payload)
		if err != nil {
			s.metrics.DecodeError(decodeKind(err))
			err = fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			s.closeWithError(err)
			return err
		}
		s.metrics.MessageReceived(decoded.Tag)

		emit(Inbound{
			Tag:     decoded.Tag,
			Message: decoded.Message,
			Payload: payload,
			Arrival: arrival,
		})
	}
}

func isCleanDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || transport.IsNormalClose(err)
}

func decodeKind(err error) string {
	var unknown *message.UnknownMessageTypeError
	var mismatch *message.SchemaMismatchError
	switch {
	case errors.As(err, &unknown):
		return metrics.DecodeKindUnknownType
	case errors.As(err, &mismatch):
		return metrics.DecodeKindSchemaMismatch
	default:
		return metrics.DecodeKindMalformed
	}
}
