// Package server accepts connections, tracks live sessions and dispatches
// inbound messages to handlers registered by type tag.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/trzy/RoBart/internal/message"
	"github.com/trzy/RoBart/internal/metrics"
	"github.com/trzy/RoBart/internal/session"
	"github.com/trzy/RoBart/internal/transport"
)

var (
	ErrStarted    = errors.New("server already started")
	ErrUnknownTag = errors.New("handler registered for unknown message tag")
	ErrShutdown   = errors.New("server shut down")
)

// Handler processes one inbound message. It runs on the originating session's
// read goroutine, so a slow handler delays only that session.
type Handler func(ctx context.Context, s *session.Session, in session.Inbound)

// Config holds the per-session settings applied to every accepted
// connection.
type Config struct {
	Registry *message.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	SendQueueBytes    int
	SendQueueMessages int
	RateLimit         float64
	RateBurst         int
}

type Server struct {
	reg     *message.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu           sync.Mutex
	started      bool
	shuttingDown bool
	handlers     map[string]Handler
	onConnect    []func(*session.Session)
	onDisconnect []func(*session.Session)
	sessions     map[string]*session.Session
	listeners    map[transport.Listener]struct{}

	wg sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = message.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		reg:       cfg.Registry,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		cfg:       cfg,
		handlers:  make(map[string]Handler),
		sessions:  make(map[string]*session.Session),
		listeners: make(map[transport.Listener]struct{}),
	}
}

func (s *Server) Registry() *message.Registry { return s.reg }

// Handle registers h for tag. Every tag has at most one handler, and handlers
// can only be registered before the first call to Serve.
func (s *Server) Handle(tag string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %q", tag)
	}
	if !s.reg.Has(tag) {
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.handlers[tag]; ok {
		return &message.DuplicateRegistrationError{Tag: tag, What: "handler"}
	}
	s.handlers[tag] = h
	return nil
}

// MustHandle is like Handle but panics on error.
func (s *Server) MustHandle(tag string, h Handler) {
	if err := s.Handle(tag, h); err != nil {
		panic(err)
	}
}

// OnConnect registers fn to run for each new session before its inbound loop
// starts. It must be called before Serve.
func (s *Server) OnConnect(fn func(*session.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.onConnect = append(s.onConnect, fn)
	return nil
}

// OnDisconnect registers fn to run exactly once per session, after the
// session has closed and left the live set. It must be called before Serve.
func (s *Server) OnDisconnect(fn func(*session.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.onDisconnect = append(s.onDisconnect, fn)
	return nil
}

// Serve accepts connections from ln until ctx is cancelled, ln is closed or
// Shutdown is called. It may be called for several listeners concurrently.
// Serve closes ln before returning.
func (s *Server) Serve(ctx context.Context, ln transport.Listener, transportName string) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrShutdown
	}
	s.started = true
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
		_ = ln.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("accepting connections", "addr", ln.Addr(), "transport", transportName)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil || s.isShuttingDown() {
				return nil
			}
			s.logger.Error("accept failed", "addr", ln.Addr(), "err", err)
			return err
		}
		if !s.startSession(ctx, conn, transportName) {
			return nil
		}
	}
}

func (s *Server) startSession(ctx context.Context, conn transport.Conn, transportName string) bool {
	sess := session.New(conn, session.Options{
		Registry:          s.reg,
		Logger:            s.logger,
		Metrics:           s.metrics,
		Transport:         transportName,
		SendQueueBytes:    s.cfg.SendQueueBytes,
		SendQueueMessages: s.cfg.SendQueueMessages,
		RateLimit:         s.cfg.RateLimit,
		RateBurst:         s.cfg.RateBurst,
	})

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = sess.Close()
		return false
	}
	onConnect := s.onConnect
	s.wg.Add(1)
	s.mu.Unlock()

	sessionDone := s.metrics.SessionOpened(transportName)
	sess.Logger().Info("session connected", "transport", transportName)

	go func() {
		defer s.wg.Done()

		for _, fn := range onConnect {
			fn(sess)
		}

		s.mu.Lock()
		shuttingDown := s.shuttingDown
		if !shuttingDown && !sess.Closed() {
			s.sessions[sess.ID()] = sess
		}
		s.mu.Unlock()
		if shuttingDown {
			_ = sess.Close()
		}
		// Registered after insertion so the callback always observes (and
		// removes) the live-set entry. A session that closed during OnConnect
		// still gets its disconnect notification.
		sess.AddOnClose(func(closed *session.Session) {
			s.mu.Lock()
			delete(s.sessions, closed.ID())
			onDisconnect := s.onDisconnect
			s.mu.Unlock()

			sessionDone()
			closed.Logger().Info("session disconnected")
			for _, fn := range onDisconnect {
				fn(closed)
			}
		})

		err := sess.Run(ctx, func(in session.Inbound) {
			s.dispatch(ctx, sess, in)
		})
		if err != nil {
			sess.Logger().Warn("session terminated", "err", err)
		}
	}()
	return true
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, in session.Inbound) {
	// handlers is immutable once the server has started.
	h, ok := s.handlers[in.Tag]
	if !ok {
		s.metrics.MessageDropped(metrics.DropReasonNoHandler)
		sess.Logger().Debug("no handler registered for message", "tag", in.Tag)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.metrics.HandlerPanic(in.Tag)
			sess.Logger().Error("panic in message handler",
				"tag", in.Tag,
				"recover", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(ctx, sess, in)
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Lookup(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Broadcast serializes m once and queues it to every live session. A failed
// send closes that session (removing it from the live set) without affecting
// the others. It returns the number of sessions the message was queued to.
func (s *Server) Broadcast(m any) (int, error) {
	return s.BroadcastExcept(m, nil)
}

// BroadcastExcept is Broadcast skipping except, typically the sender.
func (s *Server) BroadcastExcept(m any, except *session.Session) (int, error) {
	payload, err := s.reg.Serialize(m)
	if err != nil {
		return 0, err
	}
	return s.BroadcastPayload(payload, except), nil
}

// BroadcastPayload queues an already serialized payload to every live session
// other than except.
func (s *Server) BroadcastPayload(payload []byte, except *session.Session) int {
	s.metrics.Broadcast()
	delivered := 0
	for _, sess := range s.Sessions() {
		if sess == except {
			continue
		}
		if err := sess.SendPayload(payload); err != nil {
			sess.Logger().Warn("broadcast send failed", "err", err)
			// Equivalent to a disconnect: Close fires the OnDisconnect chain.
			_ = sess.Close()
			continue
		}
		delivered++
	}
	return delivered
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Shutdown stops every Serve loop, closes all sessions and waits for their
// inbound loops (including in-flight handlers) to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	listeners := make([]transport.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, sess := range s.Sessions() {
		_ = sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
