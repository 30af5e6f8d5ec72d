// Package signaling pairs two peers for a WebRTC negotiation. The first peer
// to ask becomes the initiator and the second the responder; once both roles
// are held, every further message from one occupant is forwarded byte for
// byte to the other.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/trzy/RoBart/internal/metrics"
	"github.com/trzy/RoBart/internal/server"
	"github.com/trzy/RoBart/internal/session"
	"github.com/trzy/RoBart/internal/turnrest"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	RelayOnly  bool
	// TURN, when set, mints fresh credentials for the TURN entries of
	// ICEServers on every pairing.
	TURN *turnrest.Generator

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// QuietTags are relayed without a debug log line. Defaults to
	// ICECandidateMessage.
	QuietTags []string
}

// State is a snapshot of the role slots.
type State struct {
	Initiator string `json:"initiator,omitempty"`
	Responder string `json:"responder,omitempty"`
	Paired    bool   `json:"paired"`
}

type Relay struct {
	cfg    Config
	logger *slog.Logger
	quiet  map[string]struct{}

	mu        sync.Mutex
	initiator *session.Session
	responder *session.Session
}

func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QuietTags == nil {
		cfg.QuietTags = []string{TagICECandidate}
	}
	quiet := make(map[string]struct{}, len(cfg.QuietTags))
	for _, tag := range cfg.QuietTags {
		quiet[tag] = struct{}{}
	}
	return &Relay{cfg: cfg, logger: cfg.Logger, quiet: quiet}
}

// Register installs the relay on srv: a ReadyToConnectMessage handler, a
// forwarding handler for every other tag in srv's registry, and a disconnect
// hook. srv's registry must already hold the relay messages.
func (r *Relay) Register(srv *server.Server) error {
	if !srv.Registry().Has(TagReadyToConnect) {
		return errors.New("signaling: registry is missing " + TagReadyToConnect)
	}
	var errs []error
	for _, tag := range srv.Registry().Tags() {
		switch tag {
		case TagReadyToConnect:
			errs = append(errs, srv.Handle(tag, r.handleReady))
		case TagRole:
			// Only the relay assigns roles; a peer sending one is ignored.
		default:
			errs = append(errs, srv.Handle(tag, r.handleRelay))
		}
	}
	errs = append(errs, srv.OnDisconnect(r.handleDisconnect))
	return errors.Join(errs...)
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st State
	if r.initiator != nil {
		st.Initiator = r.initiator.ID()
	}
	if r.responder != nil {
		st.Responder = r.responder.ID()
	}
	st.Paired = r.initiator != nil && r.responder != nil
	return st
}

func (r *Relay) handleReady(_ context.Context, s *session.Session, _ session.Inbound) {
	r.mu.Lock()
	if s == r.initiator || s == r.responder {
		r.mu.Unlock()
		s.Logger().Debug("ignoring repeated ready request")
		return
	}
	// A closed session has already run (or is about to run) handleDisconnect
	// and must not be left behind in a slot.
	if s.Closed() {
		r.mu.Unlock()
		return
	}
	var role string
	switch {
	case r.initiator == nil:
		r.initiator, role = s, RoleInitiator
	case r.responder == nil:
		r.responder, role = s, RoleResponder
	default:
		r.mu.Unlock()
		s.Logger().Info("both roles taken, ignoring ready request")
		return
	}
	initiator, responder := r.initiator, r.responder
	paired := initiator != nil && responder != nil
	r.cfg.Metrics.SetRoleSlotsOccupied(r.occupiedLocked())
	r.mu.Unlock()

	s.Logger().Info("assigned role", "role", role)
	if paired {
		r.announcePairing(initiator, responder)
	}
}

func (r *Relay) announcePairing(initiator, responder *session.Session) {
	servers := r.cfg.ICEServers
	if r.cfg.TURN != nil {
		withCreds, creds, err := r.cfg.TURN.ForPairing(servers)
		if err != nil {
			r.logger.Warn("turn rest credentials not applied", "err", err)
		} else {
			servers = withCreds
			r.logger.Debug("minted turn credentials", "username", creds.Username, "expires", creds.Expires)
		}
	}

	r.cfg.Metrics.Pairing()
	r.logger.Info("peers paired",
		"initiator", initiator.ID(),
		"responder", responder.ID(),
	)
	// The responder hears first so that its role is queued ahead of anything
	// the initiator sends once it learns its own.
	for _, p := range []struct {
		s    *session.Session
		role string
	}{{responder, RoleResponder}, {initiator, RoleInitiator}} {
		err := p.s.Send(RoleMessage{Role: p.role, ICEServers: servers, RelayOnly: r.cfg.RelayOnly})
		if err != nil {
			p.s.Logger().Warn("failed to send role", "role", p.role, "err", err)
		}
	}
}

func (r *Relay) handleRelay(_ context.Context, s *session.Session, in session.Inbound) {
	r.mu.Lock()
	var to *session.Session
	if r.initiator != nil && r.responder != nil {
		switch s {
		case r.initiator:
			to = r.responder
		case r.responder:
			to = r.initiator
		}
	}
	r.mu.Unlock()

	if to == nil {
		r.cfg.Metrics.MessageDropped(metrics.DropReasonNotPaired)
		s.Logger().Debug("dropping message from unpaired peer", "tag", in.Tag)
		return
	}
	if err := to.SendPayload(in.Payload); err != nil {
		// Best effort; the negotiation above recovers by renegotiating.
		s.Logger().Debug("relay send failed", "tag", in.Tag, "to", to.ID(), "err", err)
		return
	}
	r.cfg.Metrics.Relayed(in.Tag)
	if _, quiet := r.quiet[in.Tag]; !quiet {
		s.Logger().Debug("relayed message", "tag", in.Tag, "to", to.ID())
	}
}

func (r *Relay) handleDisconnect(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch s {
	case r.initiator:
		r.initiator = nil
		s.Logger().Info("initiator left")
	case r.responder:
		r.responder = nil
		s.Logger().Info("responder left")
	default:
		return
	}
	r.cfg.Metrics.SetRoleSlotsOccupied(r.occupiedLocked())
}

func (r *Relay) occupiedLocked() int {
	n := 0
	if r.initiator != nil {
		n++
	}
	if r.responder != nil {
		n++
	}
	return n
}
