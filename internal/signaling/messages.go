package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/trzy/RoBart/internal/message"
)

const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

const (
	TagReadyToConnect = "ReadyToConnectMessage"
	TagRole           = "RoleMessage"
	TagOffer          = "OfferMessage"
	TagAnswer         = "AnswerMessage"
	TagICECandidate   = "ICECandidateMessage"
)

// RelayedTags are the negotiation messages passed between paired peers.
var RelayedTags = []string{TagOffer, TagAnswer, TagICECandidate}

// ReadyToConnectMessage asks the relay for a role.
type ReadyToConnectMessage struct{}

// RoleMessage tells a peer which side of the negotiation it plays once both
// roles are filled.
type RoleMessage struct {
	Role       string             `json:"role"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	RelayOnly  bool               `json:"relayOnly"`
}

// Configuration returns the peer connection configuration implied by m.
func (m RoleMessage) Configuration() webrtc.Configuration {
	cfg := webrtc.Configuration{ICEServers: m.ICEServers}
	if m.RelayOnly {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

// The relay never decodes these; peers do.

type OfferMessage struct {
	SDP string `json:"sdp"`
}

type AnswerMessage struct {
	SDP string `json:"sdp"`
}

func (m OfferMessage) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}
}

func (m AnswerMessage) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}
}

type ICECandidateMessage struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) ICECandidateMessage {
	return ICECandidateMessage{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (m ICECandidateMessage) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        m.Candidate,
		SDPMid:           m.SDPMid,
		SDPMLineIndex:    m.SDPMLineIndex,
		UsernameFragment: m.UsernameFragment,
	}
}

// RegisterRelayMessages prepares reg for a relay: the role messages are typed
// and every relayed tag, including extraTags, is opaque.
func RegisterRelayMessages(reg *message.Registry, extraTags ...string) error {
	var errs []error
	errs = append(errs,
		reg.Register(TagReadyToConnect, ReadyToConnectMessage{}),
		reg.Register(TagRole, RoleMessage{}),
	)
	for _, tag := range append(append([]string(nil), RelayedTags...), extraTags...) {
		if err := reg.RegisterOpaque(tag); err != nil {
			errs = append(errs, fmt.Errorf("relayed tag: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RegisterPeerMessages prepares reg for a peer talking to a relay, with every
// negotiation message typed.
func RegisterPeerMessages(reg *message.Registry) error {
	return errors.Join(
		reg.Register(TagReadyToConnect, ReadyToConnectMessage{}),
		reg.Register(TagRole, RoleMessage{}),
		reg.Register(TagOffer, OfferMessage{}),
		reg.Register(TagAnswer, AnswerMessage{}),
		reg.Register(TagICECandidate, ICECandidateMessage{}),
	)
}
