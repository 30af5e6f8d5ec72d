// Package turnrest mints short-lived TURN credentials in the coturn "REST API"
// format so that a paired robot and operator can share a TURN server without
// a static password.
//
//	username   = <unix_expiry>:<prefix>:<pairing_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoSecret      = errors.New("turn rest: shared secret is required")
	ErrBadTTL        = errors.New("turn rest: ttl must be positive")
	ErrBadPrefix     = errors.New("turn rest: username prefix must be non-empty and colon free")
	ErrBadPairingID  = errors.New("turn rest: pairing id must be non-empty and colon free")
	ErrNoTURNServers = errors.New("turn rest: no turn: or turns: servers configured")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	Now func() time.Time
	// NewPairingID defaults to a random UUID.
	NewPairingID func() string
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	newID  func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrNoSecret
	}
	if cfg.TTL < time.Second {
		return nil, fmt.Errorf("%w: %s", ErrBadTTL, cfg.TTL)
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, fmt.Errorf("%w: %q", ErrBadPrefix, cfg.UsernamePrefix)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewPairingID == nil {
		cfg.NewPairingID = uuid.NewString
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewPairingID,
	}, nil
}

// Generate returns credentials bound to pairingID, valid for the configured
// TTL (rounded down to whole seconds).
func (g *Generator) Generate(pairingID string) (Credentials, error) {
	if pairingID == "" || strings.Contains(pairingID, ":") {
		return Credentials{}, fmt.Errorf("%w: %q", ErrBadPairingID, pairingID)
	}
	expires := time.Unix(g.now().UTC().Unix()+int64(g.ttl/time.Second), 0).UTC()
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, pairingID)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// ForPairing mints credentials under a fresh pairing ID and returns a copy of
// servers with them applied to every TURN entry. Both peers of a pairing
// receive the same credentials.
func (g *Generator) ForPairing(servers []webrtc.ICEServer) ([]webrtc.ICEServer, Credentials, error) {
	if !HasTURN(servers) {
		return servers, Credentials{}, ErrNoTURNServers
	}
	creds, err := g.Generate(g.newID())
	if err != nil {
		return servers, Credentials{}, err
	}
	return Apply(servers, creds), creds, nil
}

// Apply returns a copy of servers where every entry with a turn: or turns:
// URL carries creds. STUN-only entries are left untouched.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	if servers == nil {
		return nil
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		out[i].URLs = append([]string(nil), s.URLs...)
		if isTURN(s) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func HasTURN(servers []webrtc.ICEServer) bool {
	for _, s := range servers {
		if isTURN(s) {
			return true
		}
	}
	return false
}

func isTURN(s webrtc.ICEServer) bool {
	for _, raw := range s.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
