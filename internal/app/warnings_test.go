package app

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/trzy/RoBart/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      sync.Mutex
	records []recordedLog
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{level: r.Level, msg: r.Message, attrs: map[string]any{}}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) codes() map[string]recordedLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string]recordedLog{}
	for _, r := range h.records {
		if code, ok := r.attrs["warning_code"].(string); ok && r.level == slog.LevelWarn {
			out[code] = r
		}
	}
	return out
}

func warningsFor(cfg config.Config) map[string]recordedLog {
	h := &recordingHandler{}
	LogStartupWarnings(slog.New(h), cfg)
	return h.codes()
}

func TestStartupWarnings_QuietForDefaults(t *testing.T) {
	cfg := config.Config{
		App:           config.AppServer,
		Mode:          config.ModeDev,
		MaxFrameBytes: 1 << 20,
	}
	if got := warningsFor(cfg); len(got) != 0 {
		t.Fatalf("warnings=%v, want none", got)
	}
}

func TestStartupWarnings_Server(t *testing.T) {
	got := warningsFor(config.Config{
		App:            config.AppServer,
		Mode:           config.ModeProd,
		AllowedOrigins: []string{"*"},
		MaxFrameBytes:  128 << 20,
		MetricsAddr:    "0.0.0.0:9100",
	})
	for _, code := range []string{
		"allowed_origins_wildcard",
		"rate_limit_disabled_in_prod",
		"max_frame_bytes_large",
		"metrics_addr_public",
	} {
		if _, ok := got[code]; !ok {
			t.Fatalf("missing warning_code=%s, got %v", code, got)
		}
	}
	if _, ok := got["no_ice_servers"]; ok {
		t.Fatalf("signaling warning logged for the debug server")
	}
	if w := got["max_frame_bytes_large"]; w.attrs["max_frame_bytes"] != int64(128<<20) {
		t.Fatalf("max_frame_bytes attr=%#v", w.attrs["max_frame_bytes"])
	}
}

func TestStartupWarnings_MetricsOnLoopbackIsFine(t *testing.T) {
	got := warningsFor(config.Config{
		App:         config.AppServer,
		Mode:        config.ModeProd,
		RateLimit:   50,
		MetricsAddr: "127.0.0.1:9100",
	})
	if len(got) != 0 {
		t.Fatalf("warnings=%v, want none", got)
	}
}

func TestStartupWarnings_Signaling(t *testing.T) {
	got := warningsFor(config.Config{
		App:       config.AppSignaling,
		Mode:      config.ModeDev,
		RelayOnly: true,
		TURNREST:  config.TURNRESTConfig{SharedSecret: "s", TTL: 48 * time.Hour},
	})
	for _, code := range []string{
		"relay_only_without_turn",
		"no_ice_servers",
		"turn_rest_without_turn",
		"turn_rest_ttl_long",
	} {
		if _, ok := got[code]; !ok {
			t.Fatalf("missing warning_code=%s, got %v", code, got)
		}
	}

	got = warningsFor(config.Config{
		App:        config.AppSignaling,
		Mode:       config.ModeDev,
		RelayOnly:  true,
		ICEServers: []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}},
		TURNREST:   config.TURNRESTConfig{SharedSecret: "s", TTL: time.Hour},
	})
	if len(got) != 0 {
		t.Fatalf("warnings=%v, want none", got)
	}
}
