package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/trzy/RoBart/internal/message"
	"github.com/trzy/RoBart/internal/metrics"
	"github.com/trzy/RoBart/internal/robot"
	"github.com/trzy/RoBart/internal/server"
	"github.com/trzy/RoBart/internal/session"
	"github.com/trzy/RoBart/internal/transport"
)

func startTestServer(t *testing.T, cfg Config) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, Config{Build: BuildInfo{Commit: "abc", BuildTime: "time"}})

	var health map[string]any
	if status := getJSON(t, baseURL+"/healthz", &health); status != http.StatusOK || health["ok"] != true {
		t.Fatalf("healthz=%d %v", status, health)
	}

	var ready map[string]any
	if status := getJSON(t, baseURL+"/readyz", &ready); status != http.StatusOK || ready["ready"] != true {
		t.Fatalf("readyz=%d %v", status, ready)
	}

	var build BuildInfo
	if status := getJSON(t, baseURL+"/version", &build); status != http.StatusOK {
		t.Fatalf("version status=%d", status)
	}
	if want := (BuildInfo{Commit: "abc", BuildTime: "time"}); build != want {
		t.Fatalf("version=%+v, want %+v", build, want)
	}
}

func TestOptionalRoutesAbsentByDefault(t *testing.T) {
	baseURL := startTestServer(t, Config{})
	for _, path := range []string{"/metrics", "/status", "/ws"} {
		if status := getJSON(t, baseURL+path, nil); status != http.StatusNotFound {
			t.Fatalf("%s status=%d, want 404", path, status)
		}
	}
}

func TestMetricsAndStatus(t *testing.T) {
	baseURL := startTestServer(t, Config{
		Metrics: metrics.New(),
		Status:  func() any { return map[string]int{"robots": 2} },
	})

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "robart_messages_sent_total") {
		t.Fatalf("metrics=%d %q", resp.StatusCode, body)
	}

	var st map[string]int
	if status := getJSON(t, baseURL+"/status", &st); status != http.StatusOK || st["robots"] != 2 {
		t.Fatalf("status=%d %v", status, st)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	baseURL := startTestServer(t, Config{})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
		t.Fatalf("X-Request-ID=%q, want req-1", got)
	}

	resp, err = http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("no request id generated")
	}
}

func startSessionServer(t *testing.T, origins []string) (baseURL string, reg *message.Registry) {
	t.Helper()
	reg = message.NewRegistry()
	if err := robot.Register(reg); err != nil {
		t.Fatalf("robot.Register: %v", err)
	}
	srv := server.New(server.Config{Registry: reg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := srv.OnConnect(func(s *session.Session) {
		_ = s.Send(robot.HelloMessage{Message: "hello over websocket"})
	}); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}
	wsl := transport.NewWebSocketListener("ws", transport.Options{}, nil)
	go func() { _ = srv.Serve(context.Background(), wsl, "websocket") }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return startTestServer(t, Config{Sessions: wsl, AllowedOrigins: origins}), reg
}

func TestWebSocketSession(t *testing.T) {
	baseURL, reg := startSessionServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/ws", transport.Options{})
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer conn.Close()

	payload, err := conn.ReadPayload()
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	d, err := reg.Deserialize(payload)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if hello, ok := d.Message.(robot.HelloMessage); !ok || hello.Message != "hello over websocket" {
		t.Fatalf("message=%+v", d.Message)
	}
}

func TestWebSocketSession_RejectsCrossOrigin(t *testing.T) {
	baseURL, _ := startSessionServer(t, []string{"https://operator.example.com"})

	req, err := http.NewRequest(http.MethodGet, baseURL+"/ws", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", resp.StatusCode)
	}
}
