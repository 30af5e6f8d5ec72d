package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/trzy/RoBart/internal/framing"
	"github.com/trzy/RoBart/internal/session"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsServer(t *testing.T) {
	cfg, err := load(AppServer, noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.ListenAddr != DefaultServerListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultServerListenAddr)
	}
	if cfg.HTTPAddr != "" {
		t.Fatalf("HTTPAddr=%q, want empty", cfg.HTTPAddr)
	}
	if !cfg.Console {
		t.Fatalf("Console=false, want true")
	}
	if cfg.MaxFrameBytes != framing.DefaultMaxFrameSize {
		t.Fatalf("MaxFrameBytes=%d, want %d", cfg.MaxFrameBytes, framing.DefaultMaxFrameSize)
	}
	if cfg.SendQueueBytes != session.DefaultSendQueueBytes || cfg.SendQueueMessages != session.DefaultSendQueueMessages {
		t.Fatalf("send queue=%d/%d", cfg.SendQueueBytes, cfg.SendQueueMessages)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultShutdownTimeout)
	}
	if cfg.RateLimit != 0 || cfg.WriteTimeout != 0 {
		t.Fatalf("RateLimit=%v WriteTimeout=%v, want disabled", cfg.RateLimit, cfg.WriteTimeout)
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST enabled by default")
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%v, want none", cfg.ICEServers)
	}
}

func TestDefaultsSignaling(t *testing.T) {
	cfg, err := load(AppSignaling, noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultSignalingListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultSignalingListenAddr)
	}
	if cfg.HTTPAddr != DefaultSignalingHTTPAddr {
		t.Fatalf("HTTPAddr=%q, want %q", cfg.HTTPAddr, DefaultSignalingHTTPAddr)
	}
	if cfg.Console {
		t.Fatalf("Console=true, want false")
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(AppServer, noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(AppServer, lookupMap(map[string]string{
		EnvListenAddr: "127.0.0.1:9000",
		EnvLogFormat:  "json",
		EnvRateLimit:  "5",
		EnvConsole:    "false",
	}), []string{"--listen-addr", "127.0.0.1:9001", "--log-format", "text", "--rate-limit=20", "--rate-burst", "40"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9001" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.RateLimit != 20 || cfg.RateBurst != 40 {
		t.Fatalf("rate=%v/%d, want 20/40", cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.Console {
		t.Fatalf("Console=true, want env value false")
	}
}

func TestEnvValues(t *testing.T) {
	cfg, err := load(AppSignaling, lookupMap(map[string]string{
		EnvHTTPAddr:         "",
		EnvAllowedOrigins:   "https://Robot.Example.com, *",
		EnvWriteTimeout:     "2s",
		EnvRelayOnly:        "true",
		EnvRelayedTags:      "DriveDataMessage, PoseMessage",
		EnvAnnotatedViewDir: "/tmp/views",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != "" {
		t.Fatalf("HTTPAddr=%q, want explicitly disabled", cfg.HTTPAddr)
	}
	if got := strings.Join(cfg.AllowedOrigins, ","); got != "https://robot.example.com,*" {
		t.Fatalf("AllowedOrigins=%q", got)
	}
	if cfg.WriteTimeout != 2*time.Second {
		t.Fatalf("WriteTimeout=%v, want 2s", cfg.WriteTimeout)
	}
	if !cfg.RelayOnly {
		t.Fatalf("RelayOnly=false, want true")
	}
	if got := strings.Join(cfg.RelayedTags, ","); got != "DriveDataMessage,PoseMessage" {
		t.Fatalf("RelayedTags=%q", got)
	}
	if cfg.AnnotatedViewDir != "/tmp/views" {
		t.Fatalf("AnnotatedViewDir=%q", cfg.AnnotatedViewDir)
	}
}

func TestInvalidValuesNameTheVariable(t *testing.T) {
	cases := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{EnvMaxFrameBytes: "lots"}, EnvMaxFrameBytes},
		{map[string]string{EnvMaxFrameBytes: "4"}, EnvMaxFrameBytes},
		{map[string]string{EnvSendQueueMessages: "0"}, EnvSendQueueMessages},
		{map[string]string{EnvWriteTimeout: "soon"}, EnvWriteTimeout},
		{map[string]string{EnvRateLimit: "-1"}, EnvRateLimit},
		{map[string]string{EnvRelayOnly: "maybe"}, EnvRelayOnly},
		{map[string]string{EnvShutdownTimeout: "0s"}, EnvShutdownTimeout},
		{map[string]string{envTurnURLs: "turn:turn.example.com"}, envTurnUsername},
		{map[string]string{EnvAllowedOrigins: "not an origin"}, "invalid origin"},
		{map[string]string{EnvMode: "staging"}, "invalid mode"},
	}
	for _, tc := range cases {
		_, err := load(AppServer, lookupMap(tc.env), nil)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("env=%v: err=%v, want mention of %q", tc.env, err, tc.want)
		}
	}
}

func TestTURNREST(t *testing.T) {
	cfg, err := load(AppSignaling, lookupMap(map[string]string{
		EnvTURNRESTSharedSecret: "s3cret",
		EnvTURNRESTTTL:          "10m",
		envTurnURLs:             "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.TURNREST.Enabled() || cfg.TURNREST.TTL != 10*time.Minute || cfg.TURNREST.UsernamePrefix != DefaultTURNRESTUsernamePrefix {
		t.Fatalf("TURNREST=%+v", cfg.TURNREST)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Credential != nil {
		t.Fatalf("ICEServers=%#v, want one TURN entry without creds", cfg.ICEServers)
	}

	_, err = load(AppSignaling, lookupMap(map[string]string{
		EnvTURNRESTSharedSecret:   "s3cret",
		EnvTURNRESTUsernamePrefix: "a:b",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), EnvTURNRESTUsernamePrefix) {
		t.Fatalf("err=%v, want prefix rejection", err)
	}
}

func TestHelpFlag(t *testing.T) {
	_, err := load(AppServer, noEnv, []string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("err=%v, want pflag.ErrHelp", err)
	}
}

func TestLoadEnvFile_DoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robart.env")
	content := "ROBART_TEST_FROM_FILE=file\nROBART_TEST_ALREADY_SET=file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("ROBART_TEST_ALREADY_SET", "env")
	t.Setenv("ROBART_TEST_FROM_FILE", "")
	os.Unsetenv("ROBART_TEST_FROM_FILE")

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("ROBART_TEST_FROM_FILE") })
	if got := os.Getenv("ROBART_TEST_FROM_FILE"); got != "file" {
		t.Fatalf("ROBART_TEST_FROM_FILE=%q, want file", got)
	}
	if got := os.Getenv("ROBART_TEST_ALREADY_SET"); got != "env" {
		t.Fatalf("ROBART_TEST_ALREADY_SET=%q, want env", got)
	}

	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	logger, err := NewLoggerTo(Config{LogFormat: LogFormatJSON, LogLevel: slog.LevelInfo}, &buf)
	if err != nil {
		t.Fatalf("NewLoggerTo: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown", "session_id", "abc")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"session_id":"abc"`) {
		t.Fatalf("output=%q", out)
	}
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
