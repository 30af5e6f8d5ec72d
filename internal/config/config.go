package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/trzy/RoBart/internal/framing"
	"github.com/trzy/RoBart/internal/origin"
	"github.com/trzy/RoBart/internal/session"
)

const (
	EnvMode      = "ROBART_MODE"
	EnvLogFormat = "ROBART_LOG_FORMAT"
	EnvLogLevel  = "ROBART_LOG_LEVEL"

	EnvListenAddr     = "ROBART_LISTEN_ADDR"
	EnvHTTPAddr       = "ROBART_HTTP_ADDR"
	EnvAllowedOrigins = "ROBART_ALLOWED_ORIGINS"
	EnvMetricsAddr    = "ROBART_METRICS_ADDR"

	EnvMaxFrameBytes     = "ROBART_MAX_FRAME_BYTES"
	EnvSendQueueBytes    = "ROBART_SEND_QUEUE_BYTES"
	EnvSendQueueMessages = "ROBART_SEND_QUEUE_MESSAGES"
	EnvWriteTimeout      = "ROBART_WRITE_TIMEOUT"
	EnvRateLimit         = "ROBART_RATE_LIMIT"
	EnvRateBurst         = "ROBART_RATE_BURST"
	EnvShutdownTimeout   = "ROBART_SHUTDOWN_TIMEOUT"

	EnvRelayOnly   = "ROBART_RELAY_ONLY"
	EnvRelayedTags = "ROBART_RELAYED_TAGS"

	EnvTURNRESTSharedSecret   = "ROBART_TURN_REST_SHARED_SECRET"
	EnvTURNRESTTTL            = "ROBART_TURN_REST_TTL"
	EnvTURNRESTUsernamePrefix = "ROBART_TURN_REST_USERNAME_PREFIX"

	EnvAnnotatedViewDir = "ROBART_ANNOTATED_VIEW_DIR"
	EnvConsole          = "ROBART_CONSOLE"

	// EnvFile names the dotenv file read before anything else.
	EnvFile = "ROBART_ENV_FILE"
)

const (
	DefaultServerListenAddr    = "0.0.0.0:8000"
	DefaultSignalingListenAddr = "0.0.0.0:8001"
	DefaultSignalingHTTPAddr   = "0.0.0.0:8002"

	DefaultShutdownTimeout        = 15 * time.Second
	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "robart"
	DefaultEnvFile                = ".env"
)

// App selects the per-binary defaults.
type App string

const (
	AppServer    App = "robart-server"
	AppSignaling App = "robart-signaling"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TURNRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool { return c.SharedSecret != "" }

type Config struct {
	App       App
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	ListenAddr string
	// HTTPAddr serves the WebSocket transport, health and metrics. Empty
	// disables the HTTP surface.
	HTTPAddr       string
	AllowedOrigins []string

	// MetricsAddr serves /metrics on its own listener. Empty disables it.
	MetricsAddr string

	MaxFrameBytes     int
	SendQueueBytes    int
	SendQueueMessages int
	WriteTimeout      time.Duration
	RateLimit         float64
	RateBurst         int
	ShutdownTimeout   time.Duration

	ICEServers  []webrtc.ICEServer
	RelayOnly   bool
	RelayedTags []string
	TURNREST    TURNRESTConfig

	AnnotatedViewDir string
	Console          bool
}

// Load reads the dotenv file (if any), then the environment, then args.
func Load(app App, args []string) (Config, error) {
	if err := loadEnvFile(envOrDefault(os.LookupEnv, EnvFile, DefaultEnvFile)); err != nil {
		return Config{}, err
	}
	return load(app, os.LookupEnv, args)
}

// loadEnvFile never overrides variables already present in the process
// environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func load(app App, lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{App: app}

	var (
		modeRaw      = envOrDefault(lookup, EnvMode, string(ModeDev))
		logFormatRaw = ""
		logLevelRaw  = ""
	)

	listenDefault := DefaultServerListenAddr
	httpDefault := ""
	consoleDefault := true
	if app == AppSignaling {
		listenDefault = DefaultSignalingListenAddr
		httpDefault = DefaultSignalingHTTPAddr
		consoleDefault = false
	}
	cfg.ListenAddr = envOrDefault(lookup, EnvListenAddr, listenDefault)
	if v, ok := lookup(EnvHTTPAddr); ok {
		httpDefault = strings.TrimSpace(v)
	}
	cfg.HTTPAddr = httpDefault

	var err error
	if cfg.MaxFrameBytes, err = envIntOrDefault(lookup, EnvMaxFrameBytes, framing.DefaultMaxFrameSize); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueBytes, err = envIntOrDefault(lookup, EnvSendQueueBytes, session.DefaultSendQueueBytes); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueMessages, err = envIntOrDefault(lookup, EnvSendQueueMessages, session.DefaultSendQueueMessages); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = envIntOrDefault(lookup, EnvRateBurst, 0); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit, err = envFloatOrDefault(lookup, EnvRateLimit, 0); err != nil {
		return Config{}, err
	}
	if cfg.WriteTimeout, err = envDurationOrDefault(lookup, EnvWriteTimeout, 0); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TURNREST.TTL, err = envDurationOrDefault(lookup, EnvTURNRESTTTL, DefaultTURNRESTTTL); err != nil {
		return Config{}, err
	}
	if cfg.RelayOnly, err = envBoolOrDefault(lookup, EnvRelayOnly, false); err != nil {
		return Config{}, err
	}
	if cfg.Console, err = envBoolOrDefault(lookup, EnvConsole, consoleDefault); err != nil {
		return Config{}, err
	}
	cfg.TURNREST.SharedSecret = envOrDefault(lookup, EnvTURNRESTSharedSecret, "")
	cfg.TURNREST.UsernamePrefix = envOrDefault(lookup, EnvTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	cfg.AnnotatedViewDir = envOrDefault(lookup, EnvAnnotatedViewDir, "")
	cfg.MetricsAddr = envOrDefault(lookup, EnvMetricsAddr, "")

	allowedOrigins := splitCommaSeparated(envOrDefault(lookup, EnvAllowedOrigins, ""))
	relayedTags := splitCommaSeparated(envOrDefault(lookup, EnvRelayedTags, ""))

	ice := iceValues{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}

	flags := pflag.NewFlagSet(string(app), pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVar(&modeRaw, "mode", modeRaw, "Deployment mode: dev or prod (env "+EnvMode+")")
	flags.StringVar(&logFormatRaw, "log-format", "", "Log format: text or json (env "+EnvLogFormat+"; default depends on mode)")
	flags.StringVar(&logLevelRaw, "log-level", "", "Log level: debug, info, warn, error (env "+EnvLogLevel+"; default depends on mode)")
	flags.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP address for framed sessions (env "+EnvListenAddr+")")
	flags.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP address for WebSocket sessions, health and metrics; empty disables (env "+EnvHTTPAddr+")")
	flags.StringSliceVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Origins allowed to open WebSocket sessions, or * (env "+EnvAllowedOrigins+")")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Separate address serving only /metrics; empty disables (env "+EnvMetricsAddr+")")
	flags.IntVar(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "Largest accepted inbound frame (env "+EnvMaxFrameBytes+")")
	flags.IntVar(&cfg.SendQueueBytes, "send-queue-bytes", cfg.SendQueueBytes, "Per-session outbound queue limit in bytes (env "+EnvSendQueueBytes+")")
	flags.IntVar(&cfg.SendQueueMessages, "send-queue-messages", cfg.SendQueueMessages, "Per-session outbound queue limit in messages (env "+EnvSendQueueMessages+")")
	flags.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-write deadline; 0 disables (env "+EnvWriteTimeout+")")
	flags.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Inbound messages per second per session; 0 disables (env "+EnvRateLimit+")")
	flags.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "Inbound burst per session (env "+EnvRateBurst+")")
	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown bound (env "+EnvShutdownTimeout+")")
	flags.StringVar(&ice.serversJSON, "ice-servers-json", ice.serversJSON, "ICE servers as JSON (env "+envICEServersJSON+")")
	flags.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	flags.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	flags.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username (env "+envTurnUsername+")")
	flags.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential (env "+envTurnCredential+")")
	flags.BoolVar(&cfg.RelayOnly, "relay-only", cfg.RelayOnly, "Ask peers to use TURN relay candidates only (env "+EnvRelayOnly+")")
	flags.StringSliceVar(&relayedTags, "relayed-tags", relayedTags, "Extra message tags the signaling relay forwards (env "+EnvRelayedTags+")")
	flags.StringVar(&cfg.TURNREST.SharedSecret, "turn-rest-shared-secret", cfg.TURNREST.SharedSecret, "Shared secret for TURN REST credentials (env "+EnvTURNRESTSharedSecret+")")
	flags.DurationVar(&cfg.TURNREST.TTL, "turn-rest-ttl", cfg.TURNREST.TTL, "Lifetime of TURN REST credentials (env "+EnvTURNRESTTTL+")")
	flags.StringVar(&cfg.TURNREST.UsernamePrefix, "turn-rest-username-prefix", cfg.TURNREST.UsernamePrefix, "TURN REST username prefix (env "+EnvTURNRESTUsernamePrefix+")")
	flags.StringVar(&cfg.AnnotatedViewDir, "annotated-view-dir", cfg.AnnotatedViewDir, "Directory receiving annotated view images (env "+EnvAnnotatedViewDir+")")
	flags.BoolVar(&cfg.Console, "console", cfg.Console, "Run the interactive operator console (env "+EnvConsole+")")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeRaw)
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	if logFormatRaw == "" {
		logFormatRaw = envOrDefault(lookup, EnvLogFormat, defaultLogFormatForMode(mode))
	}
	if cfg.LogFormat, err = parseLogFormat(logFormatRaw); err != nil {
		return Config{}, err
	}
	if logLevelRaw == "" {
		logLevelRaw = envOrDefault(lookup, EnvLogLevel, defaultLogLevelForMode(mode))
	}
	if cfg.LogLevel, err = parseLogLevel(logLevelRaw); err != nil {
		return Config{}, err
	}

	if cfg.AllowedOrigins, err = parseAllowedOrigins(allowedOrigins); err != nil {
		return Config{}, err
	}
	cfg.RelayedTags = relayedTags

	if cfg.ICEServers, err = parseICEServers(ice, cfg.TURNREST.Enabled()); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" && c.HTTPAddr == "" {
		return errors.New("at least one of --listen-addr and --http-addr must be set")
	}
	if c.MaxFrameBytes <= framing.HeaderSize {
		return fmt.Errorf("%s must be greater than %d", EnvMaxFrameBytes, framing.HeaderSize)
	}
	if c.SendQueueBytes <= 0 {
		return fmt.Errorf("%s must be positive", EnvSendQueueBytes)
	}
	if c.SendQueueMessages <= 0 {
		return fmt.Errorf("%s must be positive", EnvSendQueueMessages)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("%s must not be negative", EnvWriteTimeout)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%s must not be negative", EnvRateLimit)
	}
	if c.RateBurst < 0 {
		return fmt.Errorf("%s must not be negative", EnvRateBurst)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvShutdownTimeout)
	}
	if c.TURNREST.Enabled() {
		if c.TURNREST.TTL < time.Second {
			return fmt.Errorf("%s must be at least 1s", EnvTURNRESTTTL)
		}
		if c.TURNREST.UsernamePrefix == "" || strings.Contains(c.TURNREST.UsernamePrefix, ":") {
			return fmt.Errorf("invalid %s %q (must be non-empty and must not contain ':')", EnvTURNRESTUsernamePrefix, c.TURNREST.UsernamePrefix)
		}
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return NewLoggerTo(cfg, os.Stdout)
}

// NewLoggerTo is NewLogger with an explicit destination, used when the
// operator console owns stdout.
func NewLoggerTo(cfg Config, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envFloatOrDefault(lookup func(string) (string, bool), key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(entries []string) ([]string, error) {
	var out []string
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
