package app

import (
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/trzy/RoBart/internal/config"
	"github.com/trzy/RoBart/internal/turnrest"
)

// LogStartupWarnings reports settings that are legal but likely to hurt a
// deployment.
func LogStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup warning: ROBART_ALLOWED_ORIGINS contains '*' (any web page may open a session)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RateLimit == 0 {
		logger.Warn("startup warning: inbound rate limit disabled while --mode=prod",
			"warning_code", "rate_limit_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxFrameBytes > 64<<20 {
		logger.Warn("startup warning: ROBART_MAX_FRAME_BYTES is very large (one frame is buffered whole before decoding)",
			"warning_code", "max_frame_bytes_large",
			"max_frame_bytes", cfg.MaxFrameBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MetricsAddr != "" && !isLoopback(cfg.MetricsAddr) {
		logger.Warn("startup warning: metrics listener is reachable beyond loopback",
			"warning_code", "metrics_addr_public",
			"metrics_addr", cfg.MetricsAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.App != config.AppSignaling {
		return
	}

	hasTURN := turnrest.HasTURN(cfg.ICEServers)
	if cfg.RelayOnly && !hasTURN {
		logger.Warn("startup warning: --relay-only is set but no TURN server is configured (peers will never connect)",
			"warning_code", "relay_only_without_turn",
			"ice_servers", len(cfg.ICEServers),
		)
	}
	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured (peers are limited to host candidates)",
			"warning_code", "no_ice_servers",
		)
	}
	if cfg.TURNREST.Enabled() {
		if !hasTURN {
			logger.Warn("startup warning: TURN REST secret set but no TURN server is configured",
				"warning_code", "turn_rest_without_turn",
			)
		}
		if cfg.TURNREST.TTL > 24*time.Hour {
			logger.Warn("startup warning: ROBART_TURN_REST_TTL is longer than a day (leaked credentials stay usable)",
				"warning_code", "turn_rest_ttl_long",
				"ttl", cfg.TURNREST.TTL,
			)
		}
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
