// Command robart-signaling pairs two peers (typically the robot and a remote
// operator) and relays their WebRTC negotiation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/pflag"

	"github.com/trzy/RoBart/internal/app"
	"github.com/trzy/RoBart/internal/config"
	"github.com/trzy/RoBart/internal/message"
	"github.com/trzy/RoBart/internal/metrics"
	"github.com/trzy/RoBart/internal/server"
	"github.com/trzy/RoBart/internal/signaling"
	"github.com/trzy/RoBart/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(config.AppSignaling, args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	logger.Info("starting robart-signaling",
		"listen_addr", cfg.ListenAddr,
		"http_addr", cfg.HTTPAddr,
		"metrics_addr", cfg.MetricsAddr,
		"mode", cfg.Mode,
		"ice_servers", len(cfg.ICEServers),
		"relay_only", cfg.RelayOnly,
		"turn_rest", cfg.TURNREST.Enabled(),
		"relayed_tags", cfg.RelayedTags,
	)
	app.LogStartupWarnings(logger, cfg)

	reg := message.NewRegistry()
	if err := signaling.RegisterRelayMessages(reg, cfg.RelayedTags...); err != nil {
		logger.Error("failed to register signaling messages", "err", err)
		return 2
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			return 2
		}
	}

	m := metrics.New()
	sc := app.ServerConfig(cfg)
	sc.Registry = reg
	sc.Logger = logger
	sc.Metrics = m
	srv := server.New(sc)

	relay := signaling.New(signaling.Config{
		ICEServers: cfg.ICEServers,
		RelayOnly:  cfg.RelayOnly,
		TURN:       turn,
		Logger:     logger,
		Metrics:    m,
	})
	if err := relay.Register(srv); err != nil {
		logger.Error("failed to install relay", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Run(ctx, app.Options{
		Config:  cfg,
		Logger:  logger,
		Server:  srv,
		Metrics: m,
		Build:   app.ResolveBuildInfo(buildCommit, buildTime),
		Status:  func() any { return relay.State() },
	})
	if err != nil {
		logger.Error("signaling server exited", "err", err)
		return 1
	}
	return 0
}
