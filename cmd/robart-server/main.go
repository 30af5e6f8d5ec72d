// Command robart-server is the operator side of the RoBart control link. It
// accepts robot sessions, logs their telemetry and sends them commands typed
// at the console.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/pflag"

	"github.com/trzy/RoBart/internal/app"
	"github.com/trzy/RoBart/internal/config"
	"github.com/trzy/RoBart/internal/console"
	"github.com/trzy/RoBart/internal/debugserver"
	"github.com/trzy/RoBart/internal/message"
	"github.com/trzy/RoBart/internal/metrics"
	"github.com/trzy/RoBart/internal/robot"
	"github.com/trzy/RoBart/internal/server"
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
	cfg, err := config.Load(config.AppServer, args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	// The console owns stdout while it runs.
	var logOut io.Writer = os.Stdout
	if cfg.Console {
		logOut = os.Stderr
	}
	logger, err := config.NewLoggerTo(cfg, logOut)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	logger.Info("starting robart-server",
		"listen_addr", cfg.ListenAddr,
		"http_addr", cfg.HTTPAddr,
		"metrics_addr", cfg.MetricsAddr,
		"mode", cfg.Mode,
		"console", cfg.Console,
		"annotated_view_dir", cfg.AnnotatedViewDir,
	)
	app.LogStartupWarnings(logger, cfg)

	reg := message.NewRegistry()
	if err := robot.Register(reg); err != nil {
		logger.Error("failed to register robot messages", "err", err)
		return 2
	}

	m := metrics.New()
	sc := app.ServerConfig(cfg)
	sc.Registry = reg
	sc.Logger = logger
	sc.Metrics = m
	srv := server.New(sc)

	debug, err := debugserver.New(srv, debugserver.Config{
		Logger:           logger,
		AnnotatedViewDir: cfg.AnnotatedViewDir,
	})
	if err != nil {
		logger.Error("failed to install robot handlers", "err", err)
		return 2
	}

	opts := app.Options{
		Config:  cfg,
		Logger:  logger,
		Server:  srv,
		Metrics: m,
		Build:   app.ResolveBuildInfo(buildCommit, buildTime),
		Status: func() any {
			return map[string]int{"robots": debug.Robots()}
		},
	}
	if cfg.Console {
		con, err := console.New(debug, os.Stdout)
		if err != nil {
			logger.Error("failed to build console", "err", err)
			return 2
		}
		opts.Foreground = con.Run
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, opts); err != nil {
		logger.Error("server exited", "err", err)
		return 1
	}
	return 0
}
