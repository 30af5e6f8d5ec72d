// Package app runs a configured server: the framed TCP listener, the HTTP
// surface with its WebSocket sessions, the standalone metrics listener and an
// optional foreground task, all torn down together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/trzy/RoBart/internal/config"
	"github.com/trzy/RoBart/internal/httpserver"
	"github.com/trzy/RoBart/internal/metrics"
	"github.com/trzy/RoBart/internal/server"
	"github.com/trzy/RoBart/internal/transport"
)

type Options struct {
	Config  config.Config
	Logger  *slog.Logger
	Server  *server.Server
	Metrics *metrics.Metrics
	Build   httpserver.BuildInfo
	// Status is served at /status when the HTTP surface is enabled.
	Status func() any
	// Foreground runs alongside the listeners. Its return ends the run.
	Foreground func(ctx context.Context) error
}

// ServerConfig maps the session settings of cfg onto a server.Config.
func ServerConfig(cfg config.Config) server.Config {
	return server.Config{
		SendQueueBytes:    cfg.SendQueueBytes,
		SendQueueMessages: cfg.SendQueueMessages,
		RateLimit:         cfg.RateLimit,
		RateBurst:         cfg.RateBurst,
	}
}

func TransportOptions(cfg config.Config) transport.Options {
	return transport.Options{
		MaxPayloadBytes: cfg.MaxFrameBytes,
		WriteTimeout:    cfg.WriteTimeout,
	}
}

// Run binds every configured listener and serves until ctx is cancelled, a
// listener fails or Foreground returns. Sessions are then shut down within
// cfg.ShutdownTimeout.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topts := TransportOptions(cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Listeners bound so far are closed if a later one fails.
	var bound []net.Listener
	listen := func(addr string) (net.Listener, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range bound {
				_ = l.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		bound = append(bound, ln)
		return ln, nil
	}

	var tcpLn, httpLn, metricsLn net.Listener
	var err error
	if cfg.ListenAddr != "" {
		if tcpLn, err = listen(cfg.ListenAddr); err != nil {
			return err
		}
	}
	if cfg.HTTPAddr != "" {
		if httpLn, err = listen(cfg.HTTPAddr); err != nil {
			return err
		}
	}
	if cfg.MetricsAddr != "" {
		if metricsLn, err = listen(cfg.MetricsAddr); err != nil {
			return err
		}
	}

	if tcpLn != nil {
		g.Go(func() error {
			return opts.Server.Serve(gctx, transport.NewStreamListener(tcpLn, topts), "tcp")
		})
	}

	var httpSrv *httpserver.Server
	if httpLn != nil {
		wsl := transport.NewWebSocketListener(httpLn.Addr().String(), topts, nil)
		httpSrv = httpserver.New(httpserver.Config{
			Addr:           cfg.HTTPAddr,
			AllowedOrigins: cfg.AllowedOrigins,
			Build:          opts.Build,
			Sessions:       wsl,
			Metrics:        opts.Metrics,
			Status:         opts.Status,
		}, logger)
		g.Go(func() error {
			return opts.Server.Serve(gctx, wsl, "websocket")
		})
		g.Go(func() error {
			if err := httpSrv.Serve(httpLn); !errors.Is(err, httpserver.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	if metricsLn != nil {
		g.Go(func() error {
			return opts.Metrics.Serve(gctx, metricsLn, logger)
		})
	}

	if opts.Foreground != nil {
		g.Go(func() error {
			defer cancel()
			return opts.Foreground(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()

		var errs []error
		if httpSrv != nil {
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if err := opts.Server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// ResolveBuildInfo prefers ldflags-injected values and falls back to the VCS
// stamp in the Go build info.
func ResolveBuildInfo(commit, buildTime string) httpserver.BuildInfo {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}
}
