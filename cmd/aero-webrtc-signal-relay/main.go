package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signal-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"default_room", cfg.DefaultRoom,
		"max_sessions", cfg.MaxSessions,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"send_queue_bytes", cfg.SendQueueBytes,
		"backpressure_policy", cfg.BackpressurePolicy,
		"allowed_origins", cfg.AllowedOrigins,
	)

	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("no allowed origins configured; all origins are accepted")
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	registry := relay.NewRegistry(logger, m)

	gateway := signaling.NewServer(signaling.Config{
		Registry:             registry,
		Metrics:              m,
		Logger:               logger,
		DefaultRoom:          cfg.DefaultRoom,
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxSessions:          cfg.MaxSessions,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		SendQueueBytes:       cfg.SendQueueBytes,
		BackpressurePolicy:   backpressurePolicy(cfg.BackpressurePolicy),
	})

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", m.Handler())

	// The gateway owns every remaining path: the request path selects the room.
	srv.Mux().Handle("/", gateway)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		gateway.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	gateway.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func backpressurePolicy(p config.BackpressurePolicy) relay.BackpressurePolicy {
	switch p {
	case config.BackpressureDrop:
		return relay.BackpressureDrop
	default:
		// Validated by config.Load.
		return relay.BackpressureDisconnect
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
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

	return commit, buildTime
}
