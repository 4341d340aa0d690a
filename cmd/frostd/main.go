// frostd is a remote FROST threshold-signature daemon: it hosts one share of
// a FROSTR keyset, answers NIP-46 remote-signing requests through its peers,
// and exposes an HTTP/WS admin surface.
//
// Usage:
//
//	export DATABASE_URL=./data/frostd.db
//	export RELAYS=wss://relay.primal.net,wss://relay.damus.io
//	./frostd
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glacierhq/frostd/internal/auth"
	"github.com/glacierhq/frostd/internal/bifrost"
	"github.com/glacierhq/frostd/internal/bus"
	"github.com/glacierhq/frostd/internal/config"
	"github.com/glacierhq/frostd/internal/db"
	"github.com/glacierhq/frostd/internal/nip46"
	"github.com/glacierhq/frostd/internal/peers"
	"github.com/glacierhq/frostd/internal/ratelimit"
	"github.com/glacierhq/frostd/internal/server"
	"github.com/glacierhq/frostd/internal/signer"
)

func main() {
	// Logs flow through the event bus so the admin stream sees them too.
	eventBus := bus.New(os.Stdout)
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(eventBus, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting frostd", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"database", cfg.DatabaseURL,
		"relays", cfg.Relays,
		"port", cfg.Port,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	runtime, err := config.NewRuntime(cfg, store)
	if err != nil {
		slog.Error("failed to load runtime overrides", "error", err)
		os.Exit(1)
	}

	// ─── Core subsystems ──────────────────────────────────────────────────────
	registry := peers.NewRegistry(nil)
	policy := peers.NewEngine(store, peers.Defaults{AllowSend: true, AllowReceive: true})

	supervisor := signer.New(bifrost.Factory(cfg.BifrostURL), registry, policy, eventBus, signer.Options{
		RestartDelay:      cfg.NodeRestartDelay,
		MaxRetries:        cfg.NodeMaxRetries,
		BackoffMultiplier: cfg.NodeBackoffMultiplier,
		MaxRetryDelay:     cfg.NodeMaxRetryDelay,
		PingTimeout:       cfg.NodePingTimeout,
	})

	limiter := ratelimit.New(store)
	sessions := auth.NewSessions(store, runtime.SessionTimeout)
	nipsvc := nip46.NewService(store, supervisor, eventBus, runtime)

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go limiter.Run(ctx)
	go sessions.Run(ctx)

	// Headless mode: credentials in the environment start the signer without
	// an operator logging in.
	if cfg.ShareCred != "" {
		go func() {
			if cfg.InitialConnectivityDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(cfg.InitialConnectivityDelay):
				}
			}
			if err := supervisor.Start(ctx, cfg.GroupCred, cfg.ShareCred, runtime.Relays()); err != nil {
				slog.Error("headless signer startup failed", "error", err)
			}
		}()
	}

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(cfg, runtime, store, sessions, limiter, supervisor,
		registry, policy, nipsvc, eventBus)
	srv.Start(ctx) // blocks until ctx is cancelled

	// Shutdown order: HTTP has stopped accepting; now the agent, the node,
	// then storage.
	nipsvc.Stop()
	supervisor.Stop()

	slog.Info("frostd stopped")
}
