// brig is a protocol-agnostic federation bridge. It runs as a single binary
// with SQLite by default, requiring no external database for self-hosted
// deployments.
//
// Usage:
//
//	export PRIMARY_DOMAIN=fed.brig.example
//	export NOSTR_SECRET_KEY=<32-byte hex seed>
//	export NOSTR_RELAYS=wss://relay.mostr.pub
//	./brig
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/brigfed/brig/internal/apub"
	"github.com/brigfed/brig/internal/config"
	"github.com/brigfed/brig/internal/nostrp"
	"github.com/brigfed/brig/internal/protocol"
	"github.com/brigfed/brig/internal/queue"
	"github.com/brigfed/brig/internal/server"
	"github.com/brigfed/brig/internal/store"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(log)

	cfg := config.Load()
	log.Info("starting brig", "domain", cfg.PrimaryDomain, "database", cfg.DatabaseURL)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	keys, err := apub.LoadOrGenerateKeyPair(cfg.APPrivateKeyPath, cfg.APPublicKeyPath)
	if err != nil {
		log.Error("failed to load/generate RSA key pair", "error", err)
		os.Exit(1)
	}

	apPlugin := apub.New(cfg, st, log, keys)
	nostrPlugin, err := nostrp.New(cfg, st, log)
	if err != nil {
		log.Error("failed to create nostr plugin", "error", err)
		os.Exit(1)
	}

	registry := protocol.NewRegistry()
	registry.Register(apPlugin)
	registry.Register(nostrPlugin)

	tasks := queue.New(st, cfg, log, nil)
	bridge := protocol.NewRouter(registry, st, cfg, tasks, log)
	apPlugin.SetRouter(bridge)
	nostrPlugin.SetRouter(bridge)
	if cfg.QueueInline {
		tasks.SetInlineHandler(bridge.HandleTask)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go tasks.Run(ctx)
	go nostrPlugin.Listen().Run(ctx)

	srv := server.New(cfg, st, bridge, log, map[string]http.Handler{
		"/ap": apPlugin.Routes(),
	})
	srv.Start(ctx) // blocks until ctx is cancelled

	log.Info("brig stopped")
}
