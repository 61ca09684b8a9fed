// ABOUTME: Entry point for the c3po coordinator server
// ABOUTME: Loads config, opens the store, wires components, serves HTTP until SIGTERM

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/michaelansel/c3po/internal/config"
	"github.com/michaelansel/c3po/internal/server"
	"github.com/michaelansel/c3po/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "c3po-coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.DevMode() {
		logger.Warn("no auth secrets configured (C3PO_SERVER_SECRET, C3PO_PROXY_BEARER_TOKEN, C3PO_ADMIN_KEY); " +
			"authentication is DISABLED - anyone with network access can use this coordinator")
	} else {
		logger.Info("auth configured",
			"server_secret", cfg.Auth.ServerSecret != "",
			"proxy_token", cfg.Auth.ProxyBearerToken != "",
			"admin_key", cfg.Auth.AdminKey != "",
		)
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, st, logger)
	return srv.Run(ctx)
}
