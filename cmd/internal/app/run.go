package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
)

// Run is the CLI entrypoint used by cmd/murmur.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	log.Info("config.loaded", "store", cfg.Store, "auth", authMode(cfg), "typing_ttl", cfg.TypingTTL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	return a.Run(ctx)
}

func authMode(cfg Config) string {
	if cfg.JWTSecret == "" {
		return "dev_header"
	}
	return "jwt"
}
