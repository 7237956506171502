// Command server hosts collaborative documents over HTTP and WebSocket.
// Operations received from one client are applied to the document and
// fanned out to every other client, and to other server instances
// through Redis when configured. Snapshots are kept in Postgres when a
// database URL is given, in memory otherwise.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/kevinxiao27/collabdoc/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("collabdoc-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "TOML configuration file")
	listen := flagSet.String("listen", "", "listen address (overrides config)")
	redisAddr := flagSet.String("redis", "", "Redis address for the cross-instance relay")
	databaseURL := flagSet.String("database-url", "", "Postgres URL for snapshot storage")
	logLevel := flagSet.String("log-level", "", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadHost(configPath)
	if err != nil {
		return err
	}
	overrideString(flagSet, "listen", &cfg.Listen, *listen)
	overrideString(flagSet, "redis", &cfg.RedisAddr, *redisAddr)
	overrideString(flagSet, "database-url", &cfg.DatabaseURL, *databaseURL)
	overrideString(flagSet, "log-level", &cfg.LogLevel, *logLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	cfg.Engine.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	instance := uuid.NewString()
	var store SnapshotStore = newMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := newPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
		logger.Info("storing snapshots in postgres")
	}

	var relay Relay
	if cfg.RedisAddr != "" {
		rr, err := newRedisRelay(ctx, cfg.RedisAddr, instance, logger)
		if err != nil {
			return err
		}
		defer rr.Close()
		relay = rr
		logger.Info("relaying operations through redis", "addr", cfg.RedisAddr)
	}

	server := NewServer(ctx, cfg.Engine, instance, store, relay)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if interval := time.Duration(cfg.SnapshotInterval); interval > 0 {
		go saveEvery(ctx, server, interval, logger)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("collabdoc server listening", "addr", cfg.Listen, "instance", instance)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	server.Close()
	if err := server.SaveAll(shutdownCtx); err != nil {
		logger.Error("final snapshot save failed", "error", err)
	}
	return nil
}

func overrideString(flagSet *pflag.FlagSet, name string, target *string, value string) {
	if flagSet.Changed(name) {
		*target = value
	}
}

func saveEvery(ctx context.Context, server *Server, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := server.SaveAll(ctx); err != nil {
				logger.Warn("periodic snapshot save failed", "error", err)
			}
		}
	}
}
