package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/momentum-sync/internal/auth"
	"github.com/alexjbarnes/momentum-sync/internal/config"
	"github.com/alexjbarnes/momentum-sync/internal/logging"
	"github.com/alexjbarnes/momentum-sync/internal/server"
	"github.com/alexjbarnes/momentum-sync/internal/store"
)

var Version = "dev"

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 60 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("momentum-server starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("db", cfg.DBPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recordStore, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer recordStore.Close()

	authService := auth.NewService(recordStore)

	mux := server.NewMux(server.MuxConfig{
		Store:  recordStore,
		Auth:   authService,
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
