package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/momentum-sync/internal/cache"
	"github.com/alexjbarnes/momentum-sync/internal/config"
	"github.com/alexjbarnes/momentum-sync/internal/logging"
	"github.com/alexjbarnes/momentum-sync/internal/syncer"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("momentum-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("owner", cfg.Username),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	localCache, err := cache.Open(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("opening client cache: %w", err)
	}
	defer localCache.Close()

	client := syncer.NewClient(cfg.ServerURL, nil)

	auth, err := authenticate(ctx, client, cfg, logger)
	if err != nil {
		return err
	}

	owner := auth.Owner
	if owner == "" {
		owner = cfg.Username
	}

	manager := syncer.NewManager(localCache, client, logger)

	unsubscribe := manager.Subscribe(func(ev syncer.Event) {
		if ev.Err != nil {
			return // the manager already logged the failure
		}

		for _, rej := range ev.Rejected {
			logger.Warn("record rejected during sync",
				slog.String("record", string(rej.Record)),
				slog.String("kind", string(rej.Kind)),
				slog.String("reason", rej.Reason),
			)
		}
	})
	defer unsubscribe()

	// Login is a sync trigger: reconcile the queued offline batch now.
	if _, err := manager.Sync(ctx, owner); err != nil {
		if !syncer.IsTransient(err) {
			return fmt.Errorf("initial sync: %w", err)
		}

		logger.Warn("initial sync failed, edits stay queued locally",
			slog.String("error", err.Error()),
		)
	}

	// SIGHUP is the explicit resync request; no polling loop runs.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-hup:
				logger.Info("resync requested", slog.String("owner", owner))

				if _, err := manager.Sync(gctx, owner); err != nil && !syncer.IsTransient(err) {
					return fmt.Errorf("resync: %w", err)
				}
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	return nil
}

// authenticate logs in, or registers first when configured to. The
// token is installed on the client for all subsequent calls.
func authenticate(ctx context.Context, client *syncer.Client, cfg *config.Client, logger *slog.Logger) (syncer.AuthResult, error) {
	if cfg.Register {
		logger.Info("registering account", slog.String("owner", cfg.Username))

		auth, err := client.Register(ctx, cfg.Username, cfg.Password)
		if err == nil {
			return auth, nil
		}

		logger.Warn("registration failed, falling back to login", slog.String("error", err.Error()))
	}

	auth, err := client.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return syncer.AuthResult{}, fmt.Errorf("logging in: %w", err)
	}

	logger.Info("logged in", slog.String("owner", auth.Owner))

	return auth, nil
}
