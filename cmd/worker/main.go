package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"cardsync/internal/app"
	"cardsync/internal/platform/config"
	"cardsync/internal/pkg/logger"
	"cardsync/internal/workers"
)

const retryBatch = 100

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build application")
	}
	defer a.Close()

	log.Info().Msg("Starting cardsync background workers")

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		workers.Every(ctx, "webhook_retry", cfg.Webhooks.RetryInterval, func(ctx context.Context) error {
			return workers.RetryFailedWebhooks(ctx, a.Ingestor, cfg.Webhooks.RetryInterval, retryBatch)
		})
	}()

	go func() {
		defer wg.Done()
		// Tick faster than the interval so a project is never more than one
		// tick late.
		tick := cfg.Sync.FullSyncInterval / 4
		if tick < time.Minute {
			tick = time.Minute
		}
		workers.Every(ctx, "full_sync", tick, func(ctx context.Context) error {
			_, err := workers.SyncEnabledProjects(ctx, a.Projects, a.Engine, cfg.Sync.FullSyncInterval, time.Now())
			return err
		})
	}()

	wg.Wait()
	log.Info().Msg("Workers stopped")
}
