// Package workers holds the periodic jobs run by cmd/worker.
package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"cardsync/internal/engine/syncer"
	"cardsync/internal/platform/models"
)

type WebhookRetrier interface {
	RetryPending(ctx context.Context, minAge time.Duration, limit int) (int, error)
}

type ProjectLister interface {
	ListSyncEnabled(ctx context.Context) ([]*models.ProjectLink, error)
}

type ProjectSyncer interface {
	SyncProject(ctx context.Context, projectID string, opts syncer.Options) (*syncer.Result, error)
	DefaultOptions() syncer.Options
}

// RetryFailedWebhooks re-drives deliveries that are still unprocessed after
// minAge. Younger events are left to the in-process pool.
func RetryFailedWebhooks(ctx context.Context, retrier WebhookRetrier, minAge time.Duration, limit int) error {
	recovered, err := retrier.RetryPending(ctx, minAge, limit)
	if err != nil {
		return err
	}
	if recovered > 0 {
		log.Info().Int("recovered", recovered).Msg("Worker: re-drove pending webhooks")
	}
	return nil
}

// SyncEnabledProjects runs a full sync for every enabled project whose last
// full sync is older than interval. Projects are synced one at a time; a
// project already syncing elsewhere is skipped until the next tick.
func SyncEnabledProjects(ctx context.Context, projects ProjectLister, engine ProjectSyncer, interval time.Duration, now time.Time) (int, error) {
	links, err := projects.ListSyncEnabled(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, link := range links {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if !due(link, interval, now) {
			continue
		}

		logger := log.With().Str("project_id", link.ProjectID).Str("repo", link.RepoFullName).Logger()
		result, err := engine.SyncProject(ctx, link.ProjectID, engine.DefaultOptions())
		switch {
		case errors.Is(err, syncer.ErrSyncInProgress):
			logger.Debug().Msg("Worker: project busy, skipping")
			continue
		case err != nil:
			logger.Warn().Err(err).Msg("Worker: scheduled sync failed")
			continue
		}
		synced++
		logger.Info().Str("status", string(result.Status)).Int("errors", len(result.Errors)).Msg("Worker: scheduled sync finished")
	}
	return synced, nil
}

func due(link *models.ProjectLink, interval time.Duration, now time.Time) bool {
	if link.Status != models.LinkActive {
		return false
	}
	if link.LastFullSyncAt == nil {
		return true
	}
	return now.Sub(time.UnixMilli(*link.LastFullSyncAt)) >= interval
}

// Every runs fn immediately and then on each tick until ctx is done.
func Every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker", name).Msg("Worker run failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
