// Package app constructs the object graph shared by the server, the worker
// and synctl.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"cardsync/internal/api"
	"cardsync/internal/api/handlers"
	"cardsync/internal/api/middleware"
	"cardsync/internal/engine/credentials"
	"cardsync/internal/engine/linking"
	"cardsync/internal/engine/remote"
	"cardsync/internal/engine/syncer"
	"cardsync/internal/engine/webhooks"
	"cardsync/internal/pkg/secrets"
	"cardsync/internal/platform/audit"
	"cardsync/internal/platform/auth"
	"cardsync/internal/platform/config"
	"cardsync/internal/platform/database"
	"cardsync/internal/platform/repositories"
)

var ErrMissingEncryptionKey = errors.New("security.encryption_key is required")

type App struct {
	Config *config.Config
	DB     *sql.DB

	Cards         *repositories.CardRepository
	SyncLinks     *repositories.SyncLinkRepository
	Projects      *repositories.ProjectLinkRepository
	Installations *repositories.InstallationRepository
	Events        *repositories.WebhookEventRepository
	Audit         *audit.Logger

	Vault    *credentials.Vault
	Remote   *remote.Client
	Locks    *syncer.ProjectLocks
	Engine   *syncer.Engine
	Linker   *linking.Manager
	Ingestor *webhooks.Ingestor
	Tokens   *auth.TokenService
}

// Build opens the database, applies migrations and wires every component.
// Nothing is started; the caller decides whether the webhook pool runs.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg.Security.EncryptionKey == "" {
		return nil, ErrMissingEncryptionKey
	}
	box, err := secrets.NewBox(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := database.Migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, v := range applied {
		log.Info().Str("version", v).Msg("Applied migration")
	}

	a := &App{
		Config:        cfg,
		DB:            db,
		Cards:         repositories.NewCardRepository(db),
		SyncLinks:     repositories.NewSyncLinkRepository(db),
		Projects:      repositories.NewProjectLinkRepository(db, box),
		Installations: repositories.NewInstallationRepository(db, box),
		Events:        repositories.NewWebhookEventRepository(db),
		Audit:         audit.NewLogger(db),
		Tokens:        auth.NewTokenService(cfg.JWT),
	}

	signer, err := auth.LoadAppTokenSigner(cfg.GitHub)
	if err != nil {
		db.Close()
		return nil, err
	}
	exchanger, err := credentials.NewGitHubExchanger(signer, cfg.GitHub.APIBaseURL, cfg.GitHub.UserAgent, &http.Client{Timeout: cfg.GitHub.RequestTimeout})
	if err != nil {
		db.Close()
		return nil, err
	}
	a.Vault = credentials.NewVault(exchanger, a.Installations, cfg.GitHub.TokenSafetyMargin,
		credentials.WithRefreshTimeout(cfg.GitHub.RequestTimeout))

	a.Remote, err = remote.NewClient(a.Vault, cfg.GitHub)
	if err != nil {
		db.Close()
		return nil, err
	}

	// the lease table keeps the server and worker processes from syncing one
	// project at the same time
	a.Locks = syncer.NewProjectLocks(cfg.Sync.LockWaitTimeout, cfg.Sync.MaxSyncDuration,
		syncer.WithLeaseStore(repositories.NewLeaseRepository(db)))

	a.Linker = linking.NewManager(linking.Deps{
		Projects:      a.Projects,
		SyncLinks:     a.SyncLinks,
		Installations: a.Installations,
		Vault:         a.Vault,
		Repos: func(installationID int64) linking.RepoReader {
			return a.Remote.ForInstallation(installationID)
		},
		Lookup:  exchanger,
		Locks:   a.Locks,
		Audit:   a.Audit,
		Dropped: a.Remote.Drop,
	})

	a.Engine = syncer.NewEngine(syncer.Deps{
		Cards:     a.Cards,
		SyncLinks: a.SyncLinks,
		Projects:  a.Projects,
		Remotes: func(installationID int64) syncer.Remote {
			return a.Remote.ForInstallation(installationID)
		},
		Locks:       a.Locks,
		Invalidator: a.Linker,
	}, cfg.Sync)

	a.Ingestor = webhooks.NewIngestor(a.Events, a.Projects, a.Engine, a.Linker, cfg.GitHub.WebhookSecret, cfg.Webhooks)

	return a, nil
}

// Router builds the HTTP surface. The returned limiter must be stopped on
// shutdown.
func (a *App) Router() (*httprouter.Router, *middleware.RateLimiter) {
	limiter := middleware.NewRateLimiter(middleware.DefaultLimits)

	router := api.NewRouter(&api.Dependencies{
		WebhookHandler: handlers.NewWebhookHandler(a.Ingestor, a.Config.Webhooks.MaxBodyBytes),
		SyncHandler:    handlers.NewSyncHandler(a.Engine, a.Linker),
		LinkHandler:    handlers.NewLinkHandler(a.Linker, a.Projects),
		EventsHandler:  handlers.NewEventsHandler(a.Events, a.Ingestor, a.Audit, a.Config.Webhooks.MaxRetries),
		AuditHandler:   handlers.NewAuditHandler(a.Audit),
		HealthHandler:  handlers.NewHealthHandler(a.DB),
		MetricsHandler: handlers.NewMetricsHandler(handlers.MetricsSources{
			Engine:    a.Engine.Stats,
			Webhooks:  a.Ingestor.Stats,
			Remote:    a.Remote.Stats,
			Exchanges: a.Vault.Exchanges,
		}),
		AuthMiddleware: middleware.NewAuthMiddleware(a.Tokens),
		RateLimiter:    limiter,
	})
	return router, limiter
}

func (a *App) Close() error {
	return a.DB.Close()
}
