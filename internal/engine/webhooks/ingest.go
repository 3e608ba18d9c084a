// Package webhooks receives GitHub deliveries, persists them exactly once
// and feeds them to the sync engine.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cardsync/internal/engine/remote"
	"cardsync/internal/engine/syncer"
	"cardsync/internal/platform/config"
	"cardsync/internal/platform/models"
)

var (
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrMissingHeaders   = errors.New("webhook delivery or event header missing")
	ErrUnknownDelivery  = errors.New("webhook delivery not found")
	ErrAlreadyProcessed = errors.New("webhook delivery already processed")
)

type EventStore interface {
	Insert(ctx context.Context, event *models.WebhookEvent) (bool, error)
	GetByDeliveryID(ctx context.Context, deliveryID string) (*models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, deliveryID string) (bool, error)
	MarkFailed(ctx context.Context, deliveryID, processingError string) error
	ListPending(ctx context.Context, maxRetries int, receivedBefore int64, limit int) ([]*models.WebhookEvent, error)
}

// SecretSource lists the projects linked to a repository; their webhook
// secrets are tried before the global one.
type SecretSource interface {
	ListByRepository(ctx context.Context, repoFullName string) ([]*models.ProjectLink, error)
}

type Applier interface {
	ApplyIssueEvent(ctx context.Context, ch syncer.IssueChange) (syncer.Outcome, error)
	ApplyCommentEvent(ctx context.Context, ch syncer.CommentChange) (syncer.Outcome, error)
}

// InstallationHandler reacts to App installation lifecycle events.
type InstallationHandler interface {
	HandleInstallation(ctx context.Context, action string, inst *models.Installation) error
}

// Delivery is one raw webhook request.
type Delivery struct {
	ID        string
	Event     string
	Signature string
	Body      []byte
}

type Acceptance struct {
	Duplicate bool
	Event     *models.WebhookEvent
}

type Ingestor struct {
	events        EventStore
	projects      SecretSource
	engine        Applier
	installations InstallationHandler
	globalSecret  string
	cfg           config.WebhooksConfig
	pool          *Pool
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time

	received   atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64
}

type Option func(*Ingestor)

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(in *Ingestor) { in.sleep = sleep }
}

func NewIngestor(events EventStore, projects SecretSource, engine Applier, installations InstallationHandler, globalSecret string, cfg config.WebhooksConfig, opts ...Option) *Ingestor {
	in := &Ingestor{
		events:        events,
		projects:      projects,
		engine:        engine,
		installations: installations,
		globalSecret:  globalSecret,
		cfg:           cfg,
		sleep:         sleepCtx,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start runs processing on a worker pool. Without it Dispatch processes
// inline.
func (in *Ingestor) Start() {
	if in.pool != nil {
		return
	}
	in.pool = NewPool(in.cfg.WorkerCount, in.cfg.WorkerCount*64, func(ctx context.Context, deliveryID string) {
		_ = in.Process(ctx, deliveryID)
	})
}

func (in *Ingestor) Stop(ctx context.Context) error {
	if in.pool == nil {
		return nil
	}
	return in.pool.Close(ctx)
}

// Accept verifies and persists a delivery. A delivery id that was already
// stored is reported as a duplicate and not stored again.
func (in *Ingestor) Accept(ctx context.Context, d Delivery) (*Acceptance, error) {
	if d.ID == "" || d.Event == "" {
		return nil, ErrMissingHeaders
	}
	env := peek(d.Body)
	repo := env.repo()
	logger := log.With().Str("delivery_id", d.ID).Str("event", d.Event).Str("repo", repo).Logger()

	ok, err := in.verify(ctx, repo, d)
	if err != nil {
		return nil, err
	}
	if !ok {
		in.rejected.Add(1)
		logger.Warn().Msg("Rejected webhook with invalid signature")
		return nil, ErrInvalidSignature
	}

	event := &models.WebhookEvent{
		DeliveryID:     d.ID,
		EventType:      d.Event,
		Action:         env.Action,
		RepositoryName: repo,
		Payload:        d.Body,
	}
	inserted, err := in.events.Insert(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("persist webhook %s: %w", d.ID, err)
	}
	if !inserted {
		in.duplicates.Add(1)
		logger.Info().Msg("Duplicate webhook delivery ignored")
		return &Acceptance{Duplicate: true}, nil
	}

	in.received.Add(1)
	logger.Debug().Str("action", env.Action).Msg("Webhook persisted")
	return &Acceptance{Event: event}, nil
}

func (in *Ingestor) verify(ctx context.Context, repo string, d Delivery) (bool, error) {
	if repo != "" {
		projects, err := in.projects.ListByRepository(ctx, repo)
		if err != nil {
			return false, fmt.Errorf("load webhook secrets for %s: %w", repo, err)
		}
		for _, p := range projects {
			if Verify(d.Signature, d.Body, p.WebhookSecret) {
				return true, nil
			}
		}
	}
	return Verify(d.Signature, d.Body, in.globalSecret), nil
}

// Dispatch hands a persisted delivery to the worker pool, or processes it
// inline when no pool is running. A full pool leaves the event pending.
func (in *Ingestor) Dispatch(ctx context.Context, deliveryID string) {
	if in.pool == nil {
		_ = in.Process(ctx, deliveryID)
		return
	}
	if err := in.pool.Submit(deliveryID); err != nil {
		log.Warn().Err(err).Str("delivery_id", deliveryID).Msg("Webhook left pending for retry")
	}
}

// Process runs an unprocessed delivery through the engine. Failures are
// recorded on the event and returned.
func (in *Ingestor) Process(ctx context.Context, deliveryID string) error {
	ev, err := in.events.GetByDeliveryID(ctx, deliveryID)
	if err != nil {
		return err
	}
	if ev == nil {
		return ErrUnknownDelivery
	}
	if ev.Processed {
		return nil
	}
	return in.run(ctx, ev)
}

// Reprocess re-drives a delivery that has not succeeded yet, regardless of
// its retry count. Processed deliveries are refused with ErrAlreadyProcessed
// since their side effects are not idempotent.
func (in *Ingestor) Reprocess(ctx context.Context, deliveryID string) error {
	ev, err := in.events.GetByDeliveryID(ctx, deliveryID)
	if err != nil {
		return err
	}
	if ev == nil {
		return ErrUnknownDelivery
	}
	if ev.Processed {
		return ErrAlreadyProcessed
	}
	return in.run(ctx, ev)
}

// RetryPending re-drives unprocessed events older than minAge that are still
// under the retry ceiling. It returns how many now succeeded.
func (in *Ingestor) RetryPending(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	events, err := in.events.ListPending(ctx, in.cfg.MaxRetries, in.now().Add(-minAge).UnixMilli(), limit)
	if err != nil {
		return 0, err
	}
	ok := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			return ok, ctx.Err()
		}
		if err := in.run(ctx, ev); err == nil {
			ok++
		}
	}
	return ok, nil
}

func (in *Ingestor) run(ctx context.Context, ev *models.WebhookEvent) error {
	logger := log.With().Str("delivery_id", ev.DeliveryID).Str("event", ev.EventType).Str("action", ev.Action).Logger()

	err := in.withRetry(ctx, &logger, func() error {
		return in.handle(ctx, Decode(ev.EventType, ev.Payload))
	})
	if err != nil {
		in.failed.Add(1)
		if merr := in.events.MarkFailed(context.WithoutCancel(ctx), ev.DeliveryID, err.Error()); merr != nil {
			logger.Error().Err(merr).Msg("Failed to record webhook failure")
		}
		logger.Error().Err(err).Int("retry_count", ev.RetryCount+1).Msg("Webhook processing failed")
		return err
	}

	if _, err := in.events.MarkProcessed(ctx, ev.DeliveryID); err != nil {
		return fmt.Errorf("mark webhook %s processed: %w", ev.DeliveryID, err)
	}
	in.processed.Add(1)
	logger.Debug().Msg("Webhook processed")
	return nil
}

// withRetry retries transient failures with exponential backoff up to the
// configured number of attempts.
func (in *Ingestor) withRetry(ctx context.Context, logger *zerolog.Logger, fn func() error) error {
	attempts := in.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := in.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt == attempts {
			return err
		}

		wait := backoff << (attempt - 1)
		if ra := retryAfter(err); ra > wait {
			wait = ra
		}
		logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Retrying webhook after transient failure")
		if serr := in.sleep(ctx, wait); serr != nil {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, syncer.ErrSyncInProgress) {
		return true
	}
	return remote.IsTransient(err)
}

func retryAfter(err error) time.Duration {
	var re *remote.Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

func (in *Ingestor) handle(ctx context.Context, event Event) error {
	switch ev := event.(type) {
	case IssueEvent:
		switch ev.Action {
		case "opened", "edited", "closed", "reopened", "labeled", "unlabeled", "deleted", "transferred":
		default:
			return nil
		}
		_, err := in.engine.ApplyIssueEvent(ctx, syncer.IssueChange{Repo: ev.Repo, Action: ev.Action, Issue: ev.Issue, Label: ev.Label})
		return err

	case IssueCommentEvent:
		if ev.IsPullRequest {
			return nil
		}
		_, err := in.engine.ApplyCommentEvent(ctx, syncer.CommentChange{Repo: ev.Repo, Action: ev.Action, IssueNumber: ev.IssueNumber, Comment: ev.Comment})
		return err

	case InstallationEvent:
		if in.installations == nil {
			return nil
		}
		return in.installations.HandleInstallation(ctx, ev.Action, &models.Installation{
			InstallationID:      ev.InstallationID,
			AccountLogin:        ev.AccountLogin,
			AccountType:         ev.AccountType,
			RepositorySelection: ev.RepositorySelection,
		})

	case PingEvent:
		log.Info().Int64("hook_id", ev.HookID).Str("zen", ev.Zen).Msg("Received webhook ping")
		return nil

	case UnrecognizedEvent:
		log.Debug().Str("type", ev.Type).Str("reason", ev.Reason).Msg("Ignoring unrecognized webhook")
		return nil
	}
	return nil
}

type Stats struct {
	Received   int64     `json:"received"`
	Duplicates int64     `json:"duplicates"`
	Rejected   int64     `json:"rejected"`
	Processed  int64     `json:"processed"`
	Failed     int64     `json:"failed"`
	Pool       PoolStats `json:"pool"`
}

func (in *Ingestor) Stats() Stats {
	s := Stats{
		Received:   in.received.Load(),
		Duplicates: in.duplicates.Load(),
		Rejected:   in.rejected.Load(),
		Processed:  in.processed.Load(),
		Failed:     in.failed.Load(),
	}
	if in.pool != nil {
		s.Pool = in.pool.Stats()
	}
	return s
}
