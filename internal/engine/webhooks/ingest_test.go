package webhooks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cardsync/internal/engine/remote"
	"cardsync/internal/engine/syncer"
	"cardsync/internal/pkg/secrets"
	"cardsync/internal/platform/config"
	"cardsync/internal/platform/database"
	"cardsync/internal/platform/models"
	"cardsync/internal/platform/repositories"
)

const issueClosedPayload = `{
  "action": "closed",
  "issue": {"id": 9, "number": 42, "title": "Add login", "body": "b", "state": "closed",
            "updated_at": "2026-01-02T03:04:05Z", "labels": [{"name": "bug"}]},
  "repository": {"full_name": "acme/widgets"}
}`

type fakeApplier struct {
	mu       sync.Mutex
	issues   []syncer.IssueChange
	comments []syncer.CommentChange
	errs     []error
}

func (f *fakeApplier) next() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeApplier) ApplyIssueEvent(ctx context.Context, ch syncer.IssueChange) (syncer.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = append(f.issues, ch)
	if err := f.next(); err != nil {
		return syncer.OutcomeIgnored, err
	}
	return syncer.OutcomeApplied, nil
}

func (f *fakeApplier) ApplyCommentEvent(ctx context.Context, ch syncer.CommentChange) (syncer.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, ch)
	return syncer.OutcomeApplied, f.next()
}

type fakeInstallations struct {
	actions []string
	ids     []int64
}

func (f *fakeInstallations) HandleInstallation(ctx context.Context, action string, inst *models.Installation) error {
	f.actions = append(f.actions, action)
	f.ids = append(f.ids, inst.InstallationID)
	return nil
}

type ingestEnv struct {
	ingestor *Ingestor
	events   *repositories.WebhookEventRepository
	projects *repositories.ProjectLinkRepository
	applier  *fakeApplier
	installs *fakeInstallations
	sleeps   []time.Duration
}

func setupIngestor(t *testing.T) *ingestEnv {
	db, err := database.NewDB(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "hooks.db"), MaxConnections: 1})
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	key, _ := secrets.GenerateKey()
	box, _ := secrets.NewBox(key)

	env := &ingestEnv{
		events:   repositories.NewWebhookEventRepository(db),
		projects: repositories.NewProjectLinkRepository(db, box),
		applier:  &fakeApplier{},
		installs: &fakeInstallations{},
	}
	cfg := config.WebhooksConfig{WorkerCount: 2, RetryAttempts: 3, RetryBackoff: time.Second, MaxRetries: 5}
	env.ingestor = NewIngestor(env.events, env.projects, env.applier, env.installs, "global-secret", cfg,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return nil
		}))
	return env
}

func delivery(id, event, secret, body string) Delivery {
	return Delivery{ID: id, Event: event, Signature: SignatureValue(secret, []byte(body)), Body: []byte(body)}
}

func TestIngestor_AcceptAndProcessOnce(t *testing.T) {
	env := setupIngestor(t)
	ctx := context.Background()
	d := delivery("d-1", "issues", "global-secret", issueClosedPayload)

	acc, err := env.ingestor.Accept(ctx, d)
	if err != nil || acc.Duplicate {
		t.Fatalf("Accept() = %+v, %v", acc, err)
	}
	if acc.Event.RepositoryName != "acme/widgets" || acc.Event.Action != "closed" {
		t.Errorf("persisted event = %+v", acc.Event)
	}

	again, err := env.ingestor.Accept(ctx, d)
	if err != nil || !again.Duplicate {
		t.Fatalf("duplicate Accept() = %+v, %v", again, err)
	}

	env.ingestor.Dispatch(ctx, "d-1")
	if err := env.ingestor.Process(ctx, "d-1"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(env.applier.issues) != 1 {
		t.Fatalf("engine calls = %d, want 1", len(env.applier.issues))
	}
	ch := env.applier.issues[0]
	if ch.Repo != "acme/widgets" || ch.Action != "closed" || ch.Issue.Number != 42 || ch.Issue.State != remote.StateClosed {
		t.Errorf("IssueChange = %+v", ch)
	}

	stored, _ := env.events.GetByDeliveryID(ctx, "d-1")
	if !stored.Processed || stored.ProcessedAt == nil {
		t.Errorf("event not marked processed: %+v", stored)
	}
	if s := env.ingestor.Stats(); s.Received != 1 || s.Duplicates != 1 || s.Processed != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestIngestor_RejectsBadSignature(t *testing.T) {
	env := setupIngestor(t)
	ctx := context.Background()

	_, err := env.ingestor.Accept(ctx, delivery("d-1", "issues", "wrong", issueClosedPayload))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Accept() error = %v, want ErrInvalidSignature", err)
	}
	if ev, _ := env.events.GetByDeliveryID(ctx, "d-1"); ev != nil {
		t.Error("rejected delivery was persisted")
	}

	if _, err := env.ingestor.Accept(ctx, Delivery{Event: "issues", Body: []byte(`{}`)}); !errors.Is(err, ErrMissingHeaders) {
		t.Errorf("missing delivery id error = %v", err)
	}
}

func TestIngestor_ProjectSecret(t *testing.T) {
	env := setupIngestor(t)
	ctx := context.Background()
	err := env.projects.Upsert(ctx, &models.ProjectLink{
		ProjectID:      "proj_1",
		RepoFullName:   "Acme/Widgets",
		InstallationID: 1,
		SyncEnabled:    true,
		Status:         models.LinkActive,
		WebhookSecret:  "project-secret",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.ingestor.Accept(ctx, delivery("d-1", "issues", "project-secret", issueClosedPayload)); err != nil {
		t.Errorf("project secret rejected: %v", err)
	}
	if _, err := env.ingestor.Accept(ctx, delivery("d-2", "issues", "global-secret", issueClosedPayload)); err != nil {
		t.Errorf("global secret rejected: %v", err)
	}
}

func TestIngestor_RetriesTransientFailures(t *testing.T) {
	env := setupIngestor(t)
	ctx := context.Background()
	env.applier.errs = []error{
		&remote.Error{Kind: remote.KindTimeout, Op: "get_issue"},
		&remote.Error{Kind: remote.KindRateLimited, Op: "get_issue", RetryAfter: 5 * time.Second},
	}

	env.ingestor.Accept(ctx, delivery("d-1", "issues", "global-secret", issueClosedPayload))
	if err := env.ingestor.Process(ctx, "d-1"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(env.applier.issues) != 3 {
		t.Errorf("attempts = %d, want 3", len(env.applier.issues))
	}
	want := []time.Duration{time.Second, 5 * time.Second}
	if len(env.sleeps) != 2 || env.sleeps[0] != want[0] || env.sleeps[1] != want[1] {
		t.Errorf("backoff = %v, want %v", env.sleeps, want)
	}
}

func TestIngestor_FailureRecordedAndRetried(t *testing.T) {
	env := setupIngestor(t)
	ctx := context.Background()
	env.applier.errs = []error{errors.New("database is locked")}

	env.ingestor.Accept(ctx, delivery("d-1", "issues", "global-secret", issueClosedPayload))
	if err := env.ingestor.Process(ctx, "d-1"); err == nil {
		t.Fatal("Process() expected error")
	}
	if len(env.applier.issues) != 1 {
		t.Errorf("permanent failure retried in process: %d attempts", len(env.applier.issues))
	}

	stored, _ := env.events.GetByDeliveryID(ctx, "d-1")
	if stored.Processed || stored.RetryCount != 1 || stored.ProcessingError != "database is locked" {
		t.Fatalf("failed event = %+v", stored)
	}

	time.Sleep(2 * time.Millisecond)
	n, err := env.ingestor.RetryPending(ctx, 0, 10)
	if err != nil || n != 1 {
		t.Fatalf("RetryPending() = %d, %v", n, err)
	}
	stored, _ = env.events.GetByDeliveryID(ctx, "d-1")
	if !stored.Processed {
		t.Error("event not processed after retry")
	}

	if err := env.ingestor.Reprocess(ctx, "d-1"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("Reprocess(processed) error = %v, want ErrAlreadyProcessed", err)
	}
	if len(env.applier.issues) != 2 {
		t.Errorf("engine calls = %d, want 2", len(env.applier.issues))
	}
	if err := env.ingestor.Reprocess(ctx, "missing"); !errors.Is(err, ErrUnknownDelivery) {
		t.Errorf("Reprocess(missing) error = %v", err)
	}
}

func TestIngestor_ReprocessFailedPastRetryCeiling(t *testing.T) {
	env := setupIngestor(t)
	ctx := context.Background()
	env.applier.errs = []error{errors.New("database is locked")}

	env.ingestor.Accept(ctx, delivery("d-1", "issues", "global-secret", issueClosedPayload))
	env.ingestor.Process(ctx, "d-1")
	stored, _ := env.events.GetByDeliveryID(ctx, "d-1")
	for i := stored.RetryCount; i < env.ingestor.cfg.MaxRetries; i++ {
		if err := env.events.MarkFailed(ctx, "d-1", "still failing"); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(2 * time.Millisecond)
	if n, _ := env.ingestor.RetryPending(ctx, 0, 10); n != 0 {
		t.Fatalf("RetryPending() retried %d events past the ceiling", n)
	}
	if err := env.ingestor.Reprocess(ctx, "d-1"); err != nil {
		t.Fatalf("Reprocess(failed) error = %v", err)
	}
	if stored, _ := env.events.GetByDeliveryID(ctx, "d-1"); !stored.Processed {
		t.Error("event not processed after manual reprocess")
	}
	if err := env.ingestor.Reprocess(ctx, "d-1"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second Reprocess() error = %v, want ErrAlreadyProcessed", err)
	}
}

func TestIngestor_ReprocessDoesNotReplayInstallationDeleted(t *testing.T) {
	env := setupIngestor(t)
	ctx := context.Background()

	body := `{"action":"deleted","installation":{"id":77,"account":{"login":"acme","type":"Organization"}}}`
	env.ingestor.Accept(ctx, delivery("inst-1", "installation", "global-secret", body))
	if err := env.ingestor.Process(ctx, "inst-1"); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if err := env.ingestor.Reprocess(ctx, "inst-1"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("Reprocess() error = %v, want ErrAlreadyProcessed", err)
	}
	if len(env.installs.ids) != 1 {
		t.Errorf("installation handler calls = %v, want one", env.installs.ids)
	}
}

func TestIngestor_InstallationAndIgnoredEvents(t *testing.T) {
	env := setupIngestor(t)
	ctx := context.Background()

	bodies := map[string]string{
		"installation":  `{"action":"deleted","installation":{"id":77,"account":{"login":"acme","type":"Organization"}}}`,
		"ping":          `{"zen":"Keep it simple.","hook_id":5}`,
		"deployment":    `{"action":"created","repository":{"full_name":"acme/widgets"}}`,
		"issue_comment": `{"action":"created","issue":{"number":3,"pull_request":{"url":"x"}},"comment":{"id":1,"body":"hi"},"repository":{"full_name":"acme/widgets"}}`,
	}
	i := 0
	for event, body := range bodies {
		i++
		id := event + "-delivery"
		if _, err := env.ingestor.Accept(ctx, delivery(id, event, "global-secret", body)); err != nil {
			t.Fatalf("Accept(%s) error = %v", event, err)
		}
		if err := env.ingestor.Process(ctx, id); err != nil {
			t.Errorf("Process(%s) error = %v", event, err)
		}
		if ev, _ := env.events.GetByDeliveryID(ctx, id); !ev.Processed {
			t.Errorf("%s not marked processed", event)
		}
	}

	if len(env.installs.ids) != 1 || env.installs.ids[0] != 77 || env.installs.actions[0] != "deleted" {
		t.Errorf("installation handler calls = %v %v", env.installs.actions, env.installs.ids)
	}
	if len(env.applier.comments) != 0 || len(env.applier.issues) != 0 {
		t.Errorf("engine called for ignored events")
	}
}

func TestIngestor_PoolProcessesDeliveries(t *testing.T) {
	env := setupIngestor(t)
	ctx := context.Background()
	env.ingestor.Start()

	for _, id := range []string{"a", "b", "c"} {
		env.ingestor.Accept(ctx, delivery(id, "issues", "global-secret", issueClosedPayload))
		env.ingestor.Dispatch(ctx, id)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.ingestor.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	env.applier.mu.Lock()
	defer env.applier.mu.Unlock()
	if len(env.applier.issues) != 3 {
		t.Errorf("processed = %d, want 3", len(env.applier.issues))
	}
}
