package repositories

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"

	"cardsync/internal/pkg/secrets"
	"cardsync/internal/platform/config"
	"cardsync/internal/platform/database"
	"cardsync/internal/platform/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := database.NewDB(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db"), MaxConnections: 1})
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func testBox(t *testing.T) *secrets.Box {
	key, _ := secrets.GenerateKey()
	box, err := secrets.NewBox(key)
	if err != nil {
		t.Fatal(err)
	}
	return box
}

func TestCardRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCardRepository(db)
	ctx := context.Background()

	card := &models.Card{
		ProjectID:          "proj_1",
		Title:              "Add login",
		Description:        "Users need to log in",
		AcceptanceCriteria: "- works",
		Labels:             []string{"backend", "auth", "backend"},
	}
	if err := repo.Create(ctx, card); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	fetched, err := repo.GetByID(ctx, card.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if fetched.Status != models.StatusRefinement {
		t.Errorf("Expected status REFINEMENT, got %s", fetched.Status)
	}
	if diff := cmp.Diff([]string{"auth", "backend"}, fetched.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}

	missing, err := repo.GetByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetByID(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestCardRepository_UpdateBumpsUpdatedAt(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCardRepository(db)
	ctx := context.Background()

	card := &models.Card{ProjectID: "p", Title: "t", CreatedAt: 1, UpdatedAt: 1}
	if err := repo.Create(ctx, card); err != nil {
		t.Fatal(err)
	}

	card.Title = "t2"
	card.Labels = []string{"bug"}
	if err := repo.Update(ctx, card); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	fetched, _ := repo.GetByID(ctx, card.ID)
	if fetched.Title != "t2" || fetched.UpdatedAt <= 1 {
		t.Errorf("unexpected card after update: %+v", fetched)
	}
	if diff := cmp.Diff([]string{"bug"}, fetched.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestCardRepository_CommentDedupByRemoteID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCardRepository(db)
	ctx := context.Background()

	card := &models.Card{ProjectID: "p", Title: "t"}
	repo.Create(ctx, card)

	remoteID := int64(77)
	created, err := repo.CreateComment(ctx, &models.Comment{CardID: card.ID, Body: "hi", RemoteCommentID: &remoteID})
	if err != nil || !created {
		t.Fatalf("first CreateComment() = %v, %v", created, err)
	}
	created, err = repo.CreateComment(ctx, &models.Comment{CardID: card.ID, Body: "hi again", RemoteCommentID: &remoteID})
	if err != nil || created {
		t.Fatalf("duplicate CreateComment() = %v, %v; want false, nil", created, err)
	}

	comments, _ := repo.ListComments(ctx, card.ID)
	if len(comments) != 1 {
		t.Errorf("Expected 1 comment, got %d", len(comments))
	}
}

func TestSyncLinkRepository_UniqueIssuePerProject(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSyncLinkRepository(db)
	ctx := context.Background()

	link := &models.SyncLink{
		CardID: "c1", ProjectID: "p", RemoteIssueNumber: 42, RemoteIssueID: 4200,
		LastSyncedAt: 1, LastRemoteUpdatedAt: 1, LastLocalUpdatedAt: 1,
		Snapshot: &models.SyncSnapshot{Title: "t", Body: "b", State: "open"},
	}
	if err := repo.Upsert(ctx, link); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	dup := *link
	dup.CardID = "c2"
	if err := repo.Upsert(ctx, &dup); err == nil {
		t.Error("expected unique violation for second card on the same issue")
	}

	fetched, err := repo.GetByIssue(ctx, "p", 42)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(link, fetched); diff != "" {
		t.Errorf("link mismatch (-want +got):\n%s", diff)
	}

	n, err := repo.DeleteByProject(ctx, "p")
	if err != nil || n != 1 {
		t.Errorf("DeleteByProject() = %d, %v", n, err)
	}
}

func TestProjectLinkRepository_SecretSealedAtRest(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProjectLinkRepository(db, testBox(t))
	ctx := context.Background()

	link := &models.ProjectLink{
		ProjectID: "p", RepoFullName: "acme/api", InstallationID: 9,
		SyncEnabled: true, Status: models.LinkActive, WebhookSecret: "s3cret",
	}
	if err := repo.Upsert(ctx, link); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	var raw string
	db.QueryRow(`SELECT webhook_secret FROM project_links WHERE project_id = 'p'`).Scan(&raw)
	if raw == "s3cret" {
		t.Error("webhook secret stored in plaintext")
	}

	links, err := repo.ListByRepository(ctx, "ACME/api")
	if err != nil || len(links) != 1 {
		t.Fatalf("ListByRepository() = %v, %v", links, err)
	}
	if links[0].WebhookSecret != "s3cret" {
		t.Errorf("WebhookSecret = %q", links[0].WebhookSecret)
	}

	ids, err := repo.MarkRelinkRequired(ctx, 9)
	if err != nil || len(ids) != 1 {
		t.Fatalf("MarkRelinkRequired() = %v, %v", ids, err)
	}
	fetched, _ := repo.Get(ctx, "p")
	if fetched.Status != models.LinkRelinkRequired || fetched.SyncEnabled || fetched.RepoFullName != "acme/api" {
		t.Errorf("unexpected link after invalidation: %+v", fetched)
	}

	if err := repo.Unlink(ctx, "p"); err != nil {
		t.Fatal(err)
	}
	fetched, _ = repo.Get(ctx, "p")
	if fetched.RepoFullName != "" || fetched.PreviousRepoFullName != "acme/api" || fetched.Status != models.LinkUnlinked {
		t.Errorf("unexpected link after unlink: %+v", fetched)
	}
}

type failingSealer struct{}

func (failingSealer) Seal(string) (string, error) { return "", errors.New("seal failed") }
func (failingSealer) Open(string) (string, error) { return "", errors.New("open failed") }

func TestProjectLinkRepository_RelinkIsAtomic(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	syncLinks := NewSyncLinkRepository(db)
	if err := syncLinks.Upsert(ctx, &models.SyncLink{CardID: "c1", ProjectID: "p", RemoteIssueNumber: 42}); err != nil {
		t.Fatal(err)
	}

	broken := NewProjectLinkRepository(db, failingSealer{})
	link := &models.ProjectLink{ProjectID: "p", RepoFullName: "acme/new", InstallationID: 9, Status: models.LinkActive, WebhookSecret: "s"}
	if _, err := broken.Relink(ctx, link, true); err == nil {
		t.Fatal("Relink() expected error")
	}
	if l, _ := syncLinks.GetByIssue(ctx, "p", 42); l == nil {
		t.Error("sync links deleted although the link was not saved")
	}

	repo := NewProjectLinkRepository(db, testBox(t))
	n, err := repo.Relink(ctx, link, true)
	if err != nil || n != 1 {
		t.Fatalf("Relink() = %d, %v", n, err)
	}
	if l, _ := syncLinks.GetByIssue(ctx, "p", 42); l != nil {
		t.Error("sync links kept after relink")
	}
	if fetched, _ := repo.Get(ctx, "p"); fetched == nil || fetched.RepoFullName != "acme/new" {
		t.Errorf("relinked project = %+v", fetched)
	}
}

func TestInstallationRepository_TokenLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInstallationRepository(db, testBox(t))
	ctx := context.Background()

	expires := time.Now().Add(time.Hour)
	if err := repo.SaveToken(ctx, 5, "ghs_abc", expires); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	inst, err := repo.Get(ctx, 5)
	if err != nil || inst == nil {
		t.Fatalf("Get() = %v, %v", inst, err)
	}
	if inst.AccessToken != "ghs_abc" || *inst.ExpiresAt != expires.UnixMilli() {
		t.Errorf("unexpected installation: %+v", inst)
	}

	repo.MarkInvalid(ctx, 5)
	inst, _ = repo.Get(ctx, 5)
	if !inst.Invalid || inst.AccessToken != "" {
		t.Errorf("expected invalid installation without token, got %+v", inst)
	}

	repo.ClearInvalid(ctx, 5)
	inst, _ = repo.Get(ctx, 5)
	if inst.Invalid {
		t.Error("expected invalid flag cleared")
	}
}

func TestWebhookEventRepository_Dedup(t *testing.T) {
	db := setupTestDB(t)
	repo := NewWebhookEventRepository(db)
	ctx := context.Background()

	event := &models.WebhookEvent{DeliveryID: "d-1", EventType: "issues", Action: "opened", Payload: []byte(`{}`)}
	inserted, err := repo.Insert(ctx, event)
	if err != nil || !inserted {
		t.Fatalf("Insert() = %v, %v", inserted, err)
	}
	inserted, err = repo.Insert(ctx, &models.WebhookEvent{DeliveryID: "d-1", EventType: "issues", Payload: []byte(`{}`)})
	if err != nil || inserted {
		t.Fatalf("duplicate Insert() = %v, %v; want false, nil", inserted, err)
	}

	repo.MarkFailed(ctx, "d-1", "boom")
	failed, _ := repo.ListFailed(ctx, 10)
	if len(failed) != 1 || failed[0].RetryCount != 1 || failed[0].ProcessingError != "boom" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	ok, err := repo.MarkProcessed(ctx, "d-1")
	if err != nil || !ok {
		t.Fatalf("MarkProcessed() = %v, %v", ok, err)
	}
	ok, _ = repo.MarkProcessed(ctx, "d-1")
	if ok {
		t.Error("second MarkProcessed() should not transition")
	}

	pending, _ := repo.ListPending(ctx, 5, time.Now().Add(time.Minute).UnixMilli(), 10)
	if len(pending) != 0 {
		t.Errorf("expected no pending events, got %d", len(pending))
	}
}

func TestWebhookEventRepository_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnError(errors.New("disk full"))

	repo := NewWebhookEventRepository(db)
	if _, err := repo.Insert(context.Background(), &models.WebhookEvent{DeliveryID: "d"}); err == nil {
		t.Error("expected error from Insert")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSyncLinkRepository_GetQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM sync_links WHERE card_id = ?").
		WithArgs("c1").
		WillReturnError(sql.ErrConnDone)

	repo := NewSyncLinkRepository(db)
	if _, err := repo.GetByCard(context.Background(), "c1"); err != sql.ErrConnDone {
		t.Errorf("GetByCard() error = %v, want ErrConnDone", err)
	}
}

func TestLeaseRepository_TryAcquire(t *testing.T) {
	db := setupTestDB(t)
	repo := NewLeaseRepository(db)
	ctx := context.Background()

	ok, err := repo.TryAcquire(ctx, "proj_1", "a", 1000, 2000)
	if err != nil || !ok {
		t.Fatalf("TryAcquire(a) = %v, %v", ok, err)
	}
	if ok, _ := repo.TryAcquire(ctx, "proj_1", "b", 1500, 2500); ok {
		t.Error("unexpired lease taken by another holder")
	}
	if ok, _ := repo.TryAcquire(ctx, "proj_2", "b", 1500, 2500); !ok {
		t.Error("lease on another project refused")
	}

	// release by a non-owner is a no-op
	if err := repo.Release(ctx, "proj_1", "b"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := repo.TryAcquire(ctx, "proj_1", "b", 1800, 2800); ok {
		t.Error("lease released by non-owner")
	}

	if ok, _ := repo.TryAcquire(ctx, "proj_1", "b", 2000, 3000); !ok {
		t.Error("expired lease not taken over")
	}
	if err := repo.Release(ctx, "proj_1", "a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := repo.TryAcquire(ctx, "proj_1", "c", 2100, 3100); ok {
		t.Error("stale holder released the new owner's lease")
	}
	if err := repo.Release(ctx, "proj_1", "b"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := repo.TryAcquire(ctx, "proj_1", "c", 2100, 3100); !ok {
		t.Error("lease not free after owner released it")
	}
}
