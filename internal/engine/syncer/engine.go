package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"cardsync/internal/engine/remote"
	"cardsync/internal/platform/config"
	"cardsync/internal/platform/models"
)

var (
	ErrRelinkRequired = errors.New("project requires relink")
	ErrNotLinked      = errors.New("project is not linked to a repository")
	ErrCardNotFound   = errors.New("card not found")
)

type CardStore interface {
	Create(ctx context.Context, card *models.Card) error
	GetByID(ctx context.Context, id string) (*models.Card, error)
	ListByProject(ctx context.Context, projectID string) ([]*models.Card, error)
	Update(ctx context.Context, card *models.Card) error
	ListComments(ctx context.Context, cardID string) ([]*models.Comment, error)
	CreateComment(ctx context.Context, comment *models.Comment) (bool, error)
	SetCommentRemoteID(ctx context.Context, commentID string, remoteID int64) error
}

type SyncLinkStore interface {
	GetByCard(ctx context.Context, cardID string) (*models.SyncLink, error)
	GetByIssue(ctx context.Context, projectID string, issueNumber int) (*models.SyncLink, error)
	ListByProject(ctx context.Context, projectID string) ([]*models.SyncLink, error)
	Upsert(ctx context.Context, link *models.SyncLink) error
}

type ProjectLinkStore interface {
	Get(ctx context.Context, projectID string) (*models.ProjectLink, error)
	ListByRepository(ctx context.Context, repoFullName string) ([]*models.ProjectLink, error)
	MarkFullSync(ctx context.Context, projectID string, at int64) error
}

// Remote is the issue surface of one installation.
type Remote interface {
	ListIssues(ctx context.Context, repo string, since time.Time) ([]*remote.Issue, error)
	GetIssue(ctx context.Context, repo string, number int) (*remote.Issue, error)
	CreateIssue(ctx context.Context, repo string, in remote.IssueInput) (*remote.Issue, error)
	UpdateIssue(ctx context.Context, repo string, number int, in remote.IssueInput) (*remote.Issue, error)
	ListComments(ctx context.Context, repo string, number int) ([]*remote.Comment, error)
	CreateComment(ctx context.Context, repo string, number int, body string) (*remote.Comment, error)
	ListLabels(ctx context.Context, repo string) ([]string, error)
	CreateLabel(ctx context.Context, repo, name string) error
	AddLabelsToIssue(ctx context.Context, repo string, number int, labels []string) error
	FindIssueByMarker(ctx context.Context, repo, marker string) (*remote.Issue, error)
}

type RemoteFactory func(installationID int64) Remote

// Invalidator is told when an installation stops authenticating.
type Invalidator interface {
	InvalidateInstallation(ctx context.Context, installationID int64, reason string) error
}

type Options struct {
	SyncComments bool `json:"sync_comments"`
	SyncLabels   bool `json:"sync_labels"`
}

type Status string

const (
	StatusSynced         Status = "synced"
	StatusPartial        Status = "partial"
	StatusFailed         Status = "failed"
	StatusRelinkRequired Status = "relink_required"
)

type Stats struct {
	IssuesSeen     int `json:"issues_seen"`
	IssuesCreated  int `json:"issues_created"`
	IssuesUpdated  int `json:"issues_updated"`
	CardsCreated   int `json:"cards_created"`
	CardsUpdated   int `json:"cards_updated"`
	CommentsPulled int `json:"comments_pulled"`
	CommentsPushed int `json:"comments_pushed"`
	LabelsApplied  int `json:"labels_applied"`
	Conflicts      int `json:"conflicts"`
	Skipped        int `json:"skipped"`
}

type EntityError struct {
	CardID      string `json:"card_id,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
}

type Result struct {
	ProjectID  string        `json:"project_id"`
	Status     Status        `json:"status"`
	Stats      Stats         `json:"stats"`
	Errors     []EntityError `json:"errors"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

type Deps struct {
	Cards       CardStore
	SyncLinks   SyncLinkStore
	Projects    ProjectLinkStore
	Remotes     RemoteFactory
	Locks       *ProjectLocks
	Invalidator Invalidator
}

type Engine struct {
	cards       CardStore
	links       SyncLinkStore
	projects    ProjectLinkStore
	remotes     RemoteFactory
	locks       *ProjectLocks
	invalidator Invalidator
	cfg         config.SyncConfig
	now         func() time.Time

	counters counters
}

type counters struct {
	passes        atomic.Int64
	passesFailed  atomic.Int64
	passesPartial atomic.Int64
	relinks       atomic.Int64
	conflicts     atomic.Int64
	issuesCreated atomic.Int64
	cardsCreated  atomic.Int64
	eventsApplied atomic.Int64
	eventsStale   atomic.Int64
}

func NewEngine(d Deps, cfg config.SyncConfig) *Engine {
	return &Engine{
		cards:       d.Cards,
		links:       d.SyncLinks,
		projects:    d.Projects,
		remotes:     d.Remotes,
		locks:       d.Locks,
		invalidator: d.Invalidator,
		cfg:         cfg,
		now:         time.Now,
	}
}

// DefaultOptions returns the configured comment and label defaults.
func (e *Engine) DefaultOptions() Options {
	return Options{SyncComments: e.cfg.DefaultSyncComments, SyncLabels: e.cfg.DefaultSyncLabels}
}

type EngineStats struct {
	Passes        int64     `json:"passes"`
	PassesFailed  int64     `json:"passes_failed"`
	PassesPartial int64     `json:"passes_partial"`
	Relinks       int64     `json:"relink_required"`
	Conflicts     int64     `json:"conflicts"`
	IssuesCreated int64     `json:"issues_created"`
	CardsCreated  int64     `json:"cards_created"`
	EventsApplied int64     `json:"events_applied"`
	EventsStale   int64     `json:"events_stale"`
	Locks         LockStats `json:"locks"`
}

func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Passes:        e.counters.passes.Load(),
		PassesFailed:  e.counters.passesFailed.Load(),
		PassesPartial: e.counters.passesPartial.Load(),
		Relinks:       e.counters.relinks.Load(),
		Conflicts:     e.counters.conflicts.Load(),
		IssuesCreated: e.counters.issuesCreated.Load(),
		CardsCreated:  e.counters.cardsCreated.Load(),
		EventsApplied: e.counters.eventsApplied.Load(),
		EventsStale:   e.counters.eventsStale.Load(),
		Locks:         e.locks.Stats(),
	}
}

// usableLink loads the project's link and rejects projects that cannot sync.
func (e *Engine) usableLink(ctx context.Context, projectID string) (*models.ProjectLink, error) {
	link, err := e.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if link == nil || link.Status == models.LinkUnlinked || link.RepoFullName == "" {
		return nil, ErrNotLinked
	}
	if link.Status == models.LinkRelinkRequired || link.InstallationID == 0 {
		return link, ErrRelinkRequired
	}
	return link, nil
}

// fatal reports errors that end a whole pass rather than one entity.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch remote.KindOf(err) {
	case remote.KindAuth, remote.KindRateLimited, remote.KindCanceled:
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) handleAuthFailure(ctx context.Context, link *models.ProjectLink, err error) {
	if e.invalidator == nil || link == nil {
		return
	}
	// the pass context may already be gone
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if ierr := e.invalidator.InvalidateInstallation(ictx, link.InstallationID, err.Error()); ierr != nil {
		logFor(link.ProjectID).Error().Err(ierr).Int64("installation_id", link.InstallationID).Msg("Failed to invalidate installation")
	}
}
