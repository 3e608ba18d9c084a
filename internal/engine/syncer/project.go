package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cardsync/internal/engine/remote"
	"cardsync/internal/platform/models"
)

// SyncProject runs a full pass over a linked project: remote issues changed
// since the last full sync are merged into cards, then unlinked and locally
// changed cards are pushed. lastFullSyncAt only advances when every entity
// synced.
func (e *Engine) SyncProject(ctx context.Context, projectID string, opts Options) (*Result, error) {
	lease, err := e.locks.Acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	ctx = lease.Context()

	start := e.now()
	result := &Result{ProjectID: projectID, StartedAt: start, Errors: []EntityError{}}
	e.counters.passes.Add(1)

	link, err := e.usableLink(ctx, projectID)
	if err != nil {
		result.FinishedAt = e.now()
		if errors.Is(err, ErrRelinkRequired) {
			result.Status = StatusRelinkRequired
			e.counters.relinks.Add(1)
		} else {
			result.Status = StatusFailed
			e.counters.passesFailed.Add(1)
		}
		return result, err
	}

	p := e.newPass(ctx, link, opts, result)
	err = p.run()
	if lease.Expired() {
		err = ErrLeaseExpired
	}

	result.FinishedAt = e.now()
	logger := p.log.With().Str("repo", link.RepoFullName).Dur("duration", result.FinishedAt.Sub(start)).Logger()

	switch {
	case err != nil && remote.Is(err, remote.KindAuth):
		e.handleAuthFailure(ctx, link, err)
		result.Status = StatusRelinkRequired
		e.counters.relinks.Add(1)
		logger.Warn().Err(err).Msg("Project sync aborted, installation requires relink")
		return result, fmt.Errorf("%w: %v", ErrRelinkRequired, err)

	case err != nil:
		result.Status = StatusFailed
		e.counters.passesFailed.Add(1)
		logger.Error().Err(err).Msg("Project sync aborted")
		return result, err

	case len(result.Errors) > 0:
		result.Status = StatusPartial
		e.counters.passesPartial.Add(1)
		logger.Warn().Int("errors", len(result.Errors)).Interface("stats", result.Stats).Msg("Project sync partially failed")
		return result, nil
	}

	if err := e.projects.MarkFullSync(ctx, projectID, start.UnixMilli()); err != nil {
		result.Status = StatusFailed
		e.counters.passesFailed.Add(1)
		return result, fmt.Errorf("advance last full sync: %w", err)
	}
	result.Status = StatusSynced
	logger.Info().Interface("stats", result.Stats).Msg("Project sync completed")
	return result, nil
}

func (p *pass) run() error {
	var since time.Time
	if p.project.LastFullSyncAt != nil {
		since = time.UnixMilli(*p.project.LastFullSyncAt)
	}

	issues, err := p.remote.ListIssues(p.ctx, p.repo, since)
	if err != nil {
		return fmt.Errorf("list issues for %s: %w", p.repo, err)
	}
	if since.IsZero() {
		p.fullListing = issues
	}

	if err := p.load(); err != nil {
		return err
	}

	for _, issue := range issues {
		p.result.Stats.IssuesSeen++
		if err := p.reconcileIssue(issue); err != nil {
			if fatal(p.ctx, err) {
				return err
			}
			p.entityError("", issue.Number, err)
		}
	}

	// cards created from issues above are appended while iterating
	for i := 0; i < len(p.cardOrder); i++ {
		card := p.cardOrder[i]
		if err := p.syncCard(card); err != nil {
			if fatal(p.ctx, err) {
				return err
			}
			p.entityError(card.ID, 0, err)
		}
	}
	return nil
}

// syncCard pushes a card the listing did not cover and then its comments.
func (p *pass) syncCard(card *models.Card) error {
	link := p.linksByCard[card.ID]
	switch {
	case link == nil:
		if err := p.pushNewCard(card); err != nil {
			return err
		}
	case !p.seen[card.ID] && p.dirty(card, link):
		issue, err := p.remote.GetIssue(p.ctx, p.repo, link.RemoteIssueNumber)
		if err != nil {
			return fmt.Errorf("get issue #%d: %w", link.RemoteIssueNumber, err)
		}
		if err := p.reconcilePair(card, link, issue, true); err != nil {
			return err
		}
	}

	if !p.opts.SyncComments {
		return nil
	}
	link = p.linksByCard[card.ID]
	if link == nil {
		return nil
	}
	return p.syncComments(card, link, p.seen[card.ID])
}
