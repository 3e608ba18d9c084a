package syncer

import (
	"context"
	"errors"
	"fmt"

	"cardsync/internal/engine/remote"
	"cardsync/internal/platform/models"
)

// SyncCardToRemote pushes a single card, creating its issue when needed,
// and returns the card as stored afterwards.
func (e *Engine) SyncCardToRemote(ctx context.Context, cardID string) (*models.Card, error) {
	card, err := e.cards.GetByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, ErrCardNotFound
	}

	lease, err := e.locks.Acquire(ctx, card.ProjectID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	ctx = lease.Context()

	project, err := e.usableLink(ctx, card.ProjectID)
	if err != nil {
		return nil, err
	}

	// reload under the lock; a sync may have changed it while we waited
	card, err = e.cards.GetByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, ErrCardNotFound
	}

	p := e.newPass(ctx, project, e.DefaultOptions(), &Result{ProjectID: card.ProjectID})
	p.single = true
	p.cards[card.ID] = card

	err = p.syncSingle(card)
	if lease.Expired() {
		err = ErrLeaseExpired
	}
	if err != nil {
		if remote.Is(err, remote.KindAuth) {
			e.handleAuthFailure(ctx, project, err)
			e.counters.relinks.Add(1)
			return nil, fmt.Errorf("%w: %v", ErrRelinkRequired, err)
		}
		return nil, err
	}

	return e.cards.GetByID(ctx, cardID)
}

func (p *pass) syncSingle(card *models.Card) error {
	link, err := p.e.links.GetByCard(p.ctx, card.ID)
	if err != nil {
		return err
	}

	if link == nil {
		if err := p.pushNewCard(card); err != nil {
			return err
		}
	} else {
		p.remember(link)
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
		return errors.New("sync link missing after push")
	}
	return p.syncComments(card, link, true)
}
