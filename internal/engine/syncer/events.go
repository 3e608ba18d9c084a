package syncer

import (
	"context"
	"fmt"
	"strings"

	"cardsync/internal/engine/remote"
	"cardsync/internal/platform/models"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeStale   Outcome = "stale"
	OutcomeIgnored Outcome = "ignored"
)

func (o Outcome) rank() int {
	switch o {
	case OutcomeApplied:
		return 2
	case OutcomeStale:
		return 1
	}
	return 0
}

// IssueChange is a remote issue event reduced to what the engine needs.
type IssueChange struct {
	Repo   string
	Action string
	Issue  *remote.Issue
	// Label is the label named by labeled/unlabeled actions.
	Label string
}

type CommentChange struct {
	Repo        string
	Action      string
	IssueNumber int
	Comment     *remote.Comment
}

// ApplyIssueEvent applies a remote issue change to every active project
// linked to the repository. It only writes locally.
func (e *Engine) ApplyIssueEvent(ctx context.Context, ch IssueChange) (Outcome, error) {
	if ch.Issue == nil {
		return OutcomeIgnored, nil
	}
	return e.forEachProject(ctx, ch.Repo, func(ctx context.Context, p *pass) (Outcome, error) {
		return p.applyIssue(ch)
	})
}

// ApplyCommentEvent records a remote comment on the linked card. Only
// created comments are applied; comments are never edited.
func (e *Engine) ApplyCommentEvent(ctx context.Context, ch CommentChange) (Outcome, error) {
	if ch.Comment == nil || ch.Action != "created" {
		return OutcomeIgnored, nil
	}
	return e.forEachProject(ctx, ch.Repo, func(ctx context.Context, p *pass) (Outcome, error) {
		return p.applyComment(ch)
	})
}

func (e *Engine) forEachProject(ctx context.Context, repo string, fn func(ctx context.Context, p *pass) (Outcome, error)) (Outcome, error) {
	projects, err := e.projects.ListByRepository(ctx, repo)
	if err != nil {
		return OutcomeIgnored, err
	}

	outcome := OutcomeIgnored
	for _, project := range projects {
		if project.Status != models.LinkActive || !project.SyncEnabled {
			continue
		}

		var o Outcome
		err := e.locks.WithProjectLock(ctx, project.ProjectID, func(ctx context.Context) error {
			p := e.newPass(ctx, project, Options{SyncLabels: true}, &Result{ProjectID: project.ProjectID})
			p.single = true
			p.allowPush = false
			var err error
			o, err = fn(ctx, p)
			return err
		})
		if err != nil {
			return outcome, fmt.Errorf("project %s: %w", project.ProjectID, err)
		}

		switch o {
		case OutcomeApplied:
			e.counters.eventsApplied.Add(1)
		case OutcomeStale:
			e.counters.eventsStale.Add(1)
		}
		if o.rank() > outcome.rank() {
			outcome = o
		}
	}
	return outcome, nil
}

func (p *pass) applyIssue(ch IssueChange) (Outcome, error) {
	issue := ch.Issue
	logger := p.log.With().Int("issue_number", issue.Number).Str("action", ch.Action).Logger()

	switch ch.Action {
	case "deleted", "transferred":
		// cards are never deleted by sync
		logger.Info().Msg("Ignoring remote issue removal")
		return OutcomeIgnored, nil
	}

	link, err := p.linkForIssue(issue.Number)
	if err != nil {
		return OutcomeIgnored, err
	}
	if link == nil {
		if err := p.reconcileIssue(issue); err != nil {
			return OutcomeIgnored, err
		}
		return OutcomeApplied, nil
	}

	if issue.UpdatedAt.UnixMilli() <= link.LastRemoteUpdatedAt {
		logger.Debug().Msg("Skipping stale issue event")
		return OutcomeStale, nil
	}

	card, err := p.cardByID(link.CardID)
	if err != nil {
		return OutcomeIgnored, err
	}
	if card == nil {
		return OutcomeIgnored, nil
	}

	// an explicit removal is the only way a label leaves a card
	if ch.Action == "unlabeled" && ch.Label != "" && removeLabel(card, ch.Label) {
		if err := p.e.cards.Update(p.ctx, card); err != nil {
			return OutcomeIgnored, err
		}
	}

	p.remember(link)
	if err := p.reconcilePair(card, link, issue, false); err != nil {
		return OutcomeIgnored, err
	}
	logger.Debug().Str("card_id", card.ID).Msg("Applied remote issue event")
	return OutcomeApplied, nil
}

func removeLabel(card *models.Card, label string) bool {
	out := card.Labels[:0]
	removed := false
	for _, l := range card.Labels {
		if strings.EqualFold(l, label) {
			removed = true
			continue
		}
		out = append(out, l)
	}
	card.Labels = out
	return removed
}

func (p *pass) applyComment(ch CommentChange) (Outcome, error) {
	link, err := p.linkForIssue(ch.IssueNumber)
	if err != nil {
		return OutcomeIgnored, err
	}
	if link == nil {
		return OutcomeIgnored, nil
	}

	rc := ch.Comment
	if id := markerCommentID(rc.Body); id != "" {
		local, err := p.e.cards.ListComments(p.ctx, link.CardID)
		if err != nil {
			return OutcomeIgnored, err
		}
		for _, lc := range local {
			if lc.ID != id {
				continue
			}
			if lc.RemoteCommentID != nil {
				return OutcomeStale, nil
			}
			if err := p.e.cards.SetCommentRemoteID(p.ctx, lc.ID, rc.ID); err != nil {
				return OutcomeIgnored, err
			}
			return OutcomeApplied, nil
		}
	}

	card, err := p.cardByID(link.CardID)
	if err != nil || card == nil {
		return OutcomeIgnored, err
	}

	remoteID := rc.ID
	created, err := p.e.cards.CreateComment(p.ctx, &models.Comment{
		CardID:          card.ID,
		Body:            stripMarkers(rc.Body),
		Author:          rc.Author,
		RemoteCommentID: &remoteID,
		CreatedAt:       rc.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return OutcomeIgnored, err
	}
	if !created {
		return OutcomeStale, nil
	}
	return OutcomeApplied, nil
}
