package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cardsync/internal/engine/remote"
	"cardsync/internal/platform/models"
)

func logFor(projectID string) *zerolog.Logger {
	l := log.With().Str("project_id", projectID).Logger()
	return &l
}

// pass holds the working set of one sync operation for one project. It is
// only used while the project lock is held.
type pass struct {
	e       *Engine
	ctx     context.Context
	project *models.ProjectLink
	repo    string
	remote  Remote
	opts    Options
	result  *Result
	log     *zerolog.Logger

	// single is set for card and webhook operations, which look links up in
	// the store instead of preloading the whole project.
	single    bool
	// allowPush is unset on the webhook path, which never writes to GitHub.
	allowPush bool

	cards        map[string]*models.Card
	cardOrder    []*models.Card
	linksByCard  map[string]*models.SyncLink
	linksByIssue map[int]*models.SyncLink
	seen         map[string]bool

	fullListing []*remote.Issue
	markerIndex map[string]*remote.Issue
	repoLabels  map[string]bool
}

func (e *Engine) newPass(ctx context.Context, project *models.ProjectLink, opts Options, result *Result) *pass {
	p := &pass{
		e:            e,
		ctx:          ctx,
		project:      project,
		repo:         project.RepoFullName,
		opts:         opts,
		result:       result,
		log:          logFor(project.ProjectID),
		cards:        make(map[string]*models.Card),
		linksByCard:  make(map[string]*models.SyncLink),
		linksByIssue: make(map[int]*models.SyncLink),
		seen:         make(map[string]bool),
		allowPush:    true,
	}
	if e.remotes != nil && project.InstallationID != 0 {
		p.remote = e.remotes(project.InstallationID)
	}
	return p
}

func (p *pass) load() error {
	cards, err := p.e.cards.ListByProject(p.ctx, p.project.ProjectID)
	if err != nil {
		return fmt.Errorf("load cards: %w", err)
	}
	for _, c := range cards {
		p.cards[c.ID] = c
	}
	p.cardOrder = cards

	links, err := p.e.links.ListByProject(p.ctx, p.project.ProjectID)
	if err != nil {
		return fmt.Errorf("load sync links: %w", err)
	}
	for _, l := range links {
		p.remember(l)
	}
	return nil
}

func (p *pass) remember(link *models.SyncLink) {
	p.linksByCard[link.CardID] = link
	p.linksByIssue[link.RemoteIssueNumber] = link
}

func (p *pass) linkForIssue(number int) (*models.SyncLink, error) {
	if l, ok := p.linksByIssue[number]; ok || !p.single {
		return l, nil
	}
	return p.e.links.GetByIssue(p.ctx, p.project.ProjectID, number)
}

func (p *pass) linkForCard(cardID string) (*models.SyncLink, error) {
	if l, ok := p.linksByCard[cardID]; ok || !p.single {
		return l, nil
	}
	return p.e.links.GetByCard(p.ctx, cardID)
}

func (p *pass) cardByID(id string) (*models.Card, error) {
	if c, ok := p.cards[id]; ok || !p.single {
		return c, nil
	}
	c, err := p.e.cards.GetByID(p.ctx, id)
	if err != nil || c == nil || c.ProjectID != p.project.ProjectID {
		return nil, err
	}
	p.cards[id] = c
	return c, nil
}

func (p *pass) entityError(cardID string, issueNumber int, err error) {
	kind := "internal"
	if k := remote.KindOf(err); k != remote.KindOther {
		kind = k.String()
	}
	p.result.Errors = append(p.result.Errors, EntityError{
		CardID:      cardID,
		IssueNumber: issueNumber,
		Kind:        kind,
		Message:     err.Error(),
	})
	p.log.Warn().Err(err).Str("card_id", cardID).Int("issue_number", issueNumber).Msg("Sync of entity failed")
}

// dirty reports whether the card has local changes not yet on the remote.
func (p *pass) dirty(card *models.Card, link *models.SyncLink) bool {
	if card.UpdatedAt > link.LastLocalUpdatedAt {
		return true
	}
	return link.Snapshot != nil && localProjection(card) != *link.Snapshot
}

func (p *pass) newLink(card *models.Card, issue *remote.Issue, snapshot models.SyncSnapshot) *models.SyncLink {
	return &models.SyncLink{
		CardID:              card.ID,
		ProjectID:           p.project.ProjectID,
		RemoteIssueNumber:   issue.Number,
		RemoteIssueID:       issue.ID,
		LastSyncedAt:        p.e.now().UnixMilli(),
		LastRemoteUpdatedAt: issue.UpdatedAt.UnixMilli(),
		LastLocalUpdatedAt:  card.UpdatedAt,
		Snapshot:            &snapshot,
		ContentHash:         contentHash(snapshot, card.Labels),
	}
}

func (p *pass) saveLink(link *models.SyncLink) error {
	if err := p.e.links.Upsert(p.ctx, link); err != nil {
		return fmt.Errorf("save sync link for card %s: %w", link.CardID, err)
	}
	p.remember(link)
	return nil
}

// createCardFromIssue materialises a remote issue nobody has linked yet.
func (p *pass) createCardFromIssue(issue *remote.Issue) (*models.Card, error) {
	desc, ac := splitBody(issue.Body)
	status := models.StatusRefinement
	if issue.State == remote.StateClosed {
		status = models.StatusCompleted
	}

	card := &models.Card{
		ProjectID:          p.project.ProjectID,
		Title:              strings.TrimSpace(issue.Title),
		Description:        desc,
		AcceptanceCriteria: ac,
		Status:             status,
	}
	if p.opts.SyncLabels {
		card.Labels = append([]string(nil), issue.Labels...)
	}
	if err := p.e.cards.Create(p.ctx, card); err != nil {
		return nil, fmt.Errorf("create card for issue #%d: %w", issue.Number, err)
	}

	link := p.newLink(card, issue, localProjection(card))
	if err := p.saveLink(link); err != nil {
		return nil, err
	}

	p.cards[card.ID] = card
	p.cardOrder = append(p.cardOrder, card)
	p.seen[card.ID] = true
	p.result.Stats.CardsCreated++
	p.e.counters.cardsCreated.Add(1)
	p.log.Info().Str("card_id", card.ID).Int("issue_number", issue.Number).Msg("Created card from remote issue")
	return card, nil
}

// adopt links a card to an issue that already carries its marker, then
// reconciles whatever drifted since the issue was created.
func (p *pass) adopt(card *models.Card, issue *remote.Issue, allowPush bool) error {
	link := p.newLink(card, issue, remoteProjection(issue))
	link.LastLocalUpdatedAt = 0
	p.seen[card.ID] = true
	p.log.Info().Str("card_id", card.ID).Int("issue_number", issue.Number).Msg("Linked card to existing issue by marker")
	return p.reconcilePair(card, link, issue, allowPush)
}

// reconcileIssue handles one issue from the remote listing.
func (p *pass) reconcileIssue(issue *remote.Issue) error {
	link, err := p.linkForIssue(issue.Number)
	if err != nil {
		return err
	}

	if link == nil {
		if id := markerCardID(issue.Body); id != "" {
			card, err := p.cardByID(id)
			if err != nil {
				return err
			}
			if card != nil {
				existing, err := p.linkForCard(card.ID)
				if err != nil {
					return err
				}
				if existing == nil {
					return p.adopt(card, issue, p.allowPush)
				}
			}
		}
		_, err := p.createCardFromIssue(issue)
		return err
	}

	p.seen[link.CardID] = true
	card, err := p.cardByID(link.CardID)
	if err != nil {
		return err
	}
	if card == nil {
		// removed locally; cards are never recreated from a linked issue
		p.result.Stats.Skipped++
		return nil
	}

	remoteChanged := issue.UpdatedAt.UnixMilli() > link.LastRemoteUpdatedAt
	if !remoteChanged && !p.dirty(card, link) {
		return nil
	}
	return p.reconcilePair(card, link, issue, p.allowPush)
}

// reconcilePair merges one linked card/issue pair. With allowPush unset
// nothing is written to the remote and local-only changes stay pending.
func (p *pass) reconcilePair(card *models.Card, link *models.SyncLink, issue *remote.Issue, allowPush bool) error {
	ctx := p.ctx
	local := localProjection(card)
	rem := remoteProjection(issue)
	remoteChanged := issue.UpdatedAt.UnixMilli() > link.LastRemoteUpdatedAt
	localChanged := card.UpdatedAt > link.LastLocalUpdatedAt

	plan := planMerge(link.Snapshot, local, rem, localChanged, remoteChanged)

	cardDirty := false
	if plan.pull[fieldTitle] {
		card.Title = strings.TrimSpace(issue.Title)
		cardDirty = true
	}
	if plan.pull[fieldBody] {
		card.Description, card.AcceptanceCriteria = splitBody(issue.Body)
		cardDirty = true
	}
	if plan.pull[fieldState] {
		if s := pulledStatus(card.Status, issue.State); s != card.Status {
			card.Status = s
			cardDirty = true
		}
	}

	var missingRemote []string
	if p.opts.SyncLabels {
		var missingLocal []string
		missingRemote, missingLocal = labelDiff(card.Labels, issue.Labels)
		if len(missingLocal) > 0 {
			card.Labels = append(card.Labels, missingLocal...)
			sort.Strings(card.Labels)
			p.result.Stats.LabelsApplied += len(missingLocal)
			cardDirty = true
		}
	}

	if cardDirty {
		if err := p.e.cards.Update(ctx, card); err != nil {
			return fmt.Errorf("update card %s: %w", card.ID, err)
		}
		p.result.Stats.CardsUpdated++
	}
	if len(plan.conflicts) > 0 {
		p.recordConflicts(card, issue, plan.conflicts)
	}

	current := issue
	if allowPush && plan.pushes() {
		in := remote.IssueInput{}
		if plan.push[fieldTitle] {
			title := card.Title
			in.Title = &title
		}
		if plan.push[fieldBody] {
			body := composeBody(card)
			in.Body = &body
		}
		if plan.push[fieldState] {
			state := stateFor(card.Status)
			in.State = &state
		}
		updated, err := p.remote.UpdateIssue(ctx, p.repo, link.RemoteIssueNumber, in)
		if err != nil {
			return fmt.Errorf("update issue #%d: %w", link.RemoteIssueNumber, err)
		}
		current = updated
		p.result.Stats.IssuesUpdated++
	}

	if allowPush && len(missingRemote) > 0 {
		if err := p.ensureRepoLabels(missingRemote); err != nil {
			return err
		}
		if err := p.remote.AddLabelsToIssue(ctx, p.repo, link.RemoteIssueNumber, missingRemote); err != nil {
			return fmt.Errorf("add labels to issue #%d: %w", link.RemoteIssueNumber, err)
		}
		p.result.Stats.LabelsApplied += len(missingRemote)
	}

	pending := !allowPush && (plan.pushes() || len(missingRemote) > 0)

	link.Snapshot = agreedSnapshot(link.Snapshot, localProjection(card), remoteProjection(current))
	if ts := current.UpdatedAt.UnixMilli(); ts > link.LastRemoteUpdatedAt {
		link.LastRemoteUpdatedAt = ts
	}
	if !pending {
		link.LastLocalUpdatedAt = card.UpdatedAt
	}
	link.RemoteIssueID = current.ID
	link.LastSyncedAt = p.e.now().UnixMilli()
	link.ContentHash = contentHash(*link.Snapshot, card.Labels)
	return p.saveLink(link)
}

func (p *pass) recordConflicts(card *models.Card, issue *remote.Issue, conflicts []conflict) {
	for _, c := range conflicts {
		body := fmt.Sprintf("Sync conflict on %s: both the card and GitHub issue #%d changed it. The GitHub value was kept.\n\nOverwritten local value:\n\n%s",
			c.Field, issue.Number, c.LocalValue)
		_, err := p.e.cards.CreateComment(p.ctx, &models.Comment{
			CardID:   card.ID,
			Body:     body,
			Author:   "cardsync",
			IsSystem: true,
		})
		if err != nil {
			p.log.Error().Err(err).Str("card_id", card.ID).Msg("Failed to record sync conflict")
		}
		p.result.Stats.Conflicts++
		p.e.counters.conflicts.Add(1)
		p.log.Info().Str("card_id", card.ID).Int("issue_number", issue.Number).Str("field", string(c.Field)).Msg("Resolved sync conflict in favour of remote")
	}
}

// findByMarker looks for an issue already created for the card.
func (p *pass) findByMarker(cardID string) (*remote.Issue, error) {
	if p.single {
		return p.remote.FindIssueByMarker(p.ctx, p.repo, cardMarker(cardID))
	}
	if p.markerIndex == nil {
		issues := p.fullListing
		if issues == nil {
			var err error
			issues, err = p.remote.ListIssues(p.ctx, p.repo, time.Time{})
			if err != nil {
				return nil, err
			}
		}
		p.markerIndex = make(map[string]*remote.Issue)
		for _, i := range issues {
			if id := markerCardID(i.Body); id != "" {
				if _, dup := p.markerIndex[id]; !dup {
					p.markerIndex[id] = i
				}
			}
		}
	}
	return p.markerIndex[cardID], nil
}

// pushNewCard creates the remote issue for a card that has none, reusing an
// issue left behind by an earlier attempt when one carries the card marker.
func (p *pass) pushNewCard(card *models.Card) error {
	existing, err := p.findByMarker(card.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		other, err := p.linkForIssue(existing.Number)
		if err != nil {
			return err
		}
		if other == nil {
			return p.adopt(card, existing, true)
		}
		if other.CardID != card.ID {
			p.log.Warn().Str("card_id", card.ID).Int("issue_number", existing.Number).Str("linked_card_id", other.CardID).Msg("Marker issue already linked to another card")
		}
	}

	title := card.Title
	body := composeBody(card)
	state := stateFor(card.Status)
	in := remote.IssueInput{Title: &title, Body: &body, State: &state}
	if p.opts.SyncLabels && len(card.Labels) > 0 {
		if err := p.ensureRepoLabels(card.Labels); err != nil {
			return err
		}
		in.Labels = card.Labels
	}

	issue, err := p.remote.CreateIssue(p.ctx, p.repo, in)
	if err != nil {
		return fmt.Errorf("create issue for card %s: %w", card.ID, err)
	}
	if p.markerIndex != nil {
		p.markerIndex[card.ID] = issue
	}

	p.result.Stats.IssuesCreated++
	p.e.counters.issuesCreated.Add(1)
	p.seen[card.ID] = true
	p.log.Info().Str("card_id", card.ID).Int("issue_number", issue.Number).Msg("Created remote issue for card")

	return p.saveLink(p.newLink(card, issue, localProjection(card)))
}

func (p *pass) ensureRepoLabels(names []string) error {
	if p.repoLabels == nil {
		existing, err := p.remote.ListLabels(p.ctx, p.repo)
		if err != nil {
			return fmt.Errorf("list labels: %w", err)
		}
		p.repoLabels = make(map[string]bool, len(existing))
		for _, l := range existing {
			p.repoLabels[strings.ToLower(l)] = true
		}
	}
	for _, name := range names {
		key := strings.ToLower(name)
		if p.repoLabels[key] {
			continue
		}
		if err := p.remote.CreateLabel(p.ctx, p.repo, name); err != nil {
			return fmt.Errorf("create label %q: %w", name, err)
		}
		p.repoLabels[key] = true
	}
	return nil
}

// syncComments imports remote comments the card lacks and pushes local,
// non-system comments the issue lacks. Remote comments are only listed when
// pull is set or there is something to push.
func (p *pass) syncComments(card *models.Card, link *models.SyncLink, pull bool) error {
	local, err := p.e.cards.ListComments(p.ctx, card.ID)
	if err != nil {
		return err
	}

	known := map[int64]bool{}
	byID := map[string]*models.Comment{}
	var pending []*models.Comment
	for _, c := range local {
		byID[c.ID] = c
		if c.RemoteCommentID != nil {
			known[*c.RemoteCommentID] = true
		} else if !c.IsSystem {
			pending = append(pending, c)
		}
	}
	if !pull && len(pending) == 0 {
		return nil
	}

	remoteComments, err := p.remote.ListComments(p.ctx, p.repo, link.RemoteIssueNumber)
	if err != nil {
		return fmt.Errorf("list comments for issue #%d: %w", link.RemoteIssueNumber, err)
	}

	for _, rc := range remoteComments {
		if known[rc.ID] {
			continue
		}
		if id := markerCommentID(rc.Body); id != "" {
			if lc := byID[id]; lc != nil {
				if lc.RemoteCommentID == nil {
					if err := p.e.cards.SetCommentRemoteID(p.ctx, lc.ID, rc.ID); err != nil {
						return err
					}
					remoteID := rc.ID
					lc.RemoteCommentID = &remoteID
				}
				continue
			}
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
			return err
		}
		if created {
			p.result.Stats.CommentsPulled++
		}
	}

	for _, lc := range pending {
		if lc.RemoteCommentID != nil {
			continue
		}
		body := strings.TrimSpace(lc.Body) + "\n\n" + commentMarker(lc.ID)
		rc, err := p.remote.CreateComment(p.ctx, p.repo, link.RemoteIssueNumber, body)
		if err != nil {
			return fmt.Errorf("create comment on issue #%d: %w", link.RemoteIssueNumber, err)
		}
		if err := p.e.cards.SetCommentRemoteID(p.ctx, lc.ID, rc.ID); err != nil {
			return err
		}
		p.result.Stats.CommentsPushed++
	}
	return nil
}
