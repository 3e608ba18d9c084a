package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"cardsync/internal/engine/remote"
	"cardsync/internal/platform/models"
)

const acceptanceHeading = "## Acceptance Criteria"

var (
	cardMarkerRe    = regexp.MustCompile(`<!--\s*cardsync:card=([A-Za-z0-9_\-]+)\s*-->`)
	commentMarkerRe = regexp.MustCompile(`<!--\s*cardsync:comment=([A-Za-z0-9_\-]+)\s*-->`)
)

func cardMarker(cardID string) string {
	return "<!-- cardsync:card=" + cardID + " -->"
}

func commentMarker(commentID string) string {
	return "<!-- cardsync:comment=" + commentID + " -->"
}

func markerCardID(body string) string {
	if m := cardMarkerRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

func markerCommentID(body string) string {
	if m := commentMarkerRe.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

func stripMarkers(body string) string {
	body = cardMarkerRe.ReplaceAllString(body, "")
	body = commentMarkerRe.ReplaceAllString(body, "")
	return strings.TrimSpace(strings.ReplaceAll(body, "\r\n", "\n"))
}

// visibleBody is the human readable part of an issue body for a card.
func visibleBody(description, acceptance string) string {
	description = strings.TrimSpace(strings.ReplaceAll(description, "\r\n", "\n"))
	acceptance = strings.TrimSpace(strings.ReplaceAll(acceptance, "\r\n", "\n"))

	var parts []string
	if description != "" {
		parts = append(parts, description)
	}
	if acceptance != "" {
		parts = append(parts, acceptanceHeading+"\n\n"+acceptance)
	}
	return strings.Join(parts, "\n\n")
}

// composeBody renders the full issue body including the hidden card marker.
func composeBody(card *models.Card) string {
	visible := visibleBody(card.Description, card.AcceptanceCriteria)
	if visible == "" {
		return cardMarker(card.ID)
	}
	return visible + "\n\n" + cardMarker(card.ID)
}

// splitBody separates an issue body into description and acceptance
// criteria on the first acceptance heading line.
func splitBody(body string) (string, string) {
	body = stripMarkers(body)
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line), acceptanceHeading) {
			desc := strings.TrimSpace(strings.Join(lines[:i], "\n"))
			ac := strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			return desc, ac
		}
	}
	return body, ""
}

func stateFor(status models.CardStatus) string {
	if status == models.StatusCompleted {
		return remote.StateClosed
	}
	return remote.StateOpen
}

// pulledStatus maps a remote state onto the card's current status.
func pulledStatus(current models.CardStatus, state string) models.CardStatus {
	switch state {
	case remote.StateClosed:
		return models.StatusCompleted
	case remote.StateOpen:
		if current == models.StatusCompleted {
			return models.StatusReadyForReview
		}
	}
	return current
}

func localProjection(card *models.Card) models.SyncSnapshot {
	return models.SyncSnapshot{
		Title: strings.TrimSpace(card.Title),
		Body:  visibleBody(card.Description, card.AcceptanceCriteria),
		State: stateFor(card.Status),
	}
}

func remoteProjection(issue *remote.Issue) models.SyncSnapshot {
	desc, ac := splitBody(issue.Body)
	return models.SyncSnapshot{
		Title: strings.TrimSpace(issue.Title),
		Body:  visibleBody(desc, ac),
		State: issue.State,
	}
}

func contentHash(s models.SyncSnapshot, labels []string) string {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(s.Title))
	h.Write([]byte{0})
	h.Write([]byte(s.Body))
	h.Write([]byte{0})
	h.Write([]byte(s.State))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// labelDiff returns the names only a has and the names only b has.
func labelDiff(a, b []string) (onlyA, onlyB []string) {
	inA := map[string]bool{}
	inB := map[string]bool{}
	for _, l := range a {
		inA[l] = true
	}
	for _, l := range b {
		inB[l] = true
	}
	for _, l := range a {
		if !inB[l] {
			onlyA = append(onlyA, l)
		}
	}
	for _, l := range b {
		if !inA[l] {
			onlyB = append(onlyB, l)
		}
	}
	return onlyA, onlyB
}
