package webhooks

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-github/v57/github"

	"cardsync/internal/engine/remote"
)

// Event is one decoded delivery. The set of implementations is closed.
type Event interface {
	event()
}

type IssueEvent struct {
	Action string
	Repo   string
	Issue  *remote.Issue
	// Label is set for labeled and unlabeled actions.
	Label string
}

type IssueCommentEvent struct {
	Action        string
	Repo          string
	IssueNumber   int
	IsPullRequest bool
	Comment       *remote.Comment
}

type InstallationEvent struct {
	Action              string
	InstallationID      int64
	AccountLogin        string
	AccountType         string
	RepositorySelection string
}

type PingEvent struct {
	HookID int64
	Zen    string
}

// UnrecognizedEvent covers event types we do not handle and payloads that
// failed to decode.
type UnrecognizedEvent struct {
	Type   string
	Reason string
}

func (IssueEvent) event()        {}
func (IssueCommentEvent) event() {}
func (InstallationEvent) event() {}
func (PingEvent) event()         {}
func (UnrecognizedEvent) event() {}

// Decode turns a raw delivery into one of the Event variants. It never
// fails: anything unusable becomes an UnrecognizedEvent.
func Decode(eventType string, payload []byte) Event {
	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return UnrecognizedEvent{Type: eventType, Reason: err.Error()}
	}

	switch ev := parsed.(type) {
	case *github.IssuesEvent:
		if ev.Issue == nil || ev.Repo == nil {
			return UnrecognizedEvent{Type: eventType, Reason: "issue event without issue or repository"}
		}
		return IssueEvent{
			Action: ev.GetAction(),
			Repo:   ev.GetRepo().GetFullName(),
			Issue:  remote.FromGitHubIssue(ev.Issue),
			Label:  ev.GetLabel().GetName(),
		}

	case *github.IssueCommentEvent:
		if ev.Issue == nil || ev.Comment == nil || ev.Repo == nil {
			return UnrecognizedEvent{Type: eventType, Reason: "comment event without issue, comment or repository"}
		}
		return IssueCommentEvent{
			Action:        ev.GetAction(),
			Repo:          ev.GetRepo().GetFullName(),
			IssueNumber:   ev.GetIssue().GetNumber(),
			IsPullRequest: ev.GetIssue().IsPullRequest(),
			Comment:       remote.FromGitHubComment(ev.Comment),
		}

	case *github.InstallationEvent:
		inst := ev.GetInstallation()
		if inst.GetID() == 0 {
			return UnrecognizedEvent{Type: eventType, Reason: "installation event without installation id"}
		}
		return InstallationEvent{
			Action:              ev.GetAction(),
			InstallationID:      inst.GetID(),
			AccountLogin:        inst.GetAccount().GetLogin(),
			AccountType:         inst.GetAccount().GetType(),
			RepositorySelection: inst.GetRepositorySelection(),
		}

	case *github.PingEvent:
		return PingEvent{HookID: ev.GetHookID(), Zen: ev.GetZen()}
	}
	return UnrecognizedEvent{Type: eventType, Reason: fmt.Sprintf("unhandled event type %T", parsed)}
}

// envelope holds the fields needed before a delivery is trusted: the
// repository selects the signing secret.
type envelope struct {
	Action     string             `json:"action"`
	Repository *github.Repository `json:"repository"`
}

func peek(payload []byte) envelope {
	var env envelope
	_ = json.Unmarshal(payload, &env)
	return env
}

func (e envelope) repo() string {
	return e.Repository.GetFullName()
}
