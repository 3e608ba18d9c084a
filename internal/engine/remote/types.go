package remote

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
)

const (
	StateOpen   = "open"
	StateClosed = "closed"
)

type Issue struct {
	ID        int64
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	UpdatedAt time.Time
	HTMLURL   string
}

type Comment struct {
	ID        int64
	Body      string
	Author    string
	CreatedAt time.Time
}

// IssueInput carries only the fields to write; nil means unchanged.
type IssueInput struct {
	Title  *string
	Body   *string
	State  *string
	Labels []string
}

func (in IssueInput) Empty() bool {
	return in.Title == nil && in.Body == nil && in.State == nil && len(in.Labels) == 0
}

type Repository struct {
	ID        int64
	FullName  string
	Private   bool
	HasIssues bool
	Archived  bool
}

func FromGitHubIssue(i *github.Issue) *Issue {
	if i == nil {
		return nil
	}
	out := &Issue{
		ID:        i.GetID(),
		Number:    i.GetNumber(),
		Title:     i.GetTitle(),
		Body:      i.GetBody(),
		State:     i.GetState(),
		UpdatedAt: i.GetUpdatedAt().Time,
		HTMLURL:   i.GetHTMLURL(),
	}
	for _, l := range i.Labels {
		if name := l.GetName(); name != "" {
			out.Labels = append(out.Labels, name)
		}
	}
	return out
}

func FromGitHubComment(c *github.IssueComment) *Comment {
	if c == nil {
		return nil
	}
	return &Comment{
		ID:        c.GetID(),
		Body:      c.GetBody(),
		Author:    c.GetUser().GetLogin(),
		CreatedAt: c.GetCreatedAt().Time,
	}
}

func splitRepo(fullName string) (string, string, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository name %q", fullName)
	}
	return owner, name, nil
}
