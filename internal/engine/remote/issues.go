package remote

import (
	"context"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
)

const perPage = 100

// IssueClient is the typed surface over one installation's token.
type IssueClient struct {
	installationID int64
	gh             *github.Client
	parent         *Client
	labels         *labelCache
}

func (ic *IssueClient) InstallationID() int64 {
	return ic.installationID
}

// ListIssues returns issues (never pull requests) in API page order. A zero
// since lists everything.
func (ic *IssueClient) ListIssues(ctx context.Context, repo string, since time.Time) ([]*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "asc",
		Since:       since,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var out []*Issue
	for {
		var page []*github.Issue
		var resp *github.Response
		err := ic.call(ctx, "list_issues", true, func(ctx context.Context) error {
			var err error
			page, resp, err = ic.gh.Issues.ListByRepo(ctx, owner, name, opts)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, i := range page {
			if i.IsPullRequest() {
				continue
			}
			out = append(out, FromGitHubIssue(i))
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (ic *IssueClient) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var issue *github.Issue
	err = ic.call(ctx, "get_issue", true, func(ctx context.Context) error {
		var err error
		issue, _, err = ic.gh.Issues.Get(ctx, owner, name, number)
		return err
	})
	if err != nil {
		return nil, err
	}
	return FromGitHubIssue(issue), nil
}

// CreateIssue is never retried on timeout; the caller recovers through the
// body marker instead.
func (ic *IssueClient) CreateIssue(ctx context.Context, repo string, in IssueInput) (*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	req := toRequest(in)
	var issue *github.Issue
	err = ic.call(ctx, "create_issue", false, func(ctx context.Context) error {
		var err error
		issue, _, err = ic.gh.Issues.Create(ctx, owner, name, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	// the create endpoint ignores state
	if in.State != nil && *in.State == StateClosed && issue.GetState() != StateClosed {
		return ic.UpdateIssue(ctx, repo, issue.GetNumber(), IssueInput{State: in.State})
	}
	return FromGitHubIssue(issue), nil
}

func (ic *IssueClient) UpdateIssue(ctx context.Context, repo string, number int, in IssueInput) (*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	req := toRequest(in)
	var issue *github.Issue
	err = ic.call(ctx, "update_issue", true, func(ctx context.Context) error {
		var err error
		issue, _, err = ic.gh.Issues.Edit(ctx, owner, name, number, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return FromGitHubIssue(issue), nil
}

func toRequest(in IssueInput) *github.IssueRequest {
	req := &github.IssueRequest{
		Title: in.Title,
		Body:  in.Body,
		State: in.State,
	}
	if len(in.Labels) > 0 {
		labels := append([]string(nil), in.Labels...)
		req.Labels = &labels
	}
	return req
}

func (ic *IssueClient) ListComments(ctx context.Context, repo string, number int) ([]*Comment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: perPage}}
	var out []*Comment
	for {
		var page []*github.IssueComment
		var resp *github.Response
		err := ic.call(ctx, "list_comments", true, func(ctx context.Context) error {
			var err error
			page, resp, err = ic.gh.Issues.ListComments(ctx, owner, name, number, opts)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, c := range page {
			out = append(out, FromGitHubComment(c))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (ic *IssueClient) CreateComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var comment *github.IssueComment
	err = ic.call(ctx, "create_comment", false, func(ctx context.Context) error {
		var err error
		comment, _, err = ic.gh.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{Body: github.String(body)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return FromGitHubComment(comment), nil
}

// ListLabels returns the repository's label names, served from a short
// lived per-installation cache when possible.
func (ic *IssueClient) ListLabels(ctx context.Context, repo string) ([]string, error) {
	if names, ok := ic.labels.Get(repo); ok {
		return names, nil
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: perPage}
	var out []string
	for {
		var page []*github.Label
		var resp *github.Response
		err := ic.call(ctx, "list_labels", true, func(ctx context.Context) error {
			var err error
			page, resp, err = ic.gh.Issues.ListLabels(ctx, owner, name, opts)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range page {
			out = append(out, l.GetName())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	ic.labels.Set(repo, out)
	return out, nil
}

// CreateLabel treats "already exists" as success.
func (ic *IssueClient) CreateLabel(ctx context.Context, repo, label string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	err = ic.call(ctx, "create_label", false, func(ctx context.Context) error {
		_, _, err := ic.gh.Issues.CreateLabel(ctx, owner, name, &github.Label{
			Name:  github.String(label),
			Color: github.String("ededed"),
		})
		return err
	})
	if Is(err, KindValidation) && strings.Contains(strings.ToLower(err.Error()), "already_exists") {
		err = nil
	}
	if err == nil {
		ic.labels.Add(repo, label)
	}
	return err
}

func (ic *IssueClient) AddLabelsToIssue(ctx context.Context, repo string, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	return ic.call(ctx, "add_labels", true, func(ctx context.Context) error {
		_, _, err := ic.gh.Issues.AddLabelsToIssue(ctx, owner, name, number, labels)
		return err
	})
}

func (ic *IssueClient) GetRepository(ctx context.Context, repo string) (*Repository, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var r *github.Repository
	err = ic.call(ctx, "get_repository", true, func(ctx context.Context) error {
		var err error
		r, _, err = ic.gh.Repositories.Get(ctx, owner, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Repository{
		ID:        r.GetID(),
		FullName:  r.GetFullName(),
		Private:   r.GetPrivate(),
		HasIssues: r.GetHasIssues(),
		Archived:  r.GetArchived(),
	}, nil
}

// FindIssueByMarker scans every issue for a body containing marker. Used to
// recover issues created by an attempt whose response was lost.
func (ic *IssueClient) FindIssueByMarker(ctx context.Context, repo, marker string) (*Issue, error) {
	issues, err := ic.ListIssues(ctx, repo, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, i := range issues {
		if strings.Contains(i.Body, marker) {
			return i, nil
		}
	}
	return nil, nil
}
