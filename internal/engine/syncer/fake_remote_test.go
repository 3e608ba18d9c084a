package syncer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cardsync/internal/engine/remote"
)

// fakeRemote is an in-memory GitHub repository.
type fakeRemote struct {
	mu         sync.Mutex
	issues     map[int]*remote.Issue
	comments   map[int][]*remote.Comment
	labels     map[string]bool
	nextNumber int
	nextID     int64
	last       time.Time

	updates []remote.IssueInput
	creates []remote.IssueInput
	writes  atomic.Int32
	calls   atomic.Int32

	listDelay   time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	failCreateTitle string
	listErr         error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		issues:     map[int]*remote.Issue{},
		comments:   map[int][]*remote.Comment{},
		labels:     map[string]bool{},
		nextNumber: 1,
		nextID:     1000,
	}
}

// tick returns a strictly increasing millisecond timestamp.
func (f *fakeRemote) tick() time.Time {
	now := time.Now().Truncate(time.Millisecond)
	if !now.After(f.last) {
		now = f.last.Add(time.Millisecond)
	}
	f.last = now
	return now
}

func copyIssue(i *remote.Issue) *remote.Issue {
	c := *i
	c.Labels = append([]string(nil), i.Labels...)
	return &c
}

// seed adds an issue as if someone created it on GitHub.
func (f *fakeRemote) seed(number int, title, body, state string, labels ...string) *remote.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	issue := &remote.Issue{ID: f.nextID, Number: number, Title: title, Body: body, State: state, Labels: labels, UpdatedAt: f.tick()}
	f.issues[number] = issue
	if number >= f.nextNumber {
		f.nextNumber = number + 1
	}
	return copyIssue(issue)
}

// editRemote changes an issue as a GitHub user would.
func (f *fakeRemote) editRemote(number int, edit func(i *remote.Issue)) *remote.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[number]
	edit(issue)
	issue.UpdatedAt = f.tick()
	return copyIssue(issue)
}

func (f *fakeRemote) issue(number int) *remote.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i, ok := f.issues[number]; ok {
		return copyIssue(i)
	}
	return nil
}

func (f *fakeRemote) enter() func() {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeRemote) ListIssues(ctx context.Context, repo string, since time.Time) ([]*remote.Issue, error) {
	defer f.enter()()
	if f.listDelay > 0 {
		time.Sleep(f.listDelay)
	}
	if f.listErr != nil {
		return nil, f.listErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*remote.Issue
	for _, i := range f.issues {
		if since.IsZero() || !i.UpdatedAt.Before(since) {
			out = append(out, copyIssue(i))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Number < out[b].Number })
	return out, nil
}

func (f *fakeRemote) GetIssue(ctx context.Context, repo string, number int) (*remote.Issue, error) {
	defer f.enter()()
	if i := f.issue(number); i != nil {
		return i, nil
	}
	return nil, &remote.Error{Kind: remote.KindNotFound, Op: "get_issue", Status: 404}
}

func (f *fakeRemote) CreateIssue(ctx context.Context, repo string, in remote.IssueInput) (*remote.Issue, error) {
	defer f.enter()()
	if in.Title != nil && *in.Title == f.failCreateTitle {
		return nil, &remote.Error{Kind: remote.KindValidation, Op: "create_issue", Status: 422}
	}
	f.writes.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, in)
	f.nextID++
	issue := &remote.Issue{ID: f.nextID, Number: f.nextNumber, State: remote.StateOpen, UpdatedAt: f.tick()}
	f.nextNumber++
	if in.Title != nil {
		issue.Title = *in.Title
	}
	if in.Body != nil {
		issue.Body = *in.Body
	}
	if in.State != nil {
		issue.State = *in.State
	}
	issue.Labels = append([]string(nil), in.Labels...)
	f.issues[issue.Number] = issue
	return copyIssue(issue), nil
}

func (f *fakeRemote) UpdateIssue(ctx context.Context, repo string, number int, in remote.IssueInput) (*remote.Issue, error) {
	defer f.enter()()
	f.writes.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	issue, ok := f.issues[number]
	if !ok {
		return nil, &remote.Error{Kind: remote.KindNotFound, Op: "update_issue", Status: 404}
	}
	if in.Title != nil {
		issue.Title = *in.Title
	}
	if in.Body != nil {
		issue.Body = *in.Body
	}
	if in.State != nil {
		issue.State = *in.State
	}
	issue.UpdatedAt = f.tick()
	return copyIssue(issue), nil
}

func (f *fakeRemote) ListComments(ctx context.Context, repo string, number int) ([]*remote.Comment, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*remote.Comment(nil), f.comments[number]...), nil
}

func (f *fakeRemote) CreateComment(ctx context.Context, repo string, number int, body string) (*remote.Comment, error) {
	defer f.enter()()
	f.writes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := &remote.Comment{ID: f.nextID, Body: body, Author: "cardsync[bot]", CreatedAt: f.tick()}
	f.comments[number] = append(f.comments[number], c)
	if issue, ok := f.issues[number]; ok {
		issue.UpdatedAt = f.tick()
	}
	return c, nil
}

func (f *fakeRemote) ListLabels(ctx context.Context, repo string) ([]string, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for l := range f.labels {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeRemote) CreateLabel(ctx context.Context, repo, name string) error {
	defer f.enter()()
	f.writes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[name] = true
	return nil
}

func (f *fakeRemote) AddLabelsToIssue(ctx context.Context, repo string, number int, labels []string) error {
	defer f.enter()()
	f.writes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[number]
	for _, l := range labels {
		found := false
		for _, have := range issue.Labels {
			found = found || have == l
		}
		if !found {
			issue.Labels = append(issue.Labels, l)
		}
	}
	issue.UpdatedAt = f.tick()
	return nil
}

func (f *fakeRemote) FindIssueByMarker(ctx context.Context, repo, marker string) (*remote.Issue, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	numbers := make([]int, 0, len(f.issues))
	for n := range f.issues {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		if strings.Contains(f.issues[n].Body, marker) {
			return copyIssue(f.issues[n]), nil
		}
	}
	return nil, nil
}

// addRemoteComment posts a comment as a GitHub user.
func (f *fakeRemote) addRemoteComment(number int, body, author string) *remote.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := &remote.Comment{ID: f.nextID, Body: body, Author: author, CreatedAt: f.tick()}
	f.comments[number] = append(f.comments[number], c)
	if issue, ok := f.issues[number]; ok {
		issue.UpdatedAt = f.tick()
	}
	return c
}
