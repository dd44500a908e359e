// Package hostingtest provides an in-memory hosting provider for tests.
package hostingtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
)

// Fake is an in-memory hosting.Client and hosting.Provider
type Fake struct {
	mu sync.Mutex

	Repos          map[string]*hosting.Repository
	Permissions    map[string]domain.Permission // user -> permission
	Issues         map[int]*hosting.Issue
	PullRequests   map[int]*hosting.PullRequest
	PRLabels       map[int][]string
	Comments       map[int64]*hosting.Comment
	CommentThread  map[int64]int // comment id -> issue/PR number
	ReviewComments map[int64]*hosting.Comment
	Contributors   int
	RecentCommits  int
	Token          string

	// Err, when set, is returned by every call.
	Err error

	nextID int64
}

var (
	_ hosting.Client   = (*Fake)(nil)
	_ hosting.Provider = (*Fake)(nil)
)

// New returns a fake holding one public repository
func New(repo, defaultBranch string) *Fake {
	owner, _, _ := domain.SplitRepo(repo)
	return &Fake{
		Repos: map[string]*hosting.Repository{
			repo: {FullName: repo, Owner: owner, DefaultBranch: defaultBranch, License: "MIT"},
		},
		Permissions:    make(map[string]domain.Permission),
		Issues:         make(map[int]*hosting.Issue),
		PullRequests:   make(map[int]*hosting.PullRequest),
		PRLabels:       make(map[int][]string),
		Comments:       make(map[int64]*hosting.Comment),
		CommentThread:  make(map[int64]int),
		ReviewComments: make(map[int64]*hosting.Comment),
		nextID:         1000,
	}
}

func (f *Fake) id() int64 {
	f.nextID++
	return f.nextID
}

// Client returns the fake itself
func (f *Fake) Client(context.Context, int64) (hosting.Client, error) {
	return f, nil
}

// GitToken returns the configured token
func (f *Fake) GitToken(context.Context, int64) (string, error) {
	return f.Token, nil
}

// AddComment seeds an issue comment and returns its id
func (f *Fake) AddComment(number int, body string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	f.Comments[id] = &hosting.Comment{ID: id, Body: body, HTMLURL: fmt.Sprintf("https://example.test/comments/%d", id)}
	f.CommentThread[id] = number
	return id
}

// AddReviewComment seeds a review comment and returns its id
func (f *Fake) AddReviewComment(body string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	f.ReviewComments[id] = &hosting.Comment{ID: id, Body: body}
	return id
}

// CommentsOn returns the comments posted to an issue or PR
func (f *Fake) CommentsOn(number int) []*hosting.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*hosting.Comment
	for id := int64(0); id <= f.nextID; id++ {
		if c, ok := f.Comments[id]; ok && f.CommentThread[id] == number {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) GetRepository(_ context.Context, repo string) (*hosting.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	r, ok := f.Repos[repo]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", repo, hosting.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) CollaboratorPermission(_ context.Context, _, user string) (domain.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return domain.PermissionNone, f.Err
	}
	if p, ok := f.Permissions[user]; ok {
		return p, nil
	}
	return domain.PermissionNone, nil
}

func (f *Fake) GetIssue(_ context.Context, repo string, number int) (*hosting.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	is, ok := f.Issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %s#%d: %w", repo, number, hosting.ErrNotFound)
	}
	cp := *is
	return &cp, nil
}

func (f *Fake) CreateIssue(_ context.Context, _, title, body string) (*hosting.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	n := len(f.Issues) + len(f.PullRequests) + 1
	is := &hosting.Issue{Number: n, Title: title, Body: body, State: "open"}
	f.Issues[n] = is
	cp := *is
	return &cp, nil
}

func (f *Fake) CloseIssue(_ context.Context, repo string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	is, ok := f.Issues[number]
	if !ok {
		return fmt.Errorf("issue %s#%d: %w", repo, number, hosting.ErrNotFound)
	}
	is.State = "closed"
	return nil
}

func (f *Fake) CreatePullRequest(_ context.Context, _ string, pr hosting.NewPullRequest) (*hosting.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	n := len(f.Issues) + len(f.PullRequests) + 1
	created := &hosting.PullRequest{
		Number:  n,
		Title:   pr.Title,
		Head:    pr.Head,
		Base:    pr.Base,
		State:   "open",
		HTMLURL: fmt.Sprintf("https://example.test/pull/%d", n),
	}
	f.PullRequests[n] = created
	f.PRLabels[n] = append([]string(nil), pr.Labels...)
	cp := *created
	return &cp, nil
}

func (f *Fake) ClosePullRequest(_ context.Context, repo string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	pr, ok := f.PullRequests[number]
	if !ok {
		return fmt.Errorf("pull request %s#%d: %w", repo, number, hosting.ErrNotFound)
	}
	pr.State = "closed"
	return nil
}

func (f *Fake) GetComment(_ context.Context, repo string, id int64) (*hosting.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c, ok := f.Comments[id]
	if !ok {
		return nil, fmt.Errorf("comment %d on %s: %w", id, repo, hosting.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) CreateComment(_ context.Context, _ string, number int, body string) (*hosting.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	id := f.id()
	c := &hosting.Comment{ID: id, Body: body, HTMLURL: fmt.Sprintf("https://example.test/comments/%d", id)}
	f.Comments[id] = c
	f.CommentThread[id] = number
	cp := *c
	return &cp, nil
}

func (f *Fake) EditComment(_ context.Context, repo string, id int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	c, ok := f.Comments[id]
	if !ok {
		return fmt.Errorf("comment %d on %s: %w", id, repo, hosting.ErrNotFound)
	}
	c.Body = body
	return nil
}

func (f *Fake) DeleteComment(_ context.Context, repo string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Comments[id]; !ok {
		return fmt.Errorf("comment %d on %s: %w", id, repo, hosting.ErrNotFound)
	}
	delete(f.Comments, id)
	delete(f.CommentThread, id)
	return nil
}

func (f *Fake) GetReviewComment(_ context.Context, repo string, id int64) (*hosting.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c, ok := f.ReviewComments[id]
	if !ok {
		return nil, fmt.Errorf("review comment %d on %s: %w", id, repo, hosting.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) EditReviewComment(_ context.Context, repo string, id int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	c, ok := f.ReviewComments[id]
	if !ok {
		return fmt.Errorf("review comment %d on %s: %w", id, repo, hosting.ErrNotFound)
	}
	c.Body = body
	return nil
}

func (f *Fake) ReplyToReviewComment(_ context.Context, _ string, _ int, _ int64, body string) (*hosting.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	id := f.id()
	c := &hosting.Comment{ID: id, Body: body, HTMLURL: fmt.Sprintf("https://example.test/review-comments/%d", id)}
	f.ReviewComments[id] = c
	cp := *c
	return &cp, nil
}

func (f *Fake) DeleteReviewComment(_ context.Context, repo string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.ReviewComments[id]; !ok {
		return fmt.Errorf("review comment %d on %s: %w", id, repo, hosting.ErrNotFound)
	}
	delete(f.ReviewComments, id)
	return nil
}

func (f *Fake) ContributorCount(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Contributors, f.Err
}

func (f *Fake) RecentCommitCount(context.Context, string, int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RecentCommits, f.Err
}
