package hosting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v84/github"
	"github.com/hochfrequenz/taskpilot/internal/domain"
)

// GitHub implements Client with go-github
type GitHub struct {
	gh *github.Client
}

var _ Client = (*GitHub)(nil)

// NewGitHub wraps an authenticated HTTP client. An empty baseURL targets
// github.com; otherwise it is used as an enterprise API endpoint.
func NewGitHub(httpClient *http.Client, baseURL string) (*GitHub, error) {
	gh := github.NewClient(httpClient)
	if baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring API URL: %w", err)
		}
	}
	return &GitHub{gh: gh}, nil
}

func split(repo string) (string, string, error) {
	return domain.SplitRepo(repo)
}

func isNotFound(err error) bool {
	var gerr *github.ErrorResponse
	return errors.As(err, &gerr) && gerr.Response != nil && gerr.Response.StatusCode == http.StatusNotFound
}

// wrap adds context to a provider error and maps 404s to ErrNotFound
func wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		err = fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// GetRepository fetches repository metadata
func (g *GitHub) GetRepository(ctx context.Context, repo string) (*Repository, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}
	r, _, err := g.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, wrap(err, "getting repository %s", repo)
	}
	return &Repository{
		FullName:      r.GetFullName(),
		Owner:         r.GetOwner().GetLogin(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		License:       r.GetLicense().GetSPDXID(),
		HTMLURL:       r.GetHTMLURL(),
	}, nil
}

// CollaboratorPermission returns the user's permission level on repo
func (g *GitHub) CollaboratorPermission(ctx context.Context, repo, user string) (domain.Permission, error) {
	owner, name, err := split(repo)
	if err != nil {
		return domain.PermissionNone, err
	}
	level, _, err := g.gh.Repositories.GetPermissionLevel(ctx, owner, name, user)
	if err != nil {
		if isNotFound(err) {
			return domain.PermissionNone, nil
		}
		return domain.PermissionNone, wrap(err, "getting permission of %s on %s", user, repo)
	}
	switch p := domain.Permission(level.GetPermission()); p {
	case domain.PermissionAdmin, domain.PermissionWrite, domain.PermissionRead:
		return p, nil
	}
	return domain.PermissionNone, nil
}

// GetIssue fetches an issue or the issue side of a pull request
func (g *GitHub) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}
	is, _, err := g.gh.Issues.Get(ctx, owner, name, number)
	if err != nil {
		return nil, wrap(err, "getting issue %s#%d", repo, number)
	}
	return toIssue(is), nil
}

// CreateIssue opens an issue
func (g *GitHub) CreateIssue(ctx context.Context, repo, title, body string) (*Issue, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}
	is, _, err := g.gh.Issues.Create(ctx, owner, name, &github.IssueRequest{
		Title: github.Ptr(title),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return nil, wrap(err, "creating issue on %s", repo)
	}
	return toIssue(is), nil
}

// CloseIssue closes an issue
func (g *GitHub) CloseIssue(ctx context.Context, repo string, number int) error {
	owner, name, err := split(repo)
	if err != nil {
		return err
	}
	_, _, err = g.gh.Issues.Edit(ctx, owner, name, number, &github.IssueRequest{State: github.Ptr("closed")})
	return wrap(err, "closing issue %s#%d", repo, number)
}

// CreatePullRequest opens a pull request and applies its labels
func (g *GitHub) CreatePullRequest(ctx context.Context, repo string, pr NewPullRequest) (*PullRequest, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}
	created, _, err := g.gh.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.Ptr(pr.Title),
		Body:  github.Ptr(pr.Body),
		Head:  github.Ptr(pr.Head),
		Base:  github.Ptr(pr.Base),
	})
	if err != nil {
		return nil, wrap(err, "creating pull request on %s", repo)
	}
	if len(pr.Labels) > 0 {
		if _, _, err := g.gh.Issues.AddLabelsToIssue(ctx, owner, name, created.GetNumber(), pr.Labels); err != nil {
			return nil, wrap(err, "labelling %s#%d", repo, created.GetNumber())
		}
	}
	return &PullRequest{
		Number:  created.GetNumber(),
		Title:   created.GetTitle(),
		Head:    created.GetHead().GetRef(),
		Base:    created.GetBase().GetRef(),
		State:   created.GetState(),
		HTMLURL: created.GetHTMLURL(),
	}, nil
}

// ClosePullRequest closes a pull request without merging
func (g *GitHub) ClosePullRequest(ctx context.Context, repo string, number int) error {
	owner, name, err := split(repo)
	if err != nil {
		return err
	}
	_, _, err = g.gh.PullRequests.Edit(ctx, owner, name, number, &github.PullRequest{State: github.Ptr("closed")})
	return wrap(err, "closing pull request %s#%d", repo, number)
}

// GetComment fetches an issue comment
func (g *GitHub) GetComment(ctx context.Context, repo string, id int64) (*Comment, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}
	c, _, err := g.gh.Issues.GetComment(ctx, owner, name, id)
	if err != nil {
		return nil, wrap(err, "getting comment %d on %s", id, repo)
	}
	return &Comment{ID: c.GetID(), Body: c.GetBody(), HTMLURL: c.GetHTMLURL()}, nil
}

// CreateComment comments on an issue or pull request
func (g *GitHub) CreateComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}
	c, _, err := g.gh.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return nil, wrap(err, "commenting on %s#%d", repo, number)
	}
	return &Comment{ID: c.GetID(), Body: c.GetBody(), HTMLURL: c.GetHTMLURL()}, nil
}

// EditComment replaces the body of an issue comment
func (g *GitHub) EditComment(ctx context.Context, repo string, id int64, body string) error {
	owner, name, err := split(repo)
	if err != nil {
		return err
	}
	_, _, err = g.gh.Issues.EditComment(ctx, owner, name, id, &github.IssueComment{Body: github.Ptr(body)})
	return wrap(err, "editing comment %d on %s", id, repo)
}

// DeleteComment deletes an issue comment
func (g *GitHub) DeleteComment(ctx context.Context, repo string, id int64) error {
	owner, name, err := split(repo)
	if err != nil {
		return err
	}
	_, err = g.gh.Issues.DeleteComment(ctx, owner, name, id)
	return wrap(err, "deleting comment %d on %s", id, repo)
}

// GetReviewComment fetches a pull request review comment
func (g *GitHub) GetReviewComment(ctx context.Context, repo string, id int64) (*Comment, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}
	c, _, err := g.gh.PullRequests.GetComment(ctx, owner, name, id)
	if err != nil {
		return nil, wrap(err, "getting review comment %d on %s", id, repo)
	}
	return &Comment{ID: c.GetID(), Body: c.GetBody(), HTMLURL: c.GetHTMLURL()}, nil
}

// EditReviewComment replaces the body of a review comment
func (g *GitHub) EditReviewComment(ctx context.Context, repo string, id int64, body string) error {
	owner, name, err := split(repo)
	if err != nil {
		return err
	}
	_, _, err = g.gh.PullRequests.EditComment(ctx, owner, name, id, &github.PullRequestComment{Body: github.Ptr(body)})
	return wrap(err, "editing review comment %d on %s", id, repo)
}

// ReplyToReviewComment answers in a review comment thread
func (g *GitHub) ReplyToReviewComment(ctx context.Context, repo string, pr int, id int64, body string) (*Comment, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}
	c, _, err := g.gh.PullRequests.CreateCommentInReplyTo(ctx, owner, name, pr, body, id)
	if err != nil {
		return nil, wrap(err, "replying to review comment %d on %s#%d", id, repo, pr)
	}
	return &Comment{ID: c.GetID(), Body: c.GetBody(), HTMLURL: c.GetHTMLURL()}, nil
}

// DeleteReviewComment deletes a review comment
func (g *GitHub) DeleteReviewComment(ctx context.Context, repo string, id int64) error {
	owner, name, err := split(repo)
	if err != nil {
		return err
	}
	_, err = g.gh.PullRequests.DeleteComment(ctx, owner, name, id)
	return wrap(err, "deleting review comment %d on %s", id, repo)
}

// ContributorCount counts the repository's contributors
func (g *GitHub) ContributorCount(ctx context.Context, repo string) (int, error) {
	owner, name, err := split(repo)
	if err != nil {
		return 0, err
	}
	// With one item per page the last page number is the total.
	list, resp, err := g.gh.Repositories.ListContributors(ctx, owner, name, &github.ListContributorsOptions{
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, wrap(err, "listing contributors of %s", repo)
	}
	if resp != nil && resp.LastPage > 0 {
		return resp.LastPage, nil
	}
	return len(list), nil
}

// RecentCommitCount sums the commits of the last weeks from the
// participation statistics.
func (g *GitHub) RecentCommitCount(ctx context.Context, repo string, weeks int) (int, error) {
	owner, name, err := split(repo)
	if err != nil {
		return 0, err
	}
	var stats *github.RepositoryParticipation
	for attempt := 0; attempt < 3; attempt++ {
		stats, _, err = g.gh.Repositories.ListParticipation(ctx, owner, name)
		var accepted *github.AcceptedError
		if !errors.As(err, &accepted) {
			break
		}
		// Statistics are being computed; GitHub asks to retry shortly.
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		return 0, wrap(err, "getting participation of %s", repo)
	}

	all := stats.All
	if weeks < len(all) {
		all = all[len(all)-weeks:]
	}
	total := 0
	for _, n := range all {
		total += n
	}
	return total, nil
}

func toIssue(is *github.Issue) *Issue {
	return &Issue{
		Number:  is.GetNumber(),
		Title:   is.GetTitle(),
		Body:    is.GetBody(),
		State:   is.GetState(),
		HTMLURL: is.GetHTMLURL(),
	}
}
