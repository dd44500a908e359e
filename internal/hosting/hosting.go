// Package hosting wraps the code-hosting provider API used by the engine.
package hosting

import (
	"context"
	"errors"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

// ErrNotFound is returned when the provider answers 404
var ErrNotFound = errors.New("hosting: not found")

// Repository describes a hosted repository
type Repository struct {
	FullName      string
	Owner         string
	DefaultBranch string
	Private       bool
	License       string // SPDX id, empty when unknown
	HTMLURL       string
}

// Comment is an issue or review comment
type Comment struct {
	ID      int64
	Body    string
	HTMLURL string
}

// Issue is an issue or the issue side of a pull request
type Issue struct {
	Number  int
	Title   string
	Body    string
	State   string
	HTMLURL string
}

// PullRequest is an opened pull request
type PullRequest struct {
	Number  int
	Title   string
	Head    string
	Base    string
	State   string
	HTMLURL string
}

// NewPullRequest describes a pull request to open
type NewPullRequest struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// Client is the set of provider operations the engine depends on.
// Repositories are addressed as owner/name.
type Client interface {
	GetRepository(ctx context.Context, repo string) (*Repository, error)
	CollaboratorPermission(ctx context.Context, repo, user string) (domain.Permission, error)

	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	CreateIssue(ctx context.Context, repo, title, body string) (*Issue, error)
	CloseIssue(ctx context.Context, repo string, number int) error

	CreatePullRequest(ctx context.Context, repo string, pr NewPullRequest) (*PullRequest, error)
	ClosePullRequest(ctx context.Context, repo string, number int) error

	GetComment(ctx context.Context, repo string, id int64) (*Comment, error)
	CreateComment(ctx context.Context, repo string, number int, body string) (*Comment, error)
	EditComment(ctx context.Context, repo string, id int64, body string) error
	DeleteComment(ctx context.Context, repo string, id int64) error

	GetReviewComment(ctx context.Context, repo string, id int64) (*Comment, error)
	EditReviewComment(ctx context.Context, repo string, id int64, body string) error
	ReplyToReviewComment(ctx context.Context, repo string, pr int, id int64, body string) (*Comment, error)
	DeleteReviewComment(ctx context.Context, repo string, id int64) error

	ContributorCount(ctx context.Context, repo string) (int, error)
	RecentCommitCount(ctx context.Context, repo string, weeks int) (int, error)
}

// Provider hands out clients and git credentials per app installation
type Provider interface {
	Client(ctx context.Context, installationID int64) (Client, error)
	// GitToken returns a token usable for HTTPS git operations, or "" when
	// the remote needs no authentication.
	GitToken(ctx context.Context, installationID int64) (string, error)
}
