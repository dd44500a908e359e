package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/hochfrequenz/taskpilot/internal/domain"
)

const (
	// BranchPrefix namespaces every working branch
	BranchPrefix = "pr-pilot/"
	// MaxBranchLength bounds generated branch names
	MaxBranchLength = 50

	remoteName = "origin"
	actor      = "taskpilot"
)

var nonWord = regexp.MustCompile(`[\W_]+`)

// Slugify lowercases text and joins its words with dashes
func Slugify(text string) string {
	return strings.Trim(nonWord.ReplaceAllString(strings.ToLower(text), "-"), "-")
}

// BranchName derives a working branch name from basis, adding -1, -2, ...
// until it does not collide with an existing branch.
func BranchName(basis string, existing map[string]bool) string {
	slug := Slugify(basis)
	if slug == "" {
		slug = "task"
	}
	name := BranchPrefix + slug
	if len(name) > MaxBranchLength {
		name = strings.TrimRight(name[:MaxBranchLength], "-")
	}

	candidate := name
	for i := 1; existing[candidate]; i++ {
		candidate = fmt.Sprintf("%s-%d", name, i)
	}
	return candidate
}

// Recorder journals side-effecting actions
type Recorder interface {
	Record(ctx context.Context, actor string, action domain.ActionKind, target, message string) (*domain.TaskEvent, error)
}

// BranchManager drives the working branch of one workspace
type BranchManager struct {
	ws            *Workspace
	defaultBranch string
	journal       Recorder
	author        object.Signature
}

// NewBranchManager creates a manager for ws whose default branch is defaultBranch
func NewBranchManager(ws *Workspace, defaultBranch string, journal Recorder, name, email string) *BranchManager {
	return &BranchManager{
		ws:            ws,
		defaultBranch: defaultBranch,
		journal:       journal,
		author:        object.Signature{Name: name, Email: email},
	}
}

// Branches returns local branch names and remote branch names without the
// remote prefix.
func (b *BranchManager) Branches() (map[string]bool, error) {
	refs, err := b.ws.Repo.References()
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		switch {
		case ref.Name().IsBranch():
			names[ref.Name().Short()] = true
		case ref.Name().IsRemote():
			short := strings.TrimPrefix(ref.Name().Short(), remoteName+"/")
			if short != "HEAD" {
				names[short] = true
			}
		}
		return nil
	})
	return names, err
}

// UniqueBranchName returns a branch name for basis that is not taken yet
func (b *BranchManager) UniqueBranchName(basis string) (string, error) {
	existing, err := b.Branches()
	if err != nil {
		return "", fmt.Errorf("listing branches: %w", err)
	}
	return BranchName(basis, existing), nil
}

// ActiveBranch returns the checked out branch, or "" for a detached HEAD
func (b *BranchManager) ActiveBranch() (string, error) {
	head, err := b.ws.Repo.Head()
	if err != nil {
		return "", err
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}

// EnsureNotDefault fails when the default branch is checked out. Agents must
// never run on it.
func (b *BranchManager) EnsureNotDefault() error {
	active, err := b.ActiveBranch()
	if err != nil {
		return err
	}
	if active == "" || active == b.defaultBranch {
		return fmt.Errorf("%w: %q", domain.ErrBranchInvariant, active)
	}
	return nil
}

// SetupWorkingBranch discards local changes, brings the default branch up to
// date with the remote and checks out a new unique branch from it.
func (b *BranchManager) SetupWorkingBranch(ctx context.Context, basis string) (string, error) {
	if err := b.discardChanges(); err != nil {
		return "", err
	}
	if err := b.fetch(ctx); err != nil {
		return "", err
	}
	if err := b.checkoutTracking(b.defaultBranch); err != nil {
		return "", err
	}

	name, err := b.UniqueBranchName(basis)
	if err != nil {
		return "", err
	}
	wt, err := b.ws.Repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	}); err != nil {
		return "", fmt.Errorf("creating branch %s: %w", name, err)
	}
	b.record(ctx, domain.ActionCreateBranch, name, fmt.Sprintf("Created branch `%s` from `%s`", name, b.defaultBranch))
	return name, nil
}

// FinalizeWorkingBranch commits pending changes and pushes the branch when it
// differs from the default branch. Without a diff the branch is deleted.
// Either way the default branch is checked out afterwards.
func (b *BranchManager) FinalizeWorkingBranch(ctx context.Context, branch string) (bool, error) {
	if _, err := b.CommitPending(ctx, "Uncommitted changes"); err != nil {
		return false, err
	}

	changed, err := b.differsFromDefault(ctx)
	if err != nil {
		return false, err
	}

	if changed {
		if err := b.push(ctx, branch); err != nil {
			return false, err
		}
		if err := b.checkoutLocal(b.defaultBranch); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := b.checkoutLocal(b.defaultBranch); err != nil {
		return false, err
	}
	if err := b.ws.Repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branch)); err != nil {
		return false, fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	b.record(ctx, domain.ActionDeleteBranch, branch, fmt.Sprintf("Deleted branch `%s` without changes", branch))
	return false, nil
}

// CheckoutPRBranch checks out the existing head branch of a pull request
func (b *BranchManager) CheckoutPRBranch(ctx context.Context, head string) error {
	if err := b.fetch(ctx); err != nil {
		return err
	}
	if err := b.checkoutTracking(head); err != nil {
		return err
	}
	b.record(ctx, domain.ActionCheckoutPRBranch, head, fmt.Sprintf("Checked out PR branch `%s`", head))
	return nil
}

// PushPRBranch commits pending changes on a PR head branch and pushes it
// when it is ahead of the remote. No new branch or PR is created.
func (b *BranchManager) PushPRBranch(ctx context.Context, head string) (bool, error) {
	if _, err := b.CommitPending(ctx, "Uncommitted changes"); err != nil {
		return false, err
	}

	local, err := b.ws.Repo.Reference(plumbing.NewBranchReferenceName(head), true)
	if err != nil {
		return false, err
	}
	remote, err := b.ws.Repo.Reference(plumbing.NewRemoteReferenceName(remoteName, head), true)
	if err == nil && remote.Hash() == local.Hash() {
		return false, nil
	}
	if err := b.push(ctx, head); err != nil {
		return false, err
	}
	return true, nil
}

// CommitPending commits all uncommitted changes, reporting whether there
// were any.
func (b *BranchManager) CommitPending(ctx context.Context, message string) (bool, error) {
	wt, err := b.ws.Repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("staging changes: %w", err)
	}
	author := b.author
	author.When = time.Now()
	hash, err := wt.Commit(message, &git.CommitOptions{All: true, Author: &author})
	if err != nil {
		return false, fmt.Errorf("committing: %w", err)
	}
	b.record(ctx, domain.ActionCommitChanges, hash.String(), message)
	return true, nil
}

func (b *BranchManager) discardChanges() error {
	wt, err := b.ws.Repo.Worktree()
	if err != nil {
		return err
	}
	head, err := b.ws.Repo.Head()
	if err != nil {
		return err
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: head.Hash()}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}
	return nil
}

func (b *BranchManager) fetch(ctx context.Context) error {
	err := b.ws.Repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       b.ws.auth,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remoteName))},
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching: %w", err)
	}
	return nil
}

// checkoutTracking points the local branch at the fetched remote tip and
// checks it out, which amounts to checkout plus pull.
func (b *BranchManager) checkoutTracking(branch string) error {
	remote, err := b.ws.Repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return fmt.Errorf("resolving %s/%s: %w", remoteName, branch, err)
	}
	local := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), remote.Hash())
	if err := b.ws.Repo.Storer.SetReference(local); err != nil {
		return err
	}
	return b.checkoutLocal(branch)
}

func (b *BranchManager) checkoutLocal(branch string) error {
	wt, err := b.ws.Repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Force:  true,
	}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	return nil
}

// differsFromDefault reports whether HEAD changes anything relative to its
// merge base with the default branch.
func (b *BranchManager) differsFromDefault(ctx context.Context) (bool, error) {
	repo := b.ws.Repo
	head, err := repo.Head()
	if err != nil {
		return false, err
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return false, err
	}
	defRef, err := repo.Reference(plumbing.NewBranchReferenceName(b.defaultBranch), true)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", b.defaultBranch, err)
	}
	defCommit, err := repo.CommitObject(defRef.Hash())
	if err != nil {
		return false, err
	}

	base := defCommit
	if bases, err := defCommit.MergeBase(headCommit); err == nil && len(bases) > 0 {
		base = bases[0]
	}
	baseTree, err := base.Tree()
	if err != nil {
		return false, err
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return false, err
	}
	changes, err := baseTree.DiffContext(ctx, headTree)
	if err != nil {
		return false, fmt.Errorf("diffing against %s: %w", b.defaultBranch, err)
	}
	if len(changes) > 0 {
		clog.FromContext(ctx).Infof("branch differs from %s in %d files", b.defaultBranch, len(changes))
	}
	return len(changes) > 0, nil
}

func (b *BranchManager) push(ctx context.Context, branch string) error {
	spec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := b.ws.Repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       b.ws.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	b.record(ctx, domain.ActionPushBranch, branch, fmt.Sprintf("Pushed changes to `%s`", branch))
	return nil
}

func (b *BranchManager) record(ctx context.Context, action domain.ActionKind, target, message string) {
	if b.journal == nil {
		return
	}
	if _, err := b.journal.Record(ctx, actor, action, target, message); err != nil {
		clog.FromContext(ctx).Warnf("journal %s: %v", action, err)
	}
}
