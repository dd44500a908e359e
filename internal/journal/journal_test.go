package journal

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
	"github.com/hochfrequenz/taskpilot/internal/hosting/hostingtest"
	"github.com/hochfrequenz/taskpilot/internal/taskstore"
)

func setup(t *testing.T) (*Journal, *taskstore.Store, *hostingtest.Fake) {
	t.Helper()
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	task := domain.NewTask(domain.TypeIssue, "acme/api", "octocat", "open an issue")
	task.IssueNumber = 1
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return New(store, task), store, hostingtest.New("acme/api", "main")
}

func TestJournal_RecordWithoutTask(t *testing.T) {
	var j *Journal
	if _, err := j.Record(context.Background(), "bot", domain.ActionReadIssue, "", ""); !errors.Is(err, domain.ErrNoTask) {
		t.Errorf("nil journal error = %v, want ErrNoTask", err)
	}
	j = New(nil, &domain.Task{})
	if _, err := j.Record(context.Background(), "bot", domain.ActionReadIssue, "", ""); !errors.Is(err, domain.ErrNoTask) {
		t.Errorf("unbound journal error = %v, want ErrNoTask", err)
	}
}

func TestJournal_SelectiveUndo(t *testing.T) {
	ctx := context.Background()
	j, _, gh := setup(t)

	issue, err := gh.CreateIssue(ctx, "acme/api", "Bug", "details")
	if err != nil {
		t.Fatal(err)
	}
	comment, err := gh.CreateComment(ctx, "acme/api", 1, "done")
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		action domain.ActionKind
		target string
	}{
		{domain.ActionCreateIssue, strconv.Itoa(issue.Number)},
		{domain.ActionCommentOnIssue, strconv.FormatInt(comment.ID, 10)},
		{domain.ActionReadIssue, strconv.Itoa(issue.Number)},
	}
	for _, s := range steps {
		if _, err := j.Record(ctx, "taskpilot", s.action, s.target, ""); err != nil {
			t.Fatal(err)
		}
	}

	candidates, err := j.Candidates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(candidates))
	}
	if candidates[0].Action != domain.ActionCreateIssue || candidates[1].Action != domain.ActionCommentOnIssue {
		t.Errorf("candidates = %s, %s", candidates[0].Action, candidates[1].Action)
	}

	undone, err := j.UndoEvents(ctx, gh, "octocat", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(undone) != 2 {
		t.Fatalf("undid %d events, want 2", len(undone))
	}

	events, err := j.Events(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("journal has %d events, want 5", len(events))
	}
	if !events[0].Reversed || !events[1].Reversed || events[2].Reversed {
		t.Errorf("reversed flags = %v %v %v, want true true false", events[0].Reversed, events[1].Reversed, events[2].Reversed)
	}
	if events[3].Action != domain.ActionCloseIssue || events[4].Action != domain.ActionDeleteComment {
		t.Errorf("compensations = %s, %s", events[3].Action, events[4].Action)
	}

	if gh.Issues[issue.Number].State != "closed" {
		t.Error("issue should be closed")
	}
	if _, ok := gh.Comments[comment.ID]; ok {
		t.Error("comment should be deleted")
	}

	candidates, err = j.Candidates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 0 {
		t.Errorf("got %d candidates after undo, want 0", len(candidates))
	}
}

func TestJournal_UndoRejectsIrreversible(t *testing.T) {
	ctx := context.Background()
	j, _, gh := setup(t)

	ev, err := j.Record(ctx, "taskpilot", domain.ActionPushBranch, "pr-pilot/x", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Undo(ctx, gh, "octocat", ev); !errors.Is(err, domain.ErrNotReversible) {
		t.Errorf("Undo error = %v, want ErrNotReversible", err)
	}
}

func TestJournal_UndoTwiceRejected(t *testing.T) {
	ctx := context.Background()
	j, _, gh := setup(t)

	pr, err := gh.CreatePullRequest(ctx, "acme/api", hostingNewPR())
	if err != nil {
		t.Fatal(err)
	}
	ev, err := j.Record(ctx, "taskpilot", domain.ActionCreatePullRequest, strconv.Itoa(pr.Number), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Undo(ctx, gh, "octocat", ev); err != nil {
		t.Fatal(err)
	}
	if gh.PullRequests[pr.Number].State != "closed" {
		t.Error("pull request should be closed")
	}
	if _, err := j.Undo(ctx, gh, "octocat", ev); !errors.Is(err, domain.ErrAlreadyReversed) {
		t.Errorf("second Undo error = %v, want ErrAlreadyReversed", err)
	}
}

func TestJournal_DeleteReviewReplyOnPR(t *testing.T) {
	ctx := context.Background()
	j, _, gh := setup(t)
	j.task.PRNumber, j.task.Head, j.task.Base = 3, "feature", "main"

	reply, err := gh.ReplyToReviewComment(ctx, "acme/api", 3, 1, "fixed")
	if err != nil {
		t.Fatal(err)
	}
	ev, err := j.Record(ctx, "taskpilot", domain.ActionCommentOnIssue, strconv.FormatInt(reply.ID, 10), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Undo(ctx, gh, "octocat", ev); err != nil {
		t.Fatal(err)
	}
	if _, ok := gh.ReviewComments[reply.ID]; ok {
		t.Error("review reply should be deleted")
	}
}

func TestCompensationsCoverReversibleKinds(t *testing.T) {
	kinds := []domain.ActionKind{
		domain.ActionCreateIssue, domain.ActionCreatePullRequest, domain.ActionCommentOnIssue,
		domain.ActionCloseIssue, domain.ActionClosePullRequest, domain.ActionDeleteComment,
		domain.ActionReadIssue, domain.ActionCloneRepo, domain.ActionCheckoutPRBranch,
		domain.ActionCreateBranch, domain.ActionDeleteBranch, domain.ActionCommitChanges,
		domain.ActionPushBranch,
	}
	for _, kind := range kinds {
		_, ok := compensationFor(kind)
		if ok != kind.Reversible() {
			t.Errorf("%s: has compensation = %v, reversible = %v", kind, ok, kind.Reversible())
		}
	}
}

func hostingNewPR() hosting.NewPullRequest {
	return hosting.NewPullRequest{Title: "Fix", Head: "pr-pilot/fix", Base: "main"}
}
