package domain

import "time"

// ActionKind names a side-effecting action recorded in the journal
type ActionKind string

const (
	ActionCreateIssue       ActionKind = "create_github_issue"
	ActionCreatePullRequest ActionKind = "create_pull_request"
	ActionCommentOnIssue    ActionKind = "comment_on_issue"
	ActionCloseIssue        ActionKind = "close_github_issue"
	ActionClosePullRequest  ActionKind = "close_pull_request"
	ActionDeleteComment     ActionKind = "delete_github_comment"
	ActionReadIssue         ActionKind = "read_github_issue"
	ActionCloneRepo         ActionKind = "clone_repo"
	ActionCheckoutPRBranch  ActionKind = "checkout_pr_branch"
	ActionCreateBranch      ActionKind = "create_branch"
	ActionDeleteBranch      ActionKind = "delete_branch"
	ActionCommitChanges     ActionKind = "commit_changes"
	ActionPushBranch        ActionKind = "push_branch"
)

// Reversible reports whether the action has a compensating operation.
// The set is fixed: issue creation, PR creation and comment creation.
func (k ActionKind) Reversible() bool {
	switch k {
	case ActionCreateIssue, ActionCreatePullRequest, ActionCommentOnIssue:
		return true
	}
	return false
}

// TaskEvent is an immutable journal entry
type TaskEvent struct {
	ID        int64
	TaskID    string
	Actor     string
	Action    ActionKind
	Target    string
	Message   string
	Reversed  bool
	CreatedAt time.Time
}

// Reversible reports whether the event's action can be compensated
func (e *TaskEvent) Reversible() bool {
	return e.Action.Reversible()
}

// Undoable reports whether the event may still be offered for undo
func (e *TaskEvent) Undoable() bool {
	return e.Reversible() && !e.Reversed
}
