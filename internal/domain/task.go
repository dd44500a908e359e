package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of agent work tied to a trigger and a target repository
type Task struct {
	ID                 string
	Type               TaskType
	Status             TaskStatus
	Title              string
	Repo               string // owner/name
	InstallationID     int64
	User               string
	Branch             string
	IssueNumber        int // 0 when absent
	PRNumber           int // 0 when absent
	Head               string
	Base               string
	CommentID          int64
	CommentURL         string
	ResponseCommentID  int64
	ResponseCommentURL string
	Command            string
	UserRequest        string
	Result             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewTask returns a scheduled task with a fresh id
func NewTask(typ TaskType, repo, user, request string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Type:        typ,
		Status:      StatusScheduled,
		Repo:        repo,
		User:        user,
		UserRequest: request,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the structural invariants of a task
func (t *Task) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("invalid task type %q", t.Type)
	}
	if _, _, err := SplitRepo(t.Repo); err != nil {
		return err
	}
	if t.User == "" {
		return fmt.Errorf("task %s has no requesting user", t.ID)
	}
	if t.PRNumber > 0 && (t.Head == "" || t.Base == "") {
		return fmt.Errorf("task %s references PR #%d without head/base", t.ID, t.PRNumber)
	}
	switch t.Type {
	case TypeIssue:
		if t.Thread() == 0 {
			return fmt.Errorf("issue task %s has no issue or PR number", t.ID)
		}
	case TypeReviewComment:
		if t.PRNumber == 0 || t.CommentID == 0 {
			return fmt.Errorf("review comment task %s needs a PR number and comment id", t.ID)
		}
	}
	return nil
}

// HasPR reports whether the task operates on an existing pull request
func (t *Task) HasPR() bool {
	return t.PRNumber > 0
}

// Thread returns the issue or PR number comments are posted to
func (t *Task) Thread() int {
	if t.PRNumber > 0 {
		return t.PRNumber
	}
	return t.IssueNumber
}

var transitions = map[TaskStatus][]TaskStatus{
	StatusScheduled: {StatusScheduled, StatusRunning, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from one status to another keeps
// the lifecycle monotonic.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the task to a new status
func (t *Task) Transition(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the task failed with a result message
func (t *Task) Fail(result string) error {
	if err := t.Transition(StatusFailed); err != nil {
		return err
	}
	t.Result = result
	return nil
}

// SplitRepo splits an owner/name repository identifier
func SplitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q (expected owner/name)", repo)
	}
	return owner, name, nil
}
