// Package respond talks back to the user who triggered a task. Each task type
// has its own response context; the set is closed and selected once per task.
package respond

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
)

// CommandMarker is the trigger prefix users type in comments
const CommandMarker = "/pilot"

const (
	ackMarker = "**" + CommandMarker + "**"
	actor     = "assistant"
)

// Context acknowledges a request and delivers the final answer
type Context interface {
	// Acknowledge marks the trigger comment as picked up. Repeated calls
	// leave the comment unchanged.
	Acknowledge(ctx context.Context) error
	// Respond posts message to the user and records the response comment
	// on the task.
	Respond(ctx context.Context, message string) error
}

// Recorder journals side-effecting actions
type Recorder interface {
	Record(ctx context.Context, actor string, action domain.ActionKind, target, message string) (*domain.TaskEvent, error)
}

// New selects the response context for the task's type
func New(task *domain.Task, client hosting.Client, journal Recorder, dashboardURL string) Context {
	base := responder{task: task, client: client, journal: journal, dashboardURL: dashboardURL}
	switch task.Type {
	case domain.TypeIssue:
		return &issueContext{base}
	case domain.TypeReviewComment:
		return &reviewCommentContext{base}
	default:
		return standaloneContext{}
	}
}

// TaskURL links to the dashboard page of a task
func TaskURL(dashboardURL, taskID string) string {
	return fmt.Sprintf("%s/tasks/%s/", strings.TrimRight(dashboardURL, "/"), taskID)
}

// UndoURL links to the undo page of a task
func UndoURL(dashboardURL, taskID string) string {
	return TaskURL(dashboardURL, taskID) + "undo/"
}

// FailureMessage is the reply for any failed execution. Error details stay
// on the dashboard.
func FailureMessage(dashboardURL, taskID string) string {
	return fmt.Sprintf("I'm sorry, something went wrong, please check [Your Dashboard](%s) for details.", TaskURL(dashboardURL, taskID))
}

// Acknowledged rewrites a trigger comment so the marker is bold and the
// command links to the task page.
func Acknowledged(body, command, taskURL string) string {
	out := strings.ReplaceAll(body, CommandMarker, ackMarker)
	if command != "" {
		out = strings.Replace(out, command, fmt.Sprintf("[%s](%s)", command, taskURL), 1)
	}
	return out
}

// Sanitize prepares a reply for posting. The command marker is removed so a
// reply never triggers another task.
func Sanitize(message string) string {
	return strings.ReplaceAll(strings.TrimSpace(message), CommandMarker, "")
}

type responder struct {
	task         *domain.Task
	client       hosting.Client
	journal      Recorder
	dashboardURL string
}

func (r responder) acknowledged(body string) (string, bool) {
	if strings.Contains(body, ackMarker) {
		return body, false
	}
	return Acknowledged(body, r.task.Command, TaskURL(r.dashboardURL, r.task.ID)), true
}

func (r responder) responded(ctx context.Context, c *hosting.Comment, message string) {
	r.task.ResponseCommentID = c.ID
	r.task.ResponseCommentURL = c.HTMLURL
	if r.journal == nil {
		return
	}
	if _, err := r.journal.Record(ctx, actor, domain.ActionCommentOnIssue, strconv.FormatInt(c.ID, 10), message); err != nil {
		clog.FromContext(ctx).Warnf("journal response comment: %v", err)
	}
}

// issueContext answers in the thread of the issue or PR conversation
type issueContext struct{ responder }

func (c *issueContext) Acknowledge(ctx context.Context) error {
	if c.task.CommentID == 0 {
		return nil
	}
	comment, err := c.client.GetComment(ctx, c.task.Repo, c.task.CommentID)
	if err != nil {
		return fmt.Errorf("reading trigger comment: %w", err)
	}
	body, changed := c.acknowledged(comment.Body)
	if !changed {
		return nil
	}
	return c.client.EditComment(ctx, c.task.Repo, c.task.CommentID, body)
}

func (c *issueContext) Respond(ctx context.Context, message string) error {
	number := c.task.Thread()
	comment, err := c.client.CreateComment(ctx, c.task.Repo, number, Sanitize(message))
	if err != nil {
		return fmt.Errorf("commenting on #%d: %w", number, err)
	}
	kind := "Issue"
	if c.task.HasPR() {
		kind = "PR"
	}
	c.responded(ctx, comment, fmt.Sprintf("Commented on [%s %d](%s)", kind, number, comment.HTMLURL))
	return nil
}

// reviewCommentContext answers in the review thread of a diff comment
type reviewCommentContext struct{ responder }

func (c *reviewCommentContext) Acknowledge(ctx context.Context) error {
	if c.task.CommentID == 0 {
		return nil
	}
	comment, err := c.client.GetReviewComment(ctx, c.task.Repo, c.task.CommentID)
	if err != nil {
		return fmt.Errorf("reading trigger review comment: %w", err)
	}
	body, changed := c.acknowledged(comment.Body)
	if !changed {
		return nil
	}
	return c.client.EditReviewComment(ctx, c.task.Repo, c.task.CommentID, body)
}

func (c *reviewCommentContext) Respond(ctx context.Context, message string) error {
	comment, err := c.client.ReplyToReviewComment(ctx, c.task.Repo, c.task.PRNumber, c.task.CommentID, Sanitize(message))
	if err != nil {
		return fmt.Errorf("replying to review comment %d: %w", c.task.CommentID, err)
	}
	c.responded(ctx, comment, fmt.Sprintf("Commented on [PR %d](%s)", c.task.PRNumber, comment.HTMLURL))
	return nil
}

// standaloneContext has nobody to talk to; the result stays on the task
type standaloneContext struct{}

func (standaloneContext) Acknowledge(context.Context) error     { return nil }
func (standaloneContext) Respond(context.Context, string) error { return nil }
