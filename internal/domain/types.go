package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusScheduled TaskStatus = "scheduled"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskType selects how a task talks back to its requester
type TaskType string

const (
	TypeIssue         TaskType = "github_issue"
	TypeReviewComment TaskType = "github_review_comment"
	TypeStandalone    TaskType = "standalone"
)

// Valid reports whether t is one of the known task types
func (t TaskType) Valid() bool {
	switch t {
	case TypeIssue, TypeReviewComment, TypeStandalone:
		return true
	}
	return false
}

// Permission is a collaborator's access level on a repository
type Permission string

const (
	PermissionAdmin Permission = "admin"
	PermissionWrite Permission = "write"
	PermissionRead  Permission = "read"
	PermissionNone  Permission = "none"
)

// CanWrite reports whether the permission allows running commands
func (p Permission) CanWrite() bool {
	return p == PermissionAdmin || p == PermissionWrite
}
