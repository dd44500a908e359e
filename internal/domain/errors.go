package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrBudgetExhausted        = errors.New("budget exhausted")
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrRateLimited            = errors.New("rate limited")
	ErrAdmissionUnavailable   = errors.New("admission check unavailable")
	ErrBranchInvariant        = errors.New("active branch is the default branch")
	ErrAgentExecution         = errors.New("agent execution failed")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrAlreadyBilled          = errors.New("task already billed")
	ErrNotReversible          = errors.New("action is not reversible")
	ErrAlreadyReversed        = errors.New("event already reversed")
	ErrNoTask                 = errors.New("no task bound to execution")
)

// ConfigurationError reports a deployment misconfiguration. It is fatal to
// the process rather than to a single task.
type ConfigurationError struct {
	Field string
	Value string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: unsupported %s %q", e.Field, e.Value)
}
