package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Concurrency-conflict errors. Expected under contention; callers should
// refresh their view rather than retry blindly.
var (
	// ErrTaskAlreadyResolved means another writer (a racing approver or the
	// deadline monitor) recorded a terminal decision first.
	ErrTaskAlreadyResolved = errors.New("task already resolved by another approver")

	// ErrInstanceTerminated means the workflow instance reached a terminal
	// status before the decision arrived.
	ErrInstanceTerminated = errors.New("workflow instance already terminated")
)

// Caller errors. Rejected synchronously, never logged as system failures.
var (
	// ErrNotAssignee means the acting user is not an eligible approver for
	// the task.
	ErrNotAssignee = errors.New("user is not an assignee of this task")

	// ErrInvalidAction means the requested action is unknown or not valid
	// for the task's current status.
	ErrInvalidAction = errors.New("invalid action for current task status")
)

// Definition lifecycle errors.
var (
	// ErrDefinitionFrozen means the definition has been used by at least one
	// instance and can no longer be edited; a new code/version is required.
	ErrDefinitionFrozen = errors.New("definition is frozen after first use")

	// ErrDefinitionInactive means the definition is not accepting new
	// instances.
	ErrDefinitionInactive = errors.New("definition is not active")
)

// UnresolvableAssigneeError is a configuration error: a role rule matched
// zero eligible users. It is fatal to step activation; the instance
// transitions to blocked and requires administrative remediation.
type UnresolvableAssigneeError struct {
	RoleCode       string
	OrganizationID uuid.UUID
}

func (e *UnresolvableAssigneeError) Error() string {
	return fmt.Sprintf("role %q has no eligible approvers in organization %s", e.RoleCode, e.OrganizationID)
}

// NoMatchingBranchError is a configuration error: a conditional workflow's
// predicates selected no next step and no fallback branch exists.
type NoMatchingBranchError struct {
	InstanceID  uuid.UUID
	AfterStepID string
}

func (e *NoMatchingBranchError) Error() string {
	if e.AfterStepID == "" {
		return fmt.Sprintf("no branch predicate matched for initial step selection on instance %s", e.InstanceID)
	}
	return fmt.Sprintf("no branch predicate matched after step %q on instance %s", e.AfterStepID, e.InstanceID)
}

// IsConfigurationError reports whether the error belongs to the
// configuration taxonomy (blocked instance, admin remediation).
func IsConfigurationError(err error) bool {
	var unresolvable *UnresolvableAssigneeError
	var noBranch *NoMatchingBranchError
	return errors.As(err, &unresolvable) || errors.As(err, &noBranch)
}
