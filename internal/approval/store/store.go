package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aibidcomposer/approval-engine/internal/approval/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	// CreateDefinition inserts the definition. When it is flagged as the
	// default, the previous default for (organization, documentType) is
	// cleared in the same transaction so exactly one default stays active.
	CreateDefinition(ctx context.Context, def *model.WorkflowDefinition) error
	GetDefinitionByID(ctx context.Context, id uuid.UUID) (*model.WorkflowDefinition, error)
	GetDefinitionByCode(ctx context.Context, code string) (*model.WorkflowDefinition, error)
	GetDefaultDefinition(ctx context.Context, organizationID uuid.UUID, documentType string) (*model.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, organizationID uuid.UUID) ([]model.WorkflowDefinition, error)
	SetDefinitionActive(ctx context.Context, id uuid.UUID, active bool) error
	// CountInstancesForDefinition reports how many instances were created
	// from the definition; a non-zero count freezes the definition.
	CountInstancesForDefinition(ctx context.Context, definitionID uuid.UUID) (int64, error)
}

// InstanceStore persists workflow instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *model.WorkflowInstance) error
	GetInstanceByID(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error)
	// UpdateInstance writes the instance state guarded by its version counter.
	// It returns ErrStaleInstance when another writer updated the row since
	// this copy was read; the caller re-reads and re-derives its transition.
	UpdateInstance(ctx context.Context, inst *model.WorkflowInstance) error
	// CancelInstance atomically marks a live instance cancelled and every
	// pending task of it cancelled, in one transaction. It returns the tasks
	// that were cancelled, or ErrNotFound / a terminal-state report when the
	// instance cannot be cancelled.
	CancelInstance(ctx context.Context, instanceID uuid.UUID, at time.Time) ([]model.ApprovalTask, error)
}

// ErrInstanceNotLive is returned by CancelInstance when the instance already
// reached a terminal status.
var ErrInstanceNotLive = errors.New("instance is not live")

// ErrStaleInstance is returned by UpdateInstance when the optimistic version
// check fails because a concurrent writer got there first.
var ErrStaleInstance = errors.New("instance was updated concurrently")

// TaskStore persists approval tasks. ResolveTaskIfPending is the single
// concurrency control point of the engine: every terminal write goes through
// its conditional update.
type TaskStore interface {
	CreateTasks(ctx context.Context, tasks []model.ApprovalTask) error
	GetTaskByID(ctx context.Context, id uuid.UUID) (*model.ApprovalTask, error)
	ListTasksByInstance(ctx context.Context, instanceID uuid.UUID) ([]model.ApprovalTask, error)
	ListTasksByInstanceAndStep(ctx context.Context, instanceID uuid.UUID, stepID string) ([]model.ApprovalTask, error)
	// ResolveTaskIfPending transitions the task to a terminal status only if
	// it is still pending. Returns false when another writer won the race.
	ResolveTaskIfPending(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, decision string, comments string, completedAt time.Time) (bool, error)
	// ReassignTaskIfPending swaps the assignee and resets deadline and
	// escalation mark, only while the task is pending.
	ReassignTaskIfPending(ctx context.Context, taskID uuid.UUID, assigneeID uuid.UUID, assigneeType model.AssigneeType, deadline *time.Time) (bool, error)
	// MarkTaskEscalated records the first deadline expiry exactly once.
	MarkTaskEscalated(ctx context.Context, taskID uuid.UUID, at time.Time) (bool, error)
	// ListExpiredPendingTasks returns pending tasks whose deadline has passed.
	ListExpiredPendingTasks(ctx context.Context, now time.Time, limit int) ([]model.ApprovalTask, error)
	// CancelPendingTasksForStep cancels still-pending sibling tasks of a step,
	// excluding the winning task if any. Used for short-circuits and
	// first-responder fan-out resolution.
	CancelPendingTasksForStep(ctx context.Context, instanceID uuid.UUID, stepID string, exceptTaskID *uuid.UUID, at time.Time) (int64, error)
	// CancelPendingTasksForInstance cancels every still-pending task of an
	// instance (terminal short-circuit across steps).
	CancelPendingTasksForInstance(ctx context.Context, instanceID uuid.UUID, at time.Time) (int64, error)
}

// LogStore persists and queries the append-only audit trail.
type LogStore interface {
	AppendLog(ctx context.Context, entry *model.ApprovalLog) error
	ListLogsByDocument(ctx context.Context, documentID uuid.UUID) ([]model.ApprovalLog, error)
	ListLogsByTask(ctx context.Context, taskID uuid.UUID) ([]model.ApprovalLog, error)
}

// DirectoryStore is the read-only view of the external user/role directory
// the assignee resolver consults.
type DirectoryStore interface {
	// ListRoleMembers returns the user IDs holding the role within the
	// organization. An empty result is not an error at this layer.
	ListRoleMembers(ctx context.Context, organizationID uuid.UUID, roleCode string) ([]uuid.UUID, error)
}
