package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of an approval task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusApproved  TaskStatus = "approved"
	TaskStatusRejected  TaskStatus = "rejected"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusApproved || s == TaskStatusRejected || s == TaskStatusCancelled
}

// Decision values recorded on tasks and logs.
const (
	DecisionApprove   = "approve"
	DecisionReject    = "reject"
	DecisionCancelled = "cancel"  // Assignee withdrew from the task without deciding
	DecisionSkipped   = "skipped" // Synthetic pass-through applied by the timeout policy
	DecisionTimeout   = "timeout" // Synthetic rejection applied by the timeout policy
)

// ApprovalTask is one (step, assignee) activation. A role assignee fans out to
// one task per candidate approver; the tasks of a fan-out share the same
// instance and step ID. Tasks are terminal once a decision is recorded or the
// step moves on without them.
type ApprovalTask struct {
	BaseModel
	InstanceID   uuid.UUID      `gorm:"type:uuid;column:instance_id;not null;index" json:"instanceId"`        // Owning workflow instance
	WorkflowID   uuid.UUID      `gorm:"type:uuid;column:workflow_id;not null" json:"workflowId"`              // Definition, mirrored for reporting
	DocumentID   uuid.UUID      `gorm:"type:uuid;column:document_id;not null;index" json:"documentId"`        // Document under approval
	TaskName     string         `gorm:"type:varchar(255);column:task_name;not null" json:"taskName"`          // Step name at activation time
	StepID       string         `gorm:"type:varchar(100);column:step_id;not null" json:"stepId"`              // Step spec ID within the definition graph
	StepNumber   int            `gorm:"type:integer;column:step_number;not null" json:"stepNumber"`           // 1-based position of the step in the graph
	AssigneeID   uuid.UUID      `gorm:"type:uuid;column:assignee_id;not null" json:"assigneeId"`              // Candidate approver
	AssigneeType AssigneeType   `gorm:"type:varchar(20);column:assignee_type;not null" json:"assigneeType"`   // user or role
	Status       TaskStatus     `gorm:"type:varchar(20);column:status;not null" json:"status"`                // Lifecycle state
	Decision     string         `gorm:"type:varchar(50);column:decision" json:"decision,omitempty"`           // Recorded decision once terminal
	Comments     string         `gorm:"type:text;column:comments" json:"comments,omitempty"`                  // Approver comments
	Deadline     *time.Time     `gorm:"type:timestamptz;column:deadline" json:"deadline,omitempty"`           // Decision deadline
	EscalatedAt  *time.Time     `gorm:"type:timestamptz;column:escalated_at" json:"escalatedAt,omitempty"`    // First deadline expiry, set once by the monitor
	CompletedAt  *time.Time     `gorm:"type:timestamptz;column:completed_at" json:"completedAt,omitempty"`    // Terminal transition time
	Metadata     map[string]any `gorm:"type:jsonb;column:metadata;serializer:json" json:"metadata,omitempty"` // Free-form metadata

	// Relationships
	Instance *WorkflowInstance `gorm:"foreignKey:InstanceID;references:ID" json:"-"`
}

func (t *ApprovalTask) TableName() string {
	return "approval_tasks"
}
