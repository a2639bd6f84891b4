package model

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending    InstanceStatus = "pending"     // Created, no step activated yet
	InstanceStatusInProgress InstanceStatus = "in_progress" // One or more steps active
	InstanceStatusBlocked    InstanceStatus = "blocked"     // Step activation hit a configuration error; needs admin remediation
	InstanceStatusApproved   InstanceStatus = "approved"
	InstanceStatusRejected   InstanceStatus = "rejected"
	InstanceStatusCancelled  InstanceStatus = "cancelled"
)

// WorkflowInstance is one document's traversal of a workflow definition. It is
// the authoritative finite-state machine record: the scheduler exclusively
// owns its transitions, and in-memory views of it are derived state.
type WorkflowInstance struct {
	BaseModel
	WorkflowID       uuid.UUID                  `gorm:"type:uuid;column:workflow_id;not null" json:"workflowId"`                             // Definition this instance runs
	DocumentID       uuid.UUID                  `gorm:"type:uuid;column:document_id;not null" json:"documentId"`                             // Document under approval
	OrganizationID   uuid.UUID                  `gorm:"type:uuid;column:organization_id;not null" json:"organizationId"`                     // Denormalized from the definition for assignee resolution
	Status           InstanceStatus             `gorm:"type:varchar(20);column:status;not null" json:"status"`                               // Lifecycle state
	CurrentStepIDs   StringArray                `gorm:"type:jsonb;column:current_step_ids;not null;serializer:json" json:"currentStepIds"`   // Active steps: one for sequential, many for parallel
	VisitedStepIDs   StringArray                `gorm:"type:jsonb;column:visited_step_ids;not null;serializer:json" json:"visitedStepIds"`   // Steps that reached a disposition, in completion order
	StepDispositions map[string]StepDisposition `gorm:"type:jsonb;column:step_dispositions;serializer:json" json:"stepDispositions"`         // Disposition per completed step
	BlockedReason    *string                    `gorm:"type:text;column:blocked_reason" json:"blockedReason,omitempty"`                      // Configuration error detail while blocked
	Version          int                        `gorm:"type:integer;column:version;not null;default:0" json:"-"`                             // Optimistic lock counter, bumped on every state write
	Metadata         map[string]any             `gorm:"type:jsonb;column:metadata;serializer:json" json:"metadata,omitempty"`                // Submission metadata, visible to branch predicates
	CompletedAt      *time.Time                 `gorm:"type:timestamptz;column:completed_at" json:"completedAt,omitempty"`                   // Set on terminal transition

	// Relationships
	Definition *WorkflowDefinition `gorm:"foreignKey:WorkflowID;references:ID" json:"-"`
}

func (i *WorkflowInstance) TableName() string {
	return "approval_workflow_instances"
}

// Terminal reports whether the instance has reached a final status.
func (i *WorkflowInstance) Terminal() bool {
	switch i.Status {
	case InstanceStatusApproved, InstanceStatusRejected, InstanceStatusCancelled:
		return true
	}
	return false
}

// DecisionContext builds the context branch predicates are evaluated against.
func (i *WorkflowInstance) DecisionContext() DecisionContext {
	dispositions := i.StepDispositions
	if dispositions == nil {
		dispositions = map[string]StepDisposition{}
	}
	metadata := i.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return DecisionContext{Dispositions: dispositions, Metadata: metadata}
}
