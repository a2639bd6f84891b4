package model

import (
	"time"

	"github.com/google/uuid"
)

// CreateDefinitionDTO is the request body for creating a workflow definition.
type CreateDefinitionDTO struct {
	Name                 string         `json:"name" binding:"required"`
	Code                 string         `json:"code" binding:"required"`
	Description          string         `json:"description"`
	WorkflowType         WorkflowType   `json:"workflowType" binding:"required"`
	OrganizationID       uuid.UUID      `json:"organizationId" binding:"required"`
	DocumentType         string         `json:"documentType" binding:"required"`
	StepGraph            StepGraph      `json:"stepGraph" binding:"required"`
	IsDefault            bool           `json:"isDefault"`
	EscalationGraceHours int            `json:"escalationGraceHours"`
	Metadata             map[string]any `json:"metadata"`
}

// CreateInstanceDTO is the request body for submitting a document for approval.
type CreateInstanceDTO struct {
	DefinitionID uuid.UUID      `json:"definitionId" binding:"required"`
	DocumentID   uuid.UUID      `json:"documentId" binding:"required"`
	Metadata     map[string]any `json:"metadata"`
}

// SubmitDecisionDTO is the request body for acting on an approval task.
type SubmitDecisionDTO struct {
	Action       TaskAction   `json:"action" binding:"required"`
	Decision     string       `json:"decision"`
	Comments     string       `json:"comments"`
	ReassignTo   *uuid.UUID   `json:"reassignTo,omitempty"`   // Target user for reassign
	ReassignType AssigneeType `json:"reassignType,omitempty"` // Defaults to user
}

// CancelInstanceDTO is the request body for cancelling a workflow instance.
type CancelInstanceDTO struct {
	Reason string `json:"reason"`
}

// TaskResponseDTO represents an approval task in API responses.
type TaskResponseDTO struct {
	ID           uuid.UUID    `json:"id"`
	TaskName     string       `json:"taskName"`
	StepID       string       `json:"stepId"`
	StepNumber   int          `json:"stepNumber"`
	AssigneeID   uuid.UUID    `json:"assigneeId"`
	AssigneeType AssigneeType `json:"assigneeType"`
	Status       TaskStatus   `json:"status"`
	Decision     string       `json:"decision,omitempty"`
	Comments     string       `json:"comments,omitempty"`
	Deadline     *time.Time   `json:"deadline,omitempty"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

// InstanceStateDTO is the response for the instance state query.
type InstanceStateDTO struct {
	ID               uuid.UUID                  `json:"id"`
	WorkflowID       uuid.UUID                  `json:"workflowId"`
	DocumentID       uuid.UUID                  `json:"documentId"`
	Status           InstanceStatus             `json:"status"`
	CurrentStepIDs   []string                   `json:"currentStepIds"`
	StepDispositions map[string]StepDisposition `json:"stepDispositions"`
	BlockedReason    *string                    `json:"blockedReason,omitempty"`
	ActiveTasks      []TaskResponseDTO          `json:"activeTasks"`
	CompletedAt      *time.Time                 `json:"completedAt,omitempty"`
}

// TaskToResponseDTO maps a task model to its API representation.
func TaskToResponseDTO(t ApprovalTask) TaskResponseDTO {
	return TaskResponseDTO{
		ID:           t.ID,
		TaskName:     t.TaskName,
		StepID:       t.StepID,
		StepNumber:   t.StepNumber,
		AssigneeID:   t.AssigneeID,
		AssigneeType: t.AssigneeType,
		Status:       t.Status,
		Decision:     t.Decision,
		Comments:     t.Comments,
		Deadline:     t.Deadline,
		CompletedAt:  t.CompletedAt,
	}
}
