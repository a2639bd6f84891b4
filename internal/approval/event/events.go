package event

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the workflow lifecycle events the engine publishes.
type Type string

const (
	TypeStepActivated     Type = "StepActivated"
	TypeTaskCreated       Type = "TaskCreated"
	TypeDecisionApplied   Type = "DecisionApplied"
	TypeStepCompleted     Type = "StepCompleted"
	TypeInstanceCompleted Type = "InstanceCompleted"
	TypeInstanceCancelled Type = "InstanceCancelled"
	TypeInstanceBlocked   Type = "InstanceBlocked"
	TypeEscalationRaised  Type = "EscalationRaised"
)

// Event is one workflow lifecycle notification. Delivery to downstream
// collaborators (notification service, audit pipeline) is best-effort; the
// persisted instance/task/log rows remain the source of truth.
type Event struct {
	Type       Type           `json:"type"`
	InstanceID uuid.UUID      `json:"instanceId"`
	DocumentID uuid.UUID      `json:"documentId"`
	StepID     string         `json:"stepId,omitempty"`
	TaskID     *uuid.UUID     `json:"taskId,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}
