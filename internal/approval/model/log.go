package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskAction is the audited action recorded in an approval log entry.
type TaskAction string

const (
	ActionSubmit   TaskAction = "submit"
	ActionApprove  TaskAction = "approve"
	ActionReject   TaskAction = "reject"
	ActionReassign TaskAction = "reassign"
	ActionCancel   TaskAction = "cancel"
	ActionComment  TaskAction = "comment"
)

// SystemActor is the actor name recorded for synthetic decisions (timeout
// policy, administrative cancellation sweeps).
const SystemActor = "system"

// ApprovalLog is an append-only audit record. Entries are never mutated or
// deleted by the engine; retention is an external collaborator's concern.
type ApprovalLog struct {
	ID         uuid.UUID      `gorm:"type:uuid;column:id;not null;primaryKey" json:"id"`
	TaskID     *uuid.UUID     `gorm:"type:uuid;column:task_id;index" json:"taskId,omitempty"`               // Nil for instance-level entries (submit, cancel of the whole instance)
	InstanceID uuid.UUID      `gorm:"type:uuid;column:instance_id;not null;index" json:"instanceId"`        // Owning workflow instance
	DocumentID uuid.UUID      `gorm:"type:uuid;column:document_id;not null;index" json:"documentId"`        // Document under approval
	UserID     *uuid.UUID     `gorm:"type:uuid;column:user_id" json:"userId,omitempty"`                     // Acting user; nil for system-authored entries
	Actor      string         `gorm:"type:varchar(100);column:actor;not null" json:"actor"`                 // User ID string, or "system"
	Action     TaskAction     `gorm:"type:varchar(20);column:action;not null" json:"action"`                // Audited action
	Decision   string         `gorm:"type:varchar(50);column:decision" json:"decision,omitempty"`           // Decision value for approve/reject entries
	Comments   string         `gorm:"type:text;column:comments" json:"comments,omitempty"`                  // Free-text comments
	Metadata   map[string]any `gorm:"type:jsonb;column:metadata;serializer:json" json:"metadata,omitempty"` // Free-form metadata
	CreatedAt  time.Time      `gorm:"type:timestamptz;column:created_at;not null" json:"createdAt"`
}

func (l *ApprovalLog) TableName() string {
	return "approval_logs"
}

// BeforeCreate assigns the ID and timestamp. Logs have no UpdatedAt: they are
// write-once.
func (l *ApprovalLog) BeforeCreate(tx *gorm.DB) (err error) {
	if l.ID == uuid.Nil {
		l.ID, err = uuid.NewRandom()
		if err != nil {
			return
		}
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return
}
