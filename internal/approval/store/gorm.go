package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aibidcomposer/approval-engine/internal/approval/model"
)

// GormStore is the PostgreSQL-backed store for every approval entity.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the approval tables.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(
		&model.WorkflowDefinition{},
		&model.WorkflowInstance{},
		&model.ApprovalTask{},
		&model.ApprovalLog{},
		&RoleMember{},
	)
}

// RoleMember is the read-only projection of the external user directory the
// assignee resolver consults. Rows are synchronized by the directory
// collaborator; the engine never writes them.
type RoleMember struct {
	ID             uuid.UUID `gorm:"type:uuid;column:id;not null;primaryKey"`
	OrganizationID uuid.UUID `gorm:"type:uuid;column:organization_id;not null;index"`
	UserID         uuid.UUID `gorm:"type:uuid;column:user_id;not null"`
	RoleCode       string    `gorm:"type:varchar(100);column:role_code;not null"`
	Active         bool      `gorm:"type:boolean;column:active;not null;default:true"`
}

func (RoleMember) TableName() string {
	return "organization_role_members"
}

// --- DefinitionStore ---

func (s *GormStore) CreateDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("definition cannot be nil")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if def.IsDefault {
			// Exactly one active default per (organization, documentType).
			result := tx.Model(&model.WorkflowDefinition{}).
				Where("organization_id = ? AND document_type = ? AND is_default = ?", def.OrganizationID, def.DocumentType, true).
				Update("is_default", false)
			if result.Error != nil {
				return fmt.Errorf("failed to clear previous default definition: %w", result.Error)
			}
		}
		if err := tx.Create(def).Error; err != nil {
			return fmt.Errorf("failed to create workflow definition: %w", err)
		}
		return nil
	})
}

func (s *GormStore) GetDefinitionByID(ctx context.Context, id uuid.UUID) (*model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	result := s.db.WithContext(ctx).First(&def, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow definition %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve workflow definition: %w", result.Error)
	}
	return &def, nil
}

func (s *GormStore) GetDefinitionByCode(ctx context.Context, code string) (*model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	result := s.db.WithContext(ctx).First(&def, "code = ?", code)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow definition %q: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve workflow definition: %w", result.Error)
	}
	return &def, nil
}

func (s *GormStore) GetDefaultDefinition(ctx context.Context, organizationID uuid.UUID, documentType string) (*model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	result := s.db.WithContext(ctx).
		Where("organization_id = ? AND document_type = ? AND is_default = ? AND is_active = ?", organizationID, documentType, true, true).
		First(&def)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("default workflow definition for organization %s and document type %q: %w", organizationID, documentType, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve default workflow definition: %w", result.Error)
	}
	return &def, nil
}

func (s *GormStore) ListDefinitions(ctx context.Context, organizationID uuid.UUID) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition
	result := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("created_at DESC").
		Find(&defs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list workflow definitions: %w", result.Error)
	}
	return defs, nil
}

func (s *GormStore) SetDefinitionActive(ctx context.Context, id uuid.UUID, active bool) error {
	result := s.db.WithContext(ctx).Model(&model.WorkflowDefinition{}).
		Where("id = ?", id).
		Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to update workflow definition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("workflow definition %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) CountInstancesForDefinition(ctx context.Context, definitionID uuid.UUID) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&model.WorkflowInstance{}).
		Where("workflow_id = ?", definitionID).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count instances: %w", result.Error)
	}
	return count, nil
}

// --- InstanceStore ---

func (s *GormStore) CreateInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	if inst == nil {
		return fmt.Errorf("instance cannot be nil")
	}
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}
	return nil
}

func (s *GormStore) GetInstanceByID(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	result := s.db.WithContext(ctx).First(&inst, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow instance %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve workflow instance: %w", result.Error)
	}
	return &inst, nil
}

func (s *GormStore) UpdateInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	if inst == nil {
		return fmt.Errorf("instance cannot be nil")
	}

	// Version-guarded write: sibling steps of a parallel wave complete
	// concurrently, and a blind save would let the last writer resurrect
	// step IDs the first writer already removed.
	readVersion := inst.Version
	inst.Version = readVersion + 1
	result := s.db.WithContext(ctx).Model(&model.WorkflowInstance{}).
		Where("id = ? AND version = ?", inst.ID, readVersion).
		Select("status", "current_step_ids", "visited_step_ids", "step_dispositions",
			"blocked_reason", "metadata", "completed_at", "version", "updated_at").
		Updates(inst)
	if result.Error != nil {
		inst.Version = readVersion
		return fmt.Errorf("failed to update workflow instance %s: %w", inst.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		inst.Version = readVersion
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.WorkflowInstance{}).Where("id = ?", inst.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check workflow instance: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("workflow instance %s: %w", inst.ID, ErrNotFound)
		}
		return ErrStaleInstance
	}
	return nil
}

func (s *GormStore) CancelInstance(ctx context.Context, instanceID uuid.UUID, at time.Time) ([]model.ApprovalTask, error) {
	var cancelled []model.ApprovalTask

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Conditional update keeps a late cancel from clobbering a terminal
		// status reached by a racing decision.
		result := tx.Model(&model.WorkflowInstance{}).
			Where("id = ? AND status IN ?", instanceID, []model.InstanceStatus{
				model.InstanceStatusPending,
				model.InstanceStatusInProgress,
				model.InstanceStatusBlocked,
			}).
			Updates(map[string]any{
				"status":       model.InstanceStatusCancelled,
				"completed_at": at,
				"updated_at":   at,
				"version":      gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to cancel workflow instance: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&model.WorkflowInstance{}).Where("id = ?", instanceID).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check workflow instance: %w", err)
			}
			if count == 0 {
				return fmt.Errorf("workflow instance %s: %w", instanceID, ErrNotFound)
			}
			return ErrInstanceNotLive
		}

		if err := tx.Where("instance_id = ? AND status = ?", instanceID, model.TaskStatusPending).
			Find(&cancelled).Error; err != nil {
			return fmt.Errorf("failed to load pending tasks: %w", err)
		}

		if len(cancelled) > 0 {
			result = tx.Model(&model.ApprovalTask{}).
				Where("instance_id = ? AND status = ?", instanceID, model.TaskStatusPending).
				Updates(map[string]any{
					"status":       model.TaskStatusCancelled,
					"completed_at": at,
					"updated_at":   at,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to cancel pending tasks: %w", result.Error)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range cancelled {
		cancelled[i].Status = model.TaskStatusCancelled
		cancelled[i].CompletedAt = &at
	}
	return cancelled, nil
}

// --- TaskStore ---

func (s *GormStore) CreateTasks(ctx context.Context, tasks []model.ApprovalTask) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&tasks).Error; err != nil {
		return fmt.Errorf("failed to create approval tasks: %w", err)
	}
	return nil
}

func (s *GormStore) GetTaskByID(ctx context.Context, id uuid.UUID) (*model.ApprovalTask, error) {
	var task model.ApprovalTask
	result := s.db.WithContext(ctx).First(&task, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("approval task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve approval task: %w", result.Error)
	}
	return &task, nil
}

func (s *GormStore) ListTasksByInstance(ctx context.Context, instanceID uuid.UUID) ([]model.ApprovalTask, error) {
	var tasks []model.ApprovalTask
	result := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("step_number ASC, created_at ASC").
		Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list approval tasks: %w", result.Error)
	}
	return tasks, nil
}

func (s *GormStore) ListTasksByInstanceAndStep(ctx context.Context, instanceID uuid.UUID, stepID string) ([]model.ApprovalTask, error) {
	var tasks []model.ApprovalTask
	result := s.db.WithContext(ctx).
		Where("instance_id = ? AND step_id = ?", instanceID, stepID).
		Order("created_at ASC").
		Find(&tasks)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list approval tasks for step: %w", result.Error)
	}
	return tasks, nil
}

func (s *GormStore) ResolveTaskIfPending(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, decision string, comments string, completedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("cannot resolve task to non-terminal status %q", status)
	}

	result := s.db.WithContext(ctx).Model(&model.ApprovalTask{}).
		Where("id = ? AND status = ?", taskID, model.TaskStatusPending).
		Updates(map[string]any{
			"status":       status,
			"decision":     decision,
			"comments":     comments,
			"completed_at": completedAt,
			"updated_at":   completedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to resolve approval task: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) ReassignTaskIfPending(ctx context.Context, taskID uuid.UUID, assigneeID uuid.UUID, assigneeType model.AssigneeType, deadline *time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.ApprovalTask{}).
		Where("id = ? AND status = ?", taskID, model.TaskStatusPending).
		Updates(map[string]any{
			"assignee_id":   assigneeID,
			"assignee_type": assigneeType,
			"deadline":      deadline,
			"escalated_at":  nil,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to reassign approval task: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) MarkTaskEscalated(ctx context.Context, taskID uuid.UUID, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.ApprovalTask{}).
		Where("id = ? AND status = ? AND escalated_at IS NULL", taskID, model.TaskStatusPending).
		Updates(map[string]any{
			"escalated_at": at,
			"updated_at":   at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark approval task escalated: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) ListExpiredPendingTasks(ctx context.Context, now time.Time, limit int) ([]model.ApprovalTask, error) {
	var tasks []model.ApprovalTask
	query := s.db.WithContext(ctx).
		Where("status = ? AND deadline IS NOT NULL AND deadline < ?", model.TaskStatusPending, now).
		Order("deadline ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired tasks: %w", err)
	}
	return tasks, nil
}

func (s *GormStore) CancelPendingTasksForStep(ctx context.Context, instanceID uuid.UUID, stepID string, exceptTaskID *uuid.UUID, at time.Time) (int64, error) {
	query := s.db.WithContext(ctx).Model(&model.ApprovalTask{}).
		Where("instance_id = ? AND step_id = ? AND status = ?", instanceID, stepID, model.TaskStatusPending)
	if exceptTaskID != nil {
		query = query.Where("id <> ?", *exceptTaskID)
	}
	result := query.Updates(map[string]any{
		"status":       model.TaskStatusCancelled,
		"completed_at": at,
		"updated_at":   at,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cancel sibling tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) CancelPendingTasksForInstance(ctx context.Context, instanceID uuid.UUID, at time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.ApprovalTask{}).
		Where("instance_id = ? AND status = ?", instanceID, model.TaskStatusPending).
		Updates(map[string]any{
			"status":       model.TaskStatusCancelled,
			"completed_at": at,
			"updated_at":   at,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cancel pending tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// --- LogStore ---

func (s *GormStore) AppendLog(ctx context.Context, entry *model.ApprovalLog) error {
	if entry == nil {
		return fmt.Errorf("log entry cannot be nil")
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append approval log: %w", err)
	}
	return nil
}

func (s *GormStore) ListLogsByDocument(ctx context.Context, documentID uuid.UUID) ([]model.ApprovalLog, error) {
	var logs []model.ApprovalLog
	result := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&logs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list approval logs: %w", result.Error)
	}
	return logs, nil
}

func (s *GormStore) ListLogsByTask(ctx context.Context, taskID uuid.UUID) ([]model.ApprovalLog, error) {
	var logs []model.ApprovalLog
	result := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&logs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list approval logs: %w", result.Error)
	}
	return logs, nil
}

// --- DirectoryStore ---

func (s *GormStore) ListRoleMembers(ctx context.Context, organizationID uuid.UUID, roleCode string) ([]uuid.UUID, error) {
	var members []RoleMember
	result := s.db.WithContext(ctx).
		Where("organization_id = ? AND role_code = ? AND active = ?", organizationID, roleCode, true).
		Order("user_id ASC").
		Find(&members)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list role members: %w", result.Error)
	}
	ids := make([]uuid.UUID, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids, nil
}
