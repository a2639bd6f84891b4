package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aibidcomposer/approval-engine/internal/approval/event"
	"github.com/aibidcomposer/approval-engine/internal/approval/model"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
)

// InstanceService manages the lifecycle of workflow instances: submission,
// cancellation, state queries, and the blocked-instance retry path.
type InstanceService struct {
	definitions store.DefinitionStore
	instances   store.InstanceStore
	tasks       store.TaskStore
	logs        store.LogStore
	scheduler   *StepScheduler
	auditor     *Auditor
	emitter     event.Emitter
}

func NewInstanceService(
	definitions store.DefinitionStore,
	instances store.InstanceStore,
	tasks store.TaskStore,
	logs store.LogStore,
	scheduler *StepScheduler,
	auditor *Auditor,
	emitter event.Emitter,
) *InstanceService {
	return &InstanceService{
		definitions: definitions,
		instances:   instances,
		tasks:       tasks,
		logs:        logs,
		scheduler:   scheduler,
		auditor:     auditor,
		emitter:     emitter,
	}
}

// CreateInstance submits a document for approval against the given
// definition and activates the first step wave. A blocked activation still
// returns the created instance so the caller can inspect the blocked reason.
func (s *InstanceService) CreateInstance(ctx context.Context, actor Actor, dto model.CreateInstanceDTO) (*model.WorkflowInstance, error) {
	def, err := s.definitions.GetDefinitionByID(ctx, dto.DefinitionID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, ErrDefinitionInactive
	}

	inst := &model.WorkflowInstance{
		WorkflowID:       def.ID,
		DocumentID:       dto.DocumentID,
		OrganizationID:   def.OrganizationID,
		Status:           model.InstanceStatusPending,
		CurrentStepIDs:   model.StringArray{},
		VisitedStepIDs:   model.StringArray{},
		StepDispositions: map[string]model.StepDisposition{},
		Metadata:         dto.Metadata,
	}
	if err := s.instances.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	if err := s.auditor.Record(ctx, &model.ApprovalLog{
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		UserID:     actor.UserIDPtr(),
		Actor:      actor.String(),
		Action:     model.ActionSubmit,
	}); err != nil {
		return nil, err
	}
	slog.Info("approval workflow submitted",
		"instanceID", inst.ID,
		"documentID", inst.DocumentID,
		"definitionCode", def.Code,
	)

	if err := s.scheduler.Start(ctx, inst.ID); err != nil {
		if IsConfigurationError(err) {
			// The instance persisted as blocked; surface it with the reason.
			return s.instances.GetInstanceByID(ctx, inst.ID)
		}
		return nil, err
	}
	return s.instances.GetInstanceByID(ctx, inst.ID)
}

// CancelInstance terminates a live instance and voids every pending task in
// one transaction. No further decisions are accepted afterwards.
func (s *InstanceService) CancelInstance(ctx context.Context, instanceID uuid.UUID, actor Actor, reason string) error {
	now := s.scheduler.now()
	cancelled, err := s.instances.CancelInstance(ctx, instanceID, now)
	if err != nil {
		if errors.Is(err, store.ErrInstanceNotLive) {
			return ErrInstanceTerminated
		}
		return err
	}

	inst, err := s.instances.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if err := s.auditor.Record(ctx, &model.ApprovalLog{
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		UserID:     actor.UserIDPtr(),
		Actor:      actor.String(),
		Action:     model.ActionCancel,
		Comments:   reason,
	}); err != nil {
		return err
	}
	for i := range cancelled {
		taskID := cancelled[i].ID
		if err := s.auditor.Record(ctx, &model.ApprovalLog{
			TaskID:     &taskID,
			InstanceID: inst.ID,
			DocumentID: inst.DocumentID,
			UserID:     actor.UserIDPtr(),
			Actor:      actor.String(),
			Action:     model.ActionCancel,
			Comments:   reason,
		}); err != nil {
			return err
		}
	}

	s.emitter.Publish(ctx, event.Event{
		Type:       event.TypeInstanceCancelled,
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		Actor:      actor.String(),
		Detail:     map[string]any{"reason": reason, "cancelledTasks": len(cancelled)},
		OccurredAt: now,
	})
	slog.Info("approval workflow cancelled",
		"instanceID", inst.ID,
		"actor", actor.String(),
		"cancelledTasks", len(cancelled),
	)
	return nil
}

// RetryActivation re-attempts step activation for a blocked instance.
func (s *InstanceService) RetryActivation(ctx context.Context, instanceID uuid.UUID) (*model.WorkflowInstance, error) {
	if err := s.scheduler.Retry(ctx, instanceID); err != nil && !IsConfigurationError(err) {
		return nil, err
	}
	return s.instances.GetInstanceByID(ctx, instanceID)
}

// GetInstanceState returns the instance's current state with its active
// tasks.
func (s *InstanceService) GetInstanceState(ctx context.Context, instanceID uuid.UUID) (*model.InstanceStateDTO, error) {
	inst, err := s.instances.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	tasks, err := s.tasks.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	active := make([]model.TaskResponseDTO, 0)
	for _, t := range tasks {
		if t.Status == model.TaskStatusPending {
			active = append(active, model.TaskToResponseDTO(t))
		}
	}

	return &model.InstanceStateDTO{
		ID:               inst.ID,
		WorkflowID:       inst.WorkflowID,
		DocumentID:       inst.DocumentID,
		Status:           inst.Status,
		CurrentStepIDs:   inst.CurrentStepIDs,
		StepDispositions: inst.StepDispositions,
		BlockedReason:    inst.BlockedReason,
		ActiveTasks:      active,
		CompletedAt:      inst.CompletedAt,
	}, nil
}

// History returns the full audit trail of a document, oldest first.
func (s *InstanceService) History(ctx context.Context, documentID uuid.UUID) ([]model.ApprovalLog, error) {
	return s.logs.ListLogsByDocument(ctx, documentID)
}

// ListTasks returns every task of an instance.
func (s *InstanceService) ListTasks(ctx context.Context, instanceID uuid.UUID) ([]model.ApprovalTask, error) {
	return s.tasks.ListTasksByInstance(ctx, instanceID)
}
