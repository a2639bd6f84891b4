package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aibidcomposer/approval-engine/internal/approval/event"
	"github.com/aibidcomposer/approval-engine/internal/approval/model"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
)

// Actor identifies who is acting on a task: a human approver or the engine
// itself (deadline policies, administrative cancellation).
type Actor struct {
	UserID uuid.UUID
	System bool
}

// SystemActor is the engine acting on its own behalf.
var SystemActor = Actor{System: true}

func (a Actor) String() string {
	if a.System {
		return model.SystemActor
	}
	return a.UserID.String()
}

// UserIDPtr returns the acting user's ID, or nil for the system actor.
func (a Actor) UserIDPtr() *uuid.UUID {
	if a.System {
		return nil
	}
	id := a.UserID
	return &id
}

// DecisionRequest carries one action against a task.
type DecisionRequest struct {
	Action       model.TaskAction
	Decision     string
	Comments     string
	ReassignTo   *uuid.UUID
	ReassignType model.AssigneeType
}

// DecisionProcessor validates and applies decisions against approval tasks.
// Every terminal task write funnels through the store's conditional update,
// so under a duplicate or racing submission exactly one writer succeeds and
// the rest observe ErrTaskAlreadyResolved.
type DecisionProcessor struct {
	instances store.InstanceStore
	tasks     store.TaskStore
	scheduler *StepScheduler
	auditor   *Auditor
	emitter   event.Emitter
}

func NewDecisionProcessor(
	instances store.InstanceStore,
	tasks store.TaskStore,
	scheduler *StepScheduler,
	auditor *Auditor,
	emitter event.Emitter,
) *DecisionProcessor {
	return &DecisionProcessor{
		instances: instances,
		tasks:     tasks,
		scheduler: scheduler,
		auditor:   auditor,
		emitter:   emitter,
	}
}

// ApplyDecision executes the requested action on the task as the given
// actor. On approve/reject it resolves the task, records the audit entry and
// hands the step to the scheduler for aggregation.
func (p *DecisionProcessor) ApplyDecision(ctx context.Context, taskID uuid.UUID, actor Actor, req DecisionRequest) (*model.ApprovalTask, error) {
	task, err := p.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status.Terminal() {
		return nil, ErrTaskAlreadyResolved
	}
	if err := p.checkAssignee(task, actor); err != nil {
		return nil, err
	}

	inst, err := p.instances.GetInstanceByID(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return nil, ErrInstanceTerminated
	}

	switch req.Action {
	case model.ActionApprove:
		return p.resolve(ctx, task, actor, model.TaskStatusApproved, req)
	case model.ActionReject:
		return p.resolve(ctx, task, actor, model.TaskStatusRejected, req)
	case model.ActionCancel:
		return p.resolve(ctx, task, actor, model.TaskStatusCancelled, req)
	case model.ActionReassign:
		return p.reassign(ctx, task, actor, req)
	case model.ActionComment:
		return p.comment(ctx, task, actor, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
}

// checkAssignee enforces that only the task's assignee (or the system) may
// act on it. Comments share the same restriction.
func (p *DecisionProcessor) checkAssignee(task *model.ApprovalTask, actor Actor) error {
	if actor.System {
		return nil
	}
	if task.AssigneeID != actor.UserID {
		return ErrNotAssignee
	}
	return nil
}

func (p *DecisionProcessor) resolve(ctx context.Context, task *model.ApprovalTask, actor Actor, status model.TaskStatus, req DecisionRequest) (*model.ApprovalTask, error) {
	decision := req.Decision
	if decision == "" {
		switch status {
		case model.TaskStatusApproved:
			decision = model.DecisionApprove
		case model.TaskStatusRejected:
			decision = model.DecisionReject
		default:
			decision = model.DecisionCancelled
		}
	}

	now := p.scheduler.now()
	won, err := p.tasks.ResolveTaskIfPending(ctx, task.ID, status, decision, req.Comments, now)
	if err != nil {
		return nil, err
	}
	if !won {
		// Another writer resolved the task first. Re-check the instance so a
		// decision against a cancelled workflow reports the right conflict.
		inst, err := p.instances.GetInstanceByID(ctx, task.InstanceID)
		if err == nil && inst.Terminal() {
			return nil, ErrInstanceTerminated
		}
		return nil, ErrTaskAlreadyResolved
	}

	task.Status = status
	task.Decision = decision
	task.Comments = req.Comments
	task.CompletedAt = &now

	action := model.ActionApprove
	switch status {
	case model.TaskStatusRejected:
		action = model.ActionReject
	case model.TaskStatusCancelled:
		action = model.ActionCancel
	}
	if err := p.auditor.Record(ctx, &model.ApprovalLog{
		TaskID:     &task.ID,
		InstanceID: task.InstanceID,
		DocumentID: task.DocumentID,
		UserID:     actor.UserIDPtr(),
		Actor:      actor.String(),
		Action:     action,
		Decision:   decision,
		Comments:   req.Comments,
	}); err != nil {
		return nil, err
	}

	p.emitter.Publish(ctx, event.Event{
		Type:       event.TypeDecisionApplied,
		InstanceID: task.InstanceID,
		DocumentID: task.DocumentID,
		StepID:     task.StepID,
		TaskID:     &task.ID,
		Actor:      actor.String(),
		Detail:     map[string]any{"decision": decision},
		OccurredAt: now,
	})
	slog.Info("approval decision applied",
		"taskID", task.ID,
		"instanceID", task.InstanceID,
		"actor", actor.String(),
		"decision", decision,
	)

	if err := p.scheduler.EvaluateStep(ctx, task.InstanceID, task.StepID); err != nil {
		if IsConfigurationError(err) {
			// The decision itself succeeded and is audited; the follow-on
			// activation parked the instance in blocked for remediation.
			slog.Warn("workflow blocked after decision",
				"taskID", task.ID,
				"instanceID", task.InstanceID,
				"reason", err.Error(),
			)
			return task, nil
		}
		return nil, err
	}
	return task, nil
}

// reassign transfers the pending task to a new assignee. The deadline resets
// from the reassignment moment and any escalation mark is cleared.
func (p *DecisionProcessor) reassign(ctx context.Context, task *model.ApprovalTask, actor Actor, req DecisionRequest) (*model.ApprovalTask, error) {
	if req.ReassignTo == nil {
		return nil, fmt.Errorf("%w: reassign requires a target user", ErrInvalidAction)
	}
	assigneeType := req.ReassignType
	if assigneeType == "" {
		assigneeType = model.AssigneeTypeUser
	}

	var deadline *time.Time
	if task.Deadline != nil {
		d := p.scheduler.now().Add(p.scheduler.stepDeadlineWindow(task))
		deadline = &d
	}

	won, err := p.tasks.ReassignTaskIfPending(ctx, task.ID, *req.ReassignTo, assigneeType, deadline)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrTaskAlreadyResolved
	}

	previous := task.AssigneeID
	task.AssigneeID = *req.ReassignTo
	task.AssigneeType = assigneeType
	task.Deadline = deadline
	task.EscalatedAt = nil

	if err := p.auditor.Record(ctx, &model.ApprovalLog{
		TaskID:     &task.ID,
		InstanceID: task.InstanceID,
		DocumentID: task.DocumentID,
		UserID:     actor.UserIDPtr(),
		Actor:      actor.String(),
		Action:     model.ActionReassign,
		Comments:   req.Comments,
		Metadata: map[string]any{
			"from": previous.String(),
			"to":   req.ReassignTo.String(),
		},
	}); err != nil {
		return nil, err
	}
	slog.Info("approval task reassigned",
		"taskID", task.ID,
		"from", previous,
		"to", req.ReassignTo,
	)
	return task, nil
}

// comment records a comment on a pending task without changing its state.
func (p *DecisionProcessor) comment(ctx context.Context, task *model.ApprovalTask, actor Actor, req DecisionRequest) (*model.ApprovalTask, error) {
	if strings.TrimSpace(req.Comments) == "" {
		return nil, fmt.Errorf("%w: comment requires a body", ErrInvalidAction)
	}
	if err := p.auditor.Record(ctx, &model.ApprovalLog{
		TaskID:     &task.ID,
		InstanceID: task.InstanceID,
		DocumentID: task.DocumentID,
		UserID:     actor.UserIDPtr(),
		Actor:      actor.String(),
		Action:     model.ActionComment,
		Comments:   req.Comments,
	}); err != nil {
		return nil, err
	}
	return task, nil
}
