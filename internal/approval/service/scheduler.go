package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aibidcomposer/approval-engine/internal/approval/event"
	"github.com/aibidcomposer/approval-engine/internal/approval/model"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
)

// stepEvaluation is the outcome of aggregating one step's task states.
type stepEvaluation struct {
	// Complete is true once the step has a disposition.
	Complete bool

	// Disposition is the step outcome when Complete.
	Disposition model.StepDisposition

	// WinnerTaskID is the task whose decision resolved a first-responder
	// fan-out, if any. Its pending siblings get cancelled.
	WinnerTaskID *uuid.UUID
}

// StepScheduler is the workflow state machine. It exclusively owns
// WorkflowInstance transitions: step activation according to the definition
// topology, step completion aggregation, and instance completion. Activation
// and completion checks are idempotent so a crashed or retried caller can
// safely re-invoke them.
type StepScheduler struct {
	definitions store.DefinitionStore
	instances   store.InstanceStore
	tasks       store.TaskStore
	resolver    AssigneeResolver
	emitter     event.Emitter
	auditor     *Auditor

	defaultDeadline time.Duration
	now             func() time.Time
}

func NewStepScheduler(
	definitions store.DefinitionStore,
	instances store.InstanceStore,
	tasks store.TaskStore,
	resolver AssigneeResolver,
	emitter event.Emitter,
	auditor *Auditor,
	defaultDeadline time.Duration,
) *StepScheduler {
	return &StepScheduler{
		definitions:     definitions,
		instances:       instances,
		tasks:           tasks,
		resolver:        resolver,
		emitter:         emitter,
		auditor:         auditor,
		defaultDeadline: defaultDeadline,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the scheduler's time source. Test hook.
func (s *StepScheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start activates the initial step wave of a freshly created instance.
func (s *StepScheduler) Start(ctx context.Context, instanceID uuid.UUID) error {
	inst, err := s.instances.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Terminal() {
		return nil
	}

	def, err := s.definitions.GetDefinitionByID(ctx, inst.WorkflowID)
	if err != nil {
		return err
	}

	nextSteps, err := s.selectInitialSteps(inst, def)
	if err != nil {
		return s.block(ctx, inst, err)
	}
	return s.activateSteps(ctx, inst, def, nextSteps)
}

// Retry re-attempts activation of a blocked instance's current steps after
// administrative remediation (directory fixed, definition corrected via a
// new version). Activation is idempotent, so steps that already have tasks
// are skipped.
func (s *StepScheduler) Retry(ctx context.Context, instanceID uuid.UUID) error {
	inst, err := s.instances.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != model.InstanceStatusBlocked {
		return fmt.Errorf("instance %s is not blocked", instanceID)
	}

	def, err := s.definitions.GetDefinitionByID(ctx, inst.WorkflowID)
	if err != nil {
		return err
	}

	inst.Status = model.InstanceStatusInProgress
	inst.BlockedReason = nil
	if len(inst.CurrentStepIDs) == 0 {
		// Blocked before the first wave was selected.
		nextSteps, err := s.selectInitialSteps(inst, def)
		if err != nil {
			return s.block(ctx, inst, err)
		}
		return s.activateSteps(ctx, inst, def, nextSteps)
	}

	var steps []model.StepSpec
	for _, stepID := range inst.CurrentStepIDs {
		spec := def.StepGraph.Find(stepID)
		if spec == nil {
			return s.block(ctx, inst, fmt.Errorf("step %q missing from definition %s", stepID, def.ID))
		}
		steps = append(steps, *spec)
	}
	return s.activateSteps(ctx, inst, def, steps)
}

// instanceWriteRetries bounds the re-evaluation loop when version-guarded
// instance writes lose to a concurrent sibling completion.
const instanceWriteRetries = 5

// EvaluateStep re-derives the step's disposition from its persisted task
// states and, when the step is complete, records the disposition and
// advances the workflow. Step completion is a pure function of task rows, so
// concurrent invocations converge: the instance write is version-guarded,
// and a caller whose write loses to a sibling step's completion re-reads and
// re-derives its transition from the fresh row.
func (s *StepScheduler) EvaluateStep(ctx context.Context, instanceID uuid.UUID, stepID string) error {
	var err error
	for attempt := 0; attempt < instanceWriteRetries; attempt++ {
		err = s.evaluateStep(ctx, instanceID, stepID)
		if !errors.Is(err, store.ErrStaleInstance) {
			return err
		}
	}
	return fmt.Errorf("step %q evaluation kept losing instance writes: %w", stepID, err)
}

func (s *StepScheduler) evaluateStep(ctx context.Context, instanceID uuid.UUID, stepID string) error {
	inst, err := s.instances.GetInstanceByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Terminal() {
		return nil
	}
	if !inst.CurrentStepIDs.Contains(stepID) {
		// Already recorded by a previous evaluation.
		return nil
	}

	def, err := s.definitions.GetDefinitionByID(ctx, inst.WorkflowID)
	if err != nil {
		return err
	}
	spec := def.StepGraph.Find(stepID)
	if spec == nil {
		return fmt.Errorf("step %q missing from definition %s", stepID, def.ID)
	}

	tasks, err := s.tasks.ListTasksByInstanceAndStep(ctx, instanceID, stepID)
	if err != nil {
		return err
	}

	eval := evaluateStepTasks(*spec, tasks)
	if !eval.Complete {
		return nil
	}

	now := s.now()
	if eval.WinnerTaskID != nil {
		if _, err := s.tasks.CancelPendingTasksForStep(ctx, instanceID, stepID, eval.WinnerTaskID, now); err != nil {
			return err
		}
	}

	if inst.StepDispositions == nil {
		inst.StepDispositions = make(map[string]model.StepDisposition)
	}
	inst.StepDispositions[stepID] = eval.Disposition
	inst.CurrentStepIDs = inst.CurrentStepIDs.Remove(stepID)
	inst.VisitedStepIDs = append(inst.VisitedStepIDs, stepID)

	s.emitter.Publish(ctx, event.Event{
		Type:       event.TypeStepCompleted,
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		StepID:     stepID,
		Detail:     map[string]any{"disposition": eval.Disposition},
		OccurredAt: now,
	})

	if eval.Disposition == model.StepDispositionRejected {
		return s.finish(ctx, inst, model.InstanceStatusRejected)
	}
	return s.advance(ctx, inst, def, stepID)
}

// advance selects and activates the next step wave after a non-rejecting
// step completion, or finishes the instance when the traversal is done.
func (s *StepScheduler) advance(ctx context.Context, inst *model.WorkflowInstance, def *model.WorkflowDefinition, completedStepID string) error {
	switch def.WorkflowType {
	case model.WorkflowTypeSequential:
		for _, spec := range def.StepGraph {
			if !inst.VisitedStepIDs.Contains(spec.ID) {
				return s.activateSteps(ctx, inst, def, []model.StepSpec{spec})
			}
		}
		return s.finish(ctx, inst, model.InstanceStatusApproved)

	case model.WorkflowTypeParallel:
		if len(inst.CurrentStepIDs) > 0 {
			// Sibling steps still deciding; persist the recorded disposition.
			return s.instances.UpdateInstance(ctx, inst)
		}
		return s.finish(ctx, inst, model.InstanceStatusApproved)

	case model.WorkflowTypeConditional, model.WorkflowTypeCustom:
		if len(inst.CurrentStepIDs) > 0 {
			return s.instances.UpdateInstance(ctx, inst)
		}
		next, err := s.selectConditionalSteps(inst, def, completedStepID)
		if err != nil {
			return s.block(ctx, inst, err)
		}
		if len(next) == 0 {
			return s.finish(ctx, inst, model.InstanceStatusApproved)
		}
		return s.activateSteps(ctx, inst, def, next)

	default:
		return fmt.Errorf("unknown workflow type %q", def.WorkflowType)
	}
}

// selectInitialSteps picks the first step wave for a fresh instance.
func (s *StepScheduler) selectInitialSteps(inst *model.WorkflowInstance, def *model.WorkflowDefinition) ([]model.StepSpec, error) {
	switch def.WorkflowType {
	case model.WorkflowTypeSequential:
		return []model.StepSpec{def.StepGraph[0]}, nil
	case model.WorkflowTypeParallel:
		steps := make([]model.StepSpec, len(def.StepGraph))
		copy(steps, def.StepGraph)
		return steps, nil
	case model.WorkflowTypeConditional, model.WorkflowTypeCustom:
		return s.selectConditionalSteps(inst, def, "")
	default:
		return nil, fmt.Errorf("unknown workflow type %q", def.WorkflowType)
	}
}

// selectConditionalSteps picks the next step wave of a conditional workflow.
// Unpredicated non-fallback steps are entry steps and form the initial wave
// before any predicate is consulted. Afterwards, every unvisited predicated
// step whose predicate matches the decision context activates; when none
// matches the fallback step takes their place and the skipped branches are
// recorded as cancelled so the traversal can terminate.
func (s *StepScheduler) selectConditionalSteps(inst *model.WorkflowInstance, def *model.WorkflowDefinition, afterStepID string) ([]model.StepSpec, error) {
	decisionCtx := inst.DecisionContext()

	var entrySteps, matched, unmatched []model.StepSpec
	var fallback *model.StepSpec
	for i := range def.StepGraph {
		spec := def.StepGraph[i]
		if inst.VisitedStepIDs.Contains(spec.ID) || inst.CurrentStepIDs.Contains(spec.ID) {
			continue
		}
		if spec.Fallback {
			fallback = &def.StepGraph[i]
			continue
		}
		if spec.Predicate == nil {
			entrySteps = append(entrySteps, spec)
			continue
		}
		if spec.Predicate.Evaluate(decisionCtx) {
			matched = append(matched, spec)
		} else {
			unmatched = append(unmatched, spec)
		}
	}

	if afterStepID == "" && len(entrySteps) > 0 {
		return entrySteps, nil
	}
	if len(matched) > 0 {
		return matched, nil
	}
	if len(unmatched) == 0 {
		// Traversal exhausted the routable steps.
		return nil, nil
	}
	if fallback != nil {
		s.skipSteps(inst, unmatched)
		return []model.StepSpec{*fallback}, nil
	}
	return nil, &NoMatchingBranchError{InstanceID: inst.ID, AfterStepID: afterStepID}
}

// skipSteps records branches displaced by the fallback as cancelled so they
// never re-enter selection.
func (s *StepScheduler) skipSteps(inst *model.WorkflowInstance, steps []model.StepSpec) {
	if inst.StepDispositions == nil {
		inst.StepDispositions = make(map[string]model.StepDisposition)
	}
	for _, spec := range steps {
		inst.VisitedStepIDs = append(inst.VisitedStepIDs, spec.ID)
		inst.StepDispositions[spec.ID] = model.StepDispositionCancelled
	}
}

// activateSteps materializes approval tasks for every step of the wave.
// Steps that already reached a disposition are filtered out, and a step that
// already has tasks is skipped, which makes re-invocation after a crash or
// retry a no-op.
func (s *StepScheduler) activateSteps(ctx context.Context, inst *model.WorkflowInstance, def *model.WorkflowDefinition, steps []model.StepSpec) error {
	inst.Status = model.InstanceStatusInProgress
	wave := make([]model.StepSpec, 0, len(steps))
	for _, spec := range steps {
		if inst.VisitedStepIDs.Contains(spec.ID) {
			continue
		}
		wave = append(wave, spec)
		if !inst.CurrentStepIDs.Contains(spec.ID) {
			inst.CurrentStepIDs = append(inst.CurrentStepIDs, spec.ID)
		}
	}
	// Persist the wave before materializing tasks so a failed activation
	// leaves a blocked instance that Retry can resume from.
	if err := s.instances.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	for _, spec := range wave {
		if err := s.activateStep(ctx, inst, def, spec); err != nil {
			if IsConfigurationError(err) {
				return s.block(ctx, inst, err)
			}
			return err
		}
	}
	return nil
}

func (s *StepScheduler) activateStep(ctx context.Context, inst *model.WorkflowInstance, def *model.WorkflowDefinition, spec model.StepSpec) error {
	existing, err := s.tasks.ListTasksByInstanceAndStep(ctx, inst.ID, spec.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		// Already activated; idempotent re-invocation.
		return nil
	}

	candidates, err := s.resolver.Resolve(ctx, spec.Assignee, inst.OrganizationID)
	if err != nil {
		return err
	}

	now := s.now()
	deadline := s.stepDeadline(spec, now)
	stepNumber := 0
	for i := range def.StepGraph {
		if def.StepGraph[i].ID == spec.ID {
			stepNumber = i + 1
			break
		}
	}

	tasks := make([]model.ApprovalTask, 0, len(candidates))
	for _, candidate := range candidates {
		tasks = append(tasks, model.ApprovalTask{
			InstanceID:   inst.ID,
			WorkflowID:   inst.WorkflowID,
			DocumentID:   inst.DocumentID,
			TaskName:     spec.Name,
			StepID:       spec.ID,
			StepNumber:   stepNumber,
			AssigneeID:   candidate,
			AssigneeType: spec.Assignee.Type,
			Status:       model.TaskStatusPending,
			Deadline:     deadline,
		})
	}
	if err := s.tasks.CreateTasks(ctx, tasks); err != nil {
		return err
	}

	s.emitter.Publish(ctx, event.Event{
		Type:       event.TypeStepActivated,
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		StepID:     spec.ID,
		Detail:     map[string]any{"taskCount": len(tasks)},
		OccurredAt: now,
	})
	for i := range tasks {
		taskID := tasks[i].ID
		s.emitter.Publish(ctx, event.Event{
			Type:       event.TypeTaskCreated,
			InstanceID: inst.ID,
			DocumentID: inst.DocumentID,
			StepID:     spec.ID,
			TaskID:     &taskID,
			OccurredAt: now,
		})
	}

	slog.Info("approval step activated",
		"instanceID", inst.ID,
		"stepID", spec.ID,
		"taskCount", len(tasks),
	)
	return nil
}

// finish records a terminal instance status, cancelling any still-pending
// tasks on other steps.
func (s *StepScheduler) finish(ctx context.Context, inst *model.WorkflowInstance, status model.InstanceStatus) error {
	now := s.now()
	if _, err := s.tasks.CancelPendingTasksForInstance(ctx, inst.ID, now); err != nil {
		return err
	}

	inst.Status = status
	inst.CurrentStepIDs = model.StringArray{}
	inst.CompletedAt = &now
	if err := s.instances.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	s.emitter.Publish(ctx, event.Event{
		Type:       event.TypeInstanceCompleted,
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		Detail:     map[string]any{"status": status},
		OccurredAt: now,
	})
	slog.Info("approval workflow completed",
		"instanceID", inst.ID,
		"documentID", inst.DocumentID,
		"status", status,
	)
	return nil
}

// block parks the instance in the blocked status with the configuration
// error recorded for administrative remediation. The configuration error is
// reported, not silently defaulted.
func (s *StepScheduler) block(ctx context.Context, inst *model.WorkflowInstance, cause error) error {
	reason := cause.Error()
	inst.Status = model.InstanceStatusBlocked
	inst.BlockedReason = &reason
	if err := s.instances.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	s.emitter.Publish(ctx, event.Event{
		Type:       event.TypeInstanceBlocked,
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		Detail:     map[string]any{"reason": reason},
		OccurredAt: s.now(),
	})
	slog.Warn("approval workflow blocked",
		"instanceID", inst.ID,
		"reason", reason,
	)
	return cause
}

// stepDeadlineWindow recovers the deadline window a task was created with,
// for deadline resets on reassignment.
func (s *StepScheduler) stepDeadlineWindow(task *model.ApprovalTask) time.Duration {
	if task.Deadline != nil {
		if w := task.Deadline.Sub(task.CreatedAt); w > 0 {
			return w
		}
	}
	return s.defaultDeadline
}

func (s *StepScheduler) stepDeadline(spec model.StepSpec, now time.Time) *time.Time {
	var d time.Duration
	if spec.DeadlineHours > 0 {
		d = time.Duration(spec.DeadlineHours) * time.Hour
	} else {
		d = s.defaultDeadline
	}
	if d <= 0 {
		return nil
	}
	deadline := now.Add(d)
	return &deadline
}

// evaluateStepTasks aggregates a step's task states into a disposition.
//
// First-responder-wins (default): the earliest persisted decision resolves
// the step; its pending siblings are cancelled. requiresAll: the step
// approves only when every task approved, the first rejection
// short-circuits it, and a cancelled task voids the approval.
func evaluateStepTasks(spec model.StepSpec, tasks []model.ApprovalTask) stepEvaluation {
	if len(tasks) == 0 {
		return stepEvaluation{}
	}

	if spec.RequiresAll {
		approved, cancelled := 0, 0
		for i := range tasks {
			switch tasks[i].Status {
			case model.TaskStatusRejected:
				return stepEvaluation{Complete: true, Disposition: model.StepDispositionRejected, WinnerTaskID: &tasks[i].ID}
			case model.TaskStatusApproved:
				approved++
			case model.TaskStatusCancelled:
				cancelled++
			}
		}
		if approved+cancelled < len(tasks) {
			return stepEvaluation{}
		}
		if cancelled > 0 {
			// Approval requires every decision to be an approve; a cancelled
			// vote voids the step without counting as a rejection.
			return stepEvaluation{Complete: true, Disposition: model.StepDispositionCancelled}
		}
		return stepEvaluation{Complete: true, Disposition: model.StepDispositionApproved}
	}

	// Two candidates can both win their row-level conditional updates before
	// the sibling cleanup runs, so the winner is the decision persisted
	// first, not the first-created task that happens to be terminal.
	var winner *model.ApprovalTask
	cancelled := 0
	for i := range tasks {
		switch tasks[i].Status {
		case model.TaskStatusApproved, model.TaskStatusRejected:
			if winner == nil || decidedBefore(&tasks[i], winner) {
				winner = &tasks[i]
			}
		case model.TaskStatusCancelled:
			cancelled++
		}
	}
	if winner != nil {
		disposition := model.StepDispositionApproved
		if winner.Status == model.TaskStatusRejected {
			disposition = model.StepDispositionRejected
		}
		return stepEvaluation{Complete: true, Disposition: disposition, WinnerTaskID: &winner.ID}
	}
	if cancelled == len(tasks) {
		return stepEvaluation{Complete: true, Disposition: model.StepDispositionCancelled}
	}
	return stepEvaluation{}
}

// decidedBefore reports whether a's decision was persisted before b's.
// Simultaneous decisions resolve to the rejection.
func decidedBefore(a, b *model.ApprovalTask) bool {
	switch {
	case a.CompletedAt == nil:
		return false
	case b.CompletedAt == nil:
		return true
	case a.CompletedAt.Equal(*b.CompletedAt):
		return a.Status == model.TaskStatusRejected && b.Status != model.TaskStatusRejected
	default:
		return a.CompletedAt.Before(*b.CompletedAt)
	}
}
