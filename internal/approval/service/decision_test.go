package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibidcomposer/approval-engine/internal/approval/model"
)

func TestApplyDecisionRejectsNonAssignee(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "assignee-v1", userStep("review", reviewer)))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)

	err := h.decide(pending[0].ID, Actor{UserID: uuid.New()}, model.ActionApprove)
	assert.ErrorIs(t, err, ErrNotAssignee)

	// The task is untouched.
	require.Len(t, h.pendingTasks(t, inst.ID), 1)
}

func TestApplyDecisionRejectsUnknownAction(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "action-v1", userStep("review", reviewer)))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)

	err := h.decide(pending[0].ID, Actor{UserID: reviewer}, "escalate")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestDuplicateDecisionReportsConflict(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()
	approver := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "dup-v1",
		userStep("review", reviewer),
		userStep("sign-off", approver),
	))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)

	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: reviewer}, model.ActionApprove))
	err := h.decide(pending[0].ID, Actor{UserID: reviewer}, model.ActionApprove)
	assert.ErrorIs(t, err, ErrTaskAlreadyResolved)
}

func TestConcurrentDecisionsExactlyOneWins(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()
	approver := uuid.New()

	// Two steps keep the instance live so the loser sees a task conflict,
	// not a terminated instance.
	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "race-v1",
		userStep("review", reviewer),
		userStep("sign-off", approver),
	))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	taskID := pending[0].ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	actions := []model.TaskAction{model.ActionApprove, model.ActionReject}
	for i := range actions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.decide(taskID, Actor{UserID: reviewer}, actions[i])
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrTaskAlreadyResolved)
		}
	}
	assert.Equal(t, 1, winners)

	// The recorded decision matches exactly one writer.
	task, err := h.store.GetTaskByID(context.Background(), taskID)
	require.NoError(t, err)
	assert.True(t, task.Status.Terminal())
	assert.NotNil(t, task.CompletedAt)
}

func TestDecisionAfterCancellationReportsTerminated(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "cancel-v1", userStep("review", reviewer)))
	submitter := Actor{UserID: uuid.New()}
	inst := h.mustSubmit(t, submitter, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)

	require.NoError(t, h.instances.CancelInstance(context.Background(), inst.ID, submitter, "no longer needed"))

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusCancelled, inst.Status)
	assert.Empty(t, h.pendingTasks(t, inst.ID))

	err := h.decide(pending[0].ID, Actor{UserID: reviewer}, model.ActionApprove)
	assert.ErrorIs(t, err, ErrInstanceTerminated)

	// A second cancel is a conflict too.
	err = h.instances.CancelInstance(context.Background(), inst.ID, submitter, "again")
	assert.ErrorIs(t, err, ErrInstanceTerminated)
}

func TestCancellationWritesAuditEntries(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New()}
	for _, m := range members {
		h.store.AddRoleMember(orgID, "finance", m)
	}

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "cancel-audit-v1", model.StepSpec{
		ID:       "finance-review",
		Name:     "Finance Review",
		Assignee: model.AssigneeRule{Type: model.AssigneeTypeRole, RoleCode: "finance"},
	}))
	submitter := Actor{UserID: uuid.New()}
	inst := h.mustSubmit(t, submitter, def.ID, nil)
	require.Len(t, h.pendingTasks(t, inst.ID), 2)

	require.NoError(t, h.instances.CancelInstance(context.Background(), inst.ID, submitter, "budget cut"))

	logs, err := h.store.ListLogsByDocument(context.Background(), inst.DocumentID)
	require.NoError(t, err)

	// submit + instance-level cancel + one cancel per voided task.
	cancels := 0
	for _, entry := range logs {
		if entry.Action == model.ActionCancel {
			cancels++
		}
	}
	assert.Equal(t, 3, cancels)
}

func TestReassignMovesTaskAndResetsDeadline(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()
	delegate := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "reassign-v1", model.StepSpec{
		ID:            "review",
		Name:          "Review",
		Assignee:      model.AssigneeRule{Type: model.AssigneeTypeUser, UserID: &reviewer},
		DeadlineHours: 24,
	}))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	originalDeadline := pending[0].Deadline
	require.NotNil(t, originalDeadline)

	h.clock.Advance(6 * time.Hour)
	_, err := h.processor.ApplyDecision(context.Background(), pending[0].ID, Actor{UserID: reviewer}, DecisionRequest{
		Action:     model.ActionReassign,
		ReassignTo: &delegate,
		Comments:   "out of office",
	})
	require.NoError(t, err)

	task, err := h.store.GetTaskByID(context.Background(), pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, delegate, task.AssigneeID)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	require.NotNil(t, task.Deadline)
	assert.True(t, task.Deadline.After(*originalDeadline))
	assert.Nil(t, task.EscalatedAt)

	// The original assignee can no longer act on the task.
	err = h.decide(task.ID, Actor{UserID: reviewer}, model.ActionApprove)
	assert.ErrorIs(t, err, ErrNotAssignee)

	require.NoError(t, h.decide(task.ID, Actor{UserID: delegate}, model.ActionApprove))
	assert.Equal(t, model.InstanceStatusApproved, h.instance(t, inst.ID).Status)
}

func TestCommentLeavesTaskPending(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "comment-v1", userStep("review", reviewer)))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)

	_, err := h.processor.ApplyDecision(context.Background(), pending[0].ID, Actor{UserID: reviewer}, DecisionRequest{
		Action:   model.ActionComment,
		Comments: "waiting on the vendor quote",
	})
	require.NoError(t, err)
	require.Len(t, h.pendingTasks(t, inst.ID), 1)

	logs, err := h.store.ListLogsByTask(context.Background(), pending[0].ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ActionComment, logs[0].Action)
	assert.Equal(t, "waiting on the vendor quote", logs[0].Comments)

	// An empty comment is rejected.
	_, err = h.processor.ApplyDecision(context.Background(), pending[0].ID, Actor{UserID: reviewer}, DecisionRequest{
		Action: model.ActionComment,
	})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestCancelActionWithdrawsFanOutCandidate(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New()}
	for _, m := range members {
		h.store.AddRoleMember(orgID, "finance", m)
	}

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "withdraw-v1", model.StepSpec{
		ID:       "finance-review",
		Name:     "Finance Review",
		Assignee: model.AssigneeRule{Type: model.AssigneeTypeRole, RoleCode: "finance"},
	}))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 2)

	// One candidate withdraws; the step stays open for the other.
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: pending[0].AssigneeID}, model.ActionCancel))

	task, err := h.store.GetTaskByID(context.Background(), pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, task.Status)
	assert.Equal(t, model.DecisionCancelled, task.Decision)

	logs, err := h.store.ListLogsByTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ActionCancel, logs[0].Action)

	assert.Equal(t, model.InstanceStatusInProgress, h.instance(t, inst.ID).Status)
	remaining := h.pendingTasks(t, inst.ID)
	require.Len(t, remaining, 1)

	require.NoError(t, h.decide(remaining[0].ID, Actor{UserID: remaining[0].AssigneeID}, model.ActionApprove))
	assert.Equal(t, model.InstanceStatusApproved, h.instance(t, inst.ID).Status)
}

func TestCancelActionOnSoleTaskClosesStep(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()
	approver := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "withdraw-sole-v1",
		userStep("review", reviewer),
		userStep("sign-off", approver),
	))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: reviewer}, model.ActionCancel))

	// The step closes without an approval and the workflow moves on.
	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.StepDispositionCancelled, inst.StepDispositions["review"])
	assert.Equal(t, model.InstanceStatusInProgress, inst.Status)

	pending = h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, "sign-off", pending[0].StepID)

	// Only the assignee may withdraw, and only once.
	err := h.decide(pending[0].ID, Actor{UserID: reviewer}, model.ActionCancel)
	assert.ErrorIs(t, err, ErrNotAssignee)
}

func TestRequiresAllCancelledVoteVoidsApproval(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, m := range members {
		h.store.AddRoleMember(orgID, "board", m)
	}
	approver := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "board-withdraw-v1",
		model.StepSpec{
			ID:          "board-vote",
			Name:        "Board Vote",
			Assignee:    model.AssigneeRule{Type: model.AssigneeTypeRole, RoleCode: "board"},
			RequiresAll: true,
		},
		userStep("sign-off", approver),
	))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 3)

	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: pending[0].AssigneeID}, model.ActionApprove))
	require.NoError(t, h.decide(pending[1].ID, Actor{UserID: pending[1].AssigneeID}, model.ActionApprove))
	require.NoError(t, h.decide(pending[2].ID, Actor{UserID: pending[2].AssigneeID}, model.ActionCancel))

	// Two approvals plus a withdrawal is not a unanimous approval.
	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.StepDispositionCancelled, inst.StepDispositions["board-vote"])
	assert.NotEqual(t, model.StepDispositionApproved, inst.StepDispositions["board-vote"])
}

func TestInactiveDefinitionRejectsSubmissions(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "inactive-v1", userStep("review", reviewer)))
	require.NoError(t, h.definitions.SetActive(context.Background(), def.ID, false))

	_, err := h.instances.CreateInstance(context.Background(), Actor{UserID: uuid.New()}, model.CreateInstanceDTO{
		DefinitionID: def.ID,
		DocumentID:   uuid.New(),
	})
	assert.ErrorIs(t, err, ErrDefinitionInactive)
}

func TestDefinitionFreezesAfterFirstUse(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "freeze-v1", userStep("review", reviewer)))
	require.NoError(t, h.definitions.EnsureEditable(context.Background(), def.ID))

	h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	err := h.definitions.EnsureEditable(context.Background(), def.ID)
	assert.ErrorIs(t, err, ErrDefinitionFrozen)
}

func TestDefaultDefinitionSwap(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()

	first := sequentialDTO(orgID, "default-v1", userStep("review", reviewer))
	first.IsDefault = true
	h.mustCreateDefinition(t, first)

	second := sequentialDTO(orgID, "default-v2", userStep("review", reviewer))
	second.IsDefault = true
	def2 := h.mustCreateDefinition(t, second)

	// The newest default wins; the old one is demoted.
	got, err := h.definitions.GetDefaultDefinition(context.Background(), orgID, "purchase_order")
	require.NoError(t, err)
	assert.Equal(t, def2.ID, got.ID)

	old, err := h.definitions.GetDefinitionByCode(context.Background(), "default-v1")
	require.NoError(t, err)
	assert.False(t, old.IsDefault)
}
