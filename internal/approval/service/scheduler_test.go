package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibidcomposer/approval-engine/internal/approval/event"
	"github.com/aibidcomposer/approval-engine/internal/approval/model"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// engineHarness wires the full engine on the in-memory store.
type engineHarness struct {
	store       *store.MemoryStore
	events      *event.ChannelEmitter
	scheduler   *StepScheduler
	processor   *DecisionProcessor
	instances   *InstanceService
	definitions *DefinitionService
	monitor     *DeadlineMonitor
	clock       *fakeClock
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	mem := store.NewMemoryStore()
	clock := newFakeClock()
	events := event.NewChannelEmitter(1024)

	auditor := NewAuditor(mem)
	resolver := NewDirectoryResolver(mem)
	scheduler := NewStepScheduler(mem, mem, mem, resolver, events, auditor, 72*time.Hour)
	scheduler.SetClock(clock.Now)
	processor := NewDecisionProcessor(mem, mem, scheduler, auditor, events)
	instances := NewInstanceService(mem, mem, mem, mem, scheduler, auditor, events)
	definitions := NewDefinitionService(mem)
	monitor := NewDeadlineMonitor(mem, mem, mem, processor, events, time.Minute, 2*time.Hour)
	monitor.SetClock(clock.Now)

	return &engineHarness{
		store:       mem,
		events:      events,
		scheduler:   scheduler,
		processor:   processor,
		instances:   instances,
		definitions: definitions,
		monitor:     monitor,
		clock:       clock,
	}
}

func (h *engineHarness) mustCreateDefinition(t *testing.T, dto model.CreateDefinitionDTO) *model.WorkflowDefinition {
	t.Helper()
	def, err := h.definitions.CreateDefinition(context.Background(), dto)
	require.NoError(t, err)
	return def
}

func (h *engineHarness) mustSubmit(t *testing.T, submitter Actor, definitionID uuid.UUID, metadata map[string]any) *model.WorkflowInstance {
	t.Helper()
	inst, err := h.instances.CreateInstance(context.Background(), submitter, model.CreateInstanceDTO{
		DefinitionID: definitionID,
		DocumentID:   uuid.New(),
		Metadata:     metadata,
	})
	require.NoError(t, err)
	return inst
}

func (h *engineHarness) pendingTasks(t *testing.T, instanceID uuid.UUID) []model.ApprovalTask {
	t.Helper()
	all, err := h.store.ListTasksByInstance(context.Background(), instanceID)
	require.NoError(t, err)
	var pending []model.ApprovalTask
	for _, task := range all {
		if task.Status == model.TaskStatusPending {
			pending = append(pending, task)
		}
	}
	return pending
}

func (h *engineHarness) instance(t *testing.T, id uuid.UUID) *model.WorkflowInstance {
	t.Helper()
	inst, err := h.store.GetInstanceByID(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (h *engineHarness) decide(taskID uuid.UUID, actor Actor, action model.TaskAction) error {
	_, err := h.processor.ApplyDecision(context.Background(), taskID, actor, DecisionRequest{Action: action})
	return err
}

func (h *engineHarness) drainEventTypes() []event.Type {
	var types []event.Type
	for {
		select {
		case e := <-h.events.Events():
			types = append(types, e.Type)
		default:
			return types
		}
	}
}

func sequentialDTO(orgID uuid.UUID, code string, steps ...model.StepSpec) model.CreateDefinitionDTO {
	return model.CreateDefinitionDTO{
		Name:           "Test Workflow",
		Code:           code,
		WorkflowType:   model.WorkflowTypeSequential,
		OrganizationID: orgID,
		DocumentType:   "purchase_order",
		StepGraph:      model.StepGraph(steps),
	}
}

func userStep(id string, userID uuid.UUID) model.StepSpec {
	return model.StepSpec{
		ID:       id,
		Name:     id,
		Assignee: model.AssigneeRule{Type: model.AssigneeTypeUser, UserID: &userID},
	}
}

func TestSequentialWorkflowApproval(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()
	approver := uuid.New()
	submitter := Actor{UserID: uuid.New()}

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "seq-v1",
		userStep("review", reviewer),
		userStep("sign-off", approver),
	))
	inst := h.mustSubmit(t, submitter, def.ID, nil)

	assert.Equal(t, model.InstanceStatusInProgress, inst.Status)
	assert.Equal(t, model.StringArray{"review"}, inst.CurrentStepIDs)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, reviewer, pending[0].AssigneeID)
	assert.Equal(t, "review", pending[0].StepID)

	// Step one approval activates step two.
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: reviewer}, model.ActionApprove))

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusInProgress, inst.Status)
	assert.Equal(t, model.StepDispositionApproved, inst.StepDispositions["review"])
	assert.Equal(t, model.StringArray{"sign-off"}, inst.CurrentStepIDs)

	pending = h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, approver, pending[0].AssigneeID)

	// Final approval completes the instance.
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: approver}, model.ActionApprove))

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusApproved, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	assert.Empty(t, inst.CurrentStepIDs)
	assert.Equal(t, model.StringArray{"review", "sign-off"}, inst.VisitedStepIDs)

	logs, err := h.store.ListLogsByDocument(context.Background(), inst.DocumentID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, model.ActionSubmit, logs[0].Action)
	assert.Equal(t, model.ActionApprove, logs[1].Action)
	assert.Equal(t, model.ActionApprove, logs[2].Action)
}

func TestSequentialRejectionShortCircuits(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()
	approver := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "seq-reject-v1",
		userStep("review", reviewer),
		userStep("sign-off", approver),
	))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: reviewer}, model.ActionReject))

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusRejected, inst.Status)
	assert.Equal(t, model.StepDispositionRejected, inst.StepDispositions["review"])
	require.NotNil(t, inst.CompletedAt)

	// The sign-off step never activated.
	all, err := h.store.ListTasksByInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRoleFanOutFirstResponderWins(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, m := range members {
		h.store.AddRoleMember(orgID, "finance", m)
	}

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "fanout-v1", model.StepSpec{
		ID:       "finance-review",
		Name:     "Finance Review",
		Assignee: model.AssigneeRule{Type: model.AssigneeTypeRole, RoleCode: "finance"},
	}))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 3)

	winner := pending[0]
	require.NoError(t, h.decide(winner.ID, Actor{UserID: winner.AssigneeID}, model.ActionApprove))

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusApproved, inst.Status)

	// Losing siblings are cancelled, not left dangling.
	all, err := h.store.ListTasksByInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	statuses := map[model.TaskStatus]int{}
	for _, task := range all {
		statuses[task.Status]++
	}
	assert.Equal(t, 1, statuses[model.TaskStatusApproved])
	assert.Equal(t, 2, statuses[model.TaskStatusCancelled])
}

func TestRequiresAllNeedsEveryApproval(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, m := range members {
		h.store.AddRoleMember(orgID, "board", m)
	}

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "board-v1", model.StepSpec{
		ID:          "board-vote",
		Name:        "Board Vote",
		Assignee:    model.AssigneeRule{Type: model.AssigneeTypeRole, RoleCode: "board"},
		RequiresAll: true,
	}))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 3)

	// Two approvals are not enough.
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: pending[0].AssigneeID}, model.ActionApprove))
	require.NoError(t, h.decide(pending[1].ID, Actor{UserID: pending[1].AssigneeID}, model.ActionApprove))
	assert.Equal(t, model.InstanceStatusInProgress, h.instance(t, inst.ID).Status)

	require.NoError(t, h.decide(pending[2].ID, Actor{UserID: pending[2].AssigneeID}, model.ActionApprove))
	assert.Equal(t, model.InstanceStatusApproved, h.instance(t, inst.ID).Status)
}

func TestRequiresAllRejectionShortCircuits(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, m := range members {
		h.store.AddRoleMember(orgID, "board", m)
	}

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "board-reject-v1", model.StepSpec{
		ID:          "board-vote",
		Name:        "Board Vote",
		Assignee:    model.AssigneeRule{Type: model.AssigneeTypeRole, RoleCode: "board"},
		RequiresAll: true,
	}))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 3)

	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: pending[0].AssigneeID}, model.ActionApprove))
	require.NoError(t, h.decide(pending[1].ID, Actor{UserID: pending[1].AssigneeID}, model.ActionReject))

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusRejected, inst.Status)
	assert.Equal(t, model.StepDispositionRejected, inst.StepDispositions["board-vote"])

	// The undecided third task was cancelled by the short-circuit.
	assert.Empty(t, h.pendingTasks(t, inst.ID))
}

func TestParallelStepsAllMustComplete(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	legal := uuid.New()
	finance := uuid.New()

	def := h.mustCreateDefinition(t, model.CreateDefinitionDTO{
		Name:           "Parallel Review",
		Code:           "par-v1",
		WorkflowType:   model.WorkflowTypeParallel,
		OrganizationID: orgID,
		DocumentType:   "contract",
		StepGraph: model.StepGraph{
			userStep("legal-review", legal),
			userStep("finance-review", finance),
		},
	})
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	// Both steps activate at once.
	assert.ElementsMatch(t, []string{"legal-review", "finance-review"}, []string(inst.CurrentStepIDs))
	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 2)

	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: pending[0].AssigneeID}, model.ActionApprove))
	assert.Equal(t, model.InstanceStatusInProgress, h.instance(t, inst.ID).Status)

	require.NoError(t, h.decide(pending[1].ID, Actor{UserID: pending[1].AssigneeID}, model.ActionApprove))
	assert.Equal(t, model.InstanceStatusApproved, h.instance(t, inst.ID).Status)
}

func TestParallelRejectionCancelsSiblingSteps(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	legal := uuid.New()
	finance := uuid.New()

	def := h.mustCreateDefinition(t, model.CreateDefinitionDTO{
		Name:           "Parallel Review",
		Code:           "par-reject-v1",
		WorkflowType:   model.WorkflowTypeParallel,
		OrganizationID: orgID,
		DocumentType:   "contract",
		StepGraph: model.StepGraph{
			userStep("legal-review", legal),
			userStep("finance-review", finance),
		},
	})
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 2)
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: pending[0].AssigneeID}, model.ActionReject))

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusRejected, inst.Status)
	assert.Empty(t, h.pendingTasks(t, inst.ID))
}

func TestConditionalRoutingSelectsMatchingBranch(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	triager := uuid.New()
	cfo := uuid.New()
	clerk := uuid.New()
	high := "high"

	dto := model.CreateDefinitionDTO{
		Name:           "Conditional Approval",
		Code:           "cond-v1",
		WorkflowType:   model.WorkflowTypeConditional,
		OrganizationID: orgID,
		DocumentType:   "purchase_order",
		StepGraph: model.StepGraph{
			userStep("triage", triager),
			{
				ID:        "cfo-review",
				Name:      "CFO Review",
				Assignee:  model.AssigneeRule{Type: model.AssigneeTypeUser, UserID: &cfo},
				Predicate: &model.BranchPredicate{MetadataKey: "amount_band", Equals: &high},
			},
			{
				ID:       "clerk-review",
				Name:     "Clerk Review",
				Assignee: model.AssigneeRule{Type: model.AssigneeTypeUser, UserID: &clerk},
				Fallback: true,
			},
		},
	}

	// High-value documents route to the CFO.
	def := h.mustCreateDefinition(t, dto)
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, map[string]any{"amount_band": "high"})

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: triager}, model.ActionApprove))

	pending = h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, "cfo-review", pending[0].StepID)

	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: cfo}, model.ActionApprove))
	assert.Equal(t, model.InstanceStatusApproved, h.instance(t, inst.ID).Status)

	// Everything else takes the fallback branch.
	dto.Code = "cond-v2"
	def2 := h.mustCreateDefinition(t, dto)
	inst2 := h.mustSubmit(t, Actor{UserID: uuid.New()}, def2.ID, map[string]any{"amount_band": "low"})

	pending = h.pendingTasks(t, inst2.ID)
	require.Len(t, pending, 1)
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: triager}, model.ActionApprove))

	pending = h.pendingTasks(t, inst2.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, "clerk-review", pending[0].StepID)
}

func TestConditionalNoMatchBlocksInstance(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	triager := uuid.New()
	cfo := uuid.New()
	high := "high"

	def := h.mustCreateDefinition(t, model.CreateDefinitionDTO{
		Name:           "Conditional Without Fallback",
		Code:           "cond-nofallback-v1",
		WorkflowType:   model.WorkflowTypeConditional,
		OrganizationID: orgID,
		DocumentType:   "purchase_order",
		StepGraph: model.StepGraph{
			userStep("triage", triager),
			{
				ID:        "cfo-review",
				Name:      "CFO Review",
				Assignee:  model.AssigneeRule{Type: model.AssigneeTypeUser, UserID: &cfo},
				Predicate: &model.BranchPredicate{MetadataKey: "amount_band", Equals: &high},
			},
		},
	})
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, map[string]any{"amount_band": "low"})

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)

	// The decision itself succeeds; the routing failure parks the instance.
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: triager}, model.ActionApprove))

	task, err := h.store.GetTaskByID(context.Background(), pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusApproved, task.Status)

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusBlocked, inst.Status)
	require.NotNil(t, inst.BlockedReason)
	assert.Contains(t, *inst.BlockedReason, "no branch predicate matched")
}

func TestUnresolvableRoleBlocksAndRetryRecovers(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "empty-role-v1", model.StepSpec{
		ID:       "finance-review",
		Name:     "Finance Review",
		Assignee: model.AssigneeRule{Type: model.AssigneeTypeRole, RoleCode: "finance"},
	}))

	// Nobody holds the finance role yet.
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)
	assert.Equal(t, model.InstanceStatusBlocked, inst.Status)
	require.NotNil(t, inst.BlockedReason)
	assert.Contains(t, *inst.BlockedReason, "no eligible approvers")
	assert.Empty(t, h.pendingTasks(t, inst.ID))

	// Fix the directory, then retry the activation.
	approver := uuid.New()
	h.store.AddRoleMember(orgID, "finance", approver)

	recovered, err := h.instances.RetryActivation(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusInProgress, recovered.Status)
	assert.Nil(t, recovered.BlockedReason)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, approver, pending[0].AssigneeID)
}

func TestStepActivationIsIdempotent(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "idem-v1", userStep("review", reviewer)))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	// Re-running the initial activation must not duplicate tasks.
	require.NoError(t, h.scheduler.Start(context.Background(), inst.ID))
	require.NoError(t, h.scheduler.Start(context.Background(), inst.ID))

	pending := h.pendingTasks(t, inst.ID)
	assert.Len(t, pending, 1)
}

func TestParallelSiblingCompletionsConverge(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	legal := uuid.New()
	finance := uuid.New()

	def := h.mustCreateDefinition(t, model.CreateDefinitionDTO{
		Name:           "Parallel Review",
		Code:           "par-race-v1",
		WorkflowType:   model.WorkflowTypeParallel,
		OrganizationID: orgID,
		DocumentType:   "contract",
		StepGraph: model.StepGraph{
			userStep("legal-review", legal),
			userStep("finance-review", finance),
		},
	})
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 2)

	// Resolve both tasks at the row level, then race the step evaluations so
	// each reads the same instance snapshot. The version guard forces the
	// loser to re-derive its transition instead of resurrecting the
	// sibling's completed step.
	now := h.clock.Now()
	for _, task := range pending {
		won, err := h.store.ResolveTaskIfPending(context.Background(), task.ID, model.TaskStatusApproved, model.DecisionApprove, "", now)
		require.NoError(t, err)
		require.True(t, won)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(pending))
	for i := range pending {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.scheduler.EvaluateStep(context.Background(), inst.ID, pending[i].StepID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusApproved, inst.Status)
	assert.Empty(t, inst.CurrentStepIDs)
	assert.Equal(t, model.StepDispositionApproved, inst.StepDispositions["legal-review"])
	assert.Equal(t, model.StepDispositionApproved, inst.StepDispositions["finance-review"])
}

func TestFanOutWinnerIsEarliestPersistedDecision(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	members := []uuid.UUID{uuid.New(), uuid.New()}
	for _, m := range members {
		h.store.AddRoleMember(orgID, "finance", m)
	}

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "fanout-order-v1", model.StepSpec{
		ID:       "finance-review",
		Name:     "Finance Review",
		Assignee: model.AssigneeRule{Type: model.AssigneeTypeRole, RoleCode: "finance"},
	}))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 2)

	// Both candidates win their row-level updates before any sibling
	// cleanup: the later-created task's rejection lands first, the
	// earlier-created task's approval a second later.
	base := h.clock.Now()
	won, err := h.store.ResolveTaskIfPending(context.Background(), pending[1].ID, model.TaskStatusRejected, model.DecisionReject, "", base)
	require.NoError(t, err)
	require.True(t, won)
	won, err = h.store.ResolveTaskIfPending(context.Background(), pending[0].ID, model.TaskStatusApproved, model.DecisionApprove, "", base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, h.scheduler.EvaluateStep(context.Background(), inst.ID, "finance-review"))

	// The first persisted decision wins the step regardless of which task
	// row was created first.
	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.InstanceStatusRejected, inst.Status)
	assert.Equal(t, model.StepDispositionRejected, inst.StepDispositions["finance-review"])
}

func TestRestartSkipsCompletedParallelSteps(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	legal := uuid.New()
	finance := uuid.New()

	def := h.mustCreateDefinition(t, model.CreateDefinitionDTO{
		Name:           "Parallel Review",
		Code:           "par-restart-v1",
		WorkflowType:   model.WorkflowTypeParallel,
		OrganizationID: orgID,
		DocumentType:   "contract",
		StepGraph: model.StepGraph{
			userStep("legal-review", legal),
			userStep("finance-review", finance),
		},
	})
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 2)
	for _, task := range pending {
		if task.StepID == "legal-review" {
			require.NoError(t, h.decide(task.ID, Actor{UserID: legal}, model.ActionApprove))
		}
	}

	// A crash-recovery re-activation must not drag the completed step back
	// into the current wave.
	require.NoError(t, h.scheduler.Start(context.Background(), inst.ID))

	inst = h.instance(t, inst.ID)
	assert.Equal(t, model.StringArray{"finance-review"}, inst.CurrentStepIDs)
	assert.Equal(t, model.StringArray{"legal-review"}, inst.VisitedStepIDs)

	pending = h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: finance}, model.ActionApprove))
	assert.Equal(t, model.InstanceStatusApproved, h.instance(t, inst.ID).Status)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	h := newEngineHarness(t)
	orgID := uuid.New()
	reviewer := uuid.New()

	def := h.mustCreateDefinition(t, sequentialDTO(orgID, "events-v1", userStep("review", reviewer)))
	inst := h.mustSubmit(t, Actor{UserID: uuid.New()}, def.ID, nil)

	pending := h.pendingTasks(t, inst.ID)
	require.Len(t, pending, 1)
	require.NoError(t, h.decide(pending[0].ID, Actor{UserID: reviewer}, model.ActionApprove))

	types := h.drainEventTypes()
	assert.Contains(t, types, event.TypeStepActivated)
	assert.Contains(t, types, event.TypeTaskCreated)
	assert.Contains(t, types, event.TypeDecisionApplied)
	assert.Contains(t, types, event.TypeStepCompleted)
	assert.Contains(t, types, event.TypeInstanceCompleted)
}
