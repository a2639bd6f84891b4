package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aibidcomposer/approval-engine/internal/approval/event"
	"github.com/aibidcomposer/approval-engine/internal/approval/model"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
)

const monitorScanBatchSize = 200

// DeadlineMonitor periodically sweeps pending tasks whose deadline has
// passed. The first expiry raises an escalation exactly once; after the
// grace period elapses the monitor applies the step's timeout policy as a
// synthetic system decision through the normal decision path, so auditing
// and step aggregation behave exactly as for a human decision.
type DeadlineMonitor struct {
	instances store.InstanceStore
	tasks     store.TaskStore
	defs      store.DefinitionStore
	processor *DecisionProcessor
	emitter   event.Emitter

	interval     time.Duration
	defaultGrace time.Duration
	now          func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewDeadlineMonitor(
	instances store.InstanceStore,
	tasks store.TaskStore,
	defs store.DefinitionStore,
	processor *DecisionProcessor,
	emitter event.Emitter,
	interval time.Duration,
	defaultGrace time.Duration,
) *DeadlineMonitor {
	return &DeadlineMonitor{
		instances:    instances,
		tasks:        tasks,
		defs:         defs,
		processor:    processor,
		emitter:      emitter,
		interval:     interval,
		defaultGrace: defaultGrace,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the monitor's time source. Test hook.
func (m *DeadlineMonitor) SetClock(now func() time.Time) {
	m.now = now
}

// Start launches the sweep loop. Stop cancels it and waits for the current
// sweep to finish.
func (m *DeadlineMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		slog.Info("deadline monitor started", "interval", m.interval)
		for {
			select {
			case <-ctx.Done():
				slog.Info("deadline monitor stopped")
				return
			case <-ticker.C:
				if err := m.Scan(ctx); err != nil {
					slog.Error("deadline sweep failed", "error", err)
				}
			}
		}
	}()
}

func (m *DeadlineMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Scan performs one sweep over expired pending tasks.
func (m *DeadlineMonitor) Scan(ctx context.Context) error {
	now := m.now()
	expired, err := m.tasks.ListExpiredPendingTasks(ctx, now, monitorScanBatchSize)
	if err != nil {
		return err
	}

	for i := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.sweepTask(ctx, &expired[i], now); err != nil {
			slog.Error("failed to sweep expired task",
				"taskID", expired[i].ID,
				"error", err,
			)
		}
	}
	return nil
}

func (m *DeadlineMonitor) sweepTask(ctx context.Context, task *model.ApprovalTask, now time.Time) error {
	inst, err := m.instances.GetInstanceByID(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	if inst.Terminal() {
		// Leftover pending row of an already-finished workflow; no
		// escalation or synthetic decision against it.
		return nil
	}

	def, err := m.defs.GetDefinitionByID(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	spec := def.StepGraph.Find(task.StepID)
	if spec == nil {
		slog.Warn("expired task references unknown step, skipping",
			"taskID", task.ID,
			"stepID", task.StepID,
		)
		return nil
	}

	if task.EscalatedAt == nil {
		marked, err := m.tasks.MarkTaskEscalated(ctx, task.ID, now)
		if err != nil {
			return err
		}
		if marked {
			task.EscalatedAt = &now
			m.emitter.Publish(ctx, event.Event{
				Type:       event.TypeEscalationRaised,
				InstanceID: task.InstanceID,
				DocumentID: task.DocumentID,
				StepID:     task.StepID,
				TaskID:     &task.ID,
				Detail:     map[string]any{"deadline": task.Deadline, "assigneeId": task.AssigneeID},
				OccurredAt: now,
			})
			slog.Warn("approval task deadline expired",
				"taskID", task.ID,
				"assigneeID", task.AssigneeID,
				"deadline", task.Deadline,
			)
		}
	}

	grace := m.defaultGrace
	if def.EscalationGraceHours > 0 {
		grace = time.Duration(def.EscalationGraceHours) * time.Hour
	}
	if task.EscalatedAt == nil || now.Before(task.EscalatedAt.Add(grace)) {
		return nil
	}

	return m.applyTimeoutPolicy(ctx, task, spec.OnTimeout)
}

// applyTimeoutPolicy resolves the overdue task as the system actor. Reject
// is the default policy; skip approves the task with a synthetic decision so
// the workflow can proceed without the missing approver.
func (m *DeadlineMonitor) applyTimeoutPolicy(ctx context.Context, task *model.ApprovalTask, policy model.TimeoutPolicy) error {
	req := DecisionRequest{
		Action:   model.ActionReject,
		Decision: model.DecisionTimeout,
		Comments: "decision deadline and grace period elapsed",
	}
	if policy == model.TimeoutPolicySkip {
		req = DecisionRequest{
			Action:   model.ActionApprove,
			Decision: model.DecisionSkipped,
			Comments: "step skipped after decision deadline elapsed",
		}
	}

	_, err := m.processor.ApplyDecision(ctx, task.ID, SystemActor, req)
	if errors.Is(err, ErrTaskAlreadyResolved) || errors.Is(err, ErrInstanceTerminated) {
		// A human decision or a sibling sweep won the race.
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("timeout policy applied",
		"taskID", task.ID,
		"policy", policy,
		"decision", req.Decision,
	)
	return nil
}
