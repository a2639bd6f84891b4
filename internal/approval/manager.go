package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/aibidcomposer/approval-engine/internal/approval/event"
	"github.com/aibidcomposer/approval-engine/internal/approval/router"
	"github.com/aibidcomposer/approval-engine/internal/approval/service"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
	"github.com/aibidcomposer/approval-engine/internal/config"
)

// Manager wires the approval engine together: stores, scheduler, decision
// processing, deadline monitoring, and the HTTP routes. It owns the
// lifecycle of the background workers.
type Manager struct {
	definitionService *service.DefinitionService
	instanceService   *service.InstanceService
	processor         *service.DecisionProcessor
	scheduler         *service.StepScheduler
	monitor           *service.DeadlineMonitor
	router            *router.Router
	events            *event.ChannelEmitter

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds the engine on top of the given database connection.
func NewManager(db *gorm.DB, cfg *config.Config) (*Manager, error) {
	gormStore := store.NewGormStore(db)
	if err := gormStore.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run approval schema migration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	channelEmitter := event.NewChannelEmitter(cfg.Engine.EventBufferSize)
	emitter := event.NewMultiEmitter(event.NewLogEmitter(), channelEmitter)

	var sinks []event.AuditSink
	archive, err := event.NewArchiveFromConfig(ctx, cfg.Archive)
	if err != nil {
		cancel()
		return nil, err
	}
	if archive != nil {
		sinks = append(sinks, archive)
	}
	auditor := service.NewAuditor(gormStore, sinks...)

	resolver := service.NewDirectoryResolver(gormStore)
	scheduler := service.NewStepScheduler(
		gormStore, gormStore, gormStore,
		resolver, emitter, auditor,
		time.Duration(cfg.Engine.DefaultDeadlineHours)*time.Hour,
	)
	processor := service.NewDecisionProcessor(gormStore, gormStore, scheduler, auditor, emitter)
	instanceService := service.NewInstanceService(
		gormStore, gormStore, gormStore, gormStore,
		scheduler, auditor, emitter,
	)
	definitionService := service.NewDefinitionService(gormStore)
	monitor := service.NewDeadlineMonitor(
		gormStore, gormStore, gormStore,
		processor, emitter,
		time.Duration(cfg.Engine.MonitorIntervalSeconds)*time.Second,
		time.Duration(cfg.Engine.EscalationGraceHours)*time.Hour,
	)

	m := &Manager{
		definitionService: definitionService,
		instanceService:   instanceService,
		processor:         processor,
		scheduler:         scheduler,
		monitor:           monitor,
		router:            router.New(definitionService, instanceService, processor),
		events:            channelEmitter,
		ctx:               ctx,
		cancel:            cancel,
	}

	m.startEventListener()
	m.monitor.Start(ctx)

	return m, nil
}

// RegisterRoutes mounts the engine's HTTP API on the given group.
func (m *Manager) RegisterRoutes(api *gin.RouterGroup) {
	m.router.Register(api)
}

// startEventListener drains the event channel and hands events to the
// notification path. Delivery is best-effort; the persisted rows are the
// source of truth, so a failed delivery is logged and dropped.
func (m *Manager) startEventListener() {
	go func() {
		for {
			select {
			case <-m.ctx.Done():
				slog.Info("workflow event listener stopped")
				return
			case e := <-m.events.Events():
				m.dispatchEvent(e)
			}
		}
	}()
}

// dispatchEvent routes one lifecycle event to the interested notification
// targets. Approver-facing events are the ones that need outbound delivery;
// the rest are operational signals already covered by the structured log.
func (m *Manager) dispatchEvent(e event.Event) {
	switch e.Type {
	case event.TypeTaskCreated:
		slog.Info("notifying assignee of new approval task",
			"taskID", e.TaskID,
			"instanceID", e.InstanceID,
		)
	case event.TypeEscalationRaised:
		slog.Warn("notifying assignee of overdue approval task",
			"taskID", e.TaskID,
			"instanceID", e.InstanceID,
		)
	case event.TypeInstanceCompleted, event.TypeInstanceCancelled:
		slog.Info("notifying submitter of workflow outcome",
			"instanceID", e.InstanceID,
			"documentID", e.DocumentID,
		)
	case event.TypeInstanceBlocked:
		slog.Warn("notifying administrators of blocked workflow",
			"instanceID", e.InstanceID,
			"detail", e.Detail,
		)
	}
}

// Stop shuts down the background workers and waits for the deadline monitor
// to finish its current sweep.
func (m *Manager) Stop() {
	m.monitor.Stop()
	if m.cancel != nil {
		m.cancel()
	}
}

// Definitions exposes the definition service.
func (m *Manager) Definitions() *service.DefinitionService {
	return m.definitionService
}

// Instances exposes the instance service.
func (m *Manager) Instances() *service.InstanceService {
	return m.instanceService
}

// Decisions exposes the decision processor.
func (m *Manager) Decisions() *service.DecisionProcessor {
	return m.processor
}
