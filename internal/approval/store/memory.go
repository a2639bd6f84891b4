package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aibidcomposer/approval-engine/internal/approval/model"
)

// MemoryStore is a mutex-guarded in-memory implementation of every store
// interface. It preserves the conditional-update semantics of the SQL store
// (resolve-if-pending under the lock) so engine-level tests exercise the same
// concurrency contract.
type MemoryStore struct {
	mu          sync.Mutex
	definitions map[uuid.UUID]model.WorkflowDefinition
	instances   map[uuid.UUID]model.WorkflowInstance
	tasks       map[uuid.UUID]model.ApprovalTask
	logs        []model.ApprovalLog
	roleMembers map[string][]uuid.UUID // organizationID/roleCode -> user IDs
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[uuid.UUID]model.WorkflowDefinition),
		instances:   make(map[uuid.UUID]model.WorkflowInstance),
		tasks:       make(map[uuid.UUID]model.ApprovalTask),
		roleMembers: make(map[string][]uuid.UUID),
	}
}

func roleKey(organizationID uuid.UUID, roleCode string) string {
	return organizationID.String() + "/" + roleCode
}

// AddRoleMember seeds the directory projection.
func (s *MemoryStore) AddRoleMember(organizationID uuid.UUID, roleCode string, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := roleKey(organizationID, roleCode)
	s.roleMembers[key] = append(s.roleMembers[key], userID)
}

func stampBase(base *model.BaseModel) {
	if base.ID == uuid.Nil {
		base.ID = uuid.New()
	}
	now := time.Now().UTC()
	if base.CreatedAt.IsZero() {
		base.CreatedAt = now
	}
	base.UpdatedAt = now
}

// --- DefinitionStore ---

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("definition cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.IsDefault {
		for id, existing := range s.definitions {
			if existing.OrganizationID == def.OrganizationID && existing.DocumentType == def.DocumentType && existing.IsDefault {
				existing.IsDefault = false
				s.definitions[id] = existing
			}
		}
	}
	stampBase(&def.BaseModel)
	s.definitions[def.ID] = *def
	return nil
}

func (s *MemoryStore) GetDefinitionByID(ctx context.Context, id uuid.UUID) (*model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, fmt.Errorf("workflow definition %s: %w", id, ErrNotFound)
	}
	return &def, nil
}

func (s *MemoryStore) GetDefinitionByCode(ctx context.Context, code string) (*model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.definitions {
		if def.Code == code {
			d := def
			return &d, nil
		}
	}
	return nil, fmt.Errorf("workflow definition %q: %w", code, ErrNotFound)
}

func (s *MemoryStore) GetDefaultDefinition(ctx context.Context, organizationID uuid.UUID, documentType string) (*model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.definitions {
		if def.OrganizationID == organizationID && def.DocumentType == documentType && def.IsDefault && def.IsActive {
			d := def
			return &d, nil
		}
	}
	return nil, fmt.Errorf("default workflow definition for organization %s and document type %q: %w", organizationID, documentType, ErrNotFound)
}

func (s *MemoryStore) ListDefinitions(ctx context.Context, organizationID uuid.UUID) ([]model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var defs []model.WorkflowDefinition
	for _, def := range s.definitions {
		if def.OrganizationID == organizationID {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].CreatedAt.After(defs[j].CreatedAt) })
	return defs, nil
}

func (s *MemoryStore) SetDefinitionActive(ctx context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return fmt.Errorf("workflow definition %s: %w", id, ErrNotFound)
	}
	def.IsActive = active
	s.definitions[id] = def
	return nil
}

func (s *MemoryStore) CountInstancesForDefinition(ctx context.Context, definitionID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, inst := range s.instances {
		if inst.WorkflowID == definitionID {
			count++
		}
	}
	return count, nil
}

// --- InstanceStore ---

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	if inst == nil {
		return fmt.Errorf("instance cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stampBase(&inst.BaseModel)
	s.instances[inst.ID] = *inst
	return nil
}

func (s *MemoryStore) GetInstanceByID(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("workflow instance %s: %w", id, ErrNotFound)
	}
	return &inst, nil
}

func (s *MemoryStore) UpdateInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	if inst == nil {
		return fmt.Errorf("instance cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.instances[inst.ID]
	if !ok {
		return fmt.Errorf("workflow instance %s: %w", inst.ID, ErrNotFound)
	}
	if existing.Version != inst.Version {
		return ErrStaleInstance
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = *inst
	return nil
}

func (s *MemoryStore) CancelInstance(ctx context.Context, instanceID uuid.UUID, at time.Time) ([]model.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("workflow instance %s: %w", instanceID, ErrNotFound)
	}
	if inst.Terminal() {
		return nil, ErrInstanceNotLive
	}

	inst.Status = model.InstanceStatusCancelled
	inst.CompletedAt = &at
	inst.UpdatedAt = at
	inst.Version++
	s.instances[instanceID] = inst

	var cancelled []model.ApprovalTask
	for id, task := range s.tasks {
		if task.InstanceID == instanceID && task.Status == model.TaskStatusPending {
			task.Status = model.TaskStatusCancelled
			task.CompletedAt = &at
			task.UpdatedAt = at
			s.tasks[id] = task
			cancelled = append(cancelled, task)
		}
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].StepNumber < cancelled[j].StepNumber })
	return cancelled, nil
}

// --- TaskStore ---

func (s *MemoryStore) CreateTasks(ctx context.Context, tasks []model.ApprovalTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range tasks {
		stampBase(&tasks[i].BaseModel)
		s.tasks[tasks[i].ID] = tasks[i]
	}
	return nil
}

func (s *MemoryStore) GetTaskByID(ctx context.Context, id uuid.UUID) (*model.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("approval task %s: %w", id, ErrNotFound)
	}
	return &task, nil
}

func (s *MemoryStore) ListTasksByInstance(ctx context.Context, instanceID uuid.UUID) ([]model.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []model.ApprovalTask
	for _, task := range s.tasks {
		if task.InstanceID == instanceID {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StepNumber != tasks[j].StepNumber {
			return tasks[i].StepNumber < tasks[j].StepNumber
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *MemoryStore) ListTasksByInstanceAndStep(ctx context.Context, instanceID uuid.UUID, stepID string) ([]model.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []model.ApprovalTask
	for _, task := range s.tasks {
		if task.InstanceID == instanceID && task.StepID == stepID {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *MemoryStore) ResolveTaskIfPending(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, decision string, comments string, completedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("cannot resolve task to non-terminal status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status != model.TaskStatusPending {
		return false, nil
	}
	task.Status = status
	task.Decision = decision
	task.Comments = comments
	task.CompletedAt = &completedAt
	task.UpdatedAt = completedAt
	s.tasks[taskID] = task
	return true, nil
}

func (s *MemoryStore) ReassignTaskIfPending(ctx context.Context, taskID uuid.UUID, assigneeID uuid.UUID, assigneeType model.AssigneeType, deadline *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status != model.TaskStatusPending {
		return false, nil
	}
	task.AssigneeID = assigneeID
	task.AssigneeType = assigneeType
	task.Deadline = deadline
	task.EscalatedAt = nil
	task.UpdatedAt = time.Now().UTC()
	s.tasks[taskID] = task
	return true, nil
}

func (s *MemoryStore) MarkTaskEscalated(ctx context.Context, taskID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status != model.TaskStatusPending || task.EscalatedAt != nil {
		return false, nil
	}
	task.EscalatedAt = &at
	task.UpdatedAt = at
	s.tasks[taskID] = task
	return true, nil
}

func (s *MemoryStore) ListExpiredPendingTasks(ctx context.Context, now time.Time, limit int) ([]model.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []model.ApprovalTask
	for _, task := range s.tasks {
		if task.Status == model.TaskStatusPending && task.Deadline != nil && task.Deadline.Before(now) {
			expired = append(expired, task)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Deadline.Before(*expired[j].Deadline) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *MemoryStore) CancelPendingTasksForStep(ctx context.Context, instanceID uuid.UUID, stepID string, exceptTaskID *uuid.UUID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, task := range s.tasks {
		if task.InstanceID != instanceID || task.StepID != stepID || task.Status != model.TaskStatusPending {
			continue
		}
		if exceptTaskID != nil && id == *exceptTaskID {
			continue
		}
		task.Status = model.TaskStatusCancelled
		task.CompletedAt = &at
		task.UpdatedAt = at
		s.tasks[id] = task
		count++
	}
	return count, nil
}

func (s *MemoryStore) CancelPendingTasksForInstance(ctx context.Context, instanceID uuid.UUID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for id, task := range s.tasks {
		if task.InstanceID != instanceID || task.Status != model.TaskStatusPending {
			continue
		}
		task.Status = model.TaskStatusCancelled
		task.CompletedAt = &at
		task.UpdatedAt = at
		s.tasks[id] = task
		count++
	}
	return count, nil
}

// --- LogStore ---

func (s *MemoryStore) AppendLog(ctx context.Context, entry *model.ApprovalLog) error {
	if entry == nil {
		return fmt.Errorf("log entry cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *MemoryStore) ListLogsByDocument(ctx context.Context, documentID uuid.UUID) ([]model.ApprovalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []model.ApprovalLog
	for _, entry := range s.logs {
		if entry.DocumentID == documentID {
			logs = append(logs, entry)
		}
	}
	return logs, nil
}

func (s *MemoryStore) ListLogsByTask(ctx context.Context, taskID uuid.UUID) ([]model.ApprovalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []model.ApprovalLog
	for _, entry := range s.logs {
		if entry.TaskID != nil && *entry.TaskID == taskID {
			logs = append(logs, entry)
		}
	}
	return logs, nil
}

// --- DirectoryStore ---

func (s *MemoryStore) ListRoleMembers(ctx context.Context, organizationID uuid.UUID, roleCode string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.roleMembers[roleKey(organizationID, roleCode)]
	out := make([]uuid.UUID, len(members))
	copy(out, members)
	return out, nil
}
