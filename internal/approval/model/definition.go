package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// WorkflowType determines how the steps of a definition are scheduled.
type WorkflowType string

const (
	WorkflowTypeSequential  WorkflowType = "sequential"  // Steps activate one at a time, in graph order
	WorkflowTypeParallel    WorkflowType = "parallel"    // All steps activate at once
	WorkflowTypeConditional WorkflowType = "conditional" // Steps are selected by branch predicates
	WorkflowTypeCustom      WorkflowType = "custom"      // Conditional routing with explicit per-step predicates
)

// AssigneeType distinguishes concrete-user assignment from role-based fan-out.
type AssigneeType string

const (
	AssigneeTypeUser AssigneeType = "user"
	AssigneeTypeRole AssigneeType = "role"
)

// TimeoutPolicy controls what the deadline monitor does with a task whose
// grace period has elapsed.
type TimeoutPolicy string

const (
	TimeoutPolicyReject TimeoutPolicy = "reject" // Safe default: auto-reject and block the workflow
	TimeoutPolicySkip   TimeoutPolicy = "skip"   // Pass the step through so the workflow can proceed
)

// StepDisposition is the terminal outcome of a whole step, derived from its tasks.
type StepDisposition string

const (
	StepDispositionApproved  StepDisposition = "approved"
	StepDispositionRejected  StepDisposition = "rejected"
	StepDispositionCancelled StepDisposition = "cancelled"
)

// AssigneeRule describes who a step's tasks should be assigned to: either a
// concrete user, or every holder of a role within the document's organization.
type AssigneeRule struct {
	Type     AssigneeType `json:"type"`
	UserID   *uuid.UUID   `json:"userId,omitempty"`
	RoleCode string       `json:"roleCode,omitempty"`
}

// Validate checks that the rule is internally consistent.
func (r AssigneeRule) Validate() error {
	switch r.Type {
	case AssigneeTypeUser:
		if r.UserID == nil || *r.UserID == uuid.Nil {
			return fmt.Errorf("user assignee rule must specify a userId")
		}
	case AssigneeTypeRole:
		if strings.TrimSpace(r.RoleCode) == "" {
			return fmt.Errorf("role assignee rule must specify a roleCode")
		}
	default:
		return fmt.Errorf("unknown assignee type %q", r.Type)
	}
	return nil
}

// DecisionContext is the accumulated state a branch predicate is evaluated
// against: the disposition of every completed step plus instance metadata.
type DecisionContext struct {
	Dispositions map[string]StepDisposition
	Metadata     map[string]any
}

// BranchPredicate is a recursive boolean expression attached to a step of a
// conditional workflow. Exactly one of the following must be present:
//   - AnyOf: OR across child predicates
//   - AllOf: AND across child predicates
//   - Leaf condition: StepID with an expected Disposition, or a MetadataKey
//     with an expected Equals value
type BranchPredicate struct {
	AnyOf []BranchPredicate `json:"anyOf,omitempty"`
	AllOf []BranchPredicate `json:"allOf,omitempty"`

	StepID      string           `json:"stepId,omitempty"`
	Disposition *StepDisposition `json:"disposition,omitempty"`

	MetadataKey string  `json:"metadataKey,omitempty"`
	Equals      *string `json:"equals,omitempty"`
}

// Validate checks that the predicate is well-formed.
func (p BranchPredicate) Validate() error {
	return p.validate("predicate")
}

func (p BranchPredicate) validate(path string) error {
	hasAny := len(p.AnyOf) > 0
	hasAll := len(p.AllOf) > 0
	hasStepLeaf := p.StepID != "" || p.Disposition != nil
	hasMetaLeaf := p.MetadataKey != "" || p.Equals != nil

	definedCount := 0
	if hasAny {
		definedCount++
	}
	if hasAll {
		definedCount++
	}
	if hasStepLeaf {
		definedCount++
	}
	if hasMetaLeaf {
		definedCount++
	}

	if definedCount == 0 {
		return fmt.Errorf("%s must define one of anyOf, allOf, a step condition, or a metadata condition", path)
	}
	if definedCount > 1 {
		return fmt.Errorf("%s must define exactly one of anyOf, allOf, a step condition, or a metadata condition", path)
	}

	if hasAny {
		for i, child := range p.AnyOf {
			if err := child.validate(fmt.Sprintf("%s.anyOf[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	}
	if hasAll {
		for i, child := range p.AllOf {
			if err := child.validate(fmt.Sprintf("%s.allOf[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	}
	if hasStepLeaf {
		if p.StepID == "" {
			return fmt.Errorf("%s step condition is missing stepId", path)
		}
		if p.Disposition == nil {
			return fmt.Errorf("%s step condition is missing disposition", path)
		}
		return nil
	}
	if p.MetadataKey == "" {
		return fmt.Errorf("%s metadata condition is missing metadataKey", path)
	}
	if p.Equals == nil {
		return fmt.Errorf("%s metadata condition is missing equals", path)
	}
	return nil
}

// Evaluate reports whether the predicate is satisfied by the decision context.
func (p BranchPredicate) Evaluate(ctx DecisionContext) bool {
	if len(p.AnyOf) > 0 {
		for _, child := range p.AnyOf {
			if child.Evaluate(ctx) {
				return true
			}
		}
		return false
	}

	if len(p.AllOf) > 0 {
		for _, child := range p.AllOf {
			if !child.Evaluate(ctx) {
				return false
			}
		}
		return true
	}

	if p.StepID != "" {
		disposition, exists := ctx.Dispositions[p.StepID]
		if !exists {
			return false
		}
		return p.Disposition != nil && disposition == *p.Disposition
	}

	value, exists := ctx.Metadata[p.MetadataKey]
	if !exists {
		return false
	}
	return p.Equals != nil && fmt.Sprintf("%v", value) == *p.Equals
}

// StepSpec is one stage of a workflow definition's step graph.
type StepSpec struct {
	ID            string           `json:"id"`                      // Stable identifier, unique within the graph
	Name          string           `json:"name"`                    // Human-readable step name, used as the task name
	Assignee      AssigneeRule     `json:"assignee"`                // Who the step's tasks go to
	RequiresAll   bool             `json:"requiresAll,omitempty"`   // All fanned-out tasks must decide (default: first responder wins)
	Predicate     *BranchPredicate `json:"predicate,omitempty"`     // Branch selection condition (conditional workflows)
	Fallback      bool             `json:"fallback,omitempty"`      // Activates when no predicate of the wave matches
	OnTimeout     TimeoutPolicy    `json:"onTimeout,omitempty"`     // Policy applied after the escalation grace period
	DeadlineHours int              `json:"deadlineHours,omitempty"` // Per-task deadline; 0 falls back to the engine default
}

// StepGraph is the ordered list of step specs that make up a definition.
type StepGraph []StepSpec

// Find returns the step spec with the given ID, or nil.
func (g StepGraph) Find(stepID string) *StepSpec {
	for i := range g {
		if g[i].ID == stepID {
			return &g[i]
		}
	}
	return nil
}

// Validate checks the step graph against the scheduling rules of the given
// workflow type. Configuration problems here are caught at definition-create
// time rather than surfacing as blocked instances later.
func (g StepGraph) Validate(workflowType WorkflowType) error {
	if len(g) == 0 {
		return fmt.Errorf("step graph must have at least one step")
	}

	seen := make(map[string]bool, len(g))
	fallbacks := 0
	predicates := 0
	for i, step := range g {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("step %d is missing an id", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step %q is missing a name", step.ID)
		}
		if err := step.Assignee.Validate(); err != nil {
			return fmt.Errorf("step %q: %w", step.ID, err)
		}
		if step.RequiresAll && step.Assignee.Type != AssigneeTypeRole {
			return fmt.Errorf("step %q: requiresAll is only meaningful for role assignees", step.ID)
		}
		if step.OnTimeout != "" && step.OnTimeout != TimeoutPolicyReject && step.OnTimeout != TimeoutPolicySkip {
			return fmt.Errorf("step %q has unknown onTimeout policy %q", step.ID, step.OnTimeout)
		}
		if step.DeadlineHours < 0 {
			return fmt.Errorf("step %q has negative deadlineHours", step.ID)
		}
		if step.Predicate != nil {
			predicates++
			if err := step.Predicate.Validate(); err != nil {
				return fmt.Errorf("step %q: %w", step.ID, err)
			}
			for _, ref := range step.Predicate.referencedStepIDs() {
				if !seen[ref] {
					return fmt.Errorf("step %q predicate references step %q which is not an earlier step", step.ID, ref)
				}
			}
		}
		if step.Fallback {
			fallbacks++
			if step.Predicate != nil {
				return fmt.Errorf("step %q cannot be both a fallback and carry a predicate", step.ID)
			}
		}
	}

	switch workflowType {
	case WorkflowTypeSequential, WorkflowTypeParallel:
		if predicates > 0 || fallbacks > 0 {
			return fmt.Errorf("%s workflows cannot carry branch predicates or fallback steps", workflowType)
		}
	case WorkflowTypeConditional, WorkflowTypeCustom:
		if predicates == 0 {
			return fmt.Errorf("%s workflows require at least one step with a branch predicate", workflowType)
		}
	default:
		return fmt.Errorf("unknown workflow type %q", workflowType)
	}

	return nil
}

// referencedStepIDs collects every step ID mentioned by the predicate tree.
func (p BranchPredicate) referencedStepIDs() []string {
	var ids []string
	if p.StepID != "" {
		ids = append(ids, p.StepID)
	}
	for _, child := range p.AnyOf {
		ids = append(ids, child.referencedStepIDs()...)
	}
	for _, child := range p.AllOf {
		ids = append(ids, child.referencedStepIDs()...)
	}
	return ids
}

// WorkflowDefinition is an immutable approval workflow template for one
// organization and document type. Once an instance has been created from a
// definition it is frozen; edits require a new code/version.
type WorkflowDefinition struct {
	BaseModel
	Name                 string         `gorm:"type:varchar(100);column:name;not null" json:"name"`                                   // Name of the workflow definition
	Code                 string         `gorm:"type:varchar(100);column:code;not null;uniqueIndex" json:"code"`                       // Unique definition code (doubles as the version handle)
	Description          string         `gorm:"type:text;column:description" json:"description"`                                      // Description of the workflow definition
	WorkflowType         WorkflowType   `gorm:"type:varchar(50);column:workflow_type;not null" json:"workflowType"`                   // Scheduling topology
	OrganizationID       uuid.UUID      `gorm:"type:uuid;column:organization_id;not null" json:"organizationId"`                      // Owning organization
	DocumentType         string         `gorm:"type:varchar(100);column:document_type;not null" json:"documentType"`                  // Document type this definition applies to
	StepGraph            StepGraph      `gorm:"type:jsonb;column:definition;not null;serializer:json" json:"stepGraph"`               // Ordered step specs
	IsActive             bool           `gorm:"type:boolean;column:is_active;not null;default:true" json:"isActive"`                  // Whether new instances may be created
	IsDefault            bool           `gorm:"type:boolean;column:is_default;not null;default:false" json:"isDefault"`               // Default for (organization, documentType)
	EscalationGraceHours int            `gorm:"type:integer;column:escalation_grace_hours;not null;default:0" json:"escalationGraceHours"` // Grace between escalation and timeout action; 0 uses the engine default
	Metadata             map[string]any `gorm:"type:jsonb;column:metadata;serializer:json" json:"metadata,omitempty"`                 // Free-form metadata
}

func (d *WorkflowDefinition) TableName() string {
	return "approval_workflows"
}

// Validate checks the definition's own fields plus its step graph.
func (d *WorkflowDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("definition name cannot be empty")
	}
	if strings.TrimSpace(d.Code) == "" {
		return fmt.Errorf("definition code cannot be empty")
	}
	if d.OrganizationID == uuid.Nil {
		return fmt.Errorf("definition organization ID cannot be nil")
	}
	if strings.TrimSpace(d.DocumentType) == "" {
		return fmt.Errorf("definition document type cannot be empty")
	}
	if d.EscalationGraceHours < 0 {
		return fmt.Errorf("escalation grace hours cannot be negative")
	}
	return d.StepGraph.Validate(d.WorkflowType)
}
