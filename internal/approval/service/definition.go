package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aibidcomposer/approval-engine/internal/approval/model"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
)

// DefinitionService manages workflow definition templates. Definitions are
// immutable once an instance has been created from them; changes require a
// new code.
type DefinitionService struct {
	definitions store.DefinitionStore
}

func NewDefinitionService(definitions store.DefinitionStore) *DefinitionService {
	return &DefinitionService{definitions: definitions}
}

// CreateDefinition validates and persists a new workflow definition. When it
// is flagged as the default, the store clears the previous default for the
// (organization, documentType) pair in the same transaction.
func (s *DefinitionService) CreateDefinition(ctx context.Context, dto model.CreateDefinitionDTO) (*model.WorkflowDefinition, error) {
	def := &model.WorkflowDefinition{
		Name:                 dto.Name,
		Code:                 dto.Code,
		Description:          dto.Description,
		WorkflowType:         dto.WorkflowType,
		OrganizationID:       dto.OrganizationID,
		DocumentType:         dto.DocumentType,
		StepGraph:            dto.StepGraph,
		IsActive:             true,
		IsDefault:            dto.IsDefault,
		EscalationGraceHours: dto.EscalationGraceHours,
		Metadata:             dto.Metadata,
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := s.definitions.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	slog.Info("workflow definition created",
		"definitionID", def.ID,
		"code", def.Code,
		"workflowType", def.WorkflowType,
	)
	return def, nil
}

// GetDefinition fetches a definition by ID.
func (s *DefinitionService) GetDefinition(ctx context.Context, id uuid.UUID) (*model.WorkflowDefinition, error) {
	return s.definitions.GetDefinitionByID(ctx, id)
}

// GetDefinitionByCode fetches a definition by its unique code.
func (s *DefinitionService) GetDefinitionByCode(ctx context.Context, code string) (*model.WorkflowDefinition, error) {
	return s.definitions.GetDefinitionByCode(ctx, code)
}

// GetDefaultDefinition fetches the default definition for an organization and
// document type.
func (s *DefinitionService) GetDefaultDefinition(ctx context.Context, organizationID uuid.UUID, documentType string) (*model.WorkflowDefinition, error) {
	return s.definitions.GetDefaultDefinition(ctx, organizationID, documentType)
}

// ListDefinitions returns every definition of an organization.
func (s *DefinitionService) ListDefinitions(ctx context.Context, organizationID uuid.UUID) ([]model.WorkflowDefinition, error) {
	return s.definitions.ListDefinitions(ctx, organizationID)
}

// SetActive toggles whether new instances may be created from the
// definition. Deactivating never affects instances already in flight, which
// keep running against the definition they started with.
func (s *DefinitionService) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.definitions.SetDefinitionActive(ctx, id, active)
}

// EnsureEditable reports ErrDefinitionFrozen once any instance has been
// created from the definition.
func (s *DefinitionService) EnsureEditable(ctx context.Context, id uuid.UUID) error {
	count, err := s.definitions.CountInstancesForDefinition(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDefinitionFrozen
	}
	return nil
}
