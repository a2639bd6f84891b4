package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aibidcomposer/approval-engine/internal/approval/model"
	"github.com/aibidcomposer/approval-engine/internal/approval/store"
)

// AssigneeResolver turns an abstract assignee rule into the concrete set of
// eligible approver IDs at the moment a step activates. Resolution is a pure
// lookup against the external directory collaborator.
type AssigneeResolver interface {
	Resolve(ctx context.Context, rule model.AssigneeRule, organizationID uuid.UUID) ([]uuid.UUID, error)
}

// DirectoryResolver resolves assignee rules against the directory store
// projection.
type DirectoryResolver struct {
	directory store.DirectoryStore
}

func NewDirectoryResolver(directory store.DirectoryStore) *DirectoryResolver {
	return &DirectoryResolver{directory: directory}
}

func (r *DirectoryResolver) Resolve(ctx context.Context, rule model.AssigneeRule, organizationID uuid.UUID) ([]uuid.UUID, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	switch rule.Type {
	case model.AssigneeTypeUser:
		return []uuid.UUID{*rule.UserID}, nil
	case model.AssigneeTypeRole:
		members, err := r.directory.ListRoleMembers(ctx, organizationID, rule.RoleCode)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve role %q: %w", rule.RoleCode, err)
		}
		if len(members) == 0 {
			return nil, &UnresolvableAssigneeError{RoleCode: rule.RoleCode, OrganizationID: organizationID}
		}
		return members, nil
	default:
		return nil, fmt.Errorf("unknown assignee type %q", rule.Type)
	}
}
