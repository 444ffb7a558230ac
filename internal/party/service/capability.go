package service

import (
	"context"

	"github.com/squadup/partyhub/internal/party/domain"
	apperrors "github.com/squadup/partyhub/internal/platform/errors"
)

// RoleProvider answers whether a user holds an elevated (moderator) role.
// Deployments plug their own implementation; the engine only asks this one
// question and never caches the answer.
type RoleProvider interface {
	HasElevatedRole(ctx context.Context, userID string) (bool, error)
}

// RoleProviderFunc adapts a function to the RoleProvider interface.
type RoleProviderFunc func(ctx context.Context, userID string) (bool, error)

// HasElevatedRole implements RoleProvider.
func (f RoleProviderFunc) HasElevatedRole(ctx context.Context, userID string) (bool, error) {
	return f(ctx, userID)
}

// NoElevatedRoles is the default provider: nobody is elevated.
func NoElevatedRoles() RoleProvider {
	return RoleProviderFunc(func(context.Context, string) (bool, error) {
		return false, nil
	})
}

// manageLevel classifies an actor's authority over a party. Evaluated once
// per action; every permission branch keys off the returned level.
type manageLevel int

const (
	manageNone manageLevel = iota
	manageOwner
	manageElevated
)

// canManage resolves the actor's level. Elevation wins over ownership, so an
// elevated owner follows the elevated rules.
func (s *Service) canManage(ctx context.Context, actorID string, party domain.Party) (manageLevel, error) {
	elevated, err := s.roles.HasElevatedRole(ctx, actorID)
	if err != nil {
		return manageNone, err
	}
	if elevated {
		return manageElevated, nil
	}
	if actorID == party.OwnerID {
		return manageOwner, nil
	}
	return manageNone, nil
}

// requireManager returns nil when actorID may manage the party (owner or
// elevated role) and a FORBIDDEN error otherwise.
func (s *Service) requireManager(ctx context.Context, actorID string, party domain.Party) error {
	level, err := s.canManage(ctx, actorID, party)
	if err != nil {
		return err
	}
	if level == manageNone {
		return apperrors.WithMetadata(apperrors.CodeForbidden, "actor may not manage this party", map[string]string{
			"party_id": party.ID,
			"actor_id": actorID,
		})
	}
	return nil
}
