// Package profile manages user registration, the player and master
// sub-profiles, and the per-user session lists.
package profile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/keylock"
	"github.com/NicolasHaas/questboard/pkg/model"
)

// Service reads and writes user profiles. Reviews never pass through it.
type Service struct {
	store  datastore.DataProviderFactory
	locks  *keylock.Locker
	logger *slog.Logger
}

// NewService returns a Service. locks may be shared with other services; nil gets a private one.
func NewService(store datastore.DataProviderFactory, locks *keylock.Locker, logger *slog.Logger) *Service {
	if locks == nil {
		locks = keylock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, locks: locks, logger: logger}
}

// Register creates u or updates the general fields of an existing user.
// Roles and sub-profiles of an existing user are kept; on a new user they
// are taken from u.
func (s *Service) Register(ctx context.Context, u model.User) (*model.User, error) {
	var created bool
	out, err := s.update(ctx, "register", u.ID, func(existing *model.User) (*model.User, error) {
		if existing == nil {
			created = true
			next := u
			if next.Player != nil {
				next.Roles = next.Roles.With(model.RolePlayer)
			}
			if next.Master != nil {
				next.Roles = next.Roles.With(model.RoleMaster)
			}
			return &next, nil
		}
		next := *existing
		next.Name = u.Name
		next.Age = u.Age
		next.City = u.City
		next.TimeZone = u.TimeZone
		next.Formats = u.Formats
		next.Bio = u.Bio
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("user registered", "user_id", out.ID)
	} else {
		s.logger.Debug("user updated", "user_id", out.ID)
	}
	return out, nil
}

// SetPlayerProfile replaces the player profile of userID and grants the player role.
func (s *Service) SetPlayerProfile(ctx context.Context, userID int64, p model.PlayerProfile) (*model.User, error) {
	p.Reviews = nil
	out, err := s.update(ctx, "set player profile", userID, func(existing *model.User) (*model.User, error) {
		if existing == nil {
			return nil, apperrors.NotFoundf("user %d not found", userID)
		}
		next := *existing
		next.Player = &p
		next.Roles = next.Roles.With(model.RolePlayer)
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("player profile set", "user_id", userID)
	return out, nil
}

// SetMasterProfile replaces the master profile of userID and grants the master role.
func (s *Service) SetMasterProfile(ctx context.Context, userID int64, m model.MasterProfile) (*model.User, error) {
	m.Reviews = nil
	out, err := s.update(ctx, "set master profile", userID, func(existing *model.User) (*model.User, error) {
		if existing == nil {
			return nil, apperrors.NotFoundf("user %d not found", userID)
		}
		next := *existing
		next.Master = &m
		next.Roles = next.Roles.With(model.RoleMaster)
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("master profile set", "user_id", userID)
	return out, nil
}

// Get returns the user with both sub-profiles and their reviews.
func (s *Service) Get(ctx context.Context, userID int64) (*model.User, error) {
	u, err := s.store.NonTx().GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("profile: get: %w", err)
	}
	if u == nil {
		return nil, apperrors.NotFoundf("user %d not found", userID)
	}
	return u, nil
}

// Sessions lists the sessions userID holds in role that are filed in folder.
func (s *Service) Sessions(ctx context.Context, userID int64, role model.Role, folder model.Folder) ([]model.GameSession, error) {
	if !role.Valid() {
		return nil, model.ErrInvalidRole
	}
	if !folder.Valid() {
		return nil, model.ErrInvalidFolder
	}
	if _, err := s.Get(ctx, userID); err != nil {
		return nil, err
	}
	list, err := s.store.NonTx().ListUserSessions(ctx, userID, role, folder)
	if err != nil {
		return nil, fmt.Errorf("profile: sessions: %w", err)
	}
	return list, nil
}

// update loads userID under its lock, applies fn and saves the result.
// fn receives nil when the user does not exist.
func (s *Service) update(ctx context.Context, op string, userID int64, fn func(*model.User) (*model.User, error)) (*model.User, error) {
	unlock := s.locks.Lock(keylock.UserKey(userID))
	defer unlock()

	tx, err := s.store.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("profile: %s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := tx.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("profile: %s: %w", op, err)
	}
	next, err := fn(existing)
	if err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := tx.SaveUser(ctx, next); err != nil {
		return nil, fmt.Errorf("profile: %s: %w", op, err)
	}
	saved, err := tx.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("profile: %s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("profile: %s: commit: %w", op, err)
	}
	return saved, nil
}
