package game

import (
	"context"
	"fmt"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/model"
	"github.com/NicolasHaas/questboard/pkg/notify"
	"github.com/NicolasHaas/questboard/pkg/rbac"
)

// Membership moves players between a session's requests and players sets.
// Capacity is never enforced; max players is advisory for the master.
type Membership struct {
	core
}

// NewMembership returns a Membership over deps.
func NewMembership(deps Deps) *Membership {
	return &Membership{core: newCore(deps)}
}

// Apply files playerID as an applicant of an open session. Applying again
// while pending or accepted changes nothing.
func (m *Membership) Apply(ctx context.Context, sessionID, playerID int64) error {
	var added bool
	err := m.withSession(ctx, "apply", sessionID, func(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) ([]notify.Event, error) {
		if gs.Status != model.StatusRecruitingOpen {
			return nil, apperrors.InvalidTransitionf("session %d is not recruiting", gs.ID)
		}
		if playerID == gs.MasterID {
			return nil, apperrors.PermissionDeniedf("master cannot apply to own session %d", gs.ID)
		}
		player, err := tx.GetUser(ctx, playerID)
		if err != nil {
			return nil, fmt.Errorf("game: apply: %w", err)
		}
		if player == nil {
			return nil, apperrors.NotFoundf("user %d not found", playerID)
		}
		if err := rbac.Require(player.Roles, model.PermApply); err != nil {
			return nil, err
		}

		if added, err = gs.AddRequest(playerID); err != nil || !added {
			return nil, err
		}
		if err := tx.SaveSession(ctx, gs); err != nil {
			return nil, fmt.Errorf("game: apply: %w", err)
		}
		return []notify.Event{m.event(notify.KindRequestReceived, gs, playerID, playerID, gs.MasterID)}, nil
	})
	if err != nil {
		return err
	}
	if added {
		m.logger.Info("application received", "session_id", sessionID, "player_id", playerID)
	} else {
		m.logger.Debug("duplicate application ignored", "session_id", sessionID, "player_id", playerID)
	}
	return nil
}

// decide runs a master decision on one member of a session that is not completed.
func (m *Membership) decide(ctx context.Context, op string, sessionID, actor, playerID int64, kind notify.Kind, change func(*model.GameSession) error) error {
	err := m.withSession(ctx, op, sessionID, func(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) ([]notify.Event, error) {
		if err := requireMaster(gs, actor); err != nil {
			return nil, err
		}
		if err := requireNotCompleted(gs); err != nil {
			return nil, err
		}
		if err := change(gs); err != nil {
			return nil, err
		}
		if err := tx.SaveSession(ctx, gs); err != nil {
			return nil, fmt.Errorf("game: %s: %w", op, err)
		}
		if kind != notify.KindApplicationAccepted {
			if err := tx.DeletePlacement(ctx, playerID, gs.ID, model.RolePlayer); err != nil {
				return nil, fmt.Errorf("game: %s: %w", op, err)
			}
		}
		return []notify.Event{m.event(kind, gs, actor, playerID, playerID)}, nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("membership changed", "op", op, "session_id", sessionID, "player_id", playerID)
	return nil
}

// Accept moves playerID from requests to players.
func (m *Membership) Accept(ctx context.Context, sessionID, actor, playerID int64) error {
	return m.decide(ctx, "accept", sessionID, actor, playerID, notify.KindApplicationAccepted,
		func(gs *model.GameSession) error { return gs.AcceptRequest(playerID) })
}

// Decline drops playerID's pending request.
func (m *Membership) Decline(ctx context.Context, sessionID, actor, playerID int64) error {
	return m.decide(ctx, "decline", sessionID, actor, playerID, notify.KindApplicationDeclined,
		func(gs *model.GameSession) error { return gs.DeclineRequest(playerID) })
}

// Kick removes an accepted player. The player may apply again later.
func (m *Membership) Kick(ctx context.Context, sessionID, actor, playerID int64) error {
	return m.decide(ctx, "kick", sessionID, actor, playerID, notify.KindPlayerKicked,
		func(gs *model.GameSession) error { return gs.RemovePlayer(playerID) })
}

// Leave withdraws playerID from the session in any status.
func (m *Membership) Leave(ctx context.Context, sessionID, playerID int64) error {
	err := m.withSession(ctx, "leave", sessionID, func(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) ([]notify.Event, error) {
		return leave(ctx, &m.core, tx, gs, playerID)
	})
	if err != nil {
		return err
	}
	m.logger.Info("player left", "session_id", sessionID, "player_id", playerID)
	return nil
}

// leave removes playerID from the session and from their own lists.
func leave(ctx context.Context, c *core, tx datastore.DataStoreTx, gs *model.GameSession, playerID int64) ([]notify.Event, error) {
	if err := gs.RemoveMember(playerID); err != nil {
		return nil, err
	}
	if err := tx.SaveSession(ctx, gs); err != nil {
		return nil, fmt.Errorf("game: leave: %w", err)
	}
	if err := tx.DeletePlacement(ctx, playerID, gs.ID, model.RolePlayer); err != nil {
		return nil, fmt.Errorf("game: leave: %w", err)
	}
	return []notify.Event{c.event(notify.KindPlayerLeft, gs, playerID, playerID, gs.MasterID)}, nil
}
