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

// Lifecycle drives a session through its recruiting states and manages
// per-user folders.
type Lifecycle struct {
	core
}

// NewLifecycle returns a Lifecycle over deps.
func NewLifecycle(deps Deps) *Lifecycle {
	return &Lifecycle{core: newCore(deps)}
}

// Create posts a new session hosted by actor. Blank cost, place, platform
// and requirements are taken from the actor's master profile. The session
// starts with recruiting closed.
func (l *Lifecycle) Create(ctx context.Context, actor int64, details model.Details) (*model.GameSession, error) {
	tx, err := l.store.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("game: create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	master, err := tx.GetUser(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("game: create: %w", err)
	}
	if master == nil {
		return nil, apperrors.NotFoundf("user %d not found", actor)
	}
	if err := rbac.Require(master.Roles, model.PermHostSession); err != nil {
		return nil, err
	}
	if master.Master == nil {
		return nil, apperrors.PermissionDeniedf("user %d has no master profile", actor)
	}

	details.System = model.ResolveSystem(details.System)
	applyMasterDefaults(&details, master.Master)
	gs := model.NewSession(actor, details)
	if err := tx.CreateSession(ctx, gs); err != nil {
		return nil, fmt.Errorf("game: create: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("game: create: commit: %w", err)
	}
	l.logger.Info("session created", "session_id", gs.ID, "master_id", actor, "title", gs.Title)
	return gs, nil
}

func applyMasterDefaults(d *model.Details, m *model.MasterProfile) {
	if d.Cost == "" {
		d.Cost = m.DefaultCost
	}
	if d.Place == "" {
		d.Place = m.DefaultPlace
	}
	if d.Platform == "" {
		d.Platform = m.DefaultPlatform
	}
	if d.Requirements == "" {
		d.Requirements = m.DefaultRequirements
	}
}

// Get returns session id.
func (l *Lifecycle) Get(ctx context.Context, id int64) (*model.GameSession, error) {
	gs, err := l.store.NonTx().GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("game: get: %w", err)
	}
	if gs == nil {
		return nil, apperrors.NotFoundf("session %d not found", id)
	}
	return gs, nil
}

// Edit replaces the descriptive fields of a session that is not completed.
// Status, master and membership are untouched.
func (l *Lifecycle) Edit(ctx context.Context, sessionID, actor int64, details model.Details) (*model.GameSession, error) {
	return l.Patch(ctx, sessionID, actor, func(d *model.Details) error {
		*d = details
		return nil
	})
}

// Patch applies fn to the current details under the session lock and saves
// the result. An error from fn aborts the edit unchanged.
func (l *Lifecycle) Patch(ctx context.Context, sessionID, actor int64, fn func(*model.Details) error) (*model.GameSession, error) {
	var out *model.GameSession
	err := l.withSession(ctx, "edit", sessionID, func(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) ([]notify.Event, error) {
		if err := requireMaster(gs, actor); err != nil {
			return nil, err
		}
		if err := requireNotCompleted(gs); err != nil {
			return nil, err
		}
		d := gs.Details
		if err := fn(&d); err != nil {
			return nil, err
		}
		d.System = model.ResolveSystem(d.System)
		gs.Details = d
		if err := tx.SaveSession(ctx, gs); err != nil {
			return nil, fmt.Errorf("game: edit: %w", err)
		}
		out = gs
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("session edited", "session_id", sessionID, "master_id", actor)
	return out, nil
}

// transition moves a session from one status to another on the master's behalf.
func (l *Lifecycle) transition(ctx context.Context, op string, sessionID, actor int64, from, to model.Status, kind notify.Kind, recipients func(*model.GameSession) []int64) error {
	err := l.withSession(ctx, op, sessionID, func(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) ([]notify.Event, error) {
		if err := requireMaster(gs, actor); err != nil {
			return nil, err
		}
		if gs.Status != from || !from.CanTransitionTo(to) {
			return nil, apperrors.InvalidTransitionf("session %d: cannot %s while %s", gs.ID, op, gs.Status)
		}
		gs.Status = to
		if err := tx.SaveSession(ctx, gs); err != nil {
			return nil, fmt.Errorf("game: %s: %w", op, err)
		}
		return []notify.Event{l.event(kind, gs, actor, 0, recipients(gs)...)}, nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("session status changed", "session_id", sessionID, "status", to)
	return nil
}

// Open starts recruiting: the session enters the open index.
func (l *Lifecycle) Open(ctx context.Context, sessionID, actor int64) error {
	return l.transition(ctx, "open", sessionID, actor,
		model.StatusRecruitingClosed, model.StatusRecruitingOpen, notify.KindSessionOpened, members)
}

// Close stops recruiting: the session leaves the open index.
func (l *Lifecycle) Close(ctx context.Context, sessionID, actor int64) error {
	return l.transition(ctx, "close", sessionID, actor,
		model.StatusRecruitingOpen, model.StatusRecruitingClosed, notify.KindSessionClosed, members)
}

// Complete marks the session played. confirmation must equal the title
// exactly; a mismatch is a validation error and may be retried.
func (l *Lifecycle) Complete(ctx context.Context, sessionID, actor int64, confirmation string) error {
	err := l.withSession(ctx, "complete", sessionID, func(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) ([]notify.Event, error) {
		if err := requireMaster(gs, actor); err != nil {
			return nil, err
		}
		if err := requireNotCompleted(gs); err != nil {
			return nil, err
		}
		if err := gs.Confirm(confirmation); err != nil {
			return nil, err
		}
		gs.Status = model.StatusCompleted
		if err := tx.SaveSession(ctx, gs); err != nil {
			return nil, fmt.Errorf("game: complete: %w", err)
		}
		return []notify.Event{l.event(notify.KindSessionCompleted, gs, actor, 0, gs.Players...)}, nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("session completed", "session_id", sessionID, "master_id", actor)
	return nil
}

// SetFolder files the session under folder in actor's list for role.
func (l *Lifecycle) SetFolder(ctx context.Context, sessionID, actor int64, role model.Role, folder model.Folder) error {
	if !role.Valid() {
		return model.ErrInvalidRole
	}
	if !folder.Valid() {
		return model.ErrInvalidFolder
	}
	err := l.withSession(ctx, "set folder", sessionID, func(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) ([]notify.Event, error) {
		if !gs.Holds(actor, role) {
			return nil, apperrors.NotFoundf("session %d is not in user %d's %s lists", gs.ID, actor, role)
		}
		if err := tx.SetPlacement(ctx, actor, gs.ID, role, folder); err != nil {
			return nil, fmt.Errorf("game: set folder: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	l.logger.Debug("session filed", "session_id", sessionID, "user_id", actor, "role", role, "folder", folder)
	return nil
}

// Delete removes a session on the master's request, or removes a player
// from it on theirs. Either way confirmation must equal the title.
func (l *Lifecycle) Delete(ctx context.Context, sessionID, actor int64, confirmation string) error {
	var byMaster bool
	err := l.withSession(ctx, "delete", sessionID, func(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) ([]notify.Event, error) {
		switch {
		case gs.MasterID == actor:
			if err := gs.Confirm(confirmation); err != nil {
				return nil, err
			}
			if err := tx.DeleteSession(ctx, gs.ID); err != nil {
				return nil, fmt.Errorf("game: delete: %w", err)
			}
			byMaster = true
			return []notify.Event{l.event(notify.KindSessionDeleted, gs, actor, 0, members(gs)...)}, nil

		case gs.IsMember(actor):
			if err := gs.Confirm(confirmation); err != nil {
				return nil, err
			}
			return leave(ctx, &l.core, tx, gs, actor)

		default:
			return nil, apperrors.NotFoundf("session %d not found for user %d", gs.ID, actor)
		}
	})
	if err != nil {
		return err
	}
	if byMaster {
		l.logger.Info("session deleted", "session_id", sessionID, "master_id", actor)
	} else {
		l.logger.Info("player removed session", "session_id", sessionID, "player_id", actor)
	}
	return nil
}
