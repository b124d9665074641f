// Package game runs the session state machine and the membership workflow.
//
// Every mutation holds the session's key lock and runs inside one datastore
// transaction: load, check, change, save, commit. Events are sent only after
// commit, and a failed notification is logged rather than returned.
package game

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/keylock"
	"github.com/NicolasHaas/questboard/pkg/model"
	"github.com/NicolasHaas/questboard/pkg/notify"
)

// Deps are the collaborators shared by Lifecycle and Membership. Both must
// be given the same Locks so their writes to a session serialize.
type Deps struct {
	Store    datastore.DataProviderFactory
	Notifier notify.Notifier
	Locks    *keylock.Locker
	Logger   *slog.Logger
	Now      func() time.Time
}

type core struct {
	store    datastore.DataProviderFactory
	notifier notify.Notifier
	locks    *keylock.Locker
	logger   *slog.Logger
	now      func() time.Time
}

func newCore(d Deps) core {
	c := core{
		store:    d.Store,
		notifier: d.Notifier,
		locks:    d.Locks,
		logger:   d.Logger,
		now:      d.Now,
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.locks == nil {
		c.locks = keylock.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// mutation changes a loaded session inside a transaction and returns the
// events to send once it commits.
type mutation func(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) ([]notify.Event, error)

// withSession runs fn on session id under its lock and in one transaction.
func (c *core) withSession(ctx context.Context, op string, id int64, fn mutation) error {
	unlock := c.locks.Lock(keylock.SessionKey(id))
	defer unlock()

	tx, err := c.store.Tx(ctx)
	if err != nil {
		return fmt.Errorf("game: %s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	gs, err := tx.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("game: %s: %w", op, err)
	}
	if gs == nil {
		return apperrors.NotFoundf("session %d not found", id)
	}

	events, err := fn(ctx, tx, gs)
	if err != nil {
		return err
	}
	c.stage(ctx, tx, events)
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("game: %s: commit: %w", op, err)
	}
	c.emit(ctx, events)
	return nil
}

// stage records events in tx for notifiers that keep an outbox.
func (c *core) stage(ctx context.Context, tx datastore.DataStoreTx, events []notify.Event) {
	for _, e := range events {
		if err := notify.Stage(ctx, c.notifier, tx, e); err != nil {
			c.logger.Warn("notification staging failed",
				"kind", e.Kind,
				"session_id", e.SessionID,
				"event_id", e.ID,
				"error", err,
			)
		}
	}
}

func (c *core) emit(ctx context.Context, events []notify.Event) {
	for _, e := range events {
		if err := notify.Publish(ctx, c.notifier, e); err != nil {
			c.logger.Warn("notification failed",
				"kind", e.Kind,
				"session_id", e.SessionID,
				"event_id", e.ID,
				"error", err,
			)
		}
	}
}

// event builds a notification about gs.
func (c *core) event(kind notify.Kind, gs *model.GameSession, actor, subject int64, recipients ...int64) notify.Event {
	e := notify.NewEvent(kind, c.now())
	e.SessionID = gs.ID
	e.Title = gs.Title
	e.ActorID = actor
	e.SubjectID = subject
	e.Recipients = recipients
	return e
}

func requireMaster(gs *model.GameSession, actor int64) error {
	if gs.MasterID != actor {
		return apperrors.PermissionDeniedf("user %d is not the master of session %d", actor, gs.ID)
	}
	return nil
}

func requireNotCompleted(gs *model.GameSession) error {
	if gs.Status == model.StatusCompleted {
		return apperrors.InvalidTransitionf("session %d is completed", gs.ID)
	}
	return nil
}

// members returns accepted players followed by pending applicants.
func members(gs *model.GameSession) []int64 {
	out := make([]int64, 0, len(gs.Players)+len(gs.Requests))
	out = append(out, gs.Players...)
	return append(out, gs.Requests...)
}
