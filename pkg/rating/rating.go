// Package rating records the scores participants of a completed session
// give each other and aggregates them per role profile.
package rating

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
	"github.com/NicolasHaas/questboard/pkg/rbac"
)

// Deps are the collaborators of an Aggregator.
type Deps struct {
	Store    datastore.DataProviderFactory
	Notifier notify.Notifier
	Locks    *keylock.Locker
	Logger   *slog.Logger
	Now      func() time.Time
}

// Aggregator writes reviews and recomputes ratings.
type Aggregator struct {
	store    datastore.DataProviderFactory
	notifier notify.Notifier
	locks    *keylock.Locker
	logger   *slog.Logger
	now      func() time.Time
}

// NewAggregator returns an Aggregator over deps, filling unset fields with defaults.
func NewAggregator(deps Deps) *Aggregator {
	a := &Aggregator{
		store:    deps.Store,
		notifier: deps.Notifier,
		locks:    deps.Locks,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if a.notifier == nil {
		a.notifier = notify.Nop{}
	}
	if a.locks == nil {
		a.locks = keylock.New()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a
}

// Report summarizes the reviews of one role profile.
type Report struct {
	Rating  float64       `json:"rating"`
	Count   int           `json:"count"`
	Reviews model.Reviews `json:"reviews"`
}

// Rate stores raterID's score for rateeID in rateeRole, replacing any earlier
// score by the same rater, and returns the ratee's new rating.
func (a *Aggregator) Rate(ctx context.Context, sessionID, raterID, rateeID int64, rateeRole model.Role, score int) (float64, error) {
	if err := model.ValidateScore(score); err != nil {
		return 0, err
	}
	if !rateeRole.Valid() {
		return 0, model.ErrInvalidRole
	}

	unlock := a.locks.Lock(keylock.ReviewKey(rateeRole.String(), rateeID))
	defer unlock()

	tx, err := a.store.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("rating: rate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	gs, err := tx.GetSession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("rating: rate: %w", err)
	}
	if gs == nil {
		return 0, apperrors.NotFoundf("session %d not found", sessionID)
	}
	if gs.Status != model.StatusCompleted {
		return 0, apperrors.InvalidTransitionf("session %d is not completed", sessionID)
	}
	if !gs.Participated(raterID) {
		return 0, apperrors.NotFoundf("user %d did not take part in session %d", raterID, sessionID)
	}
	if !gs.Participated(rateeID) || !gs.Holds(rateeID, rateeRole) {
		return 0, apperrors.NotFoundf("user %d was not the %s of session %d", rateeID, rateeRole, sessionID)
	}
	if raterID == rateeID {
		return 0, apperrors.Validationf("user %d cannot rate themselves", raterID)
	}
	ratee, err := tx.GetUser(ctx, rateeID)
	if err != nil {
		return 0, fmt.Errorf("rating: rate: %w", err)
	}
	if ratee == nil {
		return 0, apperrors.NotFoundf("user %d not found", rateeID)
	}
	if err := rbac.RequireAs(ratee.Roles, rateeRole, model.PermReceiveReview); err != nil {
		return 0, err
	}

	err = tx.PutReview(ctx, model.Review{
		RateeID:   rateeID,
		Role:      rateeRole,
		RaterID:   raterID,
		Score:     score,
		UpdatedAt: a.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("rating: rate: %w", err)
	}
	reviews, err := tx.ListReviews(ctx, rateeID, rateeRole)
	if err != nil {
		return 0, fmt.Errorf("rating: rate: %w", err)
	}
	rating := reviews.Mean()

	e := notify.NewEvent(notify.KindRatingRecorded, a.now())
	e.SessionID = gs.ID
	e.Title = gs.Title
	e.ActorID = raterID
	e.SubjectID = rateeID
	e.Recipients = []int64{rateeID}
	e.Score = score
	e.Rating = rating
	if err := notify.Stage(ctx, a.notifier, tx, e); err != nil {
		a.logger.Warn("notification staging failed", "kind", e.Kind, "session_id", e.SessionID, "event_id", e.ID, "error", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("rating: rate: commit: %w", err)
	}

	a.logger.Info("rating recorded",
		"session_id", sessionID,
		"rater_id", raterID,
		"ratee_id", rateeID,
		"role", rateeRole.String(),
		"score", score,
		"rating", rating,
	)
	if err := notify.Publish(ctx, a.notifier, e); err != nil {
		a.logger.Warn("notification failed", "kind", e.Kind, "session_id", e.SessionID, "event_id", e.ID, "error", err)
	}
	return rating, nil
}

// Report returns the reviews of userID's role profile.
func (a *Aggregator) Report(ctx context.Context, userID int64, role model.Role) (Report, error) {
	if !role.Valid() {
		return Report{}, model.ErrInvalidRole
	}
	ds := a.store.NonTx()
	u, err := ds.GetUser(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("rating: report: %w", err)
	}
	if u == nil {
		return Report{}, apperrors.NotFoundf("user %d not found", userID)
	}
	reviews, err := ds.ListReviews(ctx, userID, role)
	if err != nil {
		return Report{}, fmt.Errorf("rating: report: %w", err)
	}
	return Report{Rating: reviews.Mean(), Count: len(reviews), Reviews: reviews}, nil
}
