package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/questboard/pkg/model"
)

// DataProviderFactory hands out providers over one backing store.
// Read-modify-write sequences go through Tx; single reads may use NonTx.
type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for all questboard entities.
// Getters return (nil, nil) when the entity does not exist.
type DataStore interface {
	UserReadProvider
	UserWriteProvider

	SessionReadProvider
	SessionWriteProvider

	PlacementWriteProvider

	ReviewReadProvider
	ReviewWriteProvider

	OutboxProvider
}

// Compile-time checks.
var (
	_ DataProviderFactory = (*ProviderFactory)(nil)
	_ DataProviderFactory = (*MemoryStore)(nil)
)

type UserReadProvider interface {
	// GetUser returns the user with both sub-profiles and their reviews attached.
	GetUser(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	// SaveUser inserts or updates the user and its sub-profiles. A nil
	// sub-profile is removed. Reviews are ignored; see PutReview.
	SaveUser(ctx context.Context, u *model.User) error
}

type SessionReadProvider interface {
	GetSession(ctx context.Context, id int64) (*model.GameSession, error)
	// ListOpenSessions returns every RecruitingOpen session in ascending id order.
	ListOpenSessions(ctx context.Context) ([]model.GameSession, error)
	ListSessions(ctx context.Context) ([]model.GameSession, error)
	// ListUserSessions derives a user's games (FolderActive) or archive
	// (FolderArchived) list for one role. Sessions without a placement row
	// are Active.
	ListUserSessions(ctx context.Context, userID int64, role model.Role, folder model.Folder) ([]model.GameSession, error)
}

type SessionWriteProvider interface {
	// CreateSession stores a new session. A zero ID is assigned by the store.
	CreateSession(ctx context.Context, s *model.GameSession) error
	// SaveSession replaces the stored session, membership included.
	SaveSession(ctx context.Context, s *model.GameSession) error
	// DeleteSession removes the session with its membership and placements.
	DeleteSession(ctx context.Context, id int64) error
}

type PlacementWriteProvider interface {
	SetPlacement(ctx context.Context, userID, sessionID int64, role model.Role, folder model.Folder) error
	DeletePlacement(ctx context.Context, userID, sessionID int64, role model.Role) error
}

type ReviewReadProvider interface {
	// ListReviews returns the reviews of one role profile, nil when there are none.
	ListReviews(ctx context.Context, rateeID int64, role model.Role) (model.Reviews, error)
}

type ReviewWriteProvider interface {
	// PutReview stores a review, replacing an earlier one by the same rater.
	PutReview(ctx context.Context, r model.Review) error
}

// OutboxEntry is one encoded notification awaiting delivery.
type OutboxEntry struct {
	ID          string
	Kind        string
	Payload     []byte
	CreatedAt   time.Time
	DeliveredAt time.Time
}

type OutboxProvider interface {
	AppendOutbox(ctx context.Context, e OutboxEntry) error
	// ListPendingOutbox returns undelivered entries oldest first.
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkOutboxDelivered(ctx context.Context, id string, at time.Time) error
	// PruneOutbox deletes entries delivered before cutoff and returns how many.
	PruneOutbox(ctx context.Context, cutoff time.Time) (int, error)
}
