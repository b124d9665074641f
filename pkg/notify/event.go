// Package notify carries domain events from the session core to whatever
// messaging layer delivers them to users.
//
// Events are fired after the state change they describe has been committed.
// A Notifier that fails never undoes that change; callers log the failure.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Kind names what happened.
type Kind string

const (
	KindRequestReceived     Kind = "request_received"
	KindApplicationAccepted Kind = "application_accepted"
	KindApplicationDeclined Kind = "application_declined"
	KindPlayerKicked        Kind = "player_kicked"
	KindPlayerLeft          Kind = "player_left"
	KindSessionOpened       Kind = "session_opened"
	KindSessionClosed       Kind = "session_closed"
	KindSessionCompleted    Kind = "session_completed"
	KindSessionDeleted      Kind = "session_deleted"
	KindRatingRecorded      Kind = "rating_recorded"
)

// Kinds lists every event kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindRequestReceived,
		KindApplicationAccepted,
		KindApplicationDeclined,
		KindPlayerKicked,
		KindPlayerLeft,
		KindSessionOpened,
		KindSessionClosed,
		KindSessionCompleted,
		KindSessionDeleted,
		KindRatingRecorded,
	}
}

// Event describes one committed change. Recipients are the users the
// messaging layer should tell about it.
type Event struct {
	ID         string    `cbor:"id" json:"id"`
	Kind       Kind      `cbor:"kind" json:"kind"`
	SessionID  int64     `cbor:"session_id" json:"session_id"`
	Title      string    `cbor:"title,omitempty" json:"title,omitempty"`
	ActorID    int64     `cbor:"actor_id" json:"actor_id"`
	SubjectID  int64     `cbor:"subject_id,omitempty" json:"subject_id,omitempty"`
	Recipients []int64   `cbor:"recipients,omitempty" json:"recipients,omitempty"`
	Score      int       `cbor:"score,omitempty" json:"score,omitempty"`
	Rating     float64   `cbor:"rating,omitempty" json:"rating,omitempty"`
	At         time.Time `cbor:"at" json:"at"`
}

// NewEvent returns an event of kind with a fresh id, stamped at.
func NewEvent(kind Kind, at time.Time) Event {
	return Event{
		ID:   uuid.NewString(),
		Kind: kind,
		At:   at.UTC(),
	}
}
