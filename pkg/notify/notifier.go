package notify

import (
	"context"
	"errors"

	"github.com/NicolasHaas/questboard/pkg/datastore"
)

// Notifier receives events after commit.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// TxNotifier is a Notifier that records events inside the transaction that
// causes them. Staged events are announced with Committed, not Notify.
type TxNotifier interface {
	Notifier
	Stage(ctx context.Context, tx datastore.OutboxProvider, e Event) error
	Committed(ctx context.Context, e Event) error
}

// Stage records e in tx when n is a TxNotifier. It is a no-op otherwise.
func Stage(ctx context.Context, n Notifier, tx datastore.OutboxProvider, e Event) error {
	if t, ok := n.(TxNotifier); ok {
		return t.Stage(ctx, tx, e)
	}
	return nil
}

// Publish announces e once the transaction that staged it has committed.
func Publish(ctx context.Context, n Notifier, e Event) error {
	if t, ok := n.(TxNotifier); ok {
		return t.Committed(ctx, e)
	}
	return n.Notify(ctx, e)
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, e Event) error

func (f Func) Notify(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier, even when some fail,
// and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stage stages e into every member that is a TxNotifier.
func (m Multi) Stage(ctx context.Context, tx datastore.OutboxProvider, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := Stage(ctx, n, tx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Committed publishes e to every member.
func (m Multi) Committed(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := Publish(ctx, n, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
