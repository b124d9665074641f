package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/questboard/pkg/datastore"
)

// Outbox persists events in the datastore outbox table so a Relay can
// deliver them later. A staged event commits or rolls back with the change
// that caused it, so it survives a restart once that change does.
type Outbox struct {
	store datastore.DataProviderFactory
}

var _ TxNotifier = (*Outbox)(nil)

// NewOutbox returns an Outbox writing through store.
func NewOutbox(store datastore.DataProviderFactory) *Outbox {
	return &Outbox{store: store}
}

// Notify appends e outside any transaction.
func (o *Outbox) Notify(ctx context.Context, e Event) error {
	return o.Stage(ctx, o.store.NonTx(), e)
}

// Stage appends e through tx.
func (o *Outbox) Stage(ctx context.Context, tx datastore.OutboxProvider, e Event) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	entry := datastore.OutboxEntry{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Payload:   payload,
		CreatedAt: e.At,
	}
	if err := tx.AppendOutbox(ctx, entry); err != nil {
		return fmt.Errorf("notify: outbox: %w", err)
	}
	return nil
}

// Committed does nothing: the entry already committed with its transaction.
func (o *Outbox) Committed(context.Context, Event) error { return nil }

// Sink is the delivery end of the outbox, typically a chat transport.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Deliver(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// LogSink delivers events by logging them. It stands in until a real
// messaging layer is attached.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"id", e.ID,
		"kind", e.Kind,
		"session_id", e.SessionID,
		"actor_id", e.ActorID,
		"recipients", e.Recipients,
	)
	return nil
}

const (
	// DefaultBatchSize bounds how many entries one Relay pass handles.
	DefaultBatchSize = 100
	// DefaultRetention is how long delivered entries are kept before pruning.
	DefaultRetention = 24 * time.Hour
)

// Relay moves pending outbox entries to a Sink.
type Relay struct {
	store     datastore.DataProviderFactory
	sink      Sink
	logger    *slog.Logger
	now       func() time.Time
	batchSize int

	// Retention is how long delivered entries stay in the outbox. Zero or
	// negative keeps them forever.
	Retention time.Duration

	// OnDelivered, when set, is called after each successful delivery.
	OnDelivered func(Event)
}

// NewRelay returns a Relay draining store into sink.
func NewRelay(store datastore.DataProviderFactory, sink Sink, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:     store,
		sink:      sink,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		batchSize: DefaultBatchSize,
		Retention: DefaultRetention,
	}
}

// RunOnce delivers up to one batch of pending entries in order and returns
// how many were delivered. It stops at the first sink failure so ordering
// is kept; the failed entry is retried on the next pass. Entries that no
// longer decode are marked delivered and logged.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	st := r.store.NonTx()
	pending, err := st.ListPendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, entry := range pending {
		e, err := Decode(entry.Payload)
		if err != nil {
			r.logger.Error("dropping undecodable outbox entry", "id", entry.ID, "kind", entry.Kind, "error", err)
			if err := st.MarkOutboxDelivered(ctx, entry.ID, r.now()); err != nil {
				return delivered, err
			}
			continue
		}
		if err := r.sink.Deliver(ctx, e); err != nil {
			return delivered, fmt.Errorf("notify: deliver %s: %w", entry.ID, err)
		}
		if err := st.MarkOutboxDelivered(ctx, entry.ID, r.now()); err != nil {
			return delivered, err
		}
		delivered++
		if r.OnDelivered != nil {
			r.OnDelivered(e)
		}
	}
	return delivered, nil
}

// Prune deletes entries delivered longer than Retention ago.
func (r *Relay) Prune(ctx context.Context) (int, error) {
	if r.Retention <= 0 {
		return 0, nil
	}
	return r.store.NonTx().PruneOutbox(ctx, r.now().Add(-r.Retention))
}

// Run drains the outbox every interval until ctx is cancelled, pruning
// old delivered entries after each pass.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Warn("outbox relay failed", "delivered", n, "error", err)
			} else if n > 0 {
				r.logger.Debug("outbox relayed", "delivered", n)
			}
			if pruned, err := r.Prune(ctx); err != nil {
				r.logger.Warn("outbox prune failed", "error", err)
			} else if pruned > 0 {
				r.logger.Debug("outbox pruned", "deleted", pruned)
			}
		}
	}
}
