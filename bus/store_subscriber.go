package bus

import (
	"context"
	"log/slog"

	"github.com/reflow-labs/reflow"
)

// StoreSubscriber writes events to an EventStore. It satisfies
// reflow.EventHandler via Handle, so it can be attached directly to
// an executor or bus subscription.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store.
func (s *StoreSubscriber) Handle(event reflow.Event) {
	if _, err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"error", err,
		)
	}
}
