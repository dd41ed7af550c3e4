package bus

import (
	"context"

	"github.com/reflow-labs/reflow"
)

// StoredEvent is an event with the sequence number the store assigned
// on append. Sequence numbers are monotonically increasing per store.
type StoredEvent struct {
	Seq   uint64
	Event reflow.Event
}

// EventStore persists run events for replay.
type EventStore interface {
	// Append stores an event and returns its assigned sequence.
	Append(ctx context.Context, event reflow.Event) (uint64, error)

	// List returns events for a run, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]StoredEvent, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)
}
