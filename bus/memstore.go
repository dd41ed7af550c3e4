package bus

import (
	"context"
	"sync"

	"github.com/reflow-labs/reflow"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	seq    uint64
	events map[string][]StoredEvent // runID -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]StoredEvent),
	}
}

func (s *MemEventStore) Append(_ context.Context, event reflow.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.events[event.RunID] = append(s.events[event.RunID], StoredEvent{Seq: s.seq, Event: event})
	return s.seq, nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []StoredEvent
	for _, e := range s.events[runID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[runID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
