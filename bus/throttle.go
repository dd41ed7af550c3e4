package bus

import (
	"sync"
	"time"

	"github.com/reflow-labs/reflow"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced events.
	// Default: 100ms
	CoalesceInterval time.Duration

	// CoalesceKinds lists the event kinds to coalesce. Defaults to
	// edge_evaluated and bindings_applied, the two kinds a wide
	// workflow emits in bursts.
	CoalesceKinds []reflow.EventKind
}

// ThrottledEmitter wraps a reflow.EventEmitter and coalesces
// high-frequency event kinds. Other events pass through immediately.
// Coalesced events are keyed per node and edge: only the latest event
// for each key is kept within each coalesce interval. A background
// ticker flushes at the configured interval.
type ThrottledEmitter struct {
	emit     reflow.EventEmitter
	interval time.Duration
	kinds    map[reflow.EventKind]bool

	mu      sync.Mutex
	pending map[string]reflow.Event // nodeID/edgeID -> latest event
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a ThrottledEmitter that wraps the given
// emitter.
func NewThrottledEmitter(emit reflow.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	kinds := cfg.CoalesceKinds
	if len(kinds) == 0 {
		kinds = []reflow.EventKind{reflow.EventEdgeEvaluated, reflow.EventBindingsApplied}
	}
	kindSet := make(map[reflow.EventKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		kinds:    kindSet,
		pending:  make(map[string]reflow.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit sends an event through the throttled emitter. Non-coalesced
// kinds pass through immediately; coalesced kinds keep only the
// latest event per node/edge key until the next flush.
func (te *ThrottledEmitter) Emit(e reflow.Event) {
	if !te.kinds[e.Kind] {
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.closed {
		return
	}

	te.pending[string(e.Kind)+"|"+e.NodeID+"|"+e.EdgeID] = e
}

// Close flushes any pending events and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

// run is the background goroutine that periodically flushes.
func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			// Flush any remaining pending events before exiting.
			te.flush()
			return
		}
	}
}

// flush sends all pending coalesced events to the wrapped emitter and
// clears the pending map.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	// Swap out the pending map so the lock is not held during
	// emission.
	toFlush := te.pending
	te.pending = make(map[string]reflow.Event)
	te.mu.Unlock()

	for _, e := range toFlush {
		te.emit(e)
	}
}
