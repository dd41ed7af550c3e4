package bus

import (
	"sync"

	"github.com/reflow-labs/reflow"
)

// MetamodelUpdate announces that a node metamodel changed in the
// catalog.
type MetamodelUpdate struct {
	MetamodelID string
	Model       *reflow.NodeMetamodel
}

// UpdateFeed fans node metamodel updates out to subscribers, keyed by
// metamodel id. Its main consumer is the node registry binding, which
// hot-swaps the metamodel on the live instance so the next execution
// observes the new definition.
type UpdateFeed struct {
	mu     sync.RWMutex
	subs   []func(MetamodelUpdate)
	closed bool
}

// NewUpdateFeed creates an empty feed.
func NewUpdateFeed() *UpdateFeed {
	return &UpdateFeed{}
}

// Publish delivers the update synchronously to every subscriber.
// Updates published after Close are dropped.
func (f *UpdateFeed) Publish(update MetamodelUpdate) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed || update.Model == nil {
		return
	}
	for _, sub := range f.subs {
		sub(update)
	}
}

// Subscribe registers a handler for every subsequent update.
func (f *UpdateFeed) Subscribe(handler func(MetamodelUpdate)) {
	if handler == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, handler)
}

// Close stops delivery.
func (f *UpdateFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.subs = nil
}

// BindRegistry subscribes the node registry to the feed: updates for
// a registered instance swap its metamodel in place, so in-flight
// executions finish under the reference they started with and the
// next run sees the new definition.
func (f *UpdateFeed) BindRegistry(registry *reflow.NodeRegistry) {
	f.Subscribe(func(update MetamodelUpdate) {
		instance, err := registry.Get(update.MetamodelID)
		if err != nil {
			return
		}
		instance.UpdateMetamodel(update.Model)
	})
}
