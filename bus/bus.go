// Package bus distributes engine events and metamodel updates. Run
// events flow from the executor to observers such as loggers, SSE
// feeds, and the event store; metamodel updates flow from the catalog
// to the node instances that must hot-swap their definitions.
package bus

import "github.com/reflow-labs/reflow"

// EventBus distributes run events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event reflow.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeAll registers a subscriber that receives events from
	// all runs.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan reflow.Event

	// Close unsubscribes and releases resources.
	Close() error
}
