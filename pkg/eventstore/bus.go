package eventstore

import (
	"context"
	"slices"
)

// EventBus distributes committed events to subscribers. Stores publish to
// the bus after a successful commit, in the scope's AfterCommit phase, so
// subscribers only ever see durable events.
type EventBus interface {
	// Publish delivers committed events from the given namespace to all
	// matching subscribers.
	Publish(ctx context.Context, namespace string, events []Event) error

	// Subscribe registers a handler for events matching the filter.
	Subscribe(filter Filter, handler Handler) (Subscription, error)

	// Close releases the bus and all its subscriptions.
	Close() error
}

// Handler processes a published event. Returning an error signals the bus
// that delivery failed; redelivery depends on the bus implementation.
type Handler func(namespace string, ev Event) error

// Subscription is an active event subscription.
type Subscription interface {
	// Unsubscribe stops delivery and releases the subscription.
	Unsubscribe() error
}

// Filter selects published events. Empty fields match everything, so the
// zero value subscribes to all events.
type Filter struct {
	// Namespaces restricts delivery to the given namespaces.
	Namespaces []string

	// EventTypes restricts delivery to the given event types.
	EventTypes []string

	// Indices restricts delivery to events tagged with at least one of the
	// given indices.
	Indices []Index
}

// Matches reports whether an event published under namespace passes the
// filter.
func (f Filter) Matches(namespace string, ev Event) bool {
	if len(f.Namespaces) > 0 && !slices.Contains(f.Namespaces, namespace) {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, ev.Type) {
		return false
	}
	if len(f.Indices) > 0 && !slices.ContainsFunc(f.Indices, ev.HasIndex) {
		return false
	}
	return true
}
