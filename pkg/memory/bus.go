package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/plaenen/eventcore/pkg/eventstore"
)

// Bus is an in-process event bus delivering published events synchronously
// to matching subscribers, in subscription order.
type Bus struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int
	subscribers map[int]*subscriber
}

type subscriber struct {
	filter  eventstore.Filter
	handler eventstore.Handler
}

// NewBus returns an empty in-process bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]*subscriber)}
}

// Publish delivers the events to every matching subscriber. Handler errors
// do not stop delivery to other subscribers; they are joined into the
// returned error.
func (b *Bus) Publish(ctx context.Context, namespace string, events []eventstore.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("memory: bus is closed")
	}
	ids := make([]int, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]*subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subscribers[id])
	}
	b.mu.RUnlock()

	var errs []error
	for _, ev := range events {
		for _, sub := range subs {
			if !sub.filter.Matches(namespace, ev) {
				continue
			}
			if err := sub.handler(namespace, ev); err != nil {
				errs = append(errs, fmt.Errorf("failed to deliver event %s: %w", ev.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a handler for events matching the filter.
func (b *Bus) Subscribe(filter eventstore.Filter, handler eventstore.Handler) (eventstore.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("memory: bus is closed")
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscriber{filter: filter, handler: handler}
	return &subscription{bus: b, id: id}, nil
}

// Close drops all subscriptions. Further publishes and subscribes fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}

type subscription struct {
	bus *Bus
	id  int
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subscribers, s.id)
	return nil
}
