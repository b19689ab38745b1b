// Package repository sources entity state from the event store and keeps it
// consistent within a unit of work.
//
// A repository is configured with an index resolver, mapping identifiers to
// the index their events are tagged with, and a state applier folding events
// into state. Loading an entity sources its events through the scope's
// transaction, so every load both rebuilds state and extends the
// transaction's append condition: a commit later in the scope is guarded
// against concurrent writes to everything that was loaded.
package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/stream"
	"github.com/plaenen/eventcore/pkg/unitofwork"
)

// StateApplier folds one event into the current state. Appliers receive
// every event staged on the scope's transaction, including events meant for
// other entities, and must leave the state unchanged for events that do not
// concern it.
type StateApplier[M any] func(current M, ev eventstore.Event) M

// IndexResolver maps an identifier to the index its events are tagged with.
type IndexResolver[ID any] func(id ID) eventstore.Index

// Repository provides scoped access to event-sourced entities.
type Repository[ID comparable, M any] interface {
	// Load returns the scope's managed entity for id, sourcing it on first
	// access.
	Load(ctx context.Context, id ID, scope *unitofwork.Context) (*ManagedEntity[ID, M], error)

	// LoadOrCreate loads the entity and seeds it with factory() when its
	// history is empty.
	LoadOrCreate(ctx context.Context, id ID, factory func() M, scope *unitofwork.Context) (*ManagedEntity[ID, M], error)

	// Attach inserts an externally built entity into the scope. An entity
	// already managed for the same identifier wins and is returned instead.
	Attach(ctx context.Context, entity *ManagedEntity[ID, M], scope *unitofwork.Context) (*ManagedEntity[ID, M], error)

	// Persist makes id managed with the given state. An entity already
	// managed for the same identifier wins and keeps its state.
	Persist(ctx context.Context, id ID, state M, scope *unitofwork.Context) (*ManagedEntity[ID, M], error)
}

// Option configures an EventSourcingRepository.
type Option func(*options)

type options struct {
	start int64
}

// WithSourcingFrom sets the first position sourced for every entity.
// Earlier events are ignored during state rebuilds.
func WithSourcingFrom(start int64) Option {
	return func(o *options) {
		o.start = start
	}
}

// EventSourcingRepository rebuilds entity state by folding sourced events
// and keeps one managed entity per identifier and scope.
type EventSourcingRepository[ID comparable, M any] struct {
	store       eventstore.Store
	namespace   string
	resolver    IndexResolver[ID]
	applier     StateApplier[M]
	start       int64
	entitiesKey *unitofwork.ResourceKey
}

var _ Repository[string, any] = (*EventSourcingRepository[string, any])(nil)

// New returns a repository sourcing entities of namespace through store.
func New[ID comparable, M any](
	store eventstore.Store,
	namespace string,
	resolver IndexResolver[ID],
	applier StateApplier[M],
	opts ...Option,
) *EventSourcingRepository[ID, M] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	return &EventSourcingRepository[ID, M]{
		store:       store,
		namespace:   namespace,
		resolver:    resolver,
		applier:     applier,
		start:       o.start,
		entitiesKey: unitofwork.NewResourceKey(fmt.Sprintf("repository.entities[%s]", namespace)),
	}
}

// flight is the pending or completed production of one managed entity.
// Concurrent loads for the same identifier collapse onto a single flight;
// its outcome, success or failure, stays cached for the rest of the scope.
type flight[ID comparable, M any] struct {
	done   chan struct{}
	entity *ManagedEntity[ID, M]
	err    error
}

type entityCache[ID comparable, M any] struct {
	mu      sync.Mutex
	flights map[ID]*flight[ID, M]
}

// claim returns the identifier's flight and whether the caller owns its
// completion.
func (c *entityCache[ID, M]) claim(id ID) (*flight[ID, M], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[id]; ok {
		return f, false
	}
	f := &flight[ID, M]{done: make(chan struct{})}
	c.flights[id] = f
	return f, true
}

func (r *EventSourcingRepository[ID, M]) cache(scope *unitofwork.Context) *entityCache[ID, M] {
	return unitofwork.ComputeResourceIfAbsent(scope, r.entitiesKey, func() *entityCache[ID, M] {
		return &entityCache[ID, M]{flights: make(map[ID]*flight[ID, M])}
	})
}

// Load returns the scope's managed entity for id. The first load sources the
// entity's events through the scope's transaction and folds them into state;
// concurrent loads wait for that single build, and later loads return the
// cached entity without touching the engine again. Once loaded, the entity
// keeps folding events staged on the scope's transaction.
func (r *EventSourcingRepository[ID, M]) Load(ctx context.Context, id ID, scope *unitofwork.Context) (*ManagedEntity[ID, M], error) {
	f, owner := r.cache(scope).claim(id)
	if !owner {
		select {
		case <-f.done:
			return f.entity, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.entity, f.err = r.source(ctx, id, scope)
	close(f.done)
	return f.entity, f.err
}

// source rebuilds the entity by reducing its event stream and registers the
// live-update hook for events staged later in the scope.
func (r *EventSourcingRepository[ID, M]) source(ctx context.Context, id ID, scope *unitofwork.Context) (*ManagedEntity[ID, M], error) {
	tx := r.store.Transaction(scope, r.namespace)
	criteria := eventstore.HasIndex(r.resolver(id))
	events := tx.Source(ctx, eventstore.ConditionFrom(criteria, r.start))

	entity, err := stream.Reduce(ctx, events, newUnsetEntity[ID, M](id),
		func(e *ManagedEntity[ID, M], ev eventstore.Event) *ManagedEntity[ID, M] {
			e.applyEvent(ev, r.applier)
			return e
		})
	if err != nil {
		return nil, fmt.Errorf("failed to source entity %v: %w", id, err)
	}

	r.watch(entity, scope)
	return entity, nil
}

// watch keeps the entity folding events staged on the scope's transaction
// after its state was established.
func (r *EventSourcingRepository[ID, M]) watch(entity *ManagedEntity[ID, M], scope *unitofwork.Context) {
	tx := r.store.Transaction(scope, r.namespace)
	tx.OnAppend(func(ev eventstore.Event) {
		entity.applyEvent(ev, r.applier)
	})
}

// LoadOrCreate loads the entity and, when nothing was ever sourced into it,
// seeds its state with factory().
func (r *EventSourcingRepository[ID, M]) LoadOrCreate(ctx context.Context, id ID, factory func() M, scope *unitofwork.Context) (*ManagedEntity[ID, M], error) {
	entity, err := r.Load(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	entity.seedIfUnset(factory)
	return entity, nil
}

// Attach inserts an externally built entity into the scope's cache. When an
// entity is already managed, or being loaded, for the same identifier, the
// managed one wins.
func (r *EventSourcingRepository[ID, M]) Attach(ctx context.Context, entity *ManagedEntity[ID, M], scope *unitofwork.Context) (*ManagedEntity[ID, M], error) {
	f, owner := r.cache(scope).claim(entity.Identifier())
	if owner {
		r.watch(entity, scope)
		f.entity = entity
		close(f.done)
		return entity, nil
	}
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.entity, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Persist makes id managed with the given state. When an entity is already
// managed, or being loaded, for the same identifier, the managed one wins and
// the given state is discarded.
func (r *EventSourcingRepository[ID, M]) Persist(ctx context.Context, id ID, state M, scope *unitofwork.Context) (*ManagedEntity[ID, M], error) {
	f, owner := r.cache(scope).claim(id)
	if owner {
		entity := NewManagedEntity[ID, M](id, state)
		r.watch(entity, scope)
		f.entity = entity
		close(f.done)
		return entity, nil
	}
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.entity, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
