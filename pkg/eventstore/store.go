// Package eventstore implements criteria-based event sourcing: events are
// tagged with indices, sourced through criteria over those indices and
// appended under conditions that guard against concurrent, conflicting
// commits.
package eventstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/plaenen/eventcore/pkg/idgen"
	"github.com/plaenen/eventcore/pkg/stream"
	"github.com/plaenen/eventcore/pkg/unitofwork"
)

// StorageEngine is the durable, totally ordered event log underneath a
// store. Implementations must assign gapless, zero-based global positions
// and validate append conditions atomically with the append itself.
type StorageEngine interface {
	// Source streams committed events selected by the condition, ordered by
	// position. Failures surface through the stream.
	Source(ctx context.Context, condition SourcingCondition) *stream.Stream[Event]

	// Append atomically validates the condition and appends all events, or
	// none. It returns the committed events with positions and timestamps
	// assigned, or an error matching ErrConflict when the condition is
	// violated.
	Append(ctx context.Context, events []Event, condition AppendCondition) ([]Event, error)

	// Head returns the position of the last committed event, or
	// NoConsistencyMarker when the log is empty.
	Head(ctx context.Context) (int64, error)
}

// EngineProvider resolves the storage engine backing a namespace.
type EngineProvider func(namespace string) (StorageEngine, error)

// Store hands out transactions bound to a unit of work.
type Store interface {
	// Transaction returns the scope's transaction for the given namespace,
	// creating it on first use. Repeated calls with the same scope and
	// namespace return the same transaction.
	Transaction(scope *unitofwork.Context, namespace string) *Transaction
}

// StoreOption configures a SimpleStore.
type StoreOption func(*SimpleStore)

// WithEventBus publishes committed events to bus in the AfterCommit phase
// of the owning unit of work.
func WithEventBus(bus EventBus) StoreOption {
	return func(s *SimpleStore) {
		s.bus = bus
	}
}

// WithIDGenerator replaces the generator used to assign IDs to staged
// events that carry none.
func WithIDGenerator(generate func() string) StoreOption {
	return func(s *SimpleStore) {
		s.newID = generate
	}
}

// SimpleStore partitions the event log by namespace: each namespace is
// served by the storage engine resolved through the provider, created once
// and cached.
type SimpleStore struct {
	provider EngineProvider
	bus      EventBus
	newID    func() string
	txKey    *unitofwork.ResourceKey

	mu      sync.RWMutex
	engines map[string]StorageEngine
}

// NewSimpleStore returns a store routing namespaces through provider.
func NewSimpleStore(provider EngineProvider, opts ...StoreOption) *SimpleStore {
	s := &SimpleStore{
		provider: provider,
		newID:    idgen.NewID,
		txKey:    unitofwork.NewResourceKey("eventstore.transactions"),
		engines:  make(map[string]StorageEngine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSingleEngineStore returns a store serving every namespace from one
// engine.
func NewSingleEngineStore(engine StorageEngine, opts ...StoreOption) *SimpleStore {
	return NewSimpleStore(func(string) (StorageEngine, error) {
		return engine, nil
	}, opts...)
}

// Transaction returns the scope's transaction for namespace, creating it on
// first use.
func (s *SimpleStore) Transaction(scope *unitofwork.Context, namespace string) *Transaction {
	registry := unitofwork.ComputeResourceIfAbsent(scope, s.txKey, func() *transactionRegistry {
		return &transactionRegistry{transactions: make(map[string]*Transaction)}
	})

	registry.mu.Lock()
	defer registry.mu.Unlock()
	tx, ok := registry.transactions[namespace]
	if !ok {
		tx = newTransaction(s, scope, namespace)
		registry.transactions[namespace] = tx
	}
	return tx
}

// engine resolves and caches the engine for a namespace.
func (s *SimpleStore) engine(namespace string) (StorageEngine, error) {
	s.mu.RLock()
	engine, ok := s.engines[namespace]
	s.mu.RUnlock()
	if ok {
		return engine, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if engine, ok := s.engines[namespace]; ok {
		return engine, nil
	}
	engine, err := s.provider(namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage engine for namespace %q: %w", namespace, err)
	}
	s.engines[namespace] = engine
	return engine, nil
}

// transactionRegistry is the per-scope resource holding one transaction per
// namespace.
type transactionRegistry struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
}
