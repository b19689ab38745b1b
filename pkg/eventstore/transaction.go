package eventstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/plaenen/eventcore/pkg/stream"
	"github.com/plaenen/eventcore/pkg/unitofwork"
)

// Transaction accumulates the sourcing observations and staged events of one
// unit of work against one namespace. Every Source call widens the append
// condition; staged events are validated against that condition and
// committed atomically in the scope's Commit phase.
//
// A transaction is safe for concurrent use by participants of its scope.
type Transaction struct {
	store     *SimpleStore
	scope     *unitofwork.Context
	namespace string

	mu              sync.Mutex
	condition       AppendCondition
	staged          []Event
	hooks           []func(Event)
	committed       bool
	commitScheduled bool
	failure         error
}

func newTransaction(store *SimpleStore, scope *unitofwork.Context, namespace string) *Transaction {
	return &Transaction{
		store:     store,
		scope:     scope,
		namespace: namespace,
		condition: NoAppendCondition(),
	}
}

// Namespace returns the namespace the transaction operates on.
func (t *Transaction) Namespace() string {
	return t.namespace
}

// Source streams committed events matching the condition and folds the
// observation into the transaction's append condition: criteria accumulate
// as a union and the consistency marker only ever rises. An unbounded
// window is bounded at the engine's head first, so the marker reflects
// exactly what could have been observed.
//
// A sourcing failure poisons the transaction: the returned stream fails and
// so does the eventual commit.
func (t *Transaction) Source(ctx context.Context, condition SourcingCondition) *stream.Stream[Event] {
	engine, err := t.store.engine(t.namespace)
	if err != nil {
		return t.fail(err)
	}

	resolved := condition
	if !condition.Bounded() {
		head, err := engine.Head(ctx)
		if err != nil {
			return t.fail(fmt.Errorf("failed to resolve head of namespace %q: %w", t.namespace, err))
		}
		resolved = condition.boundedAt(head)
	}

	t.mu.Lock()
	t.condition = t.condition.With(resolved)
	t.mu.Unlock()

	return engine.Source(ctx, resolved)
}

// Condition returns the append condition accumulated so far.
func (t *Transaction) Condition() AppendCondition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.condition
}

// AppendEvent stages an event for commit. The event is assigned an ID when
// it carries none, and every registered on-append hook runs synchronously,
// in registration order, before AppendEvent returns. The first staged event
// schedules the transaction's commit step on the scope.
//
// Staging after the transaction committed is a programming error and
// panics. Staged events become visible to Source only after commit; an
// aborted scope discards them without validation.
func (t *Transaction) AppendEvent(ev Event) {
	t.mu.Lock()
	if t.committed {
		t.mu.Unlock()
		panic("eventstore: event staged after the transaction committed")
	}
	if ev.ID == "" {
		ev.ID = t.store.newID()
	}
	t.staged = append(t.staged, ev)
	schedule := !t.commitScheduled
	t.commitScheduled = true
	for _, hook := range t.hooks {
		hook(ev)
	}
	t.mu.Unlock()

	if schedule {
		t.scope.OnCommit(t.commit)
	}
}

// OnAppend registers a hook invoked for every event staged after the
// registration. Hooks run synchronously under the transaction's lock and
// must not call back into the transaction.
func (t *Transaction) OnAppend(hook func(Event)) *Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, hook)
	return t
}

// fail latches the first failure and returns a failed stream carrying it.
func (t *Transaction) fail(err error) *stream.Stream[Event] {
	t.mu.Lock()
	if t.failure == nil {
		t.failure = err
	}
	t.mu.Unlock()
	return stream.Failed[Event](err)
}

// commit runs in the scope's Commit phase: it validates the accumulated
// condition and appends all staged events atomically, then schedules
// publication of the committed events for the AfterCommit phase.
func (t *Transaction) commit(ctx context.Context, scope *unitofwork.Context) error {
	t.mu.Lock()
	failure := t.failure
	staged := t.staged
	condition := t.condition
	t.committed = true
	t.mu.Unlock()

	if failure != nil {
		return failure
	}
	if len(staged) == 0 {
		return nil
	}

	engine, err := t.store.engine(t.namespace)
	if err != nil {
		return err
	}
	committed, err := engine.Append(ctx, staged, condition)
	if err != nil {
		return fmt.Errorf("failed to append %d events to namespace %q: %w", len(staged), t.namespace, err)
	}

	if t.store.bus != nil {
		scope.OnAfterCommit(func(ctx context.Context, _ *unitofwork.Context) error {
			if err := t.store.bus.Publish(ctx, t.namespace, committed); err != nil {
				return fmt.Errorf("failed to publish %d committed events: %w", len(committed), err)
			}
			return nil
		})
	}
	return nil
}
