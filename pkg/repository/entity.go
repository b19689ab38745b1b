package repository

import (
	"sync/atomic"

	"github.com/plaenen/eventcore/pkg/eventstore"
)

// ManagedEntity pairs an identifier with the state sourced for it inside one
// scope. The state lives in a lock-free cell: concurrent state changes and
// live event folds compose through compare-and-swap retries, so no update is
// ever lost.
type ManagedEntity[ID comparable, M any] struct {
	id   ID
	cell atomic.Pointer[entityState[M]]
}

// entityState is one immutable generation of the cell. The set flag records
// whether anything was ever folded or assigned: an entity sourced from zero
// events stays unset and its state is the zero value of M.
type entityState[M any] struct {
	state M
	set   bool
}

// NewManagedEntity returns an entity holding the given state.
func NewManagedEntity[ID comparable, M any](id ID, state M) *ManagedEntity[ID, M] {
	e := newUnsetEntity[ID, M](id)
	e.cell.Store(&entityState[M]{state: state, set: true})
	return e
}

func newUnsetEntity[ID comparable, M any](id ID) *ManagedEntity[ID, M] {
	e := &ManagedEntity[ID, M]{id: id}
	e.cell.Store(&entityState[M]{})
	return e
}

// Identifier returns the entity's identifier.
func (e *ManagedEntity[ID, M]) Identifier() ID {
	return e.id
}

// Entity returns the current state. For an entity nothing was ever sourced
// or assigned into, it returns the zero value of M.
func (e *ManagedEntity[ID, M]) Entity() M {
	return e.cell.Load().state
}

// ApplyStateChange replaces the state with change(current) and returns the
// new state. The change function may run more than once when it races with
// other updates; it must be pure.
func (e *ManagedEntity[ID, M]) ApplyStateChange(change func(M) M) M {
	for {
		current := e.cell.Load()
		next := &entityState[M]{state: change(current.state), set: true}
		if e.cell.CompareAndSwap(current, next) {
			return next.state
		}
	}
}

// applyEvent folds one event into the state.
func (e *ManagedEntity[ID, M]) applyEvent(ev eventstore.Event, applier StateApplier[M]) {
	for {
		current := e.cell.Load()
		next := &entityState[M]{state: applier(current.state, ev), set: true}
		if e.cell.CompareAndSwap(current, next) {
			return
		}
	}
}

// seedIfUnset assigns factory() unless the cell already holds sourced or
// assigned state, and returns the resulting state.
func (e *ManagedEntity[ID, M]) seedIfUnset(factory func() M) M {
	for {
		current := e.cell.Load()
		if current.set {
			return current.state
		}
		next := &entityState[M]{state: factory(), set: true}
		if e.cell.CompareAndSwap(current, next) {
			return next.state
		}
	}
}
