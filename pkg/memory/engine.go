// Package memory provides in-process implementations of the storage engine
// and the event bus, suitable for tests, examples and ephemeral setups.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/stream"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces the clock stamping appended events. Useful for
// deterministic tests.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// Engine is an in-memory storage engine. Events live in a single slice
// where the slice index is the global position.
type Engine struct {
	clock func() time.Time

	mu     sync.RWMutex
	events []eventstore.Event
}

// NewEngine returns an empty in-memory engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Head returns the position of the last stored event.
func (e *Engine) Head(ctx context.Context) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int64(len(e.events)) - 1, nil
}

// Source streams a snapshot of the events selected by the condition.
func (e *Engine) Source(ctx context.Context, condition eventstore.SourcingCondition) *stream.Stream[eventstore.Event] {
	criteria := condition.Criteria()

	e.mu.RLock()
	var matched []eventstore.Event
	for _, ev := range e.events {
		if ev.Position < condition.Start() {
			continue
		}
		if ev.Position > condition.End() {
			break
		}
		if criteria.Matches(ev) {
			matched = append(matched, ev)
		}
	}
	e.mu.RUnlock()

	return stream.FromSlice(matched)
}

// Append validates the condition against events beyond its consistency
// marker and, when none conflict, appends all events with consecutive
// positions.
func (e *Engine) Append(ctx context.Context, events []eventstore.Event, condition eventstore.AppendCondition) ([]eventstore.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	scanFrom := condition.ConsistencyMarker() + 1
	if scanFrom < 0 {
		scanFrom = 0
	}
	for _, stored := range e.events[min(scanFrom, int64(len(e.events))):] {
		if condition.ViolatedBy(stored) {
			return nil, &eventstore.ConflictError{
				Marker:   condition.ConsistencyMarker(),
				Position: stored.Position,
			}
		}
	}

	committed := make([]eventstore.Event, len(events))
	for i, ev := range events {
		ev.Position = int64(len(e.events))
		if ev.Timestamp.IsZero() {
			ev.Timestamp = e.clock()
		}
		e.events = append(e.events, ev)
		committed[i] = ev
	}
	return committed, nil
}
