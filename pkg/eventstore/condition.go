package eventstore

import (
	"fmt"
	"math"
)

const (
	// NoConsistencyMarker is the marker of an append condition that has
	// observed nothing yet. Every stored position is greater than it.
	NoConsistencyMarker int64 = -1

	// MaxPosition marks an unbounded sourcing window.
	MaxPosition int64 = math.MaxInt64
)

// SourcingCondition describes which slice of the event log to source:
// events matching the criteria whose position lies within [Start, End].
// The window's end doubles as the consistency marker when the condition is
// folded into an AppendCondition, so it is the highest position considered
// observed.
type SourcingCondition struct {
	criteria Criteria
	start    int64
	end      int64
}

// ConditionFor sources all matching events from the beginning of the log.
func ConditionFor(criteria Criteria) SourcingCondition {
	return ConditionBetween(criteria, 0, MaxPosition)
}

// ConditionFrom sources matching events at or after start.
func ConditionFrom(criteria Criteria, start int64) SourcingCondition {
	return ConditionBetween(criteria, start, MaxPosition)
}

// ConditionBetween sources matching events positioned within [start, end].
// Start positions below zero are clamped to zero. A window ending before it
// starts is a programming error.
func ConditionBetween(criteria Criteria, start, end int64) SourcingCondition {
	if start < 0 {
		start = 0
	}
	if end < start {
		panic(fmt.Sprintf("eventstore: invalid sourcing window [%d, %d]", start, end))
	}
	return SourcingCondition{criteria: criteria, start: start, end: end}
}

// boundedAt returns a copy of sc whose window ends at the given position.
// Unlike ConditionBetween it tolerates windows that select nothing, which
// happens when bounding against the head of an empty or short log.
func (sc SourcingCondition) boundedAt(end int64) SourcingCondition {
	sc.end = end
	return sc
}

// Criteria returns the condition's criteria.
func (sc SourcingCondition) Criteria() Criteria {
	return sc.criteria
}

// Start returns the first position of the window.
func (sc SourcingCondition) Start() int64 {
	return sc.start
}

// End returns the last position of the window, MaxPosition when unbounded.
func (sc SourcingCondition) End() int64 {
	return sc.end
}

// Bounded reports whether the window has an explicit end.
func (sc SourcingCondition) Bounded() bool {
	return sc.end != MaxPosition
}

// AppendCondition guards an append against events committed after what the
// appender observed: the append conflicts if any event positioned beyond the
// consistency marker matches the criteria. AppendCondition is a value;
// deriving methods return copies.
type AppendCondition struct {
	marker   int64
	criteria Criteria
	observed bool
}

// NoAppendCondition returns the unconditional append condition: the marker
// is NoConsistencyMarker and the criteria is empty, so no committed event
// can conflict with it. Asserting a marker on it panics.
func NoAppendCondition() AppendCondition {
	return AppendCondition{marker: NoConsistencyMarker}
}

// ConsistencyMarker returns the highest position the condition considers
// observed.
func (c AppendCondition) ConsistencyMarker() int64 {
	return c.marker
}

// Criteria returns the criteria guarded by the condition.
func (c AppendCondition) Criteria() Criteria {
	return c.criteria
}

// With folds a sourcing condition into the append condition: the criteria
// become the union of both and the marker is raised to the sourcing window's
// end, never lowered. Sourcing against an unbounded window must be bounded
// at the log's head before folding, otherwise the marker disables the guard.
func (c AppendCondition) With(sc SourcingCondition) AppendCondition {
	marker := sc.End()
	if c.observed && c.marker > marker {
		marker = c.marker
	}
	return AppendCondition{
		marker:   marker,
		criteria: c.criteria.Union(sc.Criteria()),
		observed: true,
	}
}

// WithMarker returns a copy of the condition with the marker replaced. It
// panics on a condition that has observed no sourcing: there is nothing the
// marker could assert consistency against.
func (c AppendCondition) WithMarker(marker int64) AppendCondition {
	if !c.observed {
		panic("eventstore: cannot set a consistency marker on an append condition without sourced criteria")
	}
	c.marker = marker
	return c
}

// ViolatedBy reports whether a committed event invalidates the condition.
// Storage engines call this for events positioned beyond the marker.
func (c AppendCondition) ViolatedBy(ev Event) bool {
	return ev.Position > c.marker && c.criteria.Matches(ev)
}

func (c AppendCondition) String() string {
	return fmt.Sprintf("append-condition{marker=%d %s}", c.marker, c.criteria)
}
