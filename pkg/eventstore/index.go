package eventstore

import (
	"fmt"
	"slices"
	"strings"
)

// Index is a key/value pair tagged onto events. Events carrying an index can
// be sourced and guarded through criteria referencing the same index.
type Index struct {
	Key   string
	Value string
}

// NewIndex returns an index for the given key and value.
func NewIndex(key, value string) Index {
	return Index{Key: key, Value: value}
}

func (ix Index) String() string {
	return ix.Key + "=" + ix.Value
}

func compareIndices(a, b Index) int {
	if c := strings.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	return strings.Compare(a.Value, b.Value)
}

// Criteria selects events by index and, optionally, by event type. A
// criteria is an immutable value: all methods return copies. The zero value
// equals NoCriteria and matches nothing.
type Criteria struct {
	indices []Index
	types   []string
}

// NoCriteria returns the empty criteria. It matches no events and is the
// identity element of Union.
func NoCriteria() Criteria {
	return Criteria{}
}

// HasIndex returns criteria matching events tagged with ix.
func HasIndex(ix Index) Criteria {
	return Criteria{indices: []Index{ix}}
}

// HasAnyIndex returns criteria matching events tagged with at least one of
// the given indices.
func HasAnyIndex(indices ...Index) Criteria {
	c := Criteria{indices: slices.Clone(indices)}
	c.normalize()
	return c
}

// WithEventTypes returns a copy of c additionally constrained to the given
// event types. Events match only when their type is among the union of all
// types added so far.
func (c Criteria) WithEventTypes(types ...string) Criteria {
	out := Criteria{
		indices: slices.Clone(c.indices),
		types:   append(slices.Clone(c.types), types...),
	}
	out.normalize()
	return out
}

// Union combines two criteria into one matching the union of their indices
// and types. Union is commutative, associative and idempotent; combining
// with NoCriteria yields an equal criteria.
func (c Criteria) Union(other Criteria) Criteria {
	out := Criteria{
		indices: append(slices.Clone(c.indices), other.indices...),
		types:   append(slices.Clone(c.types), other.types...),
	}
	out.normalize()
	return out
}

// normalize sorts and de-duplicates so that equal criteria share one
// canonical representation.
func (c *Criteria) normalize() {
	slices.SortFunc(c.indices, compareIndices)
	c.indices = slices.Compact(c.indices)
	slices.Sort(c.types)
	c.types = slices.Compact(c.types)
}

// IsEmpty reports whether the criteria constrains nothing.
func (c Criteria) IsEmpty() bool {
	return len(c.indices) == 0 && len(c.types) == 0
}

// Indices returns the criteria's indices in canonical order.
func (c Criteria) Indices() []Index {
	return slices.Clone(c.indices)
}

// EventTypes returns the criteria's event types in canonical order.
func (c Criteria) EventTypes() []string {
	return slices.Clone(c.types)
}

// Equal reports whether both criteria select the same events.
func (c Criteria) Equal(other Criteria) bool {
	return slices.Equal(c.indices, other.indices) && slices.Equal(c.types, other.types)
}

// Matches reports whether ev satisfies the criteria: the event carries at
// least one of the criteria's indices and, when event types are constrained,
// its type is among them. The empty criteria matches nothing.
func (c Criteria) Matches(ev Event) bool {
	if c.IsEmpty() {
		return false
	}
	if len(c.types) > 0 && !slices.Contains(c.types, ev.Type) {
		return false
	}
	if len(c.indices) == 0 {
		return true
	}
	for _, ix := range ev.Indices {
		if _, found := slices.BinarySearchFunc(c.indices, ix, compareIndices); found {
			return true
		}
	}
	return false
}

func (c Criteria) String() string {
	if c.IsEmpty() {
		return "criteria{}"
	}
	parts := make([]string, 0, len(c.indices)+1)
	for _, ix := range c.indices {
		parts = append(parts, ix.String())
	}
	if len(c.types) > 0 {
		parts = append(parts, "types["+strings.Join(c.types, ",")+"]")
	}
	return fmt.Sprintf("criteria{%s}", strings.Join(parts, " "))
}
