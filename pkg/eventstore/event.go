package eventstore

import (
	"slices"
	"time"
)

// Metadata carries contextual information alongside an event payload.
type Metadata struct {
	// CorrelationID groups events belonging to one logical interaction.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID names the message that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// Custom holds free-form key/value entries.
	Custom map[string]string `json:"custom,omitempty"`
}

// Event is an immutable record in the event log.
//
// Position and, unless preset, ID and Timestamp are assigned during append:
// on staged events they are placeholders, on sourced and committed events
// they are authoritative. Position is a global, gapless, zero-based order.
type Event struct {
	// ID uniquely identifies the event. When empty at staging time the
	// transaction assigns a sortable ID.
	ID string `json:"id"`

	// Type names the payload's type. Payload codecs resolve decoders by it.
	Type string `json:"type"`

	// Indices tag the event for criteria-based sourcing and append guards.
	Indices []Index `json:"indices,omitempty"`

	// Payload is the serialized event payload.
	Payload []byte `json:"payload,omitempty"`

	// Metadata carries correlation information.
	Metadata Metadata `json:"metadata,omitzero"`

	// Position is the event's global position, assigned by the storage
	// engine at append time.
	Position int64 `json:"position"`

	// Timestamp records when the event was appended. Engines stamp it when
	// it is zero.
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent returns an event of the given type carrying payload and indices.
func NewEvent(eventType string, payload []byte, indices ...Index) Event {
	return Event{
		Type:    eventType,
		Payload: payload,
		Indices: slices.Clone(indices),
	}
}

// HasIndex reports whether the event is tagged with ix.
func (ev Event) HasIndex(ix Index) bool {
	return slices.Contains(ev.Indices, ix)
}

// WithMetadata returns a copy of the event carrying the given metadata.
func (ev Event) WithMetadata(md Metadata) Event {
	ev.Metadata = md
	return ev
}
