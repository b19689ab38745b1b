package eventstore

import (
	"errors"
	"fmt"
)

// ErrConflict is the sentinel matched by every append condition violation.
var ErrConflict = errors.New("append condition violated by committed events")

// ConflictError reports an append rejected because an event beyond the
// consistency marker matches the condition's criteria. It matches
// ErrConflict through errors.Is.
type ConflictError struct {
	// Marker is the consistency marker the append was conditioned on.
	Marker int64

	// Position is the first committed position violating the condition.
	Position int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("event at position %d matches append criteria beyond consistency marker %d", e.Position, e.Marker)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
