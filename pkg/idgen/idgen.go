// Package idgen generates the identifiers stamped on events.
package idgen

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID string. IDs carry their creation time in the leading
// bits and stay lexicographically ordered within a millisecond, so sorting
// by ID approximates commit order. Safe for concurrent use.
func NewID() string {
	return ulid.Make().String()
}

// Time recovers the creation time embedded in an ID produced by NewID.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse id %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}
