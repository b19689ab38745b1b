// Package projection maintains read models fed by the event log.
//
// A projection consumes committed events from the event bus in real time
// and can be rebuilt from a storage engine when its read model is lost or
// its shape changes. A checkpoint store remembers the last handled position
// per projection, so restarts resume where the previous run stopped instead
// of reprocessing history.
package projection

import (
	"context"
	"errors"
	"time"

	"github.com/plaenen/eventcore/pkg/eventstore"
)

var (
	// ErrUnknownProjection is returned for names never registered with the
	// manager.
	ErrUnknownProjection = errors.New("unknown projection")

	// ErrAlreadyRunning is returned when starting a projection twice.
	ErrAlreadyRunning = errors.New("projection already running")

	// ErrNotRunning is returned when stopping a projection that is not
	// running.
	ErrNotRunning = errors.New("projection not running")
)

// Projection builds a read model from events.
type Projection interface {
	// Name uniquely identifies the projection. Checkpoints are stored
	// under it.
	Name() string

	// Filter selects the events the projection consumes, by event type
	// and index. The manager scopes delivery to its own namespace, so the
	// filter's Namespaces field is ignored.
	Filter() eventstore.Filter

	// Handle folds one event into the read model.
	Handle(ctx context.Context, ev eventstore.Event) error

	// Reset clears the read model before a rebuild.
	Reset(ctx context.Context) error
}

// NoCheckpoint is the position of a projection that has not handled any
// event yet. Stored positions start at zero.
const NoCheckpoint int64 = -1

// Checkpoint records how far a projection has processed the event log.
type Checkpoint struct {
	Projection  string
	Position    int64
	LastEventID string
	UpdatedAt   time.Time
}

// NewCheckpoint returns the fresh checkpoint of a projection that has not
// handled any event yet.
func NewCheckpoint(projection string) Checkpoint {
	return Checkpoint{Projection: projection, Position: NoCheckpoint}
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore interface {
	// Save stores the checkpoint, replacing an earlier one for the same
	// projection.
	Save(ctx context.Context, checkpoint Checkpoint) error

	// Load returns the stored checkpoint, or a fresh one when the
	// projection has none.
	Load(ctx context.Context, projection string) (Checkpoint, error)

	// Delete removes the checkpoint, so the next run starts from scratch.
	Delete(ctx context.Context, projection string) error
}
