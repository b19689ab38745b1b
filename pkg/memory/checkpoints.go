package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventcore/pkg/projection"
)

// CheckpointStore keeps projection checkpoints in process memory. Contents
// are lost on restart, so it suits tests and rebuild-on-boot read models.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]projection.Checkpoint
}

var _ projection.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore returns an empty in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]projection.Checkpoint)}
}

// Save stores the checkpoint, replacing an earlier one.
func (s *CheckpointStore) Save(_ context.Context, checkpoint projection.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.Projection] = checkpoint
	return nil
}

// Load returns the stored checkpoint, or a fresh one when the projection
// has none.
func (s *CheckpointStore) Load(_ context.Context, name string) (projection.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if checkpoint, ok := s.checkpoints[name]; ok {
		return checkpoint, nil
	}
	return projection.NewCheckpoint(name), nil
}

// Delete removes the checkpoint.
func (s *CheckpointStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, name)
	return nil
}
