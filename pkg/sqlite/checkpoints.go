package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventcore/pkg/projection"
	"github.com/plaenen/eventcore/pkg/sqlite/migrate"
)

//go:embed checkpoint_migrations/*.sql
var checkpointMigrationsFS embed.FS

// CheckpointStore persists projection checkpoints in SQLite. It can share
// the engine's database (pass engine.DB()) or use a separate one when read
// models scale independently of the event log. Its schema migrations are
// tracked apart from the event log's, so both layouts work.
type CheckpointStore struct {
	db *sql.DB
}

var _ projection.CheckpointStore = (*CheckpointStore)(nil)

type checkpointConfig struct {
	autoMigrate bool
}

// CheckpointOption configures a CheckpointStore.
type CheckpointOption func(*checkpointConfig)

// WithCheckpointAutoMigrate toggles running pending checkpoint schema
// migrations on startup. Enabled by default.
func WithCheckpointAutoMigrate(enabled bool) CheckpointOption {
	return func(c *checkpointConfig) {
		c.autoMigrate = enabled
	}
}

// NewCheckpointStore returns a checkpoint store on db. The caller keeps
// ownership of db and closes it.
//
//	// Sharing the event log's database.
//	checkpoints, err := sqlite.NewCheckpointStore(engine.DB())
func NewCheckpointStore(db *sql.DB, opts ...CheckpointOption) (*CheckpointStore, error) {
	cfg := checkpointConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.autoMigrate {
		if err := runCheckpointMigrations(db); err != nil {
			return nil, err
		}
	}
	return &CheckpointStore{db: db}, nil
}

func runCheckpointMigrations(db *sql.DB) error {
	migrations, err := migrate.Load(checkpointMigrationsFS, "checkpoint_migrations")
	if err != nil {
		return fmt.Errorf("failed to load checkpoint migrations: %w", err)
	}
	if err := migrate.New(db, "checkpoint_schema_migrations").Apply(migrations); err != nil {
		return fmt.Errorf("failed to run checkpoint migrations: %w", err)
	}
	return nil
}

// Save stores the checkpoint, replacing an earlier one for the same
// projection.
func (s *CheckpointStore) Save(ctx context.Context, checkpoint projection.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, position, last_event_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`,
		checkpoint.Projection, checkpoint.Position, checkpoint.LastEventID, checkpoint.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %q: %w", checkpoint.Projection, err)
	}
	return nil
}

// Load returns the stored checkpoint, or a fresh one when the projection
// has none.
func (s *CheckpointStore) Load(ctx context.Context, name string) (projection.Checkpoint, error) {
	checkpoint := projection.Checkpoint{Projection: name}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT position, last_event_id, updated_at
		FROM projection_checkpoints
		WHERE projection_name = ?`, name,
	).Scan(&checkpoint.Position, &checkpoint.LastEventID, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return projection.NewCheckpoint(name), nil
	case err != nil:
		return projection.Checkpoint{}, fmt.Errorf("failed to load checkpoint for %q: %w", name, err)
	}
	checkpoint.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return checkpoint, nil
}

// Delete removes the checkpoint.
func (s *CheckpointStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM projection_checkpoints WHERE projection_name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint for %q: %w", name, err)
	}
	return nil
}
