package projection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/eventstore"
)

// Checkpoints are persisted every rebuildCheckpointInterval events during a
// rebuild, and once more at the end.
const rebuildCheckpointInterval = 1000

// Manager runs projections against one namespace of the event store: the
// bus feeds them committed events in real time, and rebuilds replay history
// from the namespace's storage engine. Positions in checkpoints are engine
// positions, which is why a manager serves exactly one namespace.
type Manager struct {
	namespace   string
	checkpoints CheckpointStore
	engine      eventstore.StorageEngine
	bus         eventstore.EventBus
	logger      *slog.Logger
	clock       func() time.Time

	mu          sync.Mutex
	projections map[string]Projection
	running     map[string]*activeProjection
	wg          sync.WaitGroup
}

// activeProjection is the running state of one started projection. Its
// mutex serializes deliveries, so events are handled and checkpointed one
// at a time.
type activeProjection struct {
	cancel context.CancelFunc

	mu         sync.Mutex
	checkpoint Checkpoint
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock replaces the clock stamping checkpoint updates. Useful for
// deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// NewManager returns a manager running projections for namespace, reading
// history from engine and live events from bus.
func NewManager(
	namespace string,
	checkpoints CheckpointStore,
	engine eventstore.StorageEngine,
	bus eventstore.EventBus,
	opts ...Option,
) *Manager {
	m := &Manager{
		namespace:   namespace,
		checkpoints: checkpoints,
		engine:      engine,
		bus:         bus,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:       func() time.Time { return time.Now().UTC() },
		projections: make(map[string]Projection),
		running:     make(map[string]*activeProjection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register makes the projection known to the manager. Registering the same
// name again replaces the earlier projection.
func (m *Manager) Register(projection Projection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projections[projection.Name()] = projection
}

// Start subscribes the projection to the bus and resumes from its stored
// checkpoint: events at or below the checkpointed position are skipped. The
// subscription lives until Stop, StopAll or the context ends.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	projection, ok := m.projections[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownProjection)
	}
	if _, running := m.running[name]; running {
		return fmt.Errorf("%q: %w", name, ErrAlreadyRunning)
	}

	checkpoint, err := m.checkpoints.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint for %q: %w", name, err)
	}

	projCtx, cancel := context.WithCancel(ctx)
	run := &activeProjection{cancel: cancel, checkpoint: checkpoint}

	filter := projection.Filter()
	filter.Namespaces = []string{m.namespace}

	sub, err := m.bus.Subscribe(filter, func(_ string, ev eventstore.Event) error {
		return m.deliver(projCtx, projection, run, ev)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe projection %q: %w", name, err)
	}
	m.running[name] = run

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-projCtx.Done()
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Error("failed to unsubscribe projection",
				"projection", name, "error", err)
		}
	}()
	return nil
}

// deliver handles one live event and advances the checkpoint. Returning an
// error leaves the checkpoint untouched and signals the bus that delivery
// failed; redelivery depends on the bus implementation.
func (m *Manager) deliver(ctx context.Context, projection Projection, run *activeProjection, ev eventstore.Event) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	// A stopped projection must not advance its checkpoint; the event
	// stays undelivered for a later run.
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Position <= run.checkpoint.Position {
		return nil // handled before a restart or during a rebuild
	}

	if err := m.handle(ctx, projection, ev); err != nil {
		m.logger.ErrorContext(ctx, "projection failed to handle event",
			"projection", projection.Name(),
			"event_id", ev.ID,
			"position", ev.Position,
			"error", err)
		return err
	}

	run.checkpoint.Position = ev.Position
	run.checkpoint.LastEventID = ev.ID
	run.checkpoint.UpdatedAt = m.clock()
	if err := m.checkpoints.Save(ctx, run.checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint for %q: %w", projection.Name(), err)
	}
	return nil
}

// handle invokes the projection and converts panics into errors, so one
// broken event cannot take the subscriber down.
func (m *Manager) handle(ctx context.Context, projection Projection, ev eventstore.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "projection panicked",
				"projection", projection.Name(),
				"event_id", ev.ID,
				"panic", r,
				"stack_trace", string(debug.Stack()))
			err = fmt.Errorf("projection %q panicked: %v", projection.Name(), r)
		}
	}()
	return projection.Handle(ctx, ev)
}

// Stop cancels the projection's subscription.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, running := m.running[name]
	if !running {
		return fmt.Errorf("%q: %w", name, ErrNotRunning)
	}
	run.cancel()
	delete(m.running, name)
	return nil
}

// StopAll cancels every running projection and waits until all
// subscriptions are released.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for name, run := range m.running {
		run.cancel()
		delete(m.running, name)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Rebuild resets the projection and replays its events from the storage
// engine: Reset, checkpoint deletion, then one pass over the history
// selected by the projection's filter. A running projection is stopped
// first and not restarted.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	m.mu.Lock()
	projection, ok := m.projections[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%q: %w", name, ErrUnknownProjection)
	}
	if run, running := m.running[name]; running {
		run.cancel()
		delete(m.running, name)
	}
	m.mu.Unlock()

	criteria := rebuildCriteria(projection.Filter())
	if criteria.IsEmpty() {
		return fmt.Errorf("projection %q filters neither by event type nor by index, nothing to rebuild from", name)
	}

	if err := projection.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset projection %q: %w", name, err)
	}
	if err := m.checkpoints.Delete(ctx, name); err != nil {
		return fmt.Errorf("failed to delete checkpoint for %q: %w", name, err)
	}

	events := m.engine.Source(ctx, eventstore.ConditionFrom(criteria, 0))
	defer events.Close()

	checkpoint := NewCheckpoint(name)
	handled := 0
	for ev, err := range events.All(ctx) {
		if err != nil {
			return fmt.Errorf("failed to source events for %q: %w", name, err)
		}
		if err := m.handle(ctx, projection, ev); err != nil {
			return err
		}

		checkpoint.Position = ev.Position
		checkpoint.LastEventID = ev.ID
		checkpoint.UpdatedAt = m.clock()
		handled++
		if handled%rebuildCheckpointInterval == 0 {
			if err := m.checkpoints.Save(ctx, checkpoint); err != nil {
				return fmt.Errorf("failed to save checkpoint for %q: %w", name, err)
			}
		}
	}
	if handled == 0 {
		return nil
	}
	if err := m.checkpoints.Save(ctx, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint for %q: %w", name, err)
	}
	return nil
}

// rebuildCriteria derives the sourcing criteria from a live filter. Both
// select by the same rule: any of the indices, restricted to the event
// types.
func rebuildCriteria(f eventstore.Filter) eventstore.Criteria {
	criteria := eventstore.HasAnyIndex(f.Indices...)
	if len(f.EventTypes) > 0 {
		criteria = criteria.WithEventTypes(f.EventTypes...)
	}
	return criteria
}

// Checkpoint returns the projection's stored checkpoint.
func (m *Manager) Checkpoint(ctx context.Context, name string) (Checkpoint, error) {
	return m.checkpoints.Load(ctx, name)
}
