package projection_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/memory"
	"github.com/plaenen/eventcore/pkg/projection"
)

var fixedTime = time.Date(2025, 11, 12, 9, 30, 0, 0, time.UTC)

// fakeProjection records every handled event and can be told to fail or
// panic on one event type.
type fakeProjection struct {
	name   string
	filter eventstore.Filter

	mu      sync.Mutex
	handled []eventstore.Event
	resets  int
	failOn  string
	panicOn string
}

func (p *fakeProjection) Name() string              { return p.name }
func (p *fakeProjection) Filter() eventstore.Filter { return p.filter }

func (p *fakeProjection) Handle(_ context.Context, ev eventstore.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOn != "" && ev.Type == p.panicOn {
		panic("read model corrupted")
	}
	if p.failOn != "" && ev.Type == p.failOn {
		return errors.New("read model unavailable")
	}
	p.handled = append(p.handled, ev)
	return nil
}

func (p *fakeProjection) Reset(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.handled = nil
	return nil
}

func (p *fakeProjection) positions() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	positions := make([]int64, len(p.handled))
	for i, ev := range p.handled {
		positions[i] = ev.Position
	}
	return positions
}

func (p *fakeProjection) resetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

func (p *fakeProjection) setFailOn(eventType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOn = eventType
}

func orderEvent(eventType string, position int64) eventstore.Event {
	ev := eventstore.NewEvent(eventType, nil, eventstore.NewIndex("order", "o-1"))
	ev.ID = fmt.Sprintf("ev-%d", position)
	ev.Position = position
	return ev
}

type testRig struct {
	manager     *projection.Manager
	engine      *memory.Engine
	bus         *memory.Bus
	checkpoints *memory.CheckpointStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		engine:      memory.NewEngine(),
		bus:         memory.NewBus(),
		checkpoints: memory.NewCheckpointStore(),
	}
	rig.manager = projection.NewManager("ledger", rig.checkpoints, rig.engine, rig.bus,
		projection.WithClock(func() time.Time { return fixedTime }))
	t.Cleanup(rig.manager.StopAll)
	return rig
}

func TestStartDeliversLiveEvents(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	proj := &fakeProjection{name: "orders"}
	rig.manager.Register(proj)

	require.NoError(t, rig.manager.Start(ctx, "orders"))

	require.NoError(t, rig.bus.Publish(ctx, "ledger", []eventstore.Event{
		orderEvent("order.Placed", 0),
		orderEvent("order.Paid", 1),
	}))

	assert.Equal(t, []int64{0, 1}, proj.positions())

	checkpoint, err := rig.manager.Checkpoint(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), checkpoint.Position)
	assert.Equal(t, "ev-1", checkpoint.LastEventID)
	assert.Equal(t, fixedTime, checkpoint.UpdatedAt)
}

func TestStartErrors(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	t.Run("UnknownProjection", func(t *testing.T) {
		err := rig.manager.Start(ctx, "nope")
		assert.ErrorIs(t, err, projection.ErrUnknownProjection)
	})

	t.Run("AlreadyRunning", func(t *testing.T) {
		rig.manager.Register(&fakeProjection{name: "orders"})
		require.NoError(t, rig.manager.Start(ctx, "orders"))
		err := rig.manager.Start(ctx, "orders")
		assert.ErrorIs(t, err, projection.ErrAlreadyRunning)
	})
}

func TestDeliveryScopedToManagerNamespace(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	proj := &fakeProjection{name: "orders"}
	rig.manager.Register(proj)
	require.NoError(t, rig.manager.Start(ctx, "orders"))

	require.NoError(t, rig.bus.Publish(ctx, "billing", []eventstore.Event{orderEvent("order.Placed", 0)}))
	assert.Empty(t, proj.positions(), "events from other namespaces must not reach the projection")

	require.NoError(t, rig.bus.Publish(ctx, "ledger", []eventstore.Event{orderEvent("order.Placed", 0)}))
	assert.Equal(t, []int64{0}, proj.positions())
}

func TestDeliveryHonorsProjectionFilter(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	proj := &fakeProjection{
		name:   "payments",
		filter: eventstore.Filter{EventTypes: []string{"order.Paid"}},
	}
	rig.manager.Register(proj)
	require.NoError(t, rig.manager.Start(ctx, "payments"))

	require.NoError(t, rig.bus.Publish(ctx, "ledger", []eventstore.Event{
		orderEvent("order.Placed", 0),
		orderEvent("order.Paid", 1),
		orderEvent("order.Shipped", 2),
	}))

	assert.Equal(t, []int64{1}, proj.positions())
}

func TestResumeSkipsHandledPositions(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	proj := &fakeProjection{name: "orders"}
	rig.manager.Register(proj)

	require.NoError(t, rig.checkpoints.Save(ctx, projection.Checkpoint{
		Projection: "orders", Position: 1, LastEventID: "ev-1", UpdatedAt: fixedTime,
	}))
	require.NoError(t, rig.manager.Start(ctx, "orders"))

	// Redelivery after a restart replays already handled positions.
	require.NoError(t, rig.bus.Publish(ctx, "ledger", []eventstore.Event{
		orderEvent("order.Placed", 0),
		orderEvent("order.Paid", 1),
		orderEvent("order.Shipped", 2),
	}))

	assert.Equal(t, []int64{2}, proj.positions())
}

func TestFailedDeliveryLeavesCheckpointUntouched(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	proj := &fakeProjection{name: "orders", failOn: "order.Paid"}
	rig.manager.Register(proj)
	require.NoError(t, rig.manager.Start(ctx, "orders"))

	require.NoError(t, rig.bus.Publish(ctx, "ledger", []eventstore.Event{orderEvent("order.Placed", 0)}))
	err := rig.bus.Publish(ctx, "ledger", []eventstore.Event{orderEvent("order.Paid", 1)})
	require.Error(t, err, "a failed handler must surface to the bus")

	checkpoint, err := rig.manager.Checkpoint(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), checkpoint.Position)

	// The bus redelivers once the read model recovers; the projection
	// resumes where it left off.
	proj.setFailOn("")
	require.NoError(t, rig.bus.Publish(ctx, "ledger", []eventstore.Event{orderEvent("order.Paid", 1)}))
	assert.Equal(t, []int64{0, 1}, proj.positions())
}

func TestPanicIsConfinedToOneDelivery(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	proj := &fakeProjection{name: "orders", panicOn: "order.Corrupted"}
	rig.manager.Register(proj)
	require.NoError(t, rig.manager.Start(ctx, "orders"))

	err := rig.bus.Publish(ctx, "ledger", []eventstore.Event{orderEvent("order.Corrupted", 0)})
	require.ErrorContains(t, err, "panicked")

	require.NoError(t, rig.bus.Publish(ctx, "ledger", []eventstore.Event{orderEvent("order.Placed", 1)}))
	assert.Equal(t, []int64{1}, proj.positions(), "the subscription must survive a panicking handler")
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	proj := &fakeProjection{name: "orders"}
	rig.manager.Register(proj)

	t.Run("NotRunning", func(t *testing.T) {
		assert.ErrorIs(t, rig.manager.Stop("orders"), projection.ErrNotRunning)
	})

	t.Run("HaltsDelivery", func(t *testing.T) {
		require.NoError(t, rig.manager.Start(ctx, "orders"))
		require.NoError(t, rig.manager.Stop("orders"))

		// Depending on when the unsubscribe lands, the publish reaches no
		// subscriber or is rejected by the stopped projection. Either way
		// nothing is handled.
		_ = rig.bus.Publish(ctx, "ledger", []eventstore.Event{orderEvent("order.Placed", 0)})
		assert.Empty(t, proj.positions(), "stopped projections must not handle events")

		checkpoint, err := rig.manager.Checkpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, projection.NoCheckpoint, checkpoint.Position)
	})
}

func TestStopAllReleasesSubscriptions(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	orders := &fakeProjection{name: "orders"}
	payments := &fakeProjection{name: "payments"}
	rig.manager.Register(orders)
	rig.manager.Register(payments)
	require.NoError(t, rig.manager.Start(ctx, "orders"))
	require.NoError(t, rig.manager.Start(ctx, "payments"))

	rig.manager.StopAll()

	// StopAll waits for the unsubscribes, so nothing is delivered anymore.
	require.NoError(t, rig.bus.Publish(ctx, "ledger", []eventstore.Event{orderEvent("order.Placed", 0)}))
	assert.Empty(t, orders.positions())
	assert.Empty(t, payments.positions())
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, rig *testRig) {
		t.Helper()
		_, err := rig.engine.Append(ctx, []eventstore.Event{
			eventstore.NewEvent("order.Placed", nil, eventstore.NewIndex("order", "o-1")),
			eventstore.NewEvent("order.Paid", nil, eventstore.NewIndex("order", "o-1")),
			eventstore.NewEvent("invoice.Sent", nil, eventstore.NewIndex("invoice", "i-1")),
			eventstore.NewEvent("order.Shipped", nil, eventstore.NewIndex("order", "o-1")),
		}, eventstore.NoAppendCondition())
		require.NoError(t, err)
	}

	t.Run("ReplaysFilteredHistory", func(t *testing.T) {
		rig := newTestRig(t)
		seed(t, rig)
		proj := &fakeProjection{
			name:   "orders",
			filter: eventstore.Filter{Indices: []eventstore.Index{eventstore.NewIndex("order", "o-1")}},
		}
		rig.manager.Register(proj)

		require.NoError(t, rig.manager.Rebuild(ctx, "orders"))

		assert.Equal(t, 1, proj.resetCount())
		assert.Equal(t, []int64{0, 1, 3}, proj.positions())

		checkpoint, err := rig.manager.Checkpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, int64(3), checkpoint.Position)
	})

	t.Run("ByEventType", func(t *testing.T) {
		rig := newTestRig(t)
		seed(t, rig)
		proj := &fakeProjection{
			name:   "payments",
			filter: eventstore.Filter{EventTypes: []string{"order.Paid"}},
		}
		rig.manager.Register(proj)

		require.NoError(t, rig.manager.Rebuild(ctx, "payments"))
		assert.Equal(t, []int64{1}, proj.positions())
	})

	t.Run("StopsARunningProjection", func(t *testing.T) {
		rig := newTestRig(t)
		seed(t, rig)
		proj := &fakeProjection{
			name:   "orders",
			filter: eventstore.Filter{Indices: []eventstore.Index{eventstore.NewIndex("order", "o-1")}},
		}
		rig.manager.Register(proj)
		require.NoError(t, rig.manager.Start(ctx, "orders"))

		require.NoError(t, rig.manager.Rebuild(ctx, "orders"))
		assert.ErrorIs(t, rig.manager.Stop("orders"), projection.ErrNotRunning)
	})

	t.Run("RestartResumesAfterRebuild", func(t *testing.T) {
		rig := newTestRig(t)
		seed(t, rig)
		proj := &fakeProjection{
			name:   "orders",
			filter: eventstore.Filter{Indices: []eventstore.Index{eventstore.NewIndex("order", "o-1")}},
		}
		rig.manager.Register(proj)
		require.NoError(t, rig.manager.Rebuild(ctx, "orders"))
		require.NoError(t, rig.manager.Start(ctx, "orders"))

		// Redelivered history stays skipped; only new events fold.
		require.NoError(t, rig.bus.Publish(ctx, "ledger", []eventstore.Event{
			orderEvent("order.Paid", 1),
			orderEvent("order.Closed", 4),
		}))
		assert.Equal(t, []int64{0, 1, 3, 4}, proj.positions())
	})

	t.Run("UnknownProjection", func(t *testing.T) {
		rig := newTestRig(t)
		err := rig.manager.Rebuild(ctx, "nope")
		assert.ErrorIs(t, err, projection.ErrUnknownProjection)
	})

	t.Run("UnconstrainedFilter", func(t *testing.T) {
		rig := newTestRig(t)
		rig.manager.Register(&fakeProjection{name: "everything"})
		err := rig.manager.Rebuild(ctx, "everything")
		assert.ErrorContains(t, err, "nothing to rebuild")
	})

	t.Run("EmptyHistoryLeavesNoCheckpoint", func(t *testing.T) {
		rig := newTestRig(t)
		proj := &fakeProjection{
			name:   "orders",
			filter: eventstore.Filter{EventTypes: []string{"order.Placed"}},
		}
		rig.manager.Register(proj)
		require.NoError(t, rig.manager.Rebuild(ctx, "orders"))

		checkpoint, err := rig.manager.Checkpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, projection.NoCheckpoint, checkpoint.Position)
	})
}
