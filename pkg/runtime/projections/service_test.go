package projections_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/memory"
	"github.com/plaenen/eventcore/pkg/projection"
	"github.com/plaenen/eventcore/pkg/runtime/projections"
)

// countingProjection counts handled order events.
type countingProjection struct {
	mu      sync.Mutex
	handled int
	resets  int
}

func (p *countingProjection) Name() string { return "orders" }

func (p *countingProjection) Filter() eventstore.Filter {
	return eventstore.Filter{EventTypes: []string{"order.Placed"}}
}

func (p *countingProjection) Handle(context.Context, eventstore.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handled++
	return nil
}

func (p *countingProjection) Reset(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.handled = 0
	return nil
}

func (p *countingProjection) counts() (handled, resets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handled, p.resets
}

func placedEvent(position int64) eventstore.Event {
	ev := eventstore.NewEvent("order.Placed", nil, eventstore.NewIndex("order", "o-1"))
	ev.Position = position
	return ev
}

func TestServiceStartsAndStopsProjections(t *testing.T) {
	ctx := context.Background()
	engine := memory.NewEngine()
	bus := memory.NewBus()
	manager := projection.NewManager("ledger", memory.NewCheckpointStore(), engine, bus)

	proj := &countingProjection{}
	manager.Register(proj)
	service := projections.New(manager, []string{"orders"})

	assert.Equal(t, "projections", service.Name())
	require.NoError(t, service.Start(ctx))

	require.NoError(t, bus.Publish(ctx, "ledger", []eventstore.Event{placedEvent(0)}))
	handled, _ := proj.counts()
	assert.Equal(t, 1, handled)

	require.NoError(t, service.Stop(ctx))

	_ = bus.Publish(ctx, "ledger", []eventstore.Event{placedEvent(1)})
	handled, _ = proj.counts()
	assert.Equal(t, 1, handled, "stopped projections must not handle events")
}

func TestServiceRebuildOnStart(t *testing.T) {
	ctx := context.Background()
	engine := memory.NewEngine()
	bus := memory.NewBus()
	manager := projection.NewManager("ledger", memory.NewCheckpointStore(), engine, bus)

	_, err := engine.Append(ctx, []eventstore.Event{
		eventstore.NewEvent("order.Placed", nil, eventstore.NewIndex("order", "o-1")),
		eventstore.NewEvent("order.Placed", nil, eventstore.NewIndex("order", "o-2")),
	}, eventstore.NoAppendCondition())
	require.NoError(t, err)

	proj := &countingProjection{}
	manager.Register(proj)
	service := projections.New(manager, []string{"orders"}, projections.WithRebuildOnStart())

	require.NoError(t, service.Start(ctx))
	defer service.Stop(ctx)

	handled, resets := proj.counts()
	assert.Equal(t, 1, resets)
	assert.Equal(t, 2, handled, "history must be replayed before going live")

	// Live events continue after the rebuilt history.
	require.NoError(t, bus.Publish(ctx, "ledger", []eventstore.Event{placedEvent(2)}))
	handled, _ = proj.counts()
	assert.Equal(t, 3, handled)
}

func TestServiceStartFailsForUnknownProjection(t *testing.T) {
	manager := projection.NewManager("ledger", memory.NewCheckpointStore(), memory.NewEngine(), memory.NewBus())
	service := projections.New(manager, []string{"nope"})

	err := service.Start(context.Background())
	require.ErrorIs(t, err, projection.ErrUnknownProjection)
}

func TestStartCtxCancellationDoesNotStopProjections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	engine := memory.NewEngine()
	bus := memory.NewBus()
	manager := projection.NewManager("ledger", memory.NewCheckpointStore(), engine, bus)

	proj := &countingProjection{}
	manager.Register(proj)
	service := projections.New(manager, []string{"orders"})

	require.NoError(t, service.Start(ctx))
	defer service.Stop(context.Background())

	// Runners cancel the startup context once Start returns; running
	// projections must not die with it.
	cancel()

	require.NoError(t, bus.Publish(context.Background(), "ledger", []eventstore.Event{placedEvent(0)}))
	handled, _ := proj.counts()
	assert.Equal(t, 1, handled)
}
