package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/memory"
	"github.com/plaenen/eventcore/pkg/stream"
)

var fixedTime = time.Date(2025, 11, 12, 9, 30, 0, 0, time.UTC)

func newTestEngine() *memory.Engine {
	return memory.NewEngine(memory.WithClock(func() time.Time { return fixedTime }))
}

func appendAll(t *testing.T, engine eventstore.StorageEngine, events ...eventstore.Event) []eventstore.Event {
	t.Helper()
	committed, err := engine.Append(context.Background(), events, eventstore.NoAppendCondition())
	require.NoError(t, err)
	return committed
}

func TestHeadOfEmptyLog(t *testing.T) {
	head, err := newTestEngine().Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, eventstore.NoConsistencyMarker, head)
}

func TestAppendAssignsGaplessPositions(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()

	first := appendAll(t, engine,
		eventstore.NewEvent("order.Placed", nil, eventstore.NewIndex("order", "o-1")),
		eventstore.NewEvent("order.Paid", nil, eventstore.NewIndex("order", "o-1")),
	)
	second := appendAll(t, engine,
		eventstore.NewEvent("order.Shipped", nil, eventstore.NewIndex("order", "o-1")),
	)

	assert.Equal(t, int64(0), first[0].Position)
	assert.Equal(t, int64(1), first[1].Position)
	assert.Equal(t, int64(2), second[0].Position)
	assert.Equal(t, fixedTime, first[0].Timestamp)

	head, err := engine.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

func TestSourceSelectsByCriteriaAndWindow(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine()
	orderA := eventstore.NewIndex("order", "a")
	orderB := eventstore.NewIndex("order", "b")

	appendAll(t, engine,
		eventstore.NewEvent("order.Placed", nil, orderA),  // 0
		eventstore.NewEvent("order.Placed", nil, orderB),  // 1
		eventstore.NewEvent("order.Paid", nil, orderA),    // 2
		eventstore.NewEvent("order.Shipped", nil, orderA), // 3
	)

	t.Run("ByIndex", func(t *testing.T) {
		got, err := stream.Collect(ctx, engine.Source(ctx, eventstore.ConditionFor(eventstore.HasIndex(orderA))))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, int64(0), got[0].Position)
		assert.Equal(t, int64(2), got[1].Position)
		assert.Equal(t, int64(3), got[2].Position)
	})

	t.Run("ByIndexAndType", func(t *testing.T) {
		criteria := eventstore.HasIndex(orderA).WithEventTypes("order.Paid")
		got, err := stream.Collect(ctx, engine.Source(ctx, eventstore.ConditionFor(criteria)))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "order.Paid", got[0].Type)
	})

	t.Run("Windowed", func(t *testing.T) {
		got, err := stream.Collect(ctx, engine.Source(ctx, eventstore.ConditionBetween(eventstore.HasIndex(orderA), 1, 2)))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(2), got[0].Position)
	})

	t.Run("NoCriteriaSelectsNothing", func(t *testing.T) {
		got, err := stream.Collect(ctx, engine.Source(ctx, eventstore.ConditionFor(eventstore.NoCriteria())))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestAppendConditionValidation(t *testing.T) {
	ctx := context.Background()
	orderA := eventstore.NewIndex("order", "a")
	orderB := eventstore.NewIndex("order", "b")

	seed := func(t *testing.T) *memory.Engine {
		engine := newTestEngine()
		appendAll(t, engine,
			eventstore.NewEvent("order.Placed", nil, orderA), // 0
			eventstore.NewEvent("order.Placed", nil, orderB), // 1
			eventstore.NewEvent("order.Paid", nil, orderA),   // 2
		)
		return engine
	}

	t.Run("ConflictBeyondMarker", func(t *testing.T) {
		engine := seed(t)
		cond := eventstore.NoAppendCondition().
			With(eventstore.ConditionBetween(eventstore.HasIndex(orderA), 0, 1))

		_, err := engine.Append(ctx, []eventstore.Event{eventstore.NewEvent("order.Shipped", nil, orderA)}, cond)
		require.Error(t, err)
		assert.ErrorIs(t, err, eventstore.ErrConflict)

		var conflict *eventstore.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(1), conflict.Marker)
		assert.Equal(t, int64(2), conflict.Position)
	})

	t.Run("NoConflictWhenMarkerCoversLog", func(t *testing.T) {
		engine := seed(t)
		cond := eventstore.NoAppendCondition().
			With(eventstore.ConditionBetween(eventstore.HasIndex(orderA), 0, 2))

		committed, err := engine.Append(ctx, []eventstore.Event{eventstore.NewEvent("order.Shipped", nil, orderA)}, cond)
		require.NoError(t, err)
		assert.Equal(t, int64(3), committed[0].Position)
	})

	t.Run("NoConflictForUnrelatedEvents", func(t *testing.T) {
		engine := seed(t)
		cond := eventstore.NoAppendCondition().
			With(eventstore.ConditionBetween(eventstore.HasIndex(orderB), 0, 1))

		// Position 2 is beyond the marker but does not match order B.
		_, err := engine.Append(ctx, []eventstore.Event{eventstore.NewEvent("order.Paid", nil, orderB)}, cond)
		require.NoError(t, err)
	})

	t.Run("UnconditionalAppendNeverConflicts", func(t *testing.T) {
		engine := seed(t)
		_, err := engine.Append(ctx, []eventstore.Event{eventstore.NewEvent("order.Audited", nil, orderA)}, eventstore.NoAppendCondition())
		require.NoError(t, err)
	})

	t.Run("AtomicOnConflict", func(t *testing.T) {
		engine := seed(t)
		cond := eventstore.NoAppendCondition().
			With(eventstore.ConditionBetween(eventstore.HasIndex(orderA), 0, 0))

		_, err := engine.Append(ctx, []eventstore.Event{
			eventstore.NewEvent("order.Shipped", nil, orderB),
			eventstore.NewEvent("order.Closed", nil, orderB),
		}, cond)
		require.ErrorIs(t, err, eventstore.ErrConflict)

		head, err := engine.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), head, "a conflicting append must store nothing")
	})
}
