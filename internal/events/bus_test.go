package events

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestBusPersistsAndFansOut(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	bus := NewBus(log, mock)

	var hooked []Kind
	bus.OnEvent(func(_ context.Context, e Event) { hooked = append(hooked, e.Kind) })
	sub := bus.Subscribe(4)

	bus.Emit(ctx, KindTaskPosted, "task-1", "alice", map[string]any{"budget": 10})
	bus.Emit(ctx, KindTaskTransition, "task-1", "alice", map[string]any{"from": "open", "to": "funded"})

	require.Equal(t, []Kind{KindTaskPosted, KindTaskTransition}, hooked)
	first := <-sub
	require.Equal(t, KindTaskPosted, first.Kind)
	require.Equal(t, mock.Now().UTC(), first.OccurredAt)

	stored, err := log.BySubject(ctx, "task-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, stored[0].Hash, stored[1].PrevHash)
	require.NoError(t, log.Verify(ctx))

	bus.Unsubscribe(sub)
	bus.Emit(ctx, KindTaskArchived, "task-1", "alice", nil)
}

func TestMemoryLogDetectsTampering(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	bus := NewBus(log, clock.NewMock())
	bus.Emit(ctx, KindEgoRecorded, "agent-1", "", map[string]any{"kind": "rating"})
	bus.Emit(ctx, KindEgoRecorded, "agent-1", "", map[string]any{"kind": "rating"})

	log.events[0].Data["kind"] = "task_completed"
	require.Error(t, log.Verify(ctx))
}

func TestComputeHashDeterministic(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &Event{ID: "id", Kind: KindBidPlaced, Subject: "s", OccurredAt: at, Data: map[string]any{"a": 1, "b": 2}}
	b := &Event{ID: "id", Kind: KindBidPlaced, Subject: "s", OccurredAt: at, Data: map[string]any{"b": 2, "a": 1}}
	h1, err := ComputeHash("", a)
	require.NoError(t, err)
	h2, err := ComputeHash("", b)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	h3, err := ComputeHash("prev", a)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}
