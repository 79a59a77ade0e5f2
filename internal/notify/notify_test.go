package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Deliver(context.Context, Notification) error {
	f.calls++
	return errors.New("boom")
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	mem := &MemorySink{}
	failing := &failingSink{}
	d := NewDispatcher(clock.NewMock(), 8, mem, failing, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Notify(ctx, "alice", KindTaskFunded, map[string]any{"task_id": "t1"})
	d.Notify(ctx, "", KindTaskFunded, nil)

	require.Eventually(t, func() bool { return len(mem.Items()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	got := mem.Items()[0]
	require.Equal(t, "alice", got.Recipient)
	require.Equal(t, KindTaskFunded, got.Kind)
	require.Equal(t, 1, failing.calls)
}

func TestDispatcherNeverBlocks(t *testing.T) {
	d := NewDispatcher(nil, 1, &MemorySink{})
	d.Notify(context.Background(), "alice", KindTaskRefunded, nil)
	d.Notify(context.Background(), "alice", KindTaskRefunded, nil)
	require.Len(t, d.queue, 1)
}
