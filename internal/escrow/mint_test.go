package escrow

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"EgoMarket/internal/agent"
	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/ledger"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestDeferredRunsAfterDelay(t *testing.T) {
	clk := clock.NewMock()
	d := NewDeferred(clk)
	defer d.Close()

	var runs atomic.Int32
	require.True(t, d.After("k", time.Minute, func(context.Context) { runs.Add(1) }))
	require.True(t, d.Pending("k"))

	clk.Add(59 * time.Second)
	require.Zero(t, runs.Load())
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, d.Pending("k"))
}

func TestDeferredReplaceAndCancel(t *testing.T) {
	clk := clock.NewMock()
	d := NewDeferred(clk)
	defer d.Close()

	var first, second atomic.Int32
	d.After("k", time.Minute, func(context.Context) { first.Add(1) })
	d.After("k", 2*time.Minute, func(context.Context) { second.Add(1) })
	require.Equal(t, 1, d.Len())

	clk.Add(2 * time.Minute)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, first.Load())

	var third atomic.Int32
	d.After("other", time.Minute, func(context.Context) { third.Add(1) })
	require.True(t, d.Cancel("other"))
	require.False(t, d.Cancel("other"))
	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, third.Load())
}

func TestDeferredCloseCancelsRunningJob(t *testing.T) {
	clk := clock.NewMock()
	d := NewDeferred(clk)
	started := make(chan struct{})
	var cancelled atomic.Bool
	d.After("k", time.Second, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	clk.Add(time.Second)
	<-started
	d.Close()
	require.True(t, cancelled.Load())
	require.False(t, d.After("k", time.Second, func(context.Context) {}))
}

func newScheduler(t *testing.T, minter Minter) (*MintScheduler, *clock.Mock, *agent.MemoryStore) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(epoch)
	agents := agent.NewMemoryStore()
	s := NewMintScheduler(minter, agents, WithMintClock(clk), WithMintTiming(time.Minute, 3*time.Minute))
	t.Cleanup(s.Close)
	return s, clk, agents
}

func mintRequest(taskID string) MintRequest {
	return MintRequest{TaskID: taskID, AgentID: "bob", AgentAddress: "bob-address"}
}

func TestMintRetriesConflictOnce(t *testing.T) {
	minter := &fakeMinter{errs: []error{ErrConflict}}
	s, clk, _ := newScheduler(t, minter)

	_, err := s.Schedule(context.Background(), mintRequest("t1"), "release-tx")
	require.NoError(t, err)
	clk.Add(time.Minute)
	require.Eventually(t, func() bool { return minter.Calls() == 1 && s.Pending() == 1 }, time.Second, 5*time.Millisecond)
	job, _ := s.Job("t1")
	require.Equal(t, MintScheduled, job.Status)
	require.Equal(t, epoch.Add(4*time.Minute), job.RunAt)

	clk.Add(3 * time.Minute)
	require.Eventually(t, func() bool {
		job, _ := s.Job("t1")
		return job.Status == MintMinted
	}, time.Second, 5*time.Millisecond)
	job, _ = s.Job("t1")
	require.Equal(t, 2, job.Attempts)
	require.Equal(t, "mint-t1", job.TxID)
}

func TestMintSecondConflictFails(t *testing.T) {
	minter := &fakeMinter{errs: []error{ErrConflict, ErrConflict}}
	s, clk, _ := newScheduler(t, minter)

	_, err := s.Schedule(context.Background(), mintRequest("t1"), "release-tx")
	require.NoError(t, err)
	clk.Add(time.Minute)
	require.Eventually(t, func() bool { return minter.Calls() == 1 && s.Pending() == 1 }, time.Second, 5*time.Millisecond)
	clk.Add(3 * time.Minute)
	require.Eventually(t, func() bool {
		job, _ := s.Job("t1")
		return job.Status == MintFailed
	}, time.Second, 5*time.Millisecond)
	job, _ := s.Job("t1")
	require.Contains(t, job.Error, string(CodeMintFailed))
	require.Equal(t, 2, minter.Calls())
}

func TestMintFailureIsNotRetried(t *testing.T) {
	minter := &fakeMinter{errs: []error{xerrors.Wrap(ledger.CodeRejected, ledger.ErrRejected, "bad script")}}
	s, clk, _ := newScheduler(t, minter)

	_, err := s.Schedule(context.Background(), mintRequest("t1"), "release-tx")
	require.NoError(t, err)
	clk.Add(time.Minute)
	require.Eventually(t, func() bool {
		job, _ := s.Job("t1")
		return job.Status == MintFailed
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, s.Pending())
	require.Equal(t, 1, minter.Calls())
}

func TestMintSkippedForSuspendedAgent(t *testing.T) {
	minter := &fakeMinter{}
	s, clk, agents := newScheduler(t, minter)
	ctx := context.Background()

	_, err := s.Schedule(ctx, mintRequest("t1"), "release-tx")
	require.NoError(t, err)
	require.NoError(t, agents.SaveSuspension(ctx, &agent.Suspension{
		ID: "s1", AgentID: "bob", Reason: "score_farming", StartsAt: epoch, ExpiresAt: epoch.Add(7 * 24 * time.Hour),
	}))
	clk.Add(time.Minute)
	require.Eventually(t, func() bool {
		job, _ := s.Job("t1")
		return job.Status == MintSkipped
	}, time.Second, 5*time.Millisecond)
	job, _ := s.Job("t1")
	require.True(t, strings.Contains(job.Error, "score_farming"))
	require.Zero(t, minter.Calls())
}

func TestCancelAgentStopsPendingMints(t *testing.T) {
	minter := &fakeMinter{}
	s, clk, _ := newScheduler(t, minter)
	ctx := context.Background()

	_, err := s.Schedule(ctx, mintRequest("t1"), "tx1")
	require.NoError(t, err)
	_, err = s.Schedule(ctx, MintRequest{TaskID: "t2", AgentID: "carol", AgentAddress: "carol-address"}, "tx2")
	require.NoError(t, err)

	s.CancelAgent(ctx, agent.Suspension{AgentID: "bob", Reason: "velocity_anomaly"})
	job, _ := s.Job("t1")
	require.Equal(t, MintCancelled, job.Status)
	require.Equal(t, 1, s.Pending())

	clk.Add(time.Minute)
	require.Eventually(t, func() bool {
		job, _ := s.Job("t2")
		return job.Status == MintMinted
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, minter.Calls())
}

func TestScheduleIsIdempotentPerTask(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeMinter{})
	ctx := context.Background()
	first, err := s.Schedule(ctx, mintRequest("t1"), "tx1")
	require.NoError(t, err)
	again, err := s.Schedule(ctx, mintRequest("t1"), "tx1")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Len(t, s.Jobs(), 1)

	_, err = s.Schedule(ctx, MintRequest{TaskID: "t2"}, "tx2")
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
