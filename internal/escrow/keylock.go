package escrow

import (
	"context"
	"sync"

	xerrors "EgoMarket/internal/errors"
)

// taskLocks serialises escrow pipelines per task. Each waiter runs its own
// pipeline on its own context once the previous holder is done, so a second
// release re-verifies the box instead of inheriting the first one's result.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	ch   chan struct{}
	refs int
}

// acquire blocks until the lock for key is held or ctx ends.
func (l *taskLocks) acquire(ctx context.Context, key string) (release func(), err error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*taskLock)
	}
	lk, ok := l.locks[key]
	if !ok {
		lk = &taskLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		return func() {
			<-lk.ch
			l.drop(key, lk)
		}, nil
	case <-ctx.Done():
		l.drop(key, lk)
		return nil, ctx.Err()
	}
}

func (l *taskLocks) drop(key string, lk *taskLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

// hold acquires the lock for taskID and maps a cancelled wait to a retryable
// conflict. Nothing was submitted while waiting.
func (l *taskLocks) hold(ctx context.Context, op Op, taskID string) (func(), error) {
	release, err := l.acquire(ctx, taskID)
	if err != nil {
		return nil, xerrors.Wrap(CodeConflict, err, "等待同一任务的托管流程时取消",
			xerrors.WithMetadata("task_id", taskID),
			xerrors.WithMetadata("operation", string(op)),
			xerrors.WithRetryable(true))
	}
	return release, nil
}
