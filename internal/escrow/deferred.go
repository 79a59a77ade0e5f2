package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Deferred runs keyed functions after a delay on a clock. Each job gets its own
// cancellation token; scheduling an existing key replaces the earlier job.
type Deferred struct {
	clock  clock.Clock
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	wg     sync.WaitGroup
	seq    uint64
	jobs   map[string]*deferredJob
	closed bool
}

type deferredJob struct {
	seq    uint64
	timer  *clock.Timer
	cancel context.CancelFunc
}

// NewDeferred creates a runner on clk.
func NewDeferred(clk clock.Clock) *Deferred {
	if clk == nil {
		clk = clock.New()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Deferred{clock: clk, base: base, cancel: cancel, jobs: make(map[string]*deferredJob)}
}

// After schedules fn to run once delay has elapsed. It reports false once the
// runner is closed.
func (d *Deferred) After(key string, delay time.Duration, fn func(ctx context.Context)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if old, ok := d.jobs[key]; ok {
		d.stopLocked(key, old)
	}
	ctx, cancel := context.WithCancel(d.base)
	d.seq++
	job := &deferredJob{seq: d.seq, cancel: cancel}
	d.jobs[key] = job
	job.timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		current, ok := d.jobs[key]
		if d.closed || !ok || current.seq != job.seq || ctx.Err() != nil {
			d.mu.Unlock()
			return
		}
		delete(d.jobs, key)
		d.wg.Add(1)
		d.mu.Unlock()

		defer d.wg.Done()
		defer cancel()
		fn(ctx)
	})
	return true
}

// Cancel stops a pending job. It reports whether a job was pending.
func (d *Deferred) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[key]
	if !ok {
		return false
	}
	d.stopLocked(key, job)
	return true
}

// Pending reports whether key is waiting to run.
func (d *Deferred) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.jobs[key]
	return ok
}

// Len returns the number of pending jobs.
func (d *Deferred) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// Close cancels every pending and running job and waits for running ones.
func (d *Deferred) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for key, job := range d.jobs {
		d.stopLocked(key, job)
	}
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Deferred) stopLocked(key string, job *deferredJob) {
	if job.timer != nil {
		job.timer.Stop()
	}
	job.cancel()
	delete(d.jobs, key)
}
