package events

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLog is an in-process Log used by tests and single-node deployments.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append 实现 Log。
func (l *MemoryLog) Append(_ context.Context, e *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := ""
	if n := len(l.events); n > 0 {
		prev = l.events[n-1].Hash
	}
	hash, err := ComputeHash(prev, e)
	if err != nil {
		return err
	}
	e.PrevHash = prev
	e.Hash = hash
	l.events = append(l.events, cloneEvent(*e))
	return nil
}

// Recent 实现 Log，按时间倒序返回。
func (l *MemoryLog) Recent(_ context.Context, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, limit)
	for i := len(l.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, cloneEvent(l.events[i]))
	}
	return out, nil
}

// BySubject 实现 Log，按时间正序返回。
func (l *MemoryLog) BySubject(_ context.Context, subject string, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0)
	for _, e := range l.events {
		if e.Subject != subject {
			continue
		}
		out = append(out, cloneEvent(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Verify 实现 Log。
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	prev := ""
	for i := range l.events {
		e := l.events[i]
		if e.PrevHash != prev {
			return fmt.Errorf("event %d (%s): prev_hash mismatch", i, e.ID)
		}
		want, err := ComputeHash(prev, &e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return fmt.Errorf("event %d (%s): hash mismatch", i, e.ID)
		}
		prev = e.Hash
	}
	return nil
}

func cloneEvent(e Event) Event {
	if e.Data != nil {
		data := make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			data[k] = v
		}
		e.Data = data
	}
	return e
}

var _ Log = (*MemoryLog)(nil)
