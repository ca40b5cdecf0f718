package engine

import (
	"context"
	"time"

	"github.com/samihult/xjog/chart"
)

// timedMutex is a mutex whose acquisition gives up after a timeout.
// A timeout usually means a chart is stuck in an event loop; callers
// treat it as fatal for the engine.
type timedMutex struct {
	name    string
	timeout time.Duration
	ch      chan struct{}
}

func newTimedMutex(name string, timeout time.Duration) *timedMutex {
	return &timedMutex{name: name, timeout: timeout, ch: make(chan struct{}, 1)}
}

// lock acquires the mutex, failing with a MutexTimeoutError after the
// timeout or with the context's error on cancellation.
func (m *timedMutex) lock(ctx context.Context) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	default:
	}

	var timer = time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case m.ch <- struct{}{}:
		return nil
	case <-timer.C:
		return &chart.MutexTimeoutError{Name: m.name, Timeout: m.timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unlock releases the mutex. It must pair with a successful lock.
func (m *timedMutex) unlock() {
	select {
	case <-m.ch:
	default:
		panic("unlock of unlocked " + m.name + " mutex")
	}
}

// settle waits for the mutex to be idle, bounded by the timeout. Used
// before cache eviction so a live transition is never torn.
func (m *timedMutex) settle(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	m.unlock()
	return nil
}
