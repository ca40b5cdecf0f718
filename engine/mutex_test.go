package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samihult/xjog/chart"
)

func TestTimedMutexLockUnlock(t *testing.T) {
	var m = newTimedMutex("test", 50*time.Millisecond)

	require.NoError(t, m.lock(context.Background()))
	m.unlock()
	require.NoError(t, m.lock(context.Background()))
	m.unlock()
}

func TestTimedMutexTimesOut(t *testing.T) {
	var m = newTimedMutex("wedged", 40*time.Millisecond)
	require.NoError(t, m.lock(context.Background()))

	var began = time.Now()
	var err = m.lock(context.Background())
	require.Error(t, err)
	require.True(t, chart.IsMutexTimeout(err))
	require.GreaterOrEqual(t, time.Since(began), 40*time.Millisecond)

	var timeoutErr *chart.MutexTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "wedged", timeoutErr.Name)
	require.Equal(t, 40*time.Millisecond, timeoutErr.Timeout)
}

func TestTimedMutexContextCancel(t *testing.T) {
	var m = newTimedMutex("test", time.Minute)
	require.NoError(t, m.lock(context.Background()))

	var ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	require.ErrorIs(t, m.lock(ctx), context.Canceled)
}

func TestTimedMutexSettleWaitsForHolder(t *testing.T) {
	var m = newTimedMutex("test", time.Second)
	require.NoError(t, m.lock(context.Background()))

	var released = make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(released)
		m.unlock()
	}()

	require.NoError(t, m.settle(context.Background()))
	select {
	case <-released:
	default:
		t.Fatal("settle returned before the holder released")
	}

	// settle leaves the mutex free.
	require.NoError(t, m.lock(context.Background()))
	m.unlock()
}

func TestTimedMutexUnlockUnlockedPanics(t *testing.T) {
	var m = newTimedMutex("test", time.Second)
	require.Panics(t, func() { m.unlock() })
}
