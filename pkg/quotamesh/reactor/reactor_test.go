package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReactorRunsSubmittedTasks(t *testing.T) {
	t.Parallel()
	r := New()
	go r.Run()
	defer func() {
		r.Stop()
		r.Wait()
	}()

	done := make(chan struct{})
	r.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}
}

func TestReactorRepeatingTimer(t *testing.T) {
	t.Parallel()
	r := New()
	go r.Run()
	defer func() {
		r.Stop()
		r.Wait()
	}()

	var count int64
	r.AddTimer(func() { atomic.AddInt64(&count, 1) }, 5*time.Millisecond, true)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) >= 3
	}, time.Second, time.Millisecond)
}

func TestCancelTimerStopsFiring(t *testing.T) {
	t.Parallel()
	r := New()
	go r.Run()
	defer func() {
		r.Stop()
		r.Wait()
	}()

	var count int64
	h := r.AddTimer(func() { atomic.AddInt64(&count, 1) }, 5*time.Millisecond, true)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) >= 1
	}, time.Second, time.Millisecond)

	r.CancelTimer(h)
	seen := atomic.LoadInt64(&count)
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt64(&count), seen+1, "timer kept firing after cancel")
}

func TestStopDrainsPendingTasks(t *testing.T) {
	t.Parallel()
	r := New()
	go r.Run()

	ran := make(chan struct{}, 1)
	r.Submit(func() { ran <- struct{}{} })
	r.Stop()
	r.Wait()

	select {
	case <-ran:
	default:
		t.Fatal("pending task was not drained before shutdown")
	}
}
