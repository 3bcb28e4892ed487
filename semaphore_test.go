package krisos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphore_TryAcquireRespectsCounter(t *testing.T) {
	k := newDeterministicKernel(t)
	s, err := k.NewSemaphore(1)
	require.NoError(t, err)

	require.NoError(t, s.TryAcquire())
	require.ErrorIs(t, s.TryAcquire(), ErrWouldBlock)
	require.Equal(t, 0, s.Count())
}

func TestSemaphore_NewSemaphoreRejectsNegativeInitial(t *testing.T) {
	k := newDeterministicKernel(t)
	_, err := k.NewSemaphore(-1)
	require.ErrorIs(t, err, ErrBadArgument)
}

func TestSemaphore_ReleaseDirectHandoffSkipsCounter(t *testing.T) {
	k := newDeterministicKernel(t)
	s, err := k.NewSemaphore(0)
	require.NoError(t, err)

	acquired := make(chan struct{})
	waiterDone := make(chan struct{})
	_, err = k.SpawnSystem("waiter", 10, func(tc *TaskContext) {
		require.NoError(t, tc.Acquire(s))
		close(acquired)
		close(waiterDone)
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	time.Sleep(20 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("waiter must not have acquired before release")
	default:
	}

	require.NoError(t, s.Release())

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("release must hand off directly to the waiting task")
	}
	<-waiterDone
	// A direct hand-off never touches the counter.
	require.Equal(t, 0, s.Count())
}

func TestSemaphore_AcquireTimeoutExpires(t *testing.T) {
	k := newDeterministicKernel(t)
	s, err := k.NewSemaphore(0)
	require.NoError(t, err)

	result := make(chan error, 1)
	_, err = k.SpawnSystem("waiter", 10, func(tc *TaskContext) {
		result <- tc.AcquireTimeout(s, 3)
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, k.Tick())
	}

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrExpiredTimeout)
	case <-time.After(time.Second):
		t.Fatal("AcquireTimeout never returned after its deadline elapsed")
	}
}

func TestSemaphore_AcquireTimeoutSucceedsBeforeDeadline(t *testing.T) {
	k := newDeterministicKernel(t)
	s, err := k.NewSemaphore(0)
	require.NoError(t, err)

	result := make(chan error, 1)
	_, err = k.SpawnSystem("waiter", 10, func(tc *TaskContext) {
		result <- tc.AcquireTimeout(s, 100)
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Release())

	select {
	case err := <-result:
		require.NoError(t, err, "a released acquire must not report a timeout")
	case <-time.After(time.Second):
		t.Fatal("AcquireTimeout never returned after release")
	}
}

func TestSemaphore_AcquireFromISRAlwaysFails(t *testing.T) {
	k := newDeterministicKernel(t)
	s, err := k.NewSemaphore(1)
	require.NoError(t, err)
	require.ErrorIs(t, s.AcquireFromISR(), ErrFromISR)
	// The counter is untouched by the rejected call.
	require.Equal(t, 1, s.Count())
}

func TestSemaphore_TryAcquireFromISRIsPlainTryAcquire(t *testing.T) {
	k := newDeterministicKernel(t)
	s, err := k.NewSemaphore(1)
	require.NoError(t, err)
	require.NoError(t, s.TryAcquireFromISR())
	require.ErrorIs(t, s.TryAcquireFromISR(), ErrWouldBlock)
}

func TestSemaphore_ReleaseFromISRWakesBlockedWaiter(t *testing.T) {
	k := newDeterministicKernel(t)
	s, err := k.NewSemaphore(0)
	require.NoError(t, err)

	done := make(chan struct{})
	_, err = k.SpawnSystem("waiter", 10, func(tc *TaskContext) {
		require.NoError(t, tc.Acquire(s))
		close(done)
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.ReleaseFromISR())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReleaseFromISR never woke the blocked waiter")
	}
}

func TestSemaphore_DeleteFailsWhileContended(t *testing.T) {
	k := newDeterministicKernel(t)
	s, err := k.NewSemaphore(0)
	require.NoError(t, err)

	blocked := make(chan struct{})
	_, err = k.SpawnSystem("waiter", 10, func(tc *TaskContext) {
		close(blocked)
		_ = tc.Acquire(s)
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	<-blocked
	time.Sleep(10 * time.Millisecond)
	require.ErrorIs(t, s.Delete(), ErrContended)
}
