package krisos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func taskPriority(k *Kernel, t *Task) int {
	k.enterCritical()
	defer k.leaveCritical()
	return t.Priority
}

func newDeterministicKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := NewKernel(WithDeterministicTick(), WithLogger(newDiscardLogger()))
	require.NoError(t, err)
	return k
}

func TestMutex_TryLockRelockByOwnerIsIdempotent(t *testing.T) {
	k := newDeterministicKernel(t)
	m := k.NewMutex()

	owner := &Task{}
	require.NoError(t, m.TryLock(owner))
	require.NoError(t, m.TryLock(owner), "relock by current owner must succeed without blocking")
}

func TestMutex_TryLockContendedFailsWithWouldBlock(t *testing.T) {
	k := newDeterministicKernel(t)
	m := k.NewMutex()

	owner, other := &Task{}, &Task{}
	require.NoError(t, m.TryLock(owner))
	require.ErrorIs(t, m.TryLock(other), ErrWouldBlock)
}

func TestMutex_UnlockByNonOwnerFails(t *testing.T) {
	k := newDeterministicKernel(t)
	m := k.NewMutex()

	owner, other := &Task{}, &Task{}
	require.NoError(t, m.TryLock(owner))
	require.ErrorIs(t, m.Unlock(other), ErrNotOwner)
}

// TestMutex_PriorityInheritance_BoostsSleepingOwner reproduces the chain
// walk of SPEC_FULL.md §D: a high-priority task blocking on a mutex held by
// a lower-priority task raises the owner's dynamic priority to match, even
// while the owner is sleeping.
func TestMutex_PriorityInheritance_BoostsSleepingOwner(t *testing.T) {
	k := newDeterministicKernel(t)
	m := k.NewMutex()

	lowLocked := make(chan struct{})
	lowDone := make(chan struct{})
	highAcquired := make(chan struct{})
	highDone := make(chan struct{})

	low, err := k.SpawnSystem("low", 20, func(tc *TaskContext) {
		require.NoError(t, tc.Lock(m))
		close(lowLocked)
		require.NoError(t, tc.Sleep(1))
		require.NoError(t, tc.Unlock(m))
		close(lowDone)
	})
	require.NoError(t, err)

	require.NoError(t, k.Start(context.Background()))
	<-lowLocked

	_, err = k.SpawnSystem("high", 5, func(tc *TaskContext) {
		require.NoError(t, tc.Lock(m))
		close(highAcquired)
		require.NoError(t, tc.Unlock(m))
		close(highDone)
	})
	require.NoError(t, err)

	// Let the goroutines settle: low must reach Sleep and high must reach
	// Lock (and therefore the priority-inheritance boost) before we inspect
	// low's dynamic priority.
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 5, taskPriority(k, low), "owner's priority must be boosted to the waiter's priority")

	require.NoError(t, k.Tick())

	select {
	case <-highAcquired:
	case <-time.After(time.Second):
		t.Fatal("high never acquired the mutex after low released it")
	}

	<-lowDone
	<-highDone

	require.Equal(t, low.BasePriority, taskPriority(k, low), "priority must be restored to base after release")
}

// TestMutex_NestedInheritance_RestoresToMaxCeiling exercises §E.1's fix: an
// owner holding two mutexes, each boosted by a different waiter, must not
// drop below the stronger of the two ceilings when only one mutex is
// released. The owner parks on two deliberate Sleep calls (rather than a raw
// channel) so every priority change happens through the real scheduler,
// exactly as in TestMutex_PriorityInheritance_BoostsSleepingOwner.
func TestMutex_NestedInheritance_RestoresToMaxCeiling(t *testing.T) {
	k := newDeterministicKernel(t)
	a := k.NewMutex()
	b := k.NewMutex()

	bothLocked := make(chan struct{})
	releasedB := make(chan struct{})
	ownerDone := make(chan struct{})
	waiterADone := make(chan struct{})
	waiterBDone := make(chan struct{})

	owner, err := k.SpawnSystem("owner", 30, func(tc *TaskContext) {
		require.NoError(t, tc.Lock(a))
		require.NoError(t, tc.Lock(b))
		close(bothLocked)
		require.NoError(t, tc.Sleep(1))
		require.NoError(t, tc.Unlock(b))
		close(releasedB)
		require.NoError(t, tc.Sleep(1))
		require.NoError(t, tc.Unlock(a))
		close(ownerDone)
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	<-bothLocked

	_, err = k.SpawnSystem("waiterA", 10, func(tc *TaskContext) {
		require.NoError(t, tc.Lock(a))
		close(waiterADone)
		require.NoError(t, tc.Unlock(a))
	})
	require.NoError(t, err)

	_, err = k.SpawnSystem("waiterB", 20, func(tc *TaskContext) {
		require.NoError(t, tc.Lock(b))
		close(waiterBDone)
		require.NoError(t, tc.Unlock(b))
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 10, taskPriority(k, owner), "owner boosted to the stronger (lower-numbered) of the two waiters")

	require.NoError(t, k.Tick())
	time.Sleep(50 * time.Millisecond)
	<-releasedB

	require.Equal(t, 10, taskPriority(k, owner), "releasing the weaker-ceiling mutex must not drop below mutex a's ceiling")
	select {
	case <-waiterBDone:
	case <-time.After(time.Second):
		t.Fatal("waiterB never acquired mutex b after it was released")
	}

	require.NoError(t, k.Tick())
	<-ownerDone

	select {
	case <-waiterADone:
	case <-time.After(time.Second):
		t.Fatal("waiterA never acquired mutex a after it was released")
	}
	require.Equal(t, owner.BasePriority, taskPriority(k, owner), "releasing the last held mutex restores to base priority")
}

func TestMutex_DeleteFailsWhileOwnedOrContended(t *testing.T) {
	k := newDeterministicKernel(t)
	m := k.NewMutex()
	owner := &Task{}
	require.NoError(t, m.TryLock(owner))
	require.ErrorIs(t, m.Delete(), ErrContended)
	require.NoError(t, m.Unlock(owner))
	require.NoError(t, m.Delete())
}

// TestMutex_ReleasedOnNaturalTaskCompletion exercises completeTask's
// releaseAllMutexes call on the path where a task simply returns from its
// body while still holding a mutex: Unlock must not re-enter the kernel's
// already-held critical-section gate, or the completing goroutine (and the
// whole kernel along with it) deadlocks.
func TestMutex_ReleasedOnNaturalTaskCompletion(t *testing.T) {
	k := newDeterministicKernel(t)
	m := k.NewMutex()

	holderLocked := make(chan struct{})
	waiterAcquired := make(chan struct{})

	_, err := k.SpawnSystem("holder", 10, func(tc *TaskContext) {
		require.NoError(t, tc.Lock(m))
		close(holderLocked)
		// Returns without unlocking: completeTask must release m on our behalf.
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	<-holderLocked

	_, err = k.SpawnSystem("waiter", 10, func(tc *TaskContext) {
		require.NoError(t, tc.Lock(m))
		close(waiterAcquired)
		require.NoError(t, tc.Unlock(m))
	})
	require.NoError(t, err)

	select {
	case <-waiterAcquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the mutex after the holder completed without unlocking")
	}
}

// TestMutex_ReleasedOnExplicitDelete is the same scenario via
// TaskContext.Delete rather than a natural return.
func TestMutex_ReleasedOnExplicitDelete(t *testing.T) {
	k := newDeterministicKernel(t)
	m := k.NewMutex()

	holderLocked := make(chan struct{})
	waiterAcquired := make(chan struct{})

	_, err := k.SpawnSystem("holder", 10, func(tc *TaskContext) {
		require.NoError(t, tc.Lock(m))
		close(holderLocked)
		tc.Delete()
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	<-holderLocked

	_, err = k.SpawnSystem("waiter", 10, func(tc *TaskContext) {
		require.NoError(t, tc.Lock(m))
		close(waiterAcquired)
		require.NoError(t, tc.Unlock(m))
	})
	require.NoError(t, err)

	select {
	case <-waiterAcquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the mutex after the holder deleted itself without unlocking")
	}
}

func TestMutex_HeldListSurvivesNonLIFOUnlock(t *testing.T) {
	k := newDeterministicKernel(t)
	a := k.NewMutex()
	b := k.NewMutex()
	c := k.NewMutex()

	owner := &Task{}
	require.NoError(t, a.TryLock(owner))
	require.NoError(t, b.TryLock(owner))
	require.NoError(t, c.TryLock(owner))

	// Unlock the middle-acquired mutex first (non-LIFO order). §E.2's fix
	// removes by identity, so a and c must remain intact and independently
	// unlockable afterward.
	require.NoError(t, b.Unlock(owner))
	require.NoError(t, a.Unlock(owner))
	require.NoError(t, c.Unlock(owner))
}
