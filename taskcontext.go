package krisos

import (
	"runtime"
	"time"
)

// TaskContext is the handle a task body uses to call back into the
// kernel, the Go realization of the original frame's "entry point takes
// the environment the core requires" (§6): everything a task needs to
// sleep, yield, report diagnostics, or reach a synchronization primitive,
// without reaching for kernel internals directly.
type TaskContext struct {
	task   *Task
	kernel *Kernel
}

// Task returns the underlying Task record.
func (tc *TaskContext) Task() *Task { return tc.task }

// Logger returns the kernel's structured logger, for task bodies that want
// to emit their own log lines in the same shape as the kernel's.
func (tc *TaskContext) Logger() Logger { return tc.kernel.logger }

// Sleep removes the calling task from the ready queue for at least ticks
// kernel ticks, inserting it into the blocked queue in ascending-deadline
// order (§4.3/§4.4). Releases no mutexes implicitly — a sleeping task that
// holds a mutex keeps holding it, exactly as the original firmware does;
// callers that need to sleep without blocking higher-priority waiters must
// unlock first.
func (tc *TaskContext) Sleep(ticks uint64) error {
	if ticks == 0 {
		return wrapErr("TaskContext.Sleep", CategoryBadArgument, nil)
	}
	t, k := tc.task, tc.kernel
	return k.dispatch(t, selTaskSleep, func() error {
		k.enterCritical()
		k.ready.remove(t)
		t.WaitDeadline = k.tick + ticks
		t.state.Store(StateSleeping)
		k.blocked.insertByDeadline(t)
		k.schedule()
		k.leaveCritical()
		k.parkUntilResumed(t)
		return nil
	})
}

// Yield voluntarily gives up the remainder of the task's time slice,
// re-joining the ready queue behind its same-priority peers (see
// taskQueue.insertAfterTies) so round robin among a priority band actually
// rotates. This is also the cooperative preemption checkpoint described in
// SPEC_FULL.md §C: every call clears the task's pending preempt flag.
func (tc *TaskContext) Yield() {
	t, k := tc.task, tc.kernel
	_ = k.dispatch(t, selTaskYield, func() error {
		k.enterCritical()
		t.preempt.Store(false)
		k.ready.remove(t)
		t.state.Store(StateReady)
		t.readyAt = time.Now()
		k.ready.insertAfterTies(t)
		k.schedule()
		// Unlike every other blocking call, the caller re-joins ready before
		// schedule() runs, so it can end up choosing t right back: the only
		// ready task, or still the strongest priority among peers. schedule()
		// is then a documented no-op and sends no resume token, so parking
		// here would deadlock t against itself. Restore Running directly and
		// skip the park in that case; otherwise wait for the token exactly
		// like any other context switch out.
		stillCurrent := k.current == t
		if stillCurrent {
			t.state.Store(StateRunning)
			t.sliceUsed = 0
		}
		k.leaveCritical()
		if !stillCurrent {
			k.parkUntilResumed(t)
		}
		return nil
	})
}

// CheckPreempt yields only if the tick pump has marked this task's slice
// as spent since its last checkpoint, letting CPU-bound task bodies stay
// responsive to priority-band rotation without yielding on every single
// kernel entry.
func (tc *TaskContext) CheckPreempt() {
	if tc.task.preempt.Load() {
		tc.Yield()
	}
}

// ReportStackUsage records the deepest stack depth the caller has observed
// of itself, supplementing the original firmware's hardware stack "poison"
// high-water mark (Open Question 4, §C): a goroutine's real stack cannot be
// inspected from Go, so this is a best-effort, caller-reported substitute.
func (tc *TaskContext) ReportStackUsage(n int) {
	for {
		cur := tc.task.stackHighWater.Load()
		if n <= int(cur) {
			return
		}
		if tc.task.stackHighWater.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

// Delete removes the calling task from the scheduler immediately, mirroring
// KrisOS_task_delete: unlike Sleep and Yield, it never returns to its caller.
// A task body that calls Delete should treat the call exactly like a return
// statement — any code written after it never runs.
func (tc *TaskContext) Delete() {
	t, k := tc.task, tc.kernel
	_ = k.dispatch(t, selTaskDelete, func() error {
		k.completeTask(t)
		return nil
	})
	runtime.Goexit()
}

// Lock, TryLock, Unlock, Acquire, TryAcquire, Release, Write, and Read are
// thin TaskContext-bound forwarders to the corresponding primitive
// methods, routed through the trap surface (trap.go) so an unprivileged
// task's calls are uniformly observable at one dispatch point, matching
// §4.6.

func (tc *TaskContext) Lock(m *Mutex) error {
	return tc.kernel.dispatch(tc.task, selMutexLock, func() error { return m.Lock(tc.task) })
}

func (tc *TaskContext) TryLock(m *Mutex) error {
	return tc.kernel.dispatch(tc.task, selMutexTryLock, func() error { return m.TryLock(tc.task) })
}

func (tc *TaskContext) Unlock(m *Mutex) error {
	return tc.kernel.dispatch(tc.task, selMutexUnlock, func() error { return m.Unlock(tc.task) })
}

func (tc *TaskContext) Acquire(s *Semaphore) error {
	return tc.kernel.dispatch(tc.task, selSemAcquire, func() error { return s.Acquire(tc.task) })
}

func (tc *TaskContext) AcquireTimeout(s *Semaphore, ticks uint64) error {
	return tc.kernel.dispatch(tc.task, selSemAcquire, func() error { return s.AcquireTimeout(tc.task, ticks) })
}

func (tc *TaskContext) TryAcquire(s *Semaphore) error {
	return tc.kernel.dispatch(tc.task, selSemTryAcquire, func() error { return s.TryAcquire() })
}

func (tc *TaskContext) Release(s *Semaphore) error {
	return tc.kernel.dispatch(tc.task, selSemRelease, func() error { return s.Release() })
}

// Alloc and Free forward to the kernel's Heap, routed through the trap
// surface like every other TaskContext call.
func (tc *TaskContext) Alloc(n int) (Region, error) {
	var r Region
	err := tc.kernel.dispatch(tc.task, selHeapAlloc, func() error {
		var err error
		r, err = tc.kernel.heap.Alloc(n)
		return err
	})
	return r, err
}

func (tc *TaskContext) Free(r Region) error {
	return tc.kernel.dispatch(tc.task, selHeapFree, func() error { return tc.kernel.heap.Free(r) })
}

func WriteQueue[T any](tc *TaskContext, q *Queue[T], item T) error {
	return tc.kernel.dispatch(tc.task, selQueueWrite, func() error { return q.Write(tc.task, item) })
}

func ReadQueue[T any](tc *TaskContext, q *Queue[T]) (T, error) {
	var out T
	err := tc.kernel.dispatch(tc.task, selQueueRead, func() error {
		v, err := q.Read(tc.task)
		out = v
		return err
	})
	return out, err
}
