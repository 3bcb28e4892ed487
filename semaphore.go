package krisos

import "time"

// Semaphore is a counting synchronization primitive with an ISR-safe
// release path, mirroring original_source/src/Kernel/semaphore.c.
// Semaphores have no owner and therefore do not participate in priority
// inheritance (SPEC_FULL.md §5): a waiter chain terminates at the first
// semaphore it crosses.
type Semaphore struct {
	k       *Kernel
	counter int
	waiters taskQueue
}

// NewSemaphore creates a semaphore with the given starting counter value.
func (k *Kernel) NewSemaphore(initial int) (*Semaphore, error) {
	if initial < 0 {
		return nil, wrapErr("Kernel.NewSemaphore", CategoryBadArgument, nil)
	}
	k.enterCritical()
	k.counters.semaphoresCreated++
	k.leaveCritical()
	return &Semaphore{k: k, counter: initial}, nil
}

// TryAcquire decrements the counter if positive, without blocking.
func (s *Semaphore) TryAcquire() error {
	s.k.enterCritical()
	defer s.k.leaveCritical()
	return s.tryAcquireLocked()
}

func (s *Semaphore) tryAcquireLocked() error {
	if s.counter > 0 {
		s.counter--
		return nil
	}
	return wrapErr("Semaphore.TryAcquire", CategoryWouldBlock, nil)
}

// Acquire decrements the counter, blocking the caller if it is currently
// zero. The caller is linked to s via waitingObj, detached from the ready
// queue, marked SemWait, and the scheduler is re-run before the caller is
// added to s's waiter list — reproducing sem_acquire's exact ordering
// (the reschedule happens before the add-to-waiting-queue step).
func (s *Semaphore) Acquire(caller *Task) error {
	s.k.enterCritical()
	if err := s.tryAcquireLocked(); err == nil {
		s.k.leaveCritical()
		return nil
	}

	caller.waitingObj = waitObj{kind: waitSemaphore, sem: s}
	s.k.ready.remove(caller)
	caller.state.Store(StateSemWait)
	s.k.schedule()
	s.waiters.insertByPriority(caller)
	s.k.leaveCritical()

	s.k.parkUntilResumed(caller)
	return nil
}

// AcquireTimeout blocks at most ticks kernel ticks, returning
// ErrExpiredTimeout if the deadline elapses first. Resolves Open Question
// 2 of SPEC_FULL.md: only the waiting task itself can time its own wait
// out — there is no API to force a timeout onto another task's wait.
func (s *Semaphore) AcquireTimeout(caller *Task, ticks uint64) error {
	s.k.enterCritical()
	if err := s.tryAcquireLocked(); err == nil {
		s.k.leaveCritical()
		return nil
	}

	caller.waitingObj = waitObj{kind: waitSemaphore, sem: s}
	caller.WaitDeadline = s.k.currentTick() + ticks
	caller.waitTimed = true
	caller.wokeByTimeout = false
	s.k.ready.remove(caller)
	caller.state.Store(StateSemWait)
	s.k.schedule()
	s.waiters.insertByPriority(caller)
	s.k.timedWaiters.insertByDeadline(caller)
	s.k.leaveCritical()

	s.k.parkUntilResumed(caller)

	// By the time this goroutine resumes, whichever of Release/onTick woke
	// it has already done the full cleanup (waiter-list removal, state
	// transition, ready-queue insertion) — see Kernel.onTick and
	// releaseLocked. wokeByTimeout is the unambiguous signal left behind to
	// tell the two cases apart.
	s.k.enterCritical()
	timedOut := caller.wokeByTimeout
	caller.wokeByTimeout = false
	s.k.leaveCritical()
	if timedOut {
		return wrapErr("Semaphore.AcquireTimeout", CategoryExpiredTimeout, nil)
	}
	return nil
}

// Release increments the counter, or — if a task is already waiting —
// directly hands the resource to the highest-priority waiter without ever
// touching the counter (a direct handoff, exactly as sem_release does).
func (s *Semaphore) Release() error {
	s.k.enterCritical()
	defer s.k.leaveCritical()
	s.releaseLocked()
	return nil
}

func (s *Semaphore) releaseLocked() {
	if !s.waiters.empty() {
		next := s.waiters.head
		s.waiters.remove(next)
		if next.waitTimed {
			s.k.timedWaiters.remove(next)
			next.waitTimed = false
		}
		next.waitingObj = waitObj{}
		next.state.Store(StateReady)
		next.readyAt = time.Now()
		s.k.ready.insertByPriority(next)
		s.k.schedule()
		return
	}
	s.counter++
}

// ReleaseFromISR is safe to call from a simulated interrupt-handler
// context (the tick pump, or any caller that is not itself a scheduled
// task) because it only touches lists under the critical-section gate and
// never blocks, matching KrisOS_sem_release_ISR.
func (s *Semaphore) ReleaseFromISR() error {
	return s.Release()
}

// AcquireFromISR always fails: a simulated interrupt-handler context has no
// task to suspend, so there is nothing a blocking acquire could wait on.
// Matches §4.8: this module returns ErrFromISR explicitly rather than
// silently degrading to try-semantics, which is stricter than the original
// firmware (a deliberate hardening — Go has no hardware trap to turn this
// misuse into a HardFault for us).
func (s *Semaphore) AcquireFromISR() error {
	return wrapErr("Semaphore.AcquireFromISR", CategoryDisciplineViolation, ErrFromISR)
}

// TryAcquireFromISR is the only acquire variant legal from a simulated ISR
// context — blocking acquisition from an interrupt handler is forbidden
// because there is no task context to suspend. Matches
// KrisOS_sem_acquire_ISR, which is a thin alias for sem_try_acquire.
func (s *Semaphore) TryAcquireFromISR() error {
	return s.TryAcquire()
}

// Delete fails if s currently has waiters, matching sem_delete.
func (s *Semaphore) Delete() error {
	s.k.enterCritical()
	defer s.k.leaveCritical()
	if !s.waiters.empty() {
		return wrapErr("Semaphore.Delete", CategoryDisciplineViolation, ErrContended)
	}
	return nil
}

// Count returns the current counter value, for diagnostics and tests.
func (s *Semaphore) Count() int {
	s.k.enterCritical()
	defer s.k.leaveCritical()
	return s.counter
}
