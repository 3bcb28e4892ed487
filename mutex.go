package krisos

import "time"

// Mutex is a strict-ownership mutual-exclusion lock with priority
// inheritance, mirroring original_source/src/Kernel/mutex.c. Its exported
// methods take the owning Kernel's critical-section gate themselves and
// must not be called with it already held; the unexported tryLockLocked
// and unlockLocked expect the caller to hold it. Mutex itself holds no
// lock of its own, exactly like the original's Mutex struct.
type Mutex struct {
	k       *Kernel
	owner   *Task
	waiters taskQueue

	// nextHeld threads this mutex into its owner's held-mutex list
	// (Task.heldMutexes), mirroring the original's intrusive `next` field.
	nextHeld *Mutex

	// ceiling is the highest priority (lowest numeric value) this mutex is
	// currently responsible for boosting its owner to, i.e. the priority
	// of the highest-priority waiter the last time inheritance ran. Used
	// by Unlock to compute max(base, max ceiling over remaining held
	// mutexes) instead of the original's unconditional restore-to-base —
	// see SPEC_FULL.md §E.1.
	ceiling    int
	hasCeiling bool
}

// NewMutex creates an unowned mutex bound to k.
func (k *Kernel) NewMutex() *Mutex {
	k.enterCritical()
	k.counters.mutexesCreated++
	k.leaveCritical()
	return &Mutex{k: k}
}

// TryLock attempts to acquire m without blocking. A relock by the current
// owner succeeds immediately and does not duplicate the held-list entry —
// this resolves Open Question 3 of the distilled spec (confirmed against
// the original's actual mutex_try_lock behavior).
func (m *Mutex) TryLock(caller *Task) error {
	m.k.enterCritical()
	defer m.k.leaveCritical()
	return m.tryLockLocked(caller)
}

func (m *Mutex) tryLockLocked(caller *Task) error {
	if m.owner == nil {
		m.owner = caller
		m.nextHeld = caller.heldMutexes
		caller.heldMutexes = m
		return nil
	}
	if m.owner == caller {
		return nil
	}
	return wrapErr("Mutex.TryLock", CategoryWouldBlock, nil)
}

// Lock acquires m, blocking the caller if necessary. Blocking applies the
// priority inheritance algorithm from SPEC_FULL.md §D before suspending:
// every task in the chain of "owner waits on mutex owned by" relationships
// that has a lower priority than the caller is boosted to match, and
// re-sorted wherever it currently sits.
func (m *Mutex) Lock(caller *Task) error {
	m.k.enterCritical()
	if err := m.tryLockLocked(caller); err == nil {
		m.k.leaveCritical()
		return nil
	}

	m.applyPriorityInheritance(caller)

	m.k.ready.remove(caller)
	caller.state.Store(StateMutexWait)
	caller.waitingObj = waitObj{kind: waitMutex, mtx: m}
	m.k.schedule()
	m.waiters.insertByPriority(caller)
	if !m.hasCeiling || caller.Priority < m.ceiling {
		m.ceiling = caller.Priority
		m.hasCeiling = true
	}
	m.k.leaveCritical()
	m.k.parkUntilResumed(caller)
	return nil
}

// applyPriorityInheritance walks the chain of blocked-on objects starting
// at m's current owner, boosting any task whose priority is weaker than
// caller's to match it, reproducing mutex_lock's chain walk exactly.
// Caller holds the critical section.
func (m *Mutex) applyPriorityInheritance(caller *Task) {
	iter := m.owner
	for iter != nil && iter.Priority > caller.Priority {
		iter.Priority = caller.Priority
		switch iter.State() {
		case StateReady:
			m.k.ready.remove(iter)
			m.k.ready.insertByPriority(iter)
			iter = nil
		case StateMutexWait:
			mw := iter.waitingObj.mtx
			mw.waiters.remove(iter)
			mw.waiters.insertByPriority(iter)
			if caller.Priority < mw.ceiling || !mw.hasCeiling {
				mw.ceiling = caller.Priority
				mw.hasCeiling = true
			}
			iter = mw.owner
		case StateSemWait:
			sw := iter.waitingObj.sem
			sw.waiters.remove(iter)
			sw.waiters.insertByPriority(iter)
			// the chain does not continue past a semaphore: it has no owner.
			iter = nil
		default:
			iter = nil
		}
	}
}

// Unlock releases m. The caller must be the current owner. If the owner's
// priority was boosted, it is restored to max(basePriority, max ceiling
// over its remaining held mutexes) — the fix for the nested-inheritance
// bug the distilled spec's Open Question 1 flags in the original firmware,
// which restores unconditionally to basePriority on any unlock. If waiters
// are queued, the head becomes the new owner via hand-off (without
// incrementing any counter — mutexes have none); the mutex is always
// prepended onto the new owner's held list rather than overwriting it, per
// SPEC_FULL.md §E.6.
func (m *Mutex) Unlock(caller *Task) error {
	m.k.enterCritical()
	defer m.k.leaveCritical()
	return m.unlockLocked(caller)
}

// unlockLocked is Unlock's body with the gate already held by the caller,
// so it can be called from a context (completeTask's releaseAllMutexes)
// that has already entered the critical section and must not re-enter a
// non-reentrant gate on the same goroutine.
func (m *Mutex) unlockLocked(caller *Task) error {
	if m.owner != caller {
		return wrapErr("Mutex.Unlock", CategoryDisciplineViolation, ErrNotOwner)
	}

	removeHeldMutex(caller, m)
	m.hasCeiling = false

	if caller.Priority != caller.BasePriority {
		restored := caller.BasePriority
		for held := caller.heldMutexes; held != nil; held = held.nextHeld {
			if held.hasCeiling && held.ceiling < restored {
				restored = held.ceiling
			}
		}
		if restored != caller.Priority {
			m.k.ready.remove(caller)
			caller.Priority = restored
			m.k.ready.insertByPriority(caller)
			m.k.schedule()
		}
	}

	if !m.waiters.empty() {
		newOwner := m.waiters.head
		m.waiters.remove(newOwner)
		newOwner.state.Store(StateReady)
		newOwner.readyAt = time.Now()
		newOwner.waitingObj = waitObj{}
		newOwner.nextHeld = newOwner.heldMutexes
		newOwner.heldMutexes = m
		m.owner = newOwner
		m.k.ready.insertByPriority(newOwner)
		m.k.schedule()
	} else {
		m.owner = nil
	}
	return nil
}

// removeHeldMutex detaches m from t's held-mutex list by identity rather
// than unconditionally popping the head — a deliberate fix over the
// original's mutex_unlock, which always pops head-of-list and therefore
// only behaves correctly under strict LIFO unlock order. See SPEC_FULL.md
// §E.5.
func removeHeldMutex(t *Task, m *Mutex) {
	if t.heldMutexes == m {
		t.heldMutexes = m.nextHeld
		m.nextHeld = nil
		return
	}
	for cur := t.heldMutexes; cur != nil; cur = cur.nextHeld {
		if cur.nextHeld == m {
			cur.nextHeld = m.nextHeld
			m.nextHeld = nil
			return
		}
	}
}

// Delete releases m's bookkeeping. Fails if m is currently owned or has
// waiters, matching mutex_delete in the original firmware.
func (m *Mutex) Delete() error {
	m.k.enterCritical()
	defer m.k.leaveCritical()
	if m.owner != nil || !m.waiters.empty() {
		return wrapErr("Mutex.Delete", CategoryDisciplineViolation, ErrContended)
	}
	return nil
}

// releaseAllMutexes unlocks every mutex t currently holds, in held-list
// order, used when a task completes — mirroring mutex_release_all. Callers
// (completeTask) already hold the gate, so this goes through unlockLocked
// rather than Unlock to avoid re-entering the non-reentrant gate.
func releaseAllMutexes(t *Task) {
	for t.heldMutexes != nil {
		m := t.heldMutexes
		_ = m.unlockLocked(t)
	}
}
