package krisos

import (
	"sync/atomic"
	"time"
)

// waitObjKind tags what a blocked task's waitingObj points at, since Go
// cannot reuse a single untyped pointer the way the original firmware's C
// struct did without losing type safety. This is the "sum type / tagged
// variant" the distilled spec's DESIGN NOTES table recommends in place of
// a raw waitingObj pointer.
type waitObjKind int

const (
	waitNone waitObjKind = iota
	waitMutex
	waitSemaphore
)

type waitObj struct {
	kind waitObjKind
	mtx  *Mutex
	sem  *Semaphore
}

// Task represents one schedulable unit of work: a goroutine running user
// code plus the bookkeeping the scheduler needs to order, block, and wake
// it. Fields mirror the original firmware's TCB; see SPEC_FULL.md §3/§C
// for how each maps onto the goroutine-based simulation.
type Task struct {
	// Name is a diagnostic label; the original firmware had no equivalent,
	// identifying tasks only by ID, but every example in this codebase's
	// style gives its schedulable units a human name.
	Name string

	// ID is a stable integer identifier: positive for user tasks, negative
	// for system (privileged) tasks, matching the original's convention.
	ID int64

	// Privileged mirrors the original frame's access-level field. Every
	// task's TaskContext calls go through the trap surface (trap.go), which
	// logs an unprivileged task's calls and refuses none.
	Privileged bool

	// BasePriority is immutable once the task is created. Priority is the
	// current dynamic priority and always satisfies Priority <= BasePriority
	// (lower numeric value is higher scheduling priority, per SPEC_FULL §5).
	BasePriority int
	Priority     int

	state *fastTaskState

	// WaitDeadline is the tick at which a Sleeping task wakes, or the tick
	// at which a timed Acquire gives up. For a task blocked in Acquire or
	// Lock it is only meaningful when waitTimed.
	WaitDeadline uint64

	// waitTimed marks WaitDeadline as live for this wait episode, so an
	// untimed wait (blocking Acquire/Lock) is never confused with a
	// deadline of exactly tick zero.
	waitTimed bool

	// wokeByTimeout is set by Kernel.onTick immediately before waking a task
	// whose timed wait expired, and cleared by the woken call (AcquireTimeout)
	// right after observing it. This is the unambiguous signal a timed wait
	// uses to tell "I was released" apart from "I timed out" — state alone
	// cannot, since both paths leave the task Ready.
	wokeByTimeout bool

	waitingObj waitObj

	// heldMutexes is the intrusive singly-linked list of mutexes this task
	// currently owns, threaded through Mutex.nextHeld. Empty iff the task
	// owns no mutex — see SPEC_FULL §3 invariant.
	heldMutexes *Mutex

	// next/prev thread this task through exactly one queue at a time: the
	// ready queue, the blocked queue, or a primitive's waiter list.
	next, prev *Task

	// fn is the task body. It receives a *TaskContext used to call back
	// into the kernel. Returning from fn self-deletes the task, mirroring
	// the original's task_complete_handler.
	fn func(*TaskContext)

	// resume is signaled by exactly one goroutine (the scheduler) at a
	// time, handing this task's goroutine the right to run. See §C of
	// SPEC_FULL.md for why this reproduces the single-core invariant
	// structurally.
	resume chan struct{}

	// done is closed by completeTask once the task's teardown has run (for
	// the idle task, once Halt has been called). Nothing in the package
	// waits on it.
	done chan struct{}

	// stackHighWater supplements the original's stack "poison" high-water
	// mark diagnostic (distilled spec §9 Open Question 4), reported by the
	// task itself since a goroutine's real stack cannot be inspected. -1
	// means "never reported".
	stackHighWater atomic.Int64

	// preempt is set by the tick pump when this task's time slice has
	// expired, and cleared the next time the task's own goroutine reaches a
	// cooperative check point (TaskContext.Yield/CheckPreempt). The tick
	// pump never forces a switch mid-flight: see SPEC_FULL.md §C on why a
	// running goroutine can only be preempted at its own kernel entry
	// points.
	preempt atomic.Bool

	// sliceUsed counts ticks this task has spent Running since it last
	// started a fresh time slice (on becoming Running, or on a voluntary
	// Yield). Compared against kernelOptions.timeSlice by Kernel.onTick to
	// decide whether preempt should actually be raised this tick.
	sliceUsed uint64

	readyAt time.Time // wall-clock moment this task last entered StateReady, for scheduling-latency metrics

	kernel *Kernel
}

// State returns the task's current scheduling state without taking the
// kernel's critical-section gate.
func (t *Task) State() TaskState { return t.state.Load() }

// taskQueue is an intrusive doubly-linked list of *Task, used for the ready
// queue, the blocked queue, and every Mutex/Semaphore waiter list. O(1)
// insertion at a known position and O(1) removal given only the task,
// exactly as the distilled spec's §4.3 requires.
type taskQueue struct {
	head, tail *Task
	len        int
}

// insertByPriority inserts t in descending-priority order, FIFO on tie —
// new entries with equal priority to an existing run go after it.
func (q *taskQueue) insertByPriority(t *Task) {
	if q.head == nil {
		t.next, t.prev = nil, nil
		q.head, q.tail = t, t
		q.len++
		return
	}
	if t.Priority < q.head.Priority {
		// Strictly highest priority: goes to the front. A tie with the head
		// falls through to the walk below and lands behind the head's band.
		t.next = q.head
		t.prev = nil
		q.head.prev = t
		q.head = t
		q.len++
		return
	}
	previous := q.head
	iter := q.head.next
	for iter != nil && t.Priority >= iter.Priority {
		previous = iter
		iter = iter.next
	}
	t.prev = previous
	t.next = iter
	previous.next = t
	if iter != nil {
		iter.prev = t
	} else {
		q.tail = t
	}
	q.len++
}

// insertByDeadline inserts t in ascending WaitDeadline order (the blocked
// queue's ordering, per distilled spec §3), mirroring task_sleep's
// insertion sort in the original firmware exactly.
func (q *taskQueue) insertByDeadline(t *Task) {
	if q.head == nil {
		t.next, t.prev = nil, nil
		q.head, q.tail = t, t
		q.len++
		return
	}
	if t.WaitDeadline <= q.head.WaitDeadline {
		t.next = q.head
		t.prev = nil
		q.head.prev = t
		q.head = t
		q.len++
		return
	}
	previous := q.head
	iter := q.head.next
	for iter != nil && t.WaitDeadline > iter.WaitDeadline {
		previous = iter
		iter = iter.next
	}
	t.prev = previous
	t.next = iter
	previous.next = t
	if iter != nil {
		iter.prev = t
	} else {
		q.tail = t
	}
	q.len++
}

// insertAfterTies inserts t after every existing task whose priority is at
// least as strong as t's, i.e. at the back of its own priority band rather
// than the front, so a task voluntarily giving up a time slice goes to the
// BACK of its peers and same-priority round robin reaches every peer.
// Used exclusively by TaskContext.Yield.
func (q *taskQueue) insertAfterTies(t *Task) {
	if q.head == nil || t.Priority < q.head.Priority {
		t.next, t.prev = q.head, nil
		if q.head != nil {
			q.head.prev = t
		} else {
			q.tail = t
		}
		q.head = t
		q.len++
		return
	}
	iter := q.head
	for iter.next != nil && iter.next.Priority <= t.Priority {
		iter = iter.next
	}
	t.prev = iter
	t.next = iter.next
	iter.next = t
	if t.next != nil {
		t.next.prev = t
	} else {
		q.tail = t
	}
	q.len++
}

// remove detaches t in O(1), given t is known to be a member of q. Dangling
// pointers are nulled so a removed task never appears to still be linked.
func (q *taskQueue) remove(t *Task) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		q.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		q.tail = t.prev
	}
	t.next, t.prev = nil, nil
	q.len--
}

func (q *taskQueue) empty() bool { return q.head == nil }
