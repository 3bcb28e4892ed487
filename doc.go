// Package krisos is a small preemptive, priority-based real-time kernel
// simulation for a single logical core.
//
// # Architecture
//
// The kernel is built around a [Kernel] core that owns the ready queue, the
// blocked (sleeping) queue, and the three synchronization primitives that
// interlock with the scheduler: [Mutex] (ownership plus priority
// inheritance), [Semaphore] (counting, ISR-safe release), and [Queue]
// (bounded FIFO gated by a pair of semaphores). A [Heap] provides a
// free-list allocator with split/coalesce for components that want
// dynamically sized allocation instead of static memory.
//
// There is no real hardware underneath this simulation: a task is a
// goroutine, a "context switch" is the scheduler handing a buffered resume
// channel to exactly one task at a time, and the critical-section gate
// (§4.1) is a plain mutex rather than an interrupt mask; it does not nest,
// so no call path enters it while already holding it. Exactly one
// task goroutine is ever unblocked at once, reproducing the single-core
// invariant structurally instead of by separate enforcement.
//
// # Task lifecycle
//
// Tasks are created with [Kernel.SpawnSystem] (privileged) or
// [Kernel.SpawnUser] (unprivileged, routed through the trap surface in
// trap.go). A task function receives a *[TaskContext] used to call back into
// the kernel: [TaskContext.Sleep], [TaskContext.Yield], implicit
// self-deletion on return (mirroring the original firmware's
// task_complete_handler), and explicit early termination via
// [TaskContext.Delete].
//
// # Priority inheritance
//
// When a task blocks on a [Mutex] held by a lower-priority task, the owner's
// priority (and the priority of anything further down the chain of mutexes
// it is itself waiting on) is temporarily raised to match the blocked task,
// bounding priority inversion. Unlike the original firmware, this
// implementation tracks a per-mutex inherited ceiling so that releasing one
// held mutex never drops a task's priority below what another held mutex
// still requires — see DESIGN.md for the original's bug and the fix.
//
// # Thread safety
//
// All kernel-owned state (queues, mutex/semaphore internals, the
// diagnostics registry) is protected by the kernel's own critical-section
// gate; callers never need their own locking around kernel calls.
// [Semaphore.ReleaseFromISR] and [Semaphore.TryAcquireFromISR] are safe to
// call from a simulated interrupt handler (e.g. the tick pump); blocking
// acquire from such a context is rejected.
//
// # Usage
//
//	k, err := krisos.NewKernel(krisos.WithTickPeriod(time.Millisecond))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := k.SpawnSystem("worker", 10, func(tc *krisos.TaskContext) {
//	    for {
//	        tc.Sleep(5)
//	        // ... do work ...
//	    }
//	}); err != nil {
//	    log.Fatal(err)
//	}
//	if err := k.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer k.Shutdown(context.Background())
//
// # Error taxonomy
//
// Kernel operations return errors in one of six categories (see errors.go):
// bad argument, resource exhaustion, would block, discipline violation,
// expired timeout, and fatal. Only the fatal category halts the kernel;
// every other category is a plain returned error.
package krisos
