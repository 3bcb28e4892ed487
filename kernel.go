package krisos

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kernel is the scheduler, resource owner, and entry point of the module:
// the Go realization of the original firmware's global kernel record
// (SPEC_FULL.md §3), extended with the logger, diagnostics registry, and
// resolved configuration a real Go service of this shape always carries.
type Kernel struct {
	cfg    *kernelOptions
	logger Logger
	heap   *Heap

	// gate is the critical-section gate of §4.1: a single mutex, since Go
	// has no interrupt mask to save and restore. Every method in this
	// package that touches ready/blocked/timedWaiters, a task's queue
	// membership, or a primitive's waiter list does so only between
	// enterCritical/leaveCritical. None of this module's own call sites
	// nest an enterCritical call inside another, so nesting collapses to
	// plain mutual exclusion; see DESIGN.md for why a sync.Mutex rather
	// than atomic masking is the right idiom here.
	gate sync.Mutex

	ready        taskQueue
	blocked      taskQueue // Sleeping, ascending WaitDeadline
	timedWaiters taskQueue // MutexWait/SemWait with a live deadline, ascending WaitDeadline

	current  *Task
	idleTask *Task

	tick         uint64
	nextSystemID int64 // decrements: -1, -2, ...
	nextUserID   int64 // increments: 1, 2, ...

	runState *fastKernelState

	registry *taskRegistry
	counters schedulerCounters
	latency  *schedulingLatencyMetrics

	tickMu   sync.Mutex
	tickCond *sync.Cond
	tickGen  uint64

	tickStop chan struct{}
	tickDone chan struct{}

	critStart time.Time // set by enterCritical, read by leaveCritical; gate is never held by two goroutines at once
}

// NewKernel constructs a Kernel and its always-present idle task, but does
// not start the tick pump or run any task — see Start.
func NewKernel(opts ...KernelOption) (*Kernel, error) {
	cfg, err := resolveKernelOptions(opts)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg:          cfg,
		logger:       cfg.logger,
		heap:         NewHeap(cfg.heapSize),
		runState:     newFastKernelState(),
		registry:     newTaskRegistry(cfg.registryCapacity),
		latency:      newSchedulingLatencyMetrics(),
		nextUserID:   1,
		nextSystemID: -1,
	}
	k.tickCond = sync.NewCond(&k.tickMu)

	idle, err := k.newTask("idle", cfg.idlePriority, true, idleTaskBody)
	if err != nil {
		return nil, err
	}
	k.idleTask = idle
	return k, nil
}

// idleTaskBody loops "wait for interrupt, then offer the CPU to whoever
// else wants it" — the Go realization of §4.10's idle task, a blocking
// receive on the tick-advance signal instead of a busy loop.
func idleTaskBody(tc *TaskContext) {
	for {
		tc.kernel.waitForTick()
		tc.Yield()
	}
}

func (k *Kernel) waitForTick() {
	k.tickMu.Lock()
	gen := k.tickGen
	for k.tickGen == gen {
		k.tickCond.Wait()
	}
	k.tickMu.Unlock()
}

// enterCritical acquires the critical-section gate. See Kernel.gate.
func (k *Kernel) enterCritical() {
	k.gate.Lock()
	k.critStart = time.Now()
}

// leaveCritical releases the critical-section gate, first folding this
// section's hold time into the scheduler's longest-critical-section
// diagnostic (§B.5).
func (k *Kernel) leaveCritical() {
	if held := time.Since(k.critStart); held > k.counters.maxCriticalSectionLen {
		k.counters.maxCriticalSectionLen = held
	}
	k.gate.Unlock()
}

// currentTick returns the tick counter. Callers must hold the gate.
func (k *Kernel) currentTick() uint64 { return k.tick }

// parkUntilResumed blocks t's goroutine until the scheduler hands it the
// resume token, realizing "context switch in" for this task (§4.5/§C).
func (k *Kernel) parkUntilResumed(t *Task) { <-t.resume }

// schedule is Schedule() from §4.4: pick the ready queue's head and, if it
// differs from the currently running task, hand it the resume token. Safe
// to call redundantly — a no-op if the head hasn't changed — which is what
// lets every blocking primitive call schedule() unconditionally before
// parking rather than first checking whether a switch is actually needed.
// Callers must hold the gate.
func (k *Kernel) schedule() {
	next := k.ready.head
	if next == nil || next == k.current {
		return
	}
	if k.current != nil && k.current.State() == StateRunning {
		k.current.state.Store(StateReady)
		k.current.readyAt = time.Now()
	}
	var latency time.Duration
	if !next.readyAt.IsZero() {
		latency = time.Since(next.readyAt)
	}
	k.current = next
	next.state.Store(StateRunning)
	next.preempt.Store(false)
	next.sliceUsed = 0
	k.counters.contextSwitches++
	if next == k.idleTask {
		k.counters.idleTicks++
	}
	k.latency.record(latency)
	select {
	case next.resume <- struct{}{}:
	default:
		// already has an unconsumed resume token buffered; nothing to do.
	}
}

// onTick is OnTick()/WakeSleepers() from §4.4, run once per tick: advances
// the clock, wakes any sleeper or timed waiter whose deadline has passed,
// and broadcasts to the idle task. It never forces a switch away from
// whichever task is presently running arbitrary Go code between kernel
// calls — see SPEC_FULL.md §C on why mid-flight preemption isn't possible
// in this substrate — it only counts the running task's slice and, once
// cfg.timeSlice ticks have elapsed since that task's last checkpoint, marks
// it spent for that task's own next cooperative check
// (TaskContext.CheckPreempt) to act on.
func (k *Kernel) onTick() {
	k.enterCritical()
	k.tick++

	for k.blocked.head != nil && k.blocked.head.WaitDeadline <= k.tick {
		t := k.blocked.head
		k.blocked.remove(t)
		t.state.Store(StateReady)
		t.readyAt = time.Now()
		k.ready.insertByPriority(t)
	}

	// Only a semaphore wait (Semaphore.AcquireTimeout) is ever timed: there
	// is no mutex-lock-with-timeout entry point, so t.waitingObj.kind is
	// always waitSemaphore here.
	for k.timedWaiters.head != nil && k.timedWaiters.head.WaitDeadline <= k.tick {
		t := k.timedWaiters.head
		k.timedWaiters.remove(t)
		t.waitingObj.sem.waiters.remove(t)
		t.waitingObj = waitObj{}
		t.waitTimed = false
		t.wokeByTimeout = true
		t.state.Store(StateReady)
		t.readyAt = time.Now()
		k.ready.insertByPriority(t)
	}

	if k.current != nil {
		k.current.sliceUsed++
		if k.current.sliceUsed >= k.cfg.timeSlice {
			k.current.preempt.Store(true)
		}
	}

	k.schedule()
	k.leaveCritical()

	k.tickMu.Lock()
	k.tickGen++
	k.tickCond.Broadcast()
	k.tickMu.Unlock()
}

// newTask is the common constructor behind SpawnSystem/SpawnUser: allocate
// an ID, register the task for diagnostics, place it in the ready queue,
// and start its goroutine. The goroutine blocks on its own resume channel
// until schedule() gives it its first turn, exactly like every subsequent
// wait — there is no special case for "the first run".
func (k *Kernel) newTask(name string, priority int, privileged bool, fn func(*TaskContext)) (*Task, error) {
	if fn == nil {
		return nil, wrapErr("Kernel.newTask", CategoryBadArgument, nil)
	}
	if priority < 0 {
		return nil, wrapErr("Kernel.newTask", CategoryBadArgument, nil)
	}

	k.enterCritical()

	var id int64
	if privileged {
		id = k.nextSystemID
		k.nextSystemID--
	} else {
		id = k.nextUserID
		k.nextUserID++
	}

	t := &Task{
		Name:         name,
		ID:           id,
		Privileged:   privileged,
		BasePriority: priority,
		Priority:     priority,
		state:        newFastTaskState(StateReady),
		fn:           fn,
		resume:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		kernel:       k,
		readyAt:      time.Now(),
	}
	t.stackHighWater.Store(-1)

	if err := k.registry.register(t); err != nil {
		k.leaveCritical()
		return nil, err
	}
	k.ready.insertByPriority(t)
	k.counters.tasksCreated++
	// Only the idle task is safe to preempt here: it is parked on a
	// condition variable rather than executing real task code, so handing
	// it off costs nothing and lets a freshly spawned task start right away
	// instead of waiting for the next tick. Any other current task is
	// running live Go code between kernel calls and must not be switched
	// away from outside its own next cooperative checkpoint — see
	// SPEC_FULL.md §C.
	if k.current == nil || k.current == k.idleTask {
		k.schedule()
	}
	k.leaveCritical()

	go k.runTask(t)
	return t, nil
}

// SpawnSystem creates a privileged task: its TaskContext calls pass through
// the trap surface (§4.6) like a user task's, but dispatch does not log them.
func (k *Kernel) SpawnSystem(name string, priority int, fn func(*TaskContext)) (*Task, error) {
	return k.newTask(name, priority, true, fn)
}

// SpawnUser creates an unprivileged task, routed through the trap surface
// (trap.go) for every kernel call its TaskContext makes.
func (k *Kernel) SpawnUser(name string, priority int, fn func(*TaskContext)) (*Task, error) {
	return k.newTask(name, priority, false, fn)
}

func (k *Kernel) runTask(t *Task) {
	tc := &TaskContext{task: t, kernel: k}
	k.parkUntilResumed(t)
	t.fn(tc)
	k.completeTask(t)
}

// completeTask mirrors task_complete_handler: a task that returns from its
// body naturally releases every mutex it still holds, leaves every queue,
// and is removed from the diagnostics registry. The idle task's body loops
// forever by construction (§4.10) and must never reach this path; if it
// ever does, the scheduler has lost its only always-runnable fallback, a
// corrupted-invariant condition with no safe recovery — the §7 Fatal path
// this module's Halt exists for.
func (k *Kernel) completeTask(t *Task) {
	if t == k.idleTask {
		k.Halt(&FatalError{Op: "Kernel.completeTask", Cause: errors.New("idle task body returned: no fallback schedulable task remains")})
		close(t.done)
		return
	}

	k.enterCritical()
	releaseAllMutexes(t)
	switch t.State() {
	case StateReady, StateRunning:
		k.ready.remove(t)
	case StateSleeping:
		k.blocked.remove(t)
	}
	t.state.Store(StateRemoved)
	k.registry.unregister(t)
	k.counters.tasksDeleted++
	if k.current == t {
		k.current = nil
	}
	k.schedule()
	k.leaveCritical()
	close(t.done)
}

// Start transitions the kernel to Running and, unless WithDeterministicTick
// was supplied, begins a wall-clock tick pump driven by cfg.tickPeriod.
// Deterministic kernels instead expect the caller to invoke Tick()
// explicitly — see SPEC_FULL.md §B.6.
func (k *Kernel) Start(ctx context.Context) error {
	if !k.runState.TryTransition(KernelCreated, KernelRunning) {
		return wrapErr("Kernel.Start", CategoryDisciplineViolation, nil)
	}
	k.logger.Info().Int("heap_bytes", k.cfg.heapSize).Log("kernel starting")

	k.enterCritical()
	k.schedule()
	k.leaveCritical()

	if k.cfg.deterministic {
		return nil
	}

	k.tickStop = make(chan struct{})
	k.tickDone = make(chan struct{})
	go k.tickPump(ctx)
	return nil
}

func (k *Kernel) tickPump(ctx context.Context) {
	defer close(k.tickDone)
	ticker := time.NewTicker(k.cfg.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.onTick()
		case <-k.tickStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick manually advances the kernel by one tick. Valid only on a kernel
// constructed with WithDeterministicTick, for tests that need reproducible
// scheduling decisions instead of wall-clock races.
func (k *Kernel) Tick() error {
	if !k.cfg.deterministic {
		return wrapErr("Kernel.Tick", CategoryDisciplineViolation, nil)
	}
	k.onTick()
	return nil
}

// Shutdown stops the tick pump (if running) and transitions the kernel to
// Halted. It does not terminate any task goroutine, and TaskContext carries
// no cancellation signal: a task goroutine keeps running, or stays parked,
// after Shutdown returns.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if !k.runState.TryTransition(KernelRunning, KernelShuttingDown) {
		return wrapErr("Kernel.Shutdown", CategoryDisciplineViolation, nil)
	}
	if k.tickStop != nil {
		close(k.tickStop)
		select {
		case <-k.tickDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	k.runState.Store(KernelHalted)
	k.logger.Info().Log("kernel halted")
	return nil
}

// Halt immediately marks the kernel Halted in response to a §7 Fatal
// error, logs it, and stops the tick pump if one is running. Afterwards
// Start and Shutdown return a discipline-violation error; no other kernel
// call checks the run state, so Tick, task calls and primitive operations
// keep working. This is the nearest Go analogue to "the
// intent is a debugger trap": it never calls os.Exit from library code.
func (k *Kernel) Halt(err *FatalError) {
	k.logger.Err().Err(err).Log("kernel halted on fatal error")
	k.runState.Store(KernelHalted)
	if k.tickStop != nil {
		select {
		case <-k.tickStop:
		default:
			close(k.tickStop)
		}
	}
}

// RunState reports the kernel's own lifecycle state.
func (k *Kernel) RunState() KernelRunState { return k.runState.Load() }

// LookupTask returns the live task with the given ID, for diagnostics and
// tooling built on top of this package rather than for use by task bodies
// themselves (which already hold their own *Task via TaskContext.Task).
func (k *Kernel) LookupTask(id int64) (*Task, bool) {
	return k.registry.lookup(id)
}

// Tasks returns every currently live task, in no particular order.
func (k *Kernel) Tasks() []*Task {
	return k.registry.snapshot()
}

// Diagnostics returns a point-in-time snapshot of the kernel's runtime
// statistics (§B.4/§B.5): raw counters only, no text rendering, per the
// distilled spec's own guidance for the out-of-scope statistics task.
func (k *Kernel) Diagnostics() DiagnosticsSnapshot {
	k.enterCritical()
	tick := k.tick
	live := k.registry.count()
	counters := k.counters
	k.leaveCritical()

	p50, p99, mean, max, n := k.latency.snapshot()

	return DiagnosticsSnapshot{
		Tick:                     tick,
		LiveTasks:                live,
		ContextSwitches:          counters.contextSwitches,
		IdleTicks:                counters.idleTicks,
		TasksCreated:             counters.tasksCreated,
		TasksDeleted:             counters.tasksDeleted,
		MutexesCreated:           counters.mutexesCreated,
		SemaphoresCreated:        counters.semaphoresCreated,
		MaxCriticalSectionTime:   counters.maxCriticalSectionLen,
		SchedulingLatencyP50:     p50,
		SchedulingLatencyP99:     p99,
		SchedulingLatencyMean:    mean,
		SchedulingLatencyMax:     max,
		SchedulingLatencySamples: n,
		HeapStats:                k.heap.Stats(),
	}
}
