package krisos

import (
	"sync/atomic"
)

// TaskState represents where a task currently sits in the kernel's queues.
//
// State machine:
//
//	Ready <-> Running          [Schedule()]
//	Ready -> Sleeping          [task sleeps]
//	Sleeping -> Ready          [WakeSleepers()]
//	Ready/Running -> MutexWait [blocking Lock()]
//	MutexWait -> Ready         [Unlock() hands off]
//	Ready/Running -> SemWait   [blocking Acquire()]
//	SemWait -> Ready           [Release()]
//	any -> Removed             [task deletion, terminal]
type TaskState uint32

const (
	// StateReady indicates the task is in the ready queue, waiting its turn.
	StateReady TaskState = iota
	// StateRunning indicates the task is the single currently executing task.
	StateRunning
	// StateSleeping indicates the task is in the blocked queue with a wake deadline.
	StateSleeping
	// StateMutexWait indicates the task is in a mutex's waiter list.
	StateMutexWait
	// StateSemWait indicates the task is in a semaphore's waiter list.
	StateSemWait
	// StateRemoved is the transient terminal state immediately before deallocation.
	StateRemoved
)

// String returns a human-readable representation of the state.
func (s TaskState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateMutexWait:
		return "MutexWait"
	case StateSemWait:
		return "SemWait"
	case StateRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// fastTaskState is a lock-free, cache-line padded snapshot of a task's
// state, so diagnostics and [Task.State] never contend with the kernel's
// critical-section gate. The gate remains the sole authority over *when*
// a task moves between queues; this only mirrors the result.
type fastTaskState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte
	v atomic.Uint32
	_ [sizeOfCacheLine - 4]byte
}

func newFastTaskState(initial TaskState) *fastTaskState {
	s := &fastTaskState{}
	s.v.Store(uint32(initial))
	return s
}

func (s *fastTaskState) Load() TaskState {
	return TaskState(s.v.Load())
}

func (s *fastTaskState) Store(state TaskState) {
	s.v.Store(uint32(state))
}

// KernelRunState represents the lifecycle state of the Kernel value itself,
// as distinct from any individual task's TaskState.
type KernelRunState uint32

const (
	// KernelCreated indicates the kernel has been constructed but Start has
	// not yet been called.
	KernelCreated KernelRunState = iota
	// KernelRunning indicates Start has been called; the tick pump is active
	// unless WithDeterministicTick was supplied.
	KernelRunning
	// KernelShuttingDown indicates Shutdown has been requested but the tick
	// pump has not yet stopped.
	KernelShuttingDown
	// KernelHalted indicates either a clean shutdown completed or a fatal
	// error (§7) parked the kernel permanently.
	KernelHalted
)

func (s KernelRunState) String() string {
	switch s {
	case KernelCreated:
		return "Created"
	case KernelRunning:
		return "Running"
	case KernelShuttingDown:
		return "ShuttingDown"
	case KernelHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// fastKernelState is the Kernel-level analogue of fastTaskState, used to
// gate Start/Shutdown/Halt transitions with a single atomic CAS instead of
// holding the critical-section gate for the whole lifecycle check.
type fastKernelState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte
	v atomic.Uint32
	_ [sizeOfCacheLine - 4]byte
}

func newFastKernelState() *fastKernelState {
	s := &fastKernelState{}
	s.v.Store(uint32(KernelCreated))
	return s
}

func (s *fastKernelState) Load() KernelRunState {
	return KernelRunState(s.v.Load())
}

func (s *fastKernelState) Store(state KernelRunState) {
	s.v.Store(uint32(state))
}

func (s *fastKernelState) TryTransition(from, to KernelRunState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
