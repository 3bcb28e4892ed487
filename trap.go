package krisos

// selector names one entry of the trap surface (§4.6): the table an
// unprivileged task's kernel calls are routed through. In this module's
// default all-privileged build a privileged task's calls and an
// unprivileged task's dispatch-routed calls reach the same method — there
// is no real NVIC or memory-protection unit to enforce a difference (both
// are explicit Non-goals) — but the indirection is kept as a real,
// table-driven call site rather than elided, so the trap concept stays
// something a test can actually observe.
type selector int

const (
	selTaskSleep selector = iota
	selTaskYield
	selTaskDelete
	selHeapAlloc
	selHeapFree
	selMutexLock
	selMutexTryLock
	selMutexUnlock
	selSemAcquire
	selSemTryAcquire
	selSemRelease
	selQueueWrite
	selQueueRead
)

func (s selector) String() string {
	switch s {
	case selTaskSleep:
		return "task_sleep"
	case selTaskYield:
		return "task_yield"
	case selTaskDelete:
		return "task_delete"
	case selHeapAlloc:
		return "heap_alloc"
	case selHeapFree:
		return "heap_free"
	case selMutexLock:
		return "mutex_lock"
	case selMutexTryLock:
		return "mutex_try_lock"
	case selMutexUnlock:
		return "mutex_unlock"
	case selSemAcquire:
		return "sem_acquire"
	case selSemTryAcquire:
		return "sem_try_acquire"
	case selSemRelease:
		return "sem_release"
	case selQueueWrite:
		return "queue_write"
	case selQueueRead:
		return "queue_read"
	default:
		return "unknown"
	}
}

// dispatch is the trap surface's single entry point: it logs unprivileged
// entries at debug level (the nearest analogue to an SVC trace) and then
// invokes call. Privileged tasks pass through identically — the gate here
// is observability, not access control, since this module carries no
// memory-protection mechanism (an explicit Non-goal, §A).
func (k *Kernel) dispatch(caller *Task, sel selector, call func() error) error {
	if caller == nil {
		return wrapErr("Kernel.dispatch", CategoryBadArgument, nil)
	}
	if !caller.Privileged {
		k.logger.Debug().Str("task", caller.Name).Str("selector", sel.String()).Log("trap")
	}
	return call()
}
