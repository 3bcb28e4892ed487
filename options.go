// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package krisos

import "time"

// kernelOptions holds configuration resolved at Kernel construction time.
// Compile-time constants in the original firmware (tick frequency,
// time-slice length, heap size, task-registry capacity) become runtime
// configuration here, since a Go module has no per-build preprocessor.
type kernelOptions struct {
	tickPeriod       time.Duration
	timeSlice        uint64
	heapSize         int
	registryCapacity int
	idlePriority     int
	deterministic    bool
	logger           Logger
}

// --- Kernel Options ---

// KernelOption configures a Kernel instance.
type KernelOption interface {
	applyKernel(*kernelOptions) error
}

// kernelOptionImpl implements KernelOption.
type kernelOptionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (o *kernelOptionImpl) applyKernel(opts *kernelOptions) error {
	return o.applyKernelFunc(opts)
}

// WithTickPeriod sets the wall-clock period of one kernel tick when the
// kernel drives its own tick pump. Ignored when WithDeterministicTick is
// also supplied.
func WithTickPeriod(d time.Duration) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if d <= 0 {
			return wrapErr("WithTickPeriod", CategoryBadArgument, nil)
		}
		opts.tickPeriod = d
		return nil
	}}
}

// WithTimeSlice sets the number of ticks a task may run before same-priority
// peers are offered a turn (round-robin within a priority band).
func WithTimeSlice(ticks uint64) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if ticks == 0 {
			return wrapErr("WithTimeSlice", CategoryBadArgument, nil)
		}
		opts.timeSlice = ticks
		return nil
	}}
}

// WithHeapSize sets the capacity in bytes of the kernel's backing Heap.
func WithHeapSize(bytes int) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if bytes <= 0 {
			return wrapErr("WithHeapSize", CategoryBadArgument, nil)
		}
		opts.heapSize = bytes
		return nil
	}}
}

// WithRegistryCapacity bounds how many live tasks the diagnostics registry
// tracks by identity. Supplementary feature, not present in the distilled
// spec's core: see SPEC_FULL.md §B.4.
func WithRegistryCapacity(n int) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n <= 0 {
			return wrapErr("WithRegistryCapacity", CategoryBadArgument, nil)
		}
		opts.registryCapacity = n
		return nil
	}}
}

// WithDeterministicTick disables the wall-clock tick pump; the caller must
// advance time explicitly via Kernel.Tick(). Grounded in the teacher
// package's own testHooks pattern for giving tests a deterministic
// substitute for wall-clock timing.
func WithDeterministicTick() KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.deterministic = true
		return nil
	}}
}

// WithLogger overrides the kernel's structured logger. See klog.go.
func WithLogger(l Logger) KernelOption {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.logger = l
		return nil
	}}
}

// resolveKernelOptions applies KernelOption instances over sane defaults.
func resolveKernelOptions(opts []KernelOption) (*kernelOptions, error) {
	cfg := &kernelOptions{
		tickPeriod:       time.Millisecond,
		timeSlice:        10,
		heapSize:         64 * 1024,
		registryCapacity: 64,
		idlePriority:     255,
		logger:           getGlobalLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
