package krisos

import "sync"

// heapAlign is the byte alignment every allocation and every free block is
// rounded to, matching the original firmware's word*2 alignment on a
// 32-bit Cortex-M core.
const heapAlign = 8

// minSplittableBlock is the minimum surplus, in bytes, that a free-list
// match must exceed before Alloc bothers splitting off a remainder block —
// four headers in the original firmware, preserved here as a guard against
// fragmenting the free list into slivers too small to ever be reused.
var minSplittableBlock = 4 * heapBlockHeaderSize

// heapBlockHeaderSize is the size in bytes of a block header. In the
// original firmware this is sizeof(HeapBlock) (a size field plus a next
// pointer); this module's header is simulated as a plain integer size
// since there is no real memory to prefix — see Heap for the simulation
// strategy.
const heapBlockHeaderSize = 16

// heapBlock is a free-list node. Heap never hands out a *heapBlock to
// callers: Alloc returns an opaque Region instead, because this is a
// simulation over an allocation ledger, not real memory (see DESIGN.md for
// why a byte-addressed arena was rejected in favor of a ledger).
type heapBlock struct {
	offset int
	size   int // total size including the header, as in the original
	next   *heapBlock
}

// Region is the handle Heap.Alloc returns: an opaque allocation, analogous
// to the original firmware's header-exclusive pointer. Its zero value is
// the null region, matching "no-op on null" for Free.
type Region struct {
	offset int
	size   int
	valid  bool
}

// Heap is a fixed-capacity, word-aligned free-list allocator with
// first-fit allocation and split/coalesce, mirroring
// original_source/src/Kernel/heap.c (heap_manager.c). It tracks space as an
// offset ledger rather than real memory, because there is nothing in a Go
// process analogous to the Cortex-M's flat addressable heap arena that
// callers would actually dereference — callers needing real backing bytes
// allocate those themselves and use Region only for admission control and
// fragmentation accounting, exactly the role the heap plays for the
// scheduler and synchronization primitives that allocate "from the heap"
// in the original.
type Heap struct {
	mu sync.Mutex

	capacity int
	used     int

	// freeList is singly-linked, strictly ascending by offset, with no two
	// adjacent blocks — the invariant from SPEC_FULL.md §3.
	freeList *heapBlock
}

// NewHeap creates a Heap with the given capacity in bytes, aligned up to
// heapAlign, with one free block spanning the whole arena (a block's size
// includes its own header).
func NewHeap(capacity int) *Heap {
	capacity = alignUp(capacity, heapAlign)
	h := &Heap{capacity: capacity}
	h.freeList = &heapBlock{offset: 0, size: capacity}
	return h
}

func alignUp(n, align int) int {
	if n <= 0 {
		return 0
	}
	return (n + align - 1) &^ (align - 1)
}

// Alloc reserves n bytes (plus header overhead, aligned) using a first-fit
// walk of the free list, splitting the matched block if the surplus
// exceeds minSplittableBlock. Returns ErrHeapExhausted if nothing fits,
// resolving Open Question 4 of SPEC_FULL.md §E in favor of a returned
// error over the original's process-terminating exit() call.
func (h *Heap) Alloc(n int) (Region, error) {
	if n <= 0 {
		return Region{}, wrapErr("Heap.Alloc", CategoryBadArgument, nil)
	}
	need := alignUp(n+heapBlockHeaderSize, heapAlign)
	if need <= 0 {
		return Region{}, wrapErr("Heap.Alloc", CategoryBadArgument, nil)
	}
	if need > h.capacity {
		return Region{}, wrapErr("Heap.Alloc", CategoryResourceExhausted, ErrHeapExhausted)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var prev *heapBlock
	iter := h.freeList
	for iter != nil && iter.size < need {
		prev = iter
		iter = iter.next
	}
	if iter == nil {
		return Region{}, wrapErr("Heap.Alloc", CategoryResourceExhausted, ErrHeapExhausted)
	}

	// unlink iter from the free list.
	if prev == nil {
		h.freeList = iter.next
	} else {
		prev.next = iter.next
	}

	allocOffset := iter.offset
	if iter.size-need > minSplittableBlock {
		remainder := &heapBlock{offset: iter.offset + need, size: iter.size - need}
		h.insertFreeBlock(remainder)
		iter.size = need
	}

	h.used += iter.size
	return Region{offset: allocOffset, size: iter.size, valid: true}, nil
}

// Free returns r to the free list, merging with an address-contiguous
// predecessor and/or successor. The zero Region is a documented no-op,
// matching "no-op on null" from the original free().
func (h *Heap) Free(r Region) error {
	if !r.valid {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.used -= r.size
	h.insertFreeBlock(&heapBlock{offset: r.offset, size: r.size})
	return nil
}

// insertFreeBlock walks the free list in address order, merging toInsert
// with a contiguous predecessor and/or successor, exactly mirroring
// heap_insert_free_block in the original firmware. Caller holds h.mu.
func (h *Heap) insertFreeBlock(toInsert *heapBlock) {
	if h.freeList == nil || toInsert.offset < h.freeList.offset {
		if h.freeList != nil && toInsert.offset+toInsert.size == h.freeList.offset {
			toInsert.size += h.freeList.size
			toInsert.next = h.freeList.next
		} else {
			toInsert.next = h.freeList
		}
		h.freeList = toInsert
		return
	}

	iter := h.freeList
	for iter.next != nil && iter.next.offset < toInsert.offset {
		iter = iter.next
	}

	// merge with predecessor if contiguous.
	if iter.offset+iter.size == toInsert.offset {
		iter.size += toInsert.size
		toInsert = iter
	} else {
		toInsert.next = iter.next
		iter.next = toInsert
	}

	// merge with successor if contiguous.
	if toInsert.next != nil && toInsert.offset+toInsert.size == toInsert.next.offset {
		toInsert.size += toInsert.next.size
		toInsert.next = toInsert.next.next
	}
}

// Stats reports the heap's current accounting, used by diagnostics and by
// the invariant-7 property test (free bytes + used bytes == capacity).
type HeapStats struct {
	Capacity  int
	Used      int
	FreeBytes int
	FreeRuns  int // number of disjoint free blocks; 1 means fully coalesced.
}

func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var free, runs int
	for b := h.freeList; b != nil; b = b.next {
		free += b.size
		runs++
	}
	return HeapStats{Capacity: h.capacity, Used: h.used, FreeBytes: free, FreeRuns: runs}
}
