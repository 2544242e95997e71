package vm

import (
	"fmt"
	"unsafe"
)

// Heap is the Universal Machine's array heap: an indexed collection of
// fixed-length, zero-initialized arrays of 32-bit words. Array 0 is
// always live and holds the currently-executing program; it is never
// removable and its id is never reused.
//
// Heap is not goroutine safe; a single goroutine should drive a Machine.
type Heap struct {
	arrays  []*[]uint32 // nil entry means the id is not live
	bases   []unsafe.Pointer
	lengths []uint32 // lengths[id] mirrors len(*arrays[id]); 0 for a dead id
	free    []uint32 // freed ids available for reuse, unordered (see popSmallestFree)
}

// NewHeap constructs a heap whose array 0 is program. Grounded on
// _examples/original_source/rust/src/memory.rs's Memory::new, which
// inserts the program as the first (and guaranteed id-0) array.
func NewHeap(program []uint32) *Heap {
	h := &Heap{}
	id := h.Insert(program)
	if id != 0 {
		panic("vm: first heap insertion did not get id 0")
	}
	return h
}

// Insert adds array as a new live array and returns its id. Freed ids are
// reused before the heap grows, and the smallest freed id is always
// chosen first (see _examples/original_source/rust/src/memory.rs, which
// pops from a vacants stack; this module instead scans its unordered
// free list for the smallest id, matching the invariant spec.md §8 requires).
func (h *Heap) Insert(array []uint32) uint32 {
	cp := make([]uint32, len(array))
	copy(cp, array)
	if len(h.free) > 0 {
		id := h.popSmallestFree()
		h.arrays[id] = &cp
		h.bases[id] = arrayDataPointer(&cp)
		h.lengths[id] = uint32(len(cp))
		return id
	}
	id := uint32(len(h.arrays))
	h.arrays = append(h.arrays, &cp)
	h.bases = append(h.bases, arrayDataPointer(&cp))
	h.lengths = append(h.lengths, uint32(len(cp)))
	return id
}

func (h *Heap) popSmallestFree() uint32 {
	minIdx := 0
	for i := 1; i < len(h.free); i++ {
		if h.free[i] < h.free[minIdx] {
			minIdx = i
		}
	}
	id := h.free[minIdx]
	h.free[minIdx] = h.free[len(h.free)-1]
	h.free = h.free[:len(h.free)-1]
	return id
}

// Remove deallocates id. Removing id 0, an out-of-range id, or an id
// that is not currently live is HeapMisuse.
func (h *Heap) Remove(id uint32) error {
	if id == 0 {
		return fmt.Errorf("%w: array 0 cannot be freed", ErrHeapMisuse)
	}
	if int(id) >= len(h.arrays) || h.arrays[id] == nil {
		return fmt.Errorf("%w: free of unallocated array %d", ErrHeapMisuse, id)
	}
	h.arrays[id] = nil
	h.bases[id] = nil
	h.lengths[id] = 0
	h.free = append(h.free, id)
	return nil
}

// Index returns the live array bound to id, or HeapMisuse if id is not
// live.
func (h *Heap) Index(id uint32) ([]uint32, error) {
	if int(id) >= len(h.arrays) || h.arrays[id] == nil {
		return nil, fmt.Errorf("%w: access to unallocated array %d", ErrHeapMisuse, id)
	}
	return *h.arrays[id], nil
}

// CloneIntoZero replaces array 0 with a deep copy of array id. A no-op
// when id is already 0, matching
// _examples/original_source/rust/src/memory.rs's Arrays::dup0.
func (h *Heap) CloneIntoZero(id uint32) error {
	if id == 0 {
		return nil
	}
	src, err := h.Index(id)
	if err != nil {
		return err
	}
	cp := make([]uint32, len(src))
	copy(cp, src)
	h.arrays[0] = &cp
	h.bases[0] = arrayDataPointer(&cp)
	h.lengths[0] = uint32(len(cp))
	return nil
}

// BaseTable returns the heap's pointer-to-pointer-array table: bases[id]
// is the address of array id's backing storage, or nil if id is not
// live. The slice returned is only stable until the next Insert —
// insertion can grow and reallocate the backing arrays slice, so callers
// (notably compiled JIT traces) must re-fetch BaseTable after any
// Insert, exactly as spec.md §4.1 requires.
func (h *Heap) BaseTable() []unsafe.Pointer {
	return h.bases
}

// LengthTable returns the heap's per-id length table: lengths[id] is the
// element count of array id's backing storage, or 0 if id is not live.
// Like BaseTable, the slice returned is only stable until the next
// Insert. Compiled JIT traces use this to bounds-check aload/astore
// natively instead of ever indexing past an array's end, per spec.md
// §7's "generated traces never raise."
func (h *Heap) LengthTable() []uint32 {
	return h.lengths
}

func arrayDataPointer(s *[]uint32) unsafe.Pointer {
	if len(*s) == 0 {
		return nil
	}
	return unsafe.Pointer(&(*s)[0])
}
