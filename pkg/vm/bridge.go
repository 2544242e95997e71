package vm

import (
	"bufio"
	"fmt"
	"io"
	"unsafe"
)

// The functions in this file are the Universal Machine's "External
// Runtime Bridge": the five host symbols spec.md §4.8 names
// (alloc_array, free_array, get_arrays_ptr, getc, putc). A compiled JIT
// trace never calls these directly — see the side-exit deviation
// recorded in DESIGN.md and SPEC_FULL.md §2 [MODULE jit] — both the
// plain interpreter and the JIT driver's one-step resume after a side
// exit call AllocArray, FreeArray, Getc and Putc through Step, so the
// contract is identical either way. GetArraysPtr has no caller in this
// module: Trace.Run reads Heap.BaseTable directly.
//
// Grounded on _examples/bassosimone-risc32/pkg/vm/tty.go, which gives
// the teacher's console device its own narrow host-facing surface
// (InRegister/OutRegister/StatusRegister) rather than folding console
// I/O into the main Execute switch; alloc/free/getc/putc get the same
// treatment here.

// AllocArray inserts a zero-initialized array of size words and returns
// its id.
func AllocArray(h *Heap, size uint32) uint32 {
	return h.Insert(make([]uint32, size))
}

// FreeArray deallocates id.
func FreeArray(h *Heap, id uint32) error {
	return h.Remove(id)
}

// GetArraysPtr returns the heap's base-pointer table. Callers that hold
// on to this across an AllocArray must call it again: insertion can grow
// and reallocate the table.
func GetArraysPtr(h *Heap) []unsafe.Pointer {
	return h.BaseTable()
}

// Getc reads one byte from r and zero-extends it to 32 bits. It returns
// 0xFFFFFFFF on EOF, per spec.md §4.8 and §8's scenario S6. r must be
// the same *bufio.Reader across calls so no buffered input is dropped
// between instructions.
func Getc(r *bufio.Reader) (uint32, error) {
	b, err := r.ReadByte()
	if err == io.EOF {
		return 0xFFFFFFFF, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return uint32(b), nil
}

// Putc writes the low 8 bits of value to w, discarding the rest, per
// spec.md §4.8 and §8.
func Putc(w io.Writer, value uint32) error {
	if _, err := w.Write([]byte{byte(value)}); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return nil
}
