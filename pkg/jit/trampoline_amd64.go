//go:build amd64

package jit

import (
	"unsafe"

	"github.com/bassosimone/umachine/pkg/vm"
)

// runTrace invokes a compiled trace. code is the trace's entry point
// address; regs points at the machine's register file; bases points at
// the heap's current base-pointer table's first entry; lengths points
// at the heap's current length table's first entry (used for native
// aload/astore bounds guards); result receives the trace's single exit
// record. Implemented in trampoline_amd64.s, modeled directly on
// jitcall in
// _examples/other_examples/dae1d11e_tetratelabs-wazero__wasm-jit-jit_amd64.go.go.
func runTrace(code uintptr, regs, bases, lengths, result unsafe.Pointer)

// Run invokes the trace against m's current register file and heap.
// Run fetches m.Heap.BaseTable()/LengthTable() itself on every call,
// since both are only valid until the next heap Insert. The caller
// must not call Run for any instruction this package compiles as a
// side exit, since those never appear inside a compiled trace (see
// recorder.go).
func (t *Trace) Run(m *vm.Machine) TraceResult {
	bases := m.Heap.BaseTable()
	var basesPtr unsafe.Pointer
	if len(bases) > 0 {
		basesPtr = unsafe.Pointer(&bases[0])
	}
	lengths := m.Heap.LengthTable()
	var lengthsPtr unsafe.Pointer
	if len(lengths) > 0 {
		lengthsPtr = unsafe.Pointer(&lengths[0])
	}
	var result TraceResult
	runTrace(t.entry, unsafe.Pointer(&m.Regs[0]), basesPtr, lengthsPtr, unsafe.Pointer(&result))
	return result
}
