// Package vm implements the Universal Machine: a register-based abstract
// architecture with 8 32-bit registers, an indexed heap of 32-bit arrays,
// and 14 opcodes operating on unsigned modular (wrapping) arithmetic.
//
// Instruction format
//
// Each instruction is a 32-bit word. Bits 31-28 hold the operator number.
// For operators 0-12 the remaining layout is:
//
//	<Opcode:4><Unused:19><A:3><B:3><C:3>
//
// For operator 13 (load immediate) the layout is instead:
//
//	<Opcode:4><A:3><Value:25>
//
// Array heap
//
// Programs do not address a flat memory space. Instead they manipulate
// an indexed collection of arrays (see Heap): array 0 always holds the
// currently-executing program, and the jmp instruction (operator 12,
// "loadprog") can replace array 0 wholesale with a copy of any other
// array, which is how a UM program rewrites its own code.
//
// This package is organised the way
// _examples/bassosimone-risc32/pkg/vm/vm.go organises a simpler register
// machine: one package holding machine state (this file), the array
// heap (heap.go), the instruction decoder/disassembler (isa.go), the
// interpreter (interp.go) and the five host-bridge functions (bridge.go).
// The trace-compiling JIT that sits on top of the interpreter lives in
// the sibling package "jit".
package vm

// NumRegisters is the number of general-purpose registers.
const NumRegisters = 8

// Machine is a Universal Machine instance. Machine is not goroutine
// safe; a single goroutine should drive it at a time.
type Machine struct {
	Regs [NumRegisters]uint32
	Heap *Heap
	PC   uint32
}

// NewMachine constructs a fresh machine: all registers zeroed, a heap
// whose only array (id 0) is program, and PC at 0. Matches spec.md
// §4.2's "fresh state" and
// _examples/original_source/rust/src/memory.rs's Memory::new.
func NewMachine(program []uint32) *Machine {
	return &Machine{
		Heap: NewHeap(program),
	}
}

// Fetch returns the instruction word at the current PC. When PC runs
// off the end of array 0 it returns ErrInvalidInstruction —
// spec.md treats running off the end of the program as a bug in the
// program under emulation, surfaced the same way the RiSC-32 teacher
// treats an out-of-bounds Fetch: as a fault.
func (m *Machine) Fetch() (uint32, error) {
	prog, err := m.Heap.Index(0)
	if err != nil {
		return 0, err
	}
	if int(m.PC) >= len(prog) {
		return 0, ErrInvalidInstruction
	}
	return prog[m.PC], nil
}
