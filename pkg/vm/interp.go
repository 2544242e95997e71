package vm

import (
	"bufio"
	"fmt"
	"io"
)

// StepKind distinguishes the three outcomes Step can report, matching
// the StepResult enum of
// _examples/original_source/rust/src/interpreter.rs.
type StepKind int

const (
	// Next means the interpreter should advance PC by one and continue.
	Next StepKind = iota
	// Halt means the halt instruction executed.
	Halt
	// Jump means a loadprog instruction executed; the driver must clone
	// JumpID into array 0 (unless JumpID == 0) and set PC to JumpPC.
	Jump
)

// StepResult is the outcome of executing one instruction.
type StepResult struct {
	Kind   StepKind
	JumpID uint32
	JumpPC uint32
}

// IO bundles the two blocking console operations an interpreter step may
// perform. A nil IO is invalid if the program executes in/out. In must
// stay the same *bufio.Reader across an entire run so buffered bytes
// are never dropped between Getc calls.
type IO struct {
	In  *bufio.Reader
	Out io.Writer
}

// Step executes a single decoded instruction against m, performing any
// required I/O through io. It returns the outcome the driver (plain
// interpreter loop or JIT driver) must act on. Step never advances PC
// itself; the caller does, per the Kind returned. This mirrors
// _examples/original_source/rust/src/interpreter.rs's execute_step,
// which spec.md §4.4 requires this module preserve exactly.
func Step(inst Instruction, m *Machine, io_ IO) (StepResult, error) {
	switch inst.Op {
	case OpCmove:
		if m.Regs[inst.C] != 0 {
			m.Regs[inst.A] = m.Regs[inst.B]
		}
		return StepResult{Kind: Next}, nil

	case OpALoad:
		arr, err := m.Heap.Index(m.Regs[inst.B])
		if err != nil {
			return StepResult{}, err
		}
		off := m.Regs[inst.C]
		if int(off) >= len(arr) {
			return StepResult{}, fmt.Errorf("%w: aload offset %d out of range", ErrHeapMisuse, off)
		}
		m.Regs[inst.A] = arr[off]
		return StepResult{Kind: Next}, nil

	case OpAStore:
		arr, err := m.Heap.Index(m.Regs[inst.A])
		if err != nil {
			return StepResult{}, err
		}
		off := m.Regs[inst.B]
		if int(off) >= len(arr) {
			return StepResult{}, fmt.Errorf("%w: astore offset %d out of range", ErrHeapMisuse, off)
		}
		arr[off] = m.Regs[inst.C]
		return StepResult{Kind: Next}, nil

	case OpAdd:
		m.Regs[inst.A] = m.Regs[inst.B] + m.Regs[inst.C]
		return StepResult{Kind: Next}, nil

	case OpMul:
		m.Regs[inst.A] = m.Regs[inst.B] * m.Regs[inst.C]
		return StepResult{Kind: Next}, nil

	case OpDiv:
		if m.Regs[inst.C] == 0 {
			return StepResult{}, ErrDivisionByZero
		}
		m.Regs[inst.A] = m.Regs[inst.B] / m.Regs[inst.C]
		return StepResult{Kind: Next}, nil

	case OpNand:
		m.Regs[inst.A] = ^(m.Regs[inst.B] & m.Regs[inst.C])
		return StepResult{Kind: Next}, nil

	case OpHalt:
		return StepResult{Kind: Halt}, nil

	case OpAlloc:
		size := m.Regs[inst.C]
		id := AllocArray(m.Heap, size)
		m.Regs[inst.B] = id
		return StepResult{Kind: Next}, nil

	case OpFree:
		if err := FreeArray(m.Heap, m.Regs[inst.C]); err != nil {
			return StepResult{}, err
		}
		return StepResult{Kind: Next}, nil

	case OpOut:
		if err := Putc(io_.Out, m.Regs[inst.C]); err != nil {
			return StepResult{}, err
		}
		return StepResult{Kind: Next}, nil

	case OpIn:
		v, err := Getc(io_.In)
		if err != nil {
			return StepResult{}, err
		}
		m.Regs[inst.C] = v
		return StepResult{Kind: Next}, nil

	case OpLoadProg:
		return StepResult{Kind: Jump, JumpID: m.Regs[inst.B], JumpPC: m.Regs[inst.C]}, nil

	case OpImm:
		m.Regs[inst.A] = inst.Imm
		return StepResult{Kind: Next}, nil

	default:
		return StepResult{}, fmt.Errorf("%w: opcode %d", ErrInvalidInstruction, inst.Op)
	}
}

// Run drives the plain (non-JIT) interpreter to completion, used by
// `um run --mode interpreter`. The JIT driver does not call Run; it
// calls Step directly for side-exit instructions (alloc, free, out, in)
// and for any PC the JIT has not yet compiled.
func Run(m *Machine, io_ IO) error {
	for {
		word, err := m.Fetch()
		if err != nil {
			return err
		}
		inst := Decode(word)
		res, err := Step(inst, m, io_)
		if err != nil {
			return err
		}
		switch res.Kind {
		case Halt:
			return nil
		case Jump:
			if res.JumpID != 0 {
				if err := m.Heap.CloneIntoZero(res.JumpID); err != nil {
					return err
				}
			}
			m.PC = res.JumpPC
		default:
			m.PC++
		}
	}
}
