package vm

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newIO(in string) (IO, *bytes.Buffer) {
	var out bytes.Buffer
	return IO{In: bufio.NewReader(strings.NewReader(in)), Out: &out}, &out
}

// S1 — immediate + output.
func TestScenarioImmediateAndOutput(t *testing.T) {
	io, out := newIO("")
	m := NewMachine([]uint32{0xD2000041, 0xA0000001, 0x70000000})
	require.NoError(t, Run(m, io))
	require.Equal(t, "A", out.String())
}

// S2 — addition.
func TestScenarioAddition(t *testing.T) {
	io, out := newIO("")
	m := NewMachine([]uint32{0xD2000003, 0xD4000004, 0x3000000A, 0xA0000000, 0x70000000})
	require.NoError(t, Run(m, io))
	require.Equal(t, []byte{7}, out.Bytes())
}

// S6 — EOF on input.
func TestScenarioEOFOnInput(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine([]uint32{
		Encode(Instruction{Op: OpIn, C: 0}),
		Encode(Instruction{Op: OpHalt}),
	})
	require.NoError(t, Run(m, io))
	require.Equal(t, uint32(0xFFFFFFFF), m.Regs[0])
}

func TestStepCmoveOnlyWhenConditionNonzero(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine(nil)
	m.Regs[1] = 42
	m.Regs[2] = 0
	_, err := Step(Instruction{Op: OpCmove, A: 0, B: 1, C: 2}, m, io)
	require.NoError(t, err)
	require.Equal(t, uint32(0), m.Regs[0], "cmove must not move when C is zero")

	m.Regs[2] = 1
	_, err = Step(Instruction{Op: OpCmove, A: 0, B: 1, C: 2}, m, io)
	require.NoError(t, err)
	require.Equal(t, uint32(42), m.Regs[0])
}

func TestStepArithmeticWraps(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine(nil)
	m.Regs[1] = 0xFFFFFFFF
	m.Regs[2] = 2
	_, err := Step(Instruction{Op: OpAdd, A: 0, B: 1, C: 2}, m, io)
	require.NoError(t, err)
	require.Equal(t, uint32(1), m.Regs[0], "addition must wrap modulo 2^32")
}

func TestStepDivisionByZero(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine(nil)
	m.Regs[1] = 10
	m.Regs[2] = 0
	_, err := Step(Instruction{Op: OpDiv, A: 0, B: 1, C: 2}, m, io)
	require.True(t, errors.Is(err, ErrDivisionByZero))
}

func TestStepNand(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine(nil)
	m.Regs[1] = 0xFFFFFFFF
	m.Regs[2] = 0xFFFFFFFF
	_, err := Step(Instruction{Op: OpNand, A: 0, B: 1, C: 2}, m, io)
	require.NoError(t, err)
	require.Equal(t, uint32(0), m.Regs[0])
}

func TestStepAllocFreeAndArrayAccess(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine(nil)
	m.Regs[2] = 3 // size
	_, err := Step(Instruction{Op: OpAlloc, B: 1, C: 2}, m, io)
	require.NoError(t, err)
	id := m.Regs[1]
	require.NotEqual(t, uint32(0), id)

	m.Regs[5] = 77
	_, err = Step(Instruction{Op: OpAStore, A: 1, B: 0, C: 5}, m, io)
	require.NoError(t, err)
	_, err = Step(Instruction{Op: OpALoad, A: 6, B: 1, C: 0}, m, io)
	require.NoError(t, err)
	require.Equal(t, uint32(77), m.Regs[6])

	_, err = Step(Instruction{Op: OpFree, C: 1}, m, io)
	require.NoError(t, err)
	_, err = m.Heap.Index(id)
	require.True(t, errors.Is(err, ErrHeapMisuse))
}

func TestStepArrayAccessOutOfRangeIsHeapMisuse(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine(nil)
	m.Regs[2] = 2
	_, err := Step(Instruction{Op: OpAlloc, B: 1, C: 2}, m, io)
	require.NoError(t, err)
	m.Regs[3] = 5 // out of range offset
	_, err = Step(Instruction{Op: OpALoad, A: 4, B: 1, C: 3}, m, io)
	require.True(t, errors.Is(err, ErrHeapMisuse))
}

func TestStepLoadProgNearJumpZeroIDIsNoClone(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine([]uint32{1, 2, 3})
	m.Regs[1] = 0 // id
	m.Regs[2] = 5 // target pc
	res, err := Step(Instruction{Op: OpLoadProg, B: 1, C: 2}, m, io)
	require.NoError(t, err)
	require.Equal(t, Jump, res.Kind)
	require.Equal(t, uint32(0), res.JumpID)
	require.Equal(t, uint32(5), res.JumpPC)
}

func TestStepHalt(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine(nil)
	res, err := Step(Instruction{Op: OpHalt}, m, io)
	require.NoError(t, err)
	require.Equal(t, Halt, res.Kind)
}

func TestStepInvalidOpcode(t *testing.T) {
	io, _ := newIO("")
	m := NewMachine(nil)
	_, err := Step(Instruction{Op: 14}, m, io)
	require.True(t, errors.Is(err, ErrInvalidInstruction))
}

// S3 — loop via loadprog: i = 3; while i { out '.'; i-- }; halt, expressed
// directly against Step/Run rather than hand-assembled, since this
// package has no symbolic assembler (see pkg/codex's doc comment).
// Registers: r0 stays zero throughout (the nand/copy identity source and
// the loadprog id, always a near jump); r1 is the counter; r2 is the dot
// character; r3 is the constant -1 (NAND(r0,r0)); r5/r6 hold the loop
// entry and halt PCs; r7 is the jump target computed each iteration.
func TestScenarioLoopViaLoadProg(t *testing.T) {
	const (
		loopEntryPC = 5
		haltPC      = 10
	)
	program := []uint32{
		Encode(Instruction{Op: OpImm, A: 1, Imm: 3}),           // pc0: i = 3
		Encode(Instruction{Op: OpImm, A: 2, Imm: '.'}),         // pc1: dot = '.'
		Encode(Instruction{Op: OpNand, A: 3, B: 0, C: 0}),      // pc2: r3 = -1
		Encode(Instruction{Op: OpImm, A: 5, Imm: loopEntryPC}), // pc3: r5 = loop entry
		Encode(Instruction{Op: OpImm, A: 6, Imm: haltPC}),      // pc4: r6 = halt pc
		Encode(Instruction{Op: OpOut, C: 2}),                   // pc5 (loop entry): out '.'
		Encode(Instruction{Op: OpAdd, A: 1, B: 1, C: 3}),       // pc6: i += -1
		Encode(Instruction{Op: OpAdd, A: 7, B: 6, C: 0}),       // pc7: r7 = halt pc (copy)
		Encode(Instruction{Op: OpCmove, A: 7, B: 5, C: 1}),     // pc8: if i != 0, r7 = loop entry
		Encode(Instruction{Op: OpLoadProg, B: 0, C: 7}),        // pc9: jump to r7 (near)
		Encode(Instruction{Op: OpHalt}), // pc10 (halt pc)
	}
	io, out := newIO("")
	m := NewMachine(program)
	require.NoError(t, Run(m, io))
	require.Equal(t, "...", out.String())
}
