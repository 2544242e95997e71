package jit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bassosimone/umachine/pkg/vm"
)

// S1 — immediate + output, driven through the JIT driver instead of the
// plain interpreter.
func TestDriverRunImmediateAndOutput(t *testing.T) {
	io, out := newTestIO("")
	m := vm.NewMachine([]uint32{0xD2000041, 0xA0000001, 0x70000000})
	require.NoError(t, NewDriver(nil).Run(m, io))
	require.Equal(t, "A", out.String())
}

// dotLoopProgram builds i = n; while i { i--; <filler>; out '.'; jump };
// halt, the same structure as vm's TestScenarioLoopViaLoadProg but with an
// extra filler instruction so the loop body's pre-"out" segment is long
// enough (MinTraceInstructions) to be worth compiling once its entry pc
// goes hot, and with the loop entry landing on the decrement rather than
// on the out instruction itself (the side-exit op), so the recorded
// trace is non-empty.
func dotLoopProgram(n uint32) []uint32 {
	const (
		loopEntryPC = 5
		haltPC      = 11
	)
	return []uint32{
		vm.Encode(vm.Instruction{Op: vm.OpImm, A: 1, Imm: n}),           // pc0: i = n
		vm.Encode(vm.Instruction{Op: vm.OpImm, A: 2, Imm: '.'}),         // pc1: dot
		vm.Encode(vm.Instruction{Op: vm.OpNand, A: 3, B: 0, C: 0}),      // pc2: r3 = -1
		vm.Encode(vm.Instruction{Op: vm.OpImm, A: 5, Imm: loopEntryPC}), // pc3
		vm.Encode(vm.Instruction{Op: vm.OpImm, A: 6, Imm: haltPC}),      // pc4
		vm.Encode(vm.Instruction{Op: vm.OpAdd, A: 1, B: 1, C: 3}),       // pc5 (loop entry): i += -1
		vm.Encode(vm.Instruction{Op: vm.OpAdd, A: 7, B: 6, C: 0}),       // pc6: r7 = halt pc
		vm.Encode(vm.Instruction{Op: vm.OpCmove, A: 7, B: 5, C: 1}),     // pc7: if i != 0, r7 = loop entry
		vm.Encode(vm.Instruction{Op: vm.OpAdd, A: 0, B: 0, C: 0}),       // pc8: filler, r0 stays 0
		vm.Encode(vm.Instruction{Op: vm.OpOut, C: 2}),                  // pc9: out '.'
		vm.Encode(vm.Instruction{Op: vm.OpLoadProg, B: 0, C: 7}),        // pc10: jump to r7
		vm.Encode(vm.Instruction{Op: vm.OpHalt}),                       // pc11 (halt pc)
	}
}

func TestDriverRunDotLoopBelowHotThreshold(t *testing.T) {
	io, out := newTestIO("")
	m := vm.NewMachine(dotLoopProgram(3))
	require.NoError(t, NewDriver(nil).Run(m, io))
	require.Equal(t, "...", out.String())
}

// S3 — the loop runs past HotThreshold, exercising hit counting and a
// trace install attempt (which installs a real native trace on amd64 and
// harmlessly declines everywhere else); output must be identical either
// way.
func TestDriverRunDotLoopAboveHotThreshold(t *testing.T) {
	const n = 250
	io, out := newTestIO("")
	m := vm.NewMachine(dotLoopProgram(n))
	require.NoError(t, NewDriver(nil).Run(m, io))
	require.Equal(t, strings.Repeat(".", n), out.String())
}

// S4 — self-rewrite: loadprog with a nonzero id must clear every
// installed trace and hit counter, regardless of what was cached. The
// only hit left afterwards is the one the far jump itself records at its
// target (pc 0) once the caches have been wiped.
func TestDriverInvalidatesCachesOnSelfModification(t *testing.T) {
	io, _ := newTestIO("")
	newProgram := []uint32{vm.Encode(vm.Instruction{Op: vm.OpHalt})}
	m := vm.NewMachine([]uint32{
		vm.Encode(vm.Instruction{Op: vm.OpLoadProg, B: 1, C: 2}),
	})
	id := m.Heap.Insert(newProgram)
	m.Regs[1] = id
	m.Regs[2] = 0

	d := NewDriver(nil)
	d.compiled[7] = &Trace{EntryPC: 7}
	d.hits[7] = 42

	require.NoError(t, d.Run(m, io))
	require.Empty(t, d.compiled)
	require.Equal(t, map[uint32]uint32{0: 1}, d.hits)
}

// A far jump (self-modifying loadprog) must bump the hit counter at
// its target even when that target lands after the jumping instruction's
// own pc, per spec.md §4.7 step 3 ("backward or far jump targets are the
// hot-spot candidates"): unlike a near jump, a far jump counts
// unconditionally, not only when its target happens to be numerically
// behind atPC.
func TestDriverCountsHitForForwardFarJump(t *testing.T) {
	io, _ := newTestIO("")
	const targetPC = 2
	newProgram := []uint32{
		vm.Encode(vm.Instruction{Op: vm.OpImm, A: 0, Imm: 0}),
		vm.Encode(vm.Instruction{Op: vm.OpImm, A: 0, Imm: 0}),
		vm.Encode(vm.Instruction{Op: vm.OpHalt}), // targetPC
	}
	m := vm.NewMachine([]uint32{
		vm.Encode(vm.Instruction{Op: vm.OpLoadProg, B: 1, C: 2}), // pc0, atPC == 0
	})
	id := m.Heap.Insert(newProgram)
	m.Regs[1] = id
	m.Regs[2] = targetPC // targetPC (2) > atPC (0): a forward far jump

	d := NewDriver(nil)
	require.NoError(t, d.Run(m, io))
	require.Equal(t, uint32(1), d.hits[targetPC], "far jump target must count even though it lands after the jumping instruction's own pc")
}

// S6 — EOF on input, driven through the JIT driver.
func TestDriverRunEOFOnInput(t *testing.T) {
	io, _ := newTestIO("")
	m := vm.NewMachine([]uint32{
		vm.Encode(vm.Instruction{Op: vm.OpIn, C: 0}),
		vm.Encode(vm.Instruction{Op: vm.OpHalt}),
	})
	require.NoError(t, NewDriver(nil).Run(m, io))
	require.Equal(t, uint32(0xFFFFFFFF), m.Regs[0])
}
