package jit

import "github.com/bassosimone/umachine/pkg/vm"

// Recorder captures a linear trace starting at startPC. Recording is not
// a dry run: it performs the instructions for real against m (exactly
// as _examples/original_source/rust/src/jit.rs's tracing_run does
// against the live Memory), so the first hot pass through a loop is
// also the pass that produces the trace to install for every later
// pass.
type Recorder struct{}

// Record runs m starting at startPC, recording instructions into a
// RecordedTrace until one of the five stop conditions in spec.md §4.6
// is reached, or until recording hits an alloc/free/out/in instruction
// (the side-exit deviation documented in DESIGN.md: such opcodes are
// never compiled into a trace). cached is the driver's currently
// installed trace table, consulted read-only so recording can hand off
// to an already-compiled entry point instead of re-recording it. Record
// returns the RecordedTrace and leaves m positioned exactly where the
// plain interpreter would be after executing the same instructions, so
// the driver can always fall back to vm.Step without any special-casing.
func (Recorder) Record(m *vm.Machine, io vm.IO, startPC uint32, cached map[uint32]*Trace) (*RecordedTrace, error) {
	rt := &RecordedTrace{EntryPC: startPC}
	seen := map[uint32]bool{}
	for len(rt.Instrs) < MaxTraceInstructions {
		if len(rt.Instrs) > 0 && cached[m.PC] != nil {
			// PC already has an installed trace: stop here rather than
			// recording a redundant copy of it, per spec.md §4.6's fourth
			// stop condition. The driver's own lookup will dispatch to
			// that trace the next time this trace exits here.
			return rt, nil
		}

		word, err := m.Fetch()
		if err != nil {
			return rt, err
		}
		inst := vm.Decode(word)

		if isSideExitOp(inst.Op) {
			// Stop before executing: this PC is never compiled, the
			// driver always executes it through vm.Step.
			return rt, nil
		}
		if inst.Op >= 14 {
			// Invalid opcode: stop recording, let the interpreter raise
			// the real error on the next dispatch.
			return rt, nil
		}
		if seen[m.PC] {
			// Merge with an already-recorded PC inside this same trace:
			// stop rather than recording an unbounded unrolled loop.
			return rt, nil
		}
		seen[m.PC] = true

		pc := m.PC
		res, err := vm.Step(inst, m, io)
		if err != nil {
			return rt, err
		}
		ri := recordedInstr{pc: pc, inst: inst}
		if res.Kind == vm.Jump && res.JumpID == 0 {
			ri.expectedPC = res.JumpPC
		}
		rt.Instrs = append(rt.Instrs, ri)

		switch res.Kind {
		case vm.Halt:
			return rt, nil
		case vm.Jump:
			if res.JumpID != 0 {
				if err := m.Heap.CloneIntoZero(res.JumpID); err != nil {
					return rt, err
				}
				m.PC = res.JumpPC
				return rt, nil // far exit: self-modification always ends a trace
			}
			m.PC = res.JumpPC
			if res.JumpPC == startPC {
				rt.LoopsToEntry = true
				return rt, nil
			}
			// Near jump elsewhere: per spec.md §4.5/§9, this does not end
			// the trace by itself — recording continues from the new pc,
			// and the code generator threads ri.expectedPC into a guard
			// that falls through on a match and side-exits on a miss. The
			// loop's own stop conditions (side-exit op, invalid opcode,
			// an already-recorded pc, an already-cached entry, or the
			// instruction budget) are what actually end the trace.
		default:
			m.PC++
		}
	}
	return rt, nil
}

func isSideExitOp(op uint32) bool {
	switch op {
	case vm.OpAlloc, vm.OpFree, vm.OpOut, vm.OpIn:
		return true
	default:
		return false
	}
}
