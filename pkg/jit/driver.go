package jit

import (
	"github.com/sirupsen/logrus"

	"github.com/bassosimone/umachine/pkg/vm"
)

// Driver dispatches between installed compiled traces and the plain
// interpreter, recording and compiling a new trace once a backward
// jump's target has been hit HotThreshold times. It mirrors the
// run loop of _examples/original_source/rust/src/jit.rs's top-level
// run function.
type Driver struct {
	compiled map[uint32]*Trace
	hits     map[uint32]uint32
	compiler Compiler
	recorder Recorder
	log      *logrus.Entry
}

// NewDriver constructs a driver using the architecture's native
// compiler (or the always-declining stub on non-amd64 builds).
func NewDriver(log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		compiled: make(map[uint32]*Trace),
		hits:     make(map[uint32]uint32),
		compiler: NewCompiler(),
		log:      log,
	}
}

// Run drives m to completion (halt or error), using compiled traces
// wherever one is installed for the current PC and the plain
// interpreter everywhere else.
func (d *Driver) Run(m *vm.Machine, io vm.IO) error {
	for {
		pc := m.PC
		if tr, ok := d.compiled[pc]; ok {
			res := tr.Run(m)
			switch res.Kind {
			case ExitHalt:
				return nil
			case ExitJump:
				if err := d.handleInvalidatingJump(m, res.ID); err != nil {
					return err
				}
				m.PC = res.PC
			default: // ExitOk
				m.PC = res.PC
			}
			continue
		}

		word, err := m.Fetch()
		if err != nil {
			return err
		}
		inst := vm.Decode(word)
		atPC := m.PC
		result, err := vm.Step(inst, m, io)
		if err != nil {
			return err
		}
		switch result.Kind {
		case vm.Halt:
			return nil
		case vm.Jump:
			if err := d.handleInvalidatingJump(m, result.JumpID); err != nil {
				return err
			}
			m.PC = result.JumpPC
			// Backward or far jump targets are the hot-spot candidates
			// per spec.md §4.7 step 3: a far jump (self-modifying
			// loadprog) always counts, regardless of where its target
			// lands relative to atPC; a near jump only counts when it
			// actually jumps backward.
			if result.JumpID != 0 || result.JumpPC <= atPC {
				d.countHit(m, io, result.JumpPC)
			}
		default:
			m.PC++
		}
	}
}

// handleInvalidatingJump performs the heap side of a loadprog: cloning
// id into array 0 when id != 0, and — because that rewrites the very
// code every installed trace and hit count was compiled/counted
// against — wiping both caches unconditionally whenever id != 0. This
// is the total-invalidation policy spec.md §4.7/§9 calls for: programs
// invoking a nonzero loadprog are rare enough that clearing everything
// is simpler and cheap, compared to tracking which traces a given
// rewrite could have touched.
func (d *Driver) handleInvalidatingJump(m *vm.Machine, id uint32) error {
	if id == 0 {
		return nil
	}
	if err := m.Heap.CloneIntoZero(id); err != nil {
		return err
	}
	d.log.WithField("array", id).Debug("jit: self-modifying loadprog, invalidating all traces")
	d.compiled = make(map[uint32]*Trace)
	d.hits = make(map[uint32]uint32)
	return nil
}

// countHit records a backward or far jump landing at pc and, once it has
// been seen HotThreshold times, attempts to record and compile a trace
// starting there.
func (d *Driver) countHit(m *vm.Machine, io vm.IO, pc uint32) {
	d.hits[pc]++
	if d.hits[pc] < HotThreshold {
		return
	}
	rt, err := d.recorder.Record(m, io, pc, d.compiled)
	if err != nil {
		// The instruction that failed will fail again, identically,
		// the next time the plain interpreter reaches it — Record
		// never commits a partially-executed instruction, so nothing
		// needs to be undone here.
		return
	}
	if n := len(rt.Instrs); n > 0 {
		last := rt.Instrs[n-1].inst
		if last.Op == vm.OpLoadProg && m.Regs[last.B] != 0 {
			// Recording ended on a self-modifying loadprog and has
			// already cloned the new program into array 0: the trace
			// describes the old code, and every cache is now stale.
			d.log.WithField("array", m.Regs[last.B]).Debug("jit: self-modifying loadprog while recording, invalidating all traces")
			d.compiled = make(map[uint32]*Trace)
			d.hits = make(map[uint32]uint32)
			return
		}
	}
	trace, err := d.compiler.Compile(rt)
	if err != nil {
		d.log.WithField("pc", pc).WithError(err).Debug("jit: trace not installed")
		return
	}
	d.log.WithFields(logrus.Fields{"pc": pc, "instructions": len(rt.Instrs)}).Debug("jit: trace installed")
	d.compiled[trace.EntryPC] = trace
}
