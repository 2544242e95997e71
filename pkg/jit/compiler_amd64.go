//go:build amd64

package jit

import (
	"fmt"
	"unsafe"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/sys/unix"

	"github.com/bassosimone/umachine/pkg/vm"
)

// amd64Compiler is the only Compiler implementation this package ships.
// It compiles a RecordedTrace into a position-independent blob of amd64
// machine code using github.com/twitchyliquid64/golang-asm, the same
// library _examples/other_examples/dae1d11e_tetratelabs-wazero__wasm-jit-jit_amd64.go.go
// uses to JIT-compile WebAssembly to amd64.
type amd64Compiler struct{}

// NewCompiler returns the amd64 code generator.
func NewCompiler() Compiler { return amd64Compiler{} }

// Register assignment. Every UM register is pinned to one fixed host
// register for the trace's entire lifetime — spec.md §9 explicitly
// rules out a cross-trace register allocator, and a per-trace fixed
// mapping needs none at all. R12/R13/R14 and BP carry the four pointers
// the trampoline hands in; AX/DX/R15 are scratch, used only transiently
// within a single instruction's codegen and never live across an
// instruction boundary.
var umReg = [vm.NumRegisters]int16{
	x86.REG_BX, x86.REG_CX, x86.REG_SI, x86.REG_DI,
	x86.REG_R8, x86.REG_R9, x86.REG_R10, x86.REG_R11,
}

const (
	basesTableReg   = x86.REG_R12 // heap base-pointer table (bases[0])
	regsPtrReg      = x86.REG_R13 // &Machine.Regs[0], for the epilogue store-back
	resultPtrReg    = x86.REG_R14 // &TraceResult{}, for the epilogue
	lengthsTableReg = x86.REG_BP  // heap length table (lengths[0]), for aload/astore bounds guards
	scratchPtrReg   = x86.REG_R15 // transient: array data pointers
	exitKindReg     = x86.REG_AX  // transient: pending TraceResult.Kind
	exitIDReg       = x86.REG_DX  // transient: pending TraceResult.ID
	exitPCReg       = x86.REG_R15 // transient: pending TraceResult.PC (reuses scratchPtrReg; never live at once)
)

// Compile lowers a recorded trace into an installed, callable Trace.
// Traces shorter than MinTraceInstructions are rejected — they are not
// worth the compile cost, per spec.md §4.6.
func (amd64Compiler) Compile(rt *RecordedTrace) (*Trace, error) {
	if len(rt.Instrs) < MinTraceInstructions {
		return nil, fmt.Errorf("jit: trace at pc %d too short to compile (%d instructions)", rt.EntryPC, len(rt.Instrs))
	}

	b, err := asm.NewBuilder("amd64", len(rt.Instrs)*8)
	if err != nil {
		return nil, fmt.Errorf("jit: failed to create assembler: %w", err)
	}
	c := &codegen{b: b}
	c.emitPrologue()

	// The loop-top label: a backward loadprog guard jumps here, never
	// reloading registers, since they are already live in the host
	// registers the prologue set up.
	top := c.nop()

	for i, ri := range rt.Instrs {
		isLast := i == len(rt.Instrs)-1
		c.emit(ri, rt, isLast, top)
	}

	// If recording stopped without the last instruction itself being a
	// trace-terminal exit (i.e. MAX_TRACE_INSTRUCTIONS was hit, or the
	// very next instruction is a side-exit op or an invalid opcode, or
	// the next PC was already recorded in this trace or already has an
	// installed trace), fall through to a terminal Ok exit at the next PC.
	last := rt.Instrs[len(rt.Instrs)-1]
	if !terminatesTrace(last.inst) {
		c.exitOkConst(last.pc + 1)
	}

	c.emitEpilogue()

	code, err := b.Assemble()
	if err != nil {
		return nil, fmt.Errorf("jit: assemble failed: %w", err)
	}
	mem, err := mmapExecutable(code)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap failed: %w", err)
	}
	return &Trace{EntryPC: rt.EntryPC, code: mem, entry: entryAddr(mem)}, nil
}

func terminatesTrace(inst vm.Instruction) bool {
	switch inst.Op {
	case vm.OpHalt, vm.OpLoadProg:
		return true
	default:
		return false
	}
}

// codegen accumulates obj.Prog nodes for one trace. It is a thin wrapper
// around asm.Builder, mirroring amd64Builder in the wazero grounding
// file (newProg/addInstruction plus a handful of per-opcode helpers).
type codegen struct {
	b            *asm.Builder
	pendingExits []*obj.Prog
}

// emitPrologue loads every UM register out of Machine.Regs (addressed
// through regsPtrReg, set up by the trampoline before it calls into this
// trace) into its pinned host register. Array base-pointer table and
// result-record addressing need no prologue work: the trampoline already
// leaves them in basesTableReg/resultPtrReg.
func (c *codegen) emitPrologue() {
	for i, reg := range umReg {
		p := c.newProg()
		p.As = x86.AMOVL
		p.From.Type = obj.TYPE_MEM
		p.From.Reg = regsPtrReg
		p.From.Offset = int64(i * 4)
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
		c.add(p)
	}
}

func (c *codegen) newProg() *obj.Prog { return c.b.NewProg() }

func (c *codegen) add(p *obj.Prog) { c.b.AddInstruction(p) }

func (c *codegen) nop() *obj.Prog {
	p := c.newProg()
	p.As = obj.ANOP
	c.add(p)
	return p
}

// regReg builds (but does not yet add) a register-to-register
// instruction. The caller adds it with c.add once fully described.
func (c *codegen) regReg(as obj.As, from, to int16) *obj.Prog {
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = from
	p.To.Type = obj.TYPE_REG
	p.To.Reg = to
	return p
}

func (c *codegen) movReg(from, to int16) {
	c.add(c.regReg(x86.AMOVL, from, to))
}

func (c *codegen) movConst(val uint32, to int16) {
	p := c.newProg()
	p.As = x86.AMOVL
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(val)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = to
	c.add(p)
}

func (c *codegen) cmpConst(reg int16, val uint32) {
	p := c.newProg()
	p.As = x86.ACMPL
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = int64(val)
	c.add(p)
}

// jccTo emits a conditional branch to an already-existing target, used
// for the one backward branch this package ever generates (the
// loadprog loop-guard jumping back to the trace's own entry point).
func (c *codegen) jccTo(as obj.As, target *obj.Prog) *obj.Prog {
	p := c.newProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	c.add(p)
	p.To.SetTarget(target)
	return p
}

// jccBranch emits a conditional branch whose target is not yet known;
// the caller must resolve it with branch.To.SetTarget(label) once the
// label is emitted, the same forward-reference pattern
// _examples/other_examples/dae1d11e_tetratelabs-wazero__wasm-jit-jit_amd64.go.go's
// handleBrIf/handleLabel use.
func (c *codegen) jccBranch(as obj.As) *obj.Prog {
	p := c.newProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	c.add(p)
	return p
}

// emit lowers one recorded instruction. ri.pc is this instruction's own
// PC, used for every possible exit the instruction can take.
func (c *codegen) emit(ri recordedInstr, rt *RecordedTrace, isLast bool, top *obj.Prog) {
	inst := ri.inst
	switch inst.Op {
	case vm.OpCmove:
		c.cmpConst(umReg[inst.C], 0)
		skip := c.jccBranch(x86.AJEQ)
		c.movReg(umReg[inst.B], umReg[inst.A])
		skip.To.SetTarget(c.nop())

	case vm.OpALoad:
		c.boundsGuard(umReg[inst.B], umReg[inst.C], ri.pc)
		// scratchPtrReg = bases[regB] (8-byte pointer entries)
		p := c.newProg()
		p.As = x86.AMOVQ
		p.From.Type = obj.TYPE_MEM
		p.From.Reg = basesTableReg
		p.From.Index = umReg[inst.B]
		p.From.Scale = 8
		p.To.Type = obj.TYPE_REG
		p.To.Reg = scratchPtrReg
		c.add(p)
		// regA = *(scratchPtrReg + regC*4)
		p2 := c.newProg()
		p2.As = x86.AMOVL
		p2.From.Type = obj.TYPE_MEM
		p2.From.Reg = scratchPtrReg
		p2.From.Index = umReg[inst.C]
		p2.From.Scale = 4
		p2.To.Type = obj.TYPE_REG
		p2.To.Reg = umReg[inst.A]
		c.add(p2)

	case vm.OpAStore:
		c.boundsGuard(umReg[inst.A], umReg[inst.B], ri.pc)
		p := c.newProg()
		p.As = x86.AMOVQ
		p.From.Type = obj.TYPE_MEM
		p.From.Reg = basesTableReg
		p.From.Index = umReg[inst.A]
		p.From.Scale = 8
		p.To.Type = obj.TYPE_REG
		p.To.Reg = scratchPtrReg
		c.add(p)
		p2 := c.newProg()
		p2.As = x86.AMOVL
		p2.From.Type = obj.TYPE_REG
		p2.From.Reg = umReg[inst.C]
		p2.To.Type = obj.TYPE_MEM
		p2.To.Reg = scratchPtrReg
		p2.To.Index = umReg[inst.B]
		p2.To.Scale = 4
		c.add(p2)

	case vm.OpAdd:
		c.binop(x86.AADDL, inst)
	case vm.OpMul:
		c.binop(x86.AIMULL, inst)
	case vm.OpNand:
		c.movReg(umReg[inst.B], umReg[inst.A])
		andp := c.regReg(x86.AANDL, umReg[inst.C], umReg[inst.A])
		c.add(andp)
		notp := c.newProg()
		notp.As = x86.ANOTL
		notp.To.Type = obj.TYPE_REG
		notp.To.Reg = umReg[inst.A]
		c.add(notp)

	case vm.OpDiv:
		c.divZeroGuard(umReg[inst.C], ri.pc)
		c.movReg(umReg[inst.B], x86.REG_AX)
		xor := c.regReg(x86.AXORL, x86.REG_DX, x86.REG_DX)
		c.add(xor)
		div := c.newProg()
		div.As = x86.ADIVL
		div.From.Type = obj.TYPE_REG
		div.From.Reg = umReg[inst.C]
		c.add(div)
		c.movReg(x86.REG_AX, umReg[inst.A])

	case vm.OpImm:
		c.movConst(inst.Imm, umReg[inst.A])

	case vm.OpHalt:
		c.movConst(uint32(ExitHalt), exitKindReg)
		c.jmpEpilogue()

	case vm.OpLoadProg:
		c.emitLoadProg(ri, rt, isLast, top)

	default:
		// alloc/free/out/in/invalid: the recorder never lets one of
		// these land inside a compiled trace (see recorder.go); this
		// branch only exists so Compile never silently drops a case if
		// that invariant is ever broken.
		panic(fmt.Sprintf("jit: opcode %d must never be compiled into a trace", inst.Op))
	}
}

func (c *codegen) binop(as obj.As, inst vm.Instruction) {
	c.movReg(umReg[inst.B], umReg[inst.A])
	p := c.regReg(as, umReg[inst.C], umReg[inst.A])
	c.add(p)
}

// emitLoadProg lowers operator 12, the Universal Machine's only branch.
// A far jump (id != 0) always exits immediately: self-modification can
// never stay inside compiled code. A near jump (id == 0) falls into one
// of three shapes, per spec.md §4.5 and §9's "guard design for near
// loadprog":
//
//   - the recording closed a loop back to the trace's own entry: a
//     native guarded backward branch, the one case where a compiled
//     trace contains a real control-flow loop;
//   - the recording continued past this jump into more compiled
//     instructions (this is not the trace's last recorded instruction):
//     a guard comparing the live register against the pc recording
//     actually observed here, falling through to the next compiled
//     instruction on a match and side-exiting with the true runtime
//     target on a miss — exactly the "turn a data-dependent branch into
//     a constant compare" guard spec.md §9 calls for, which lets a
//     trace follow an if/else or a loop whose back-edge lands somewhere
//     other than its own top, not only a tight self-loop;
//   - otherwise (this is the last recorded instruction and it is not a
//     loop close): a plain trace-terminal exit at the runtime target —
//     nothing downstream assumes a particular value, so no guard is
//     needed.
func (c *codegen) emitLoadProg(ri recordedInstr, rt *RecordedTrace, isLast bool, top *obj.Prog) {
	inst := ri.inst

	// far exit is unconditional regardless of position: self-modifying
	// loadprog always ends a trace immediately.
	c.cmpConst(umReg[inst.B], 0)
	notFar := c.jccBranch(x86.AJEQ)
	c.movReg(umReg[inst.B], exitIDReg)
	c.movConst(uint32(ExitJump), exitKindReg)
	c.movReg(umReg[inst.C], exitPCReg)
	c.jmpEpilogue()
	notFar.To.SetTarget(c.nop())

	if isLast && rt.LoopsToEntry {
		c.cmpConst(umReg[inst.C], rt.EntryPC)
		c.jccTo(x86.AJEQ, top)
		// guard miss: fall through to a runtime-valued exit.
		c.movReg(umReg[inst.C], exitPCReg)
		c.movConst(uint32(ExitOk), exitKindReg)
		c.jmpEpilogue()
		return
	}

	if !isLast {
		// Mid-trace near jump: guard against the pc recording actually
		// took here and fall through into the next compiled instruction
		// on a match; a miss exits with the real runtime target instead
		// of trusting the guess the rest of the trace was built on.
		c.cmpConst(umReg[inst.C], ri.expectedPC)
		match := c.jccBranch(x86.AJEQ)
		c.movReg(umReg[inst.C], exitPCReg)
		c.movConst(uint32(ExitOk), exitKindReg)
		c.jmpEpilogue()
		match.To.SetTarget(c.nop())
		return
	}

	// Ordinary near jump ending the trace: exit at the runtime target.
	c.movReg(umReg[inst.C], exitPCReg)
	c.movConst(uint32(ExitOk), exitKindReg)
	c.jmpEpilogue()
}

// boundsGuard exits the trace with ExitOk{pc} when offReg is not
// strictly less than the live length of array idReg, so the
// interpreter re-executes the instruction and raises ErrHeapMisuse
// itself. A compiled trace must never index an array past its end
// directly — spec.md §7 requires generated traces never raise, and an
// out-of-range native load or store would fault the whole process
// rather than the one UM program.
func (c *codegen) boundsGuard(idReg, offReg int16, pc uint32) {
	lenHolder := int16(x86.REG_R15)
	p := c.newProg()
	p.As = x86.AMOVL
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = lengthsTableReg
	p.From.Index = idReg
	p.From.Scale = 4
	p.To.Type = obj.TYPE_REG
	p.To.Reg = lenHolder
	c.add(p)
	cmp := c.regReg(x86.ACMPL, offReg, lenHolder)
	c.add(cmp)
	inBounds := c.jccBranch(x86.AJCS) // unsigned offReg < lenHolder
	c.exitOkConst(pc)
	inBounds.To.SetTarget(c.nop())
}

// divZeroGuard exits the trace with ExitOk{pc} (letting the plain
// interpreter re-execute and raise ErrDivisionByZero) when divisorReg is
// zero; generated traces never raise directly, per spec.md §7.
func (c *codegen) divZeroGuard(divisorReg int16, pc uint32) {
	c.cmpConst(divisorReg, 0)
	notZero := c.jccBranch(x86.AJNE)
	c.exitOkConst(pc)
	notZero.To.SetTarget(c.nop())
}

func (c *codegen) exitOkConst(pc uint32) {
	c.movConst(uint32(ExitOk), exitKindReg)
	c.movConst(pc, exitPCReg)
	c.jmpEpilogue()
}

func (c *codegen) jmpEpilogue() {
	p := c.newProg()
	p.As = obj.AJMP
	p.To.Type = obj.TYPE_BRANCH
	c.add(p)
	c.pendingExits = append(c.pendingExits, p)
}

// emitEpilogue stores every UM register back to Machine.Regs and writes
// the pending TraceResult, then returns to the trampoline. Every exit
// point in the trace jumps here; it is the single store-back point
// spec.md §4.5 calls for.
func (c *codegen) emitEpilogue() {
	label := c.nop()
	for _, p := range c.pendingExits {
		p.To.SetTarget(label)
	}
	for i, reg := range umReg {
		p := c.newProg()
		p.As = x86.AMOVL
		p.From.Type = obj.TYPE_REG
		p.From.Reg = reg
		p.To.Type = obj.TYPE_MEM
		p.To.Reg = regsPtrReg
		p.To.Offset = int64(i * 4)
		c.add(p)
	}
	storeResult := func(reg int16, offset int64) {
		p := c.newProg()
		p.As = x86.AMOVL
		p.From.Type = obj.TYPE_REG
		p.From.Reg = reg
		p.To.Type = obj.TYPE_MEM
		p.To.Reg = resultPtrReg
		p.To.Offset = offset
		c.add(p)
	}
	storeResult(exitKindReg, 0)
	storeResult(exitIDReg, 4)
	storeResult(exitPCReg, 8)
	ret := c.newProg()
	ret.As = obj.ARET
	c.add(ret)
}

// mmapExecutable copies code into a fresh anonymous mapping and flips it
// from writable to executable (W^X), the standard pattern for
// hand-generated native code in a Go process. Grounded on
// golang.org/x/sys/unix's presence across the retrieved corpus (an
// indirect dependency of _examples/IntuitionAmiga-IntuitionEngine and of
// the gocpu manifest under _examples/other_examples) — the ecosystem's
// usual mmap/mprotect surface, used here instead of hand-rolling a
// raw-syscall wrapper.
func mmapExecutable(code []byte) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return mem, nil
}

// entryAddr returns the address of the first byte of an executable
// mapping, i.e. the trace's callable entry point.
func entryAddr(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}
