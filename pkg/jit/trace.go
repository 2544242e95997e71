// Package jit implements the Universal Machine's trace-based JIT: hot-PC
// detection, linear trace recording that mirrors package vm's
// interpreter instruction-by-instruction, compilation of a recorded
// trace into native amd64 machine code, and a driver that dispatches
// between the plain interpreter and installed compiled traces.
//
// Grounded primarily on _examples/original_source/rust/src/jit.rs (the
// original Cranelift-backed JIT this package replaces with
// github.com/twitchyliquid64/golang-asm) and on the real Go JIT shown in
// _examples/other_examples/dae1d11e_tetratelabs-wazero__wasm-jit-jit_amd64.go.go
// (builder/obj.Prog usage, and the trampoline-call shape this package's
// own runTrace follows).
package jit

import "github.com/bassosimone/umachine/pkg/vm"

// MaxTraceInstructions bounds how many UM instructions a single trace
// records before it is forced to stop, per spec.md §4.6.
const MaxTraceInstructions = 1000

// MinTraceInstructions is the smallest trace this package will install;
// anything shorter is discarded as not worth compiling, per spec.md
// §4.6.
const MinTraceInstructions = 4

// HotThreshold is the hit count at which a PC becomes a trace-recording
// candidate, per spec.md §4.7.
const HotThreshold = 100

// ExitKind distinguishes the three ways a compiled trace can return
// control to the driver, mirroring JitFuncResult in
// _examples/original_source/rust/src/jit.rs (its Complete and Miss
// variants are unified here into Ok, since both mean "resume
// interpreting, or look for a trace, starting at PC").
type ExitKind uint32

const (
	// ExitHalt means the trace executed a halt instruction.
	ExitHalt ExitKind = iota
	// ExitJump means the trace executed a loadprog with a nonzero id;
	// the driver must CloneIntoZero(ID), invalidate every installed
	// trace and hit counter, and resume at PC.
	ExitJump
	// ExitOk means the trace ran off its recorded end, hit a loadprog
	// guard miss, failed an aload/astore bounds guard or a div
	// zero-divisor guard (PC is then that instruction's own pc), or
	// reached an instruction this package never compiles (alloc, free,
	// out, in); the driver resumes plain interpretation
	// at PC and, from there, its normal compiled-trace lookup.
	ExitOk
)

// TraceResult is the fixed-layout record a compiled trace writes before
// returning to runTrace. Field order and width (all uint32) matter: the
// code generator computes store offsets against this exact layout.
type TraceResult struct {
	Kind ExitKind
	ID   uint32
	PC   uint32
}

// Trace is an installed compiled trace, keyed by the driver under its
// entry PC.
type Trace struct {
	EntryPC uint32
	code    []byte // executable memory; see compiler_amd64.go
	entry   uintptr
}

// Compiler turns a recorded trace into an installed Trace. The amd64
// implementation lives in compiler_amd64.go; compiler_other.go provides
// a build-tag-gated stub for every other architecture so the engine
// degrades to pure interpretation instead of failing to build.
type Compiler interface {
	Compile(rt *RecordedTrace) (*Trace, error)
}

// recordedInstr is one UM instruction captured during trace recording,
// annotated with the PC it was fetched from (code generation needs the
// PC for the guard exits of aload/astore/div and for the terminal exit
// at the PC after the last instruction).
// expectedPC is only meaningful when inst is a near loadprog (id == 0):
// it is the target PC recording actually observed at this instruction,
// the constant the compiled guard compares against per spec.md §4.5 and
// §9 ("guard design for near loadprog").
type recordedInstr struct {
	pc         uint32
	inst       vm.Instruction
	expectedPC uint32
}

// RecordedTrace is the output of Recorder.Record: a linear sequence of
// instructions starting at EntryPC, annotated with how recording ended.
type RecordedTrace struct {
	EntryPC uint32
	Instrs  []recordedInstr
	// LoopsToEntry is true when the trace ends with a near loadprog
	// (id == 0) whose target equals EntryPC — the hot loop case (S3).
	// The code generator emits a native backward jump instead of an
	// ExitOk for this case.
	LoopsToEntry bool
}
