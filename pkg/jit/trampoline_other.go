//go:build !amd64

package jit

import "github.com/bassosimone/umachine/pkg/vm"

// Run never executes on a non-amd64 build: compiler_other.go's Compiler
// never produces a Trace with a valid entry point, so the driver never
// has one to call.
func (t *Trace) Run(m *vm.Machine) TraceResult {
	panic("jit: Trace.Run is unreachable without a native compiler")
}
