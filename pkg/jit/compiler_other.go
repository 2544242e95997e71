//go:build !amd64

package jit

import "fmt"

// amd64Compiler is unavailable outside amd64; NewCompiler on any other
// architecture returns a Compiler that always declines, so the driver
// falls back to pure interpretation instead of failing to build or run.
type noCompiler struct{}

// NewCompiler returns a Compiler that always fails to compile, the
// graceful non-amd64 fallback
// _examples/other_examples/dae1d11e_tetratelabs-wazero__wasm-jit-jit_amd64.go.go's
// own build-tag split models (its JIT is amd64-only too).
func NewCompiler() Compiler { return noCompiler{} }

func (noCompiler) Compile(rt *RecordedTrace) (*Trace, error) {
	return nil, fmt.Errorf("jit: native compilation is not available on this architecture")
}
