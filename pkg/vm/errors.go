package vm

import "errors"

// The following errors may be returned by Step or by a JIT-driven run
// loop. They correspond to the five error kinds of spec.md §7:
// ErrLoadFailure belongs to package codex; the other four are raised
// while running and are always fatal — the driver prints the failing PC
// and instruction word and exits non-zero.
var (
	// ErrInvalidInstruction indicates an operator number outside 0-13.
	ErrInvalidInstruction = errors.New("vm: invalid instruction")

	// ErrDivisionByZero indicates a div instruction with a zero divisor.
	ErrDivisionByZero = errors.New("vm: division by zero")

	// ErrHeapMisuse indicates an out-of-range or already-free array id,
	// or an attempt to free array 0.
	ErrHeapMisuse = errors.New("vm: heap misuse")

	// ErrIOError indicates a failure reading stdin or writing stdout.
	ErrIOError = errors.New("vm: io error")
)
