// Package codex reads the Universal Machine's "codex" file format: raw
// big-endian 32-bit words with no header, loaded directly into array 0.
//
// This takes over the role _examples/bassosimone-risc32/pkg/asm filled
// for the teacher's text-based assembly format. The Universal Machine
// has no textual assembly language — a codex is already machine code —
// so there is no lexer/parser/label-resolution pass to adapt; what is
// kept from pkg/asm/asm.go is the io.Reader-driven ingestion shape and
// the practice of reporting a read failure as a single wrapped error
// rather than a per-line error, trimmed down to match.
package codex

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ErrLoadFailure indicates the codex could not be read. It is the only
// error this package returns; spec.md §6 specifies no other failure
// mode for loading (a short trailing word is silently discarded, not an
// error).
var ErrLoadFailure = fmt.Errorf("codex: load failure")

// Load reads r as a sequence of big-endian 32-bit words and returns them
// in program order. If the input's length is not a multiple of 4, the
// trailing partial word is discarded rather than rejected, matching the
// original implementation's loader
// (_examples/original_source/rust/src/main.rs).
func Load(r io.Reader) ([]uint32, error) {
	var program []uint32
	var buf [4]byte
	for {
		n, err := io.ReadFull(r, buf[:])
		if n == 4 {
			program = append(program, binary.BigEndian.Uint32(buf[:]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return program, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoadFailure, err)
		}
	}
}
