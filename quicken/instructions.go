// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package quicken builds, encodes, and evaluates compact "quicken tables":
// the per-image unwind metadata produced once from an image's DWARF call
// frame information and then replayed cheaply, frame after frame, without
// re-parsing any DWARF. The table format and the small instruction set it
// is built from implement spec.md §3 (Unwind-Table Builder) and §6 (on-disk
// format), grounded on Tencent Matrix's QuickenTable encoding
// (original_source/matrix/.../QuickenInterpreter.cpp and
// QuickenTableManager.cpp) and, for the DWARF-to-table translation, on
// elfunwindinfo/elfehframe.go's CFA row handling.
package quicken // import "github.com/qutrack/qutrack/quicken"

import "fmt"

// Op is one instruction opcode in a quicken record's instruction stream.
// The instruction set is deliberately small: every register-recovery rule
// a compiler can emit (CFA computation, a register restored from a memory
// slot, a register copied from another register) reduces to one or two of
// these.
type Op uint8

const (
	// OpFinished marks the end of a record's instruction stream; the
	// register file produced so far is the final, new frame's state.
	OpFinished Op = iota
	// OpSetConst sets Dst to the literal value Const.
	OpSetConst
	// OpAddOffset sets Dst = value(Src) + Offset. With Src == Dst this is
	// an in-place adjustment; used with Src != Dst to derive one register
	// (commonly the CFA pseudo-register) from another.
	OpAddOffset
	// OpLoadMemory sets Dst = *(value(Src) + Offset), a word-sized load
	// from the target process's memory.
	OpLoadMemory
	// OpUnsupported marks a record that could not be represented in this
	// instruction set (e.g. the CFI relied on a DWARF location
	// expression); evaluating it always fails with ErrUnsupportedRule.
	OpUnsupported
)

// RegCFA is the pseudo-register slot an instruction stream uses to hold
// the canonical frame address while it is being computed. It is not part
// of the real architecture register file; the unwinder's register file is
// large enough to carry it as scratch space and simply ignores it once a
// step completes.
const RegCFA uint64 = 0xfffffffe

// Instruction is one decoded VM instruction.
type Instruction struct {
	Op     Op
	Dst    uint64
	Src    uint64
	Offset int64
	Const  uint64
}

// RegisterFile is the architecture register state an instruction stream
// reads from and writes to while stepping one frame.
type RegisterFile map[uint64]uint64

// ErrUnsupportedRule is returned by Execute when a record's instruction
// stream contains OpUnsupported.
var ErrUnsupportedRule = fmt.Errorf("quicken: unsupported unwind rule")

// Execute runs one record's instruction stream against regs, mutating it
// in place, stopping at the first OpFinished. loadWord reads a word from
// the target process for OpLoadMemory; a read failure is surfaced through
// the returned error.
func Execute(instrs []Instruction, regs RegisterFile, loadWord func(addr uint64) (uint64, error)) error {
	for _, ins := range instrs {
		switch ins.Op {
		case OpFinished:
			return nil
		case OpSetConst:
			regs[ins.Dst] = ins.Const
		case OpAddOffset:
			src, ok := regs[ins.Src]
			if !ok {
				return fmt.Errorf("quicken: add_offset references unset register %d", ins.Src)
			}
			regs[ins.Dst] = uint64(int64(src) + ins.Offset)
		case OpLoadMemory:
			src, ok := regs[ins.Src]
			if !ok {
				return fmt.Errorf("quicken: load_memory references unset register %d", ins.Src)
			}
			addr := uint64(int64(src) + ins.Offset)
			word, err := loadWord(addr)
			if err != nil {
				return err
			}
			regs[ins.Dst] = word
		case OpUnsupported:
			return ErrUnsupportedRule
		default:
			return fmt.Errorf("quicken: unknown opcode %d", ins.Op)
		}
	}
	return nil
}
