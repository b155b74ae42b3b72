// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder implements the Stepping Unwinder (spec.md component
// D): given a starting register file and a process's loaded images, walk
// the call stack one quicken-table record at a time without ever
// consulting DWARF directly. It is grounded on the stepping loop in the
// teacher's nativeunwind unwinders (elfunwindinfo's per-frame evaluation)
// generalized from the teacher's kernel-side BPF stepping to a userspace
// loop driven by memsrc reads.
package unwinder // import "github.com/qutrack/qutrack/unwinder"

import (
	"errors"

	"github.com/qutrack/qutrack/imageregistry"
	"github.com/qutrack/qutrack/libqut"
	"github.com/qutrack/qutrack/memsrc"
	"github.com/qutrack/qutrack/quicken"
)

// StopReason classifies why an unwind ended, mirroring spec.md §4.D's
// error taxonomy so callers (and the allocation tracker's statistics) can
// distinguish "ran out of stack cleanly" from the various failure modes.
type StopReason string

const (
	StopFinished        StopReason = "finished"
	StopMapsNull        StopReason = "maps_null"
	StopInvalidMap      StopReason = "invalid_map"
	StopInvalidMemory   StopReason = "invalid_memory"
	StopUnsupported     StopReason = "unsupported"
	StopMaxFramesExceed StopReason = "max_frames_exceeded"
	StopRepeatedFrame   StopReason = "repeated_frame"
)

// ErrNoTable is returned by a TableProvider when an image has no table
// available (build failed, or the image is not unwindable at all).
var ErrNoTable = errors.New("unwinder: no quicken table available for image")

// TableProvider resolves an image to its quicken table, typically backed
// by a tablecache.Cache.
type TableProvider interface {
	TableFor(img *imageregistry.Image) (*quicken.Table, error)
}

// InterpretedPCFunc reads a pending interpreted-runtime program counter for
// an image flagged Image.MayContainInterpreted, e.g. a side-channel walk
// of a bytecode VM's own frame pointer chain run alongside the native
// unwind. It is supplied by the instrumentation layer, the same explicit
// capability-function boundary engine.CaptureFunc draws for native
// register capture: nothing in this package can itself read a specific
// runtime's interpreter state. A nil func disables the interpreted bridge
// entirely, equivalent to every image having MayContainInterpreted unset.
type InterpretedPCFunc func(img *imageregistry.Image, regs quicken.RegisterFile) (libqut.Address, bool)

// Frame is one recovered stack frame.
type Frame struct {
	PC libqut.Address
	// RelativePC is PC with the owning image's load bias (and, for frames
	// after the first, the call-site adjustment) already applied: the
	// value the quicken table was searched with.
	RelativePC libqut.Address
	Image      *imageregistry.Image
	// IsInterpreted marks a sentinel frame parked by the previous native
	// frame's interpreted-runtime side channel rather than recovered from
	// the native unwind itself.
	IsInterpreted bool
}

// archRegs names the register-file slots Unwind reads the program
// counter and stack pointer from for one architecture, matching the
// quicken builder's own per-architecture register numbering so a table's
// records can be replayed without re-deriving the mapping.
type archRegs struct{ pc, sp uint64 }

var archRegisters = map[quicken.Arch]archRegs{
	quicken.ArchX86_64: {pc: 16, sp: 7},
	quicken.ArchARM64:  {pc: 30, sp: 31},
}

// Unwind walks the call stack starting from initialRegs, which must
// already contain the architecture's program-counter and stack-pointer
// registers (e.g. as captured from a ucontext_t or a synthetic register
// file in tests). It stops after maxFrames frames, when a record can't be
// found or executed, or when a (pc, sp) pair repeats (a corrupt or
// cyclic unwind table, spec.md's "repeated_frame" edge case). interpreted
// may be nil, disabling the interpreted-runtime bridge entirely.
func Unwind(
	initialRegs quicken.RegisterFile,
	pcReg, spReg uint64,
	arch quicken.Arch,
	mem memsrc.Source,
	registry *imageregistry.Registry,
	tables TableProvider,
	interpreted InterpretedPCFunc,
	maxFrames int,
) ([]Frame, StopReason, error) {
	if registry == nil {
		return nil, StopMapsNull, nil
	}
	if !mem.Valid() {
		return nil, StopInvalidMemory, nil
	}

	regs := cloneRegs(initialRegs)
	frames := make([]Frame, 0, maxFrames)
	seen := make(map[[2]uint64]struct{}, maxFrames)
	var pendingInterpreted *libqut.Address

	for len(frames) < maxFrames {
		pc := libqut.Address(regs[pcReg])
		sp := regs[spReg]

		key := [2]uint64{uint64(pc), sp}
		if _, dup := seen[key]; dup {
			return frames, StopRepeatedFrame, nil
		}
		seen[key] = struct{}{}

		// Every frame but the first holds a return address, i.e. the byte
		// right after the call instruction, not an address inside it.
		// callAdjustment picks the right back-step for the architecture
		// (and, on x86_64, the call encoding actually used).
		lookupPC := pc
		if len(frames) > 0 {
			lookupPC -= libqut.Address(callAdjustment(arch, pc, mem))
		}

		img, ok := registry.Find(lookupPC)
		if !ok {
			// No image covers this address at all: emit one final
			// sentinel frame at the conservative two-byte back-step
			// rather than returning an empty-handed failure.
			frames = append(frames, Frame{PC: pc - 2})
			return frames, StopInvalidMap, nil
		}

		relativePC, _ := registry.Resolve(img, lookupPC)

		if pendingInterpreted != nil {
			frames = append(frames, Frame{PC: *pendingInterpreted, IsInterpreted: true})
			pendingInterpreted = nil
			if len(frames) >= maxFrames {
				return frames, StopMaxFramesExceed, nil
			}
		}

		frames = append(frames, Frame{PC: pc, RelativePC: relativePC, Image: img})

		if !img.Unwindable {
			return frames, StopUnsupported, nil
		}

		table, err := tables.TableFor(img)
		if err != nil {
			return frames, StopUnsupported, err
		}

		rec, ok := table.Lookup(uint32(relativePC))
		if !ok {
			return frames, StopUnsupported, nil
		}

		instrs, err := table.Instructions(rec)
		if err != nil {
			return frames, StopUnsupported, err
		}

		// The interpreted-runtime bridge: an image that may also host an
		// interpreter's own bytecode frames gets a side-channel read for
		// a pending interpreted pc, parked to be emitted as its own
		// flagged frame ahead of the next native frame.
		if img.MayContainInterpreted && interpreted != nil {
			if ipc, ok := interpreted(img, regs); ok {
				pendingInterpreted = &ipc
			}
		}

		loadWord := func(addr uint64) (uint64, error) {
			return mem.Word(libqut.Address(addr))
		}
		if err := quicken.Execute(instrs, regs, loadWord); err != nil {
			if errors.Is(err, quicken.ErrUnsupportedRule) {
				return frames, StopUnsupported, nil
			}
			return frames, StopInvalidMemory, err
		}

		newPC := regs[pcReg]
		if newPC == 0 {
			return frames, StopFinished, nil
		}
	}
	return frames, StopMaxFramesExceed, nil
}

// callAdjustment returns the pc adjustment to apply to a return address
// before it is looked up in the quicken table, for every frame after the
// first. ARM64 instructions are a fixed 4 bytes wide, so there's no
// ambiguity. x86_64 call instructions vary in width: a register/memory
// indirect call ("ff /2") encodes in as little as 2 bytes, while near and
// RIP-relative forms need more; inspect the two bytes immediately before
// pc to tell them apart, falling back to the conservative 2-byte
// adjustment whenever they can't be read, the same fallback the original
// unwinder uses when a variable-width instruction's own width is
// ambiguous.
func callAdjustment(arch quicken.Arch, pc libqut.Address, mem memsrc.Source) uint64 {
	if arch != quicken.ArchX86_64 {
		return 4
	}

	opcode, err := mem.Byte(pc - 2)
	if err != nil {
		return 2
	}
	modrm, err := mem.Byte(pc - 1)
	if err != nil {
		return 2
	}
	if opcode == 0xff && (modrm>>3)&0x7 == 0x2 {
		return 2
	}
	return 4
}

// ArchRegisters exposes the (pc, sp) register slots for arch, so callers
// that already know an image's architecture don't need to duplicate the
// mapping table.
func ArchRegisters(arch quicken.Arch) (pcReg, spReg uint64, ok bool) {
	r, ok := archRegisters[arch]
	return r.pc, r.sp, ok
}

func cloneRegs(in quicken.RegisterFile) quicken.RegisterFile {
	out := make(quicken.RegisterFile, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}
