// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/qutrack/qutrack/libqut"
	"github.com/qutrack/qutrack/quicken/dwarfcfi"
)

// archConfig names the DWARF register numbers an architecture's ABI
// assigns to the stack pointer, frame pointer and return-address column,
// grounded on the per-arch constant tables in elfehframe_x86.go /
// elfehframe_aarch64.go.
type archConfig struct {
	sp, fp, ra uint64
}

var archConfigs = map[Arch]archConfig{
	ArchX86_64: {sp: 7, fp: 6, ra: 16},
	ArchARM64:  {sp: 31, fp: 29, ra: 30},
}

// FrameDescription is the already-decoded input the builder turns into
// quicken records: one function's address range plus the dwarfcfi rows
// describing how to recover its caller's frame at each instruction
// boundary. ExtractELF produces these from a real image; tests can
// construct them directly to exercise the builder without parsing ELF.
type FrameDescription struct {
	Start uint64
	End   uint64
	Rows  []dwarfcfi.Row
}

// Builder accumulates records and a shared instruction pool for one
// image, deduplicating instruction streams so that functions sharing an
// identical unwind rule (common for leaf functions with no frame pointer
// adjustment) pay for the instruction bytes only once.
type Builder struct {
	arch    Arch
	cfg     archConfig
	records []Record
	pool    []byte
	dedup   map[string]uint32 // instruction-stream bytes -> pool offset
}

// NewBuilder creates a Builder targeting arch.
func NewBuilder(arch Arch) (*Builder, error) {
	cfg, ok := archConfigs[arch]
	if !ok {
		return nil, fmt.Errorf("quicken: unsupported architecture %d", arch)
	}
	return &Builder{arch: arch, cfg: cfg, dedup: map[string]uint32{}}, nil
}

// AddFrame translates one function's rows into zero or more records and
// appends them to the builder, coalescing any new record with the
// previous one if their instruction streams are byte-identical and the
// pc ranges are contiguous — the same run-length reduction the teacher's
// StackDeltaArray.AddEx performs over consecutive identical deltas.
func (b *Builder) AddFrame(fd FrameDescription) error {
	for i, row := range fd.Rows {
		rowEnd := fd.End
		if i+1 < len(fd.Rows) {
			rowEnd = fd.Rows[i+1].Loc
		}
		if row.Loc >= rowEnd {
			continue
		}
		instrs, supported := b.translateRow(row)
		var off uint32
		var poolBytes []byte
		if supported {
			poolBytes = EncodeInstructions(instrs)
		} else {
			poolBytes = EncodeInstructions([]Instruction{{Op: OpUnsupported}})
		}
		off = b.internPool(poolBytes)

		if n := len(b.records); n > 0 {
			prev := &b.records[n-1]
			if prev.PCEnd == uint32(row.Loc) && prev.InstrOffset == off {
				prev.PCEnd = uint32(rowEnd)
				continue
			}
		}
		b.records = append(b.records, Record{
			PCStart:     uint32(row.Loc),
			PCEnd:       uint32(rowEnd),
			InstrOffset: off,
		})
	}
	return nil
}

// internPool returns the pool offset for instrBytes, appending it to the
// shared pool only the first time it is seen.
func (b *Builder) internPool(instrBytes []byte) uint32 {
	key := string(instrBytes)
	if off, ok := b.dedup[key]; ok {
		return off
	}
	off := uint32(len(b.pool))
	b.pool = append(b.pool, instrBytes...)
	b.dedup[key] = off
	return off
}

// translateRow turns one dwarfcfi.Row into the quicken instruction
// sequence that reproduces it: compute the CFA pseudo-register, recover
// the return address and any other tracked callee-saved registers from
// it, and set the new stack pointer to the CFA (the universal convention
// that the callee's CFA is the caller's stack pointer immediately after
// the call instruction).
func (b *Builder) translateRow(row dwarfcfi.Row) ([]Instruction, bool) {
	if row.CFA.Unsupported {
		return nil, false
	}

	var instrs []Instruction
	instrs = append(instrs, Instruction{
		Op: OpAddOffset, Dst: RegCFA, Src: row.CFA.Register, Offset: row.CFA.Offset,
	})

	raRule, haveRA := row.Regs[b.cfg.ra]
	if !haveRA {
		return nil, false
	}
	switch raRule.Kind {
	case dwarfcfi.RuleOffsetCFA:
		instrs = append(instrs, Instruction{Op: OpLoadMemory, Dst: b.cfg.ra, Src: RegCFA, Offset: raRule.Offset})
	case dwarfcfi.RuleInRegister:
		instrs = append(instrs, Instruction{Op: OpAddOffset, Dst: b.cfg.ra, Src: raRule.SrcReg, Offset: 0})
	case dwarfcfi.RuleSameValue:
		// Nothing to do; the unwinder carries the register forward itself.
	default:
		return nil, false
	}

	if fpRule, ok := row.Regs[b.cfg.fp]; ok {
		switch fpRule.Kind {
		case dwarfcfi.RuleOffsetCFA:
			instrs = append(instrs, Instruction{Op: OpLoadMemory, Dst: b.cfg.fp, Src: RegCFA, Offset: fpRule.Offset})
		case dwarfcfi.RuleInRegister:
			instrs = append(instrs, Instruction{Op: OpAddOffset, Dst: b.cfg.fp, Src: fpRule.SrcReg, Offset: 0})
		case dwarfcfi.RuleUnsupported:
			return nil, false
		}
	}

	instrs = append(instrs, Instruction{Op: OpAddOffset, Dst: b.cfg.sp, Src: RegCFA, Offset: 0})
	instrs = append(instrs, Instruction{Op: OpFinished})
	return instrs, true
}

// Finish sorts the accumulated records (AddFrame already emits them in
// increasing-address order per image as long as callers walk functions in
// address order, but Finish re-sorts defensively) and assembles the final
// Table, stamping a content hash over the record array and instruction
// pool so the cache can detect silent corruption of a stored table.
func (b *Builder) Finish(buildID libqut.BuildID) *Table {
	sort.Slice(b.records, func(i, j int) bool { return b.records[i].PCStart < b.records[j].PCStart })

	t := &Table{
		Arch:            b.arch,
		BuildID:         buildID,
		Records:         b.records,
		InstructionPool: b.pool,
	}
	t.ContentHash = hashTableContent(t.Records, t.InstructionPool)
	return t
}

func hashTableContent(records []Record, pool []byte) [32]byte {
	h := xxh3.New()
	for _, rec := range records {
		var tmp [12]byte
		tmp[0], tmp[1], tmp[2], tmp[3] = byte(rec.PCStart), byte(rec.PCStart>>8), byte(rec.PCStart>>16), byte(rec.PCStart>>24)
		tmp[4], tmp[5], tmp[6], tmp[7] = byte(rec.PCEnd), byte(rec.PCEnd>>8), byte(rec.PCEnd>>16), byte(rec.PCEnd>>24)
		tmp[8], tmp[9], tmp[10], tmp[11] = byte(rec.InstrOffset), byte(rec.InstrOffset>>8), byte(rec.InstrOffset>>16), byte(rec.InstrOffset>>24)
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(pool)
	sum := h.Sum128()
	var out [32]byte
	binary.LittleEndian.PutUint64(out[0:8], sum.Hi)
	binary.LittleEndian.PutUint64(out[8:16], sum.Lo)
	// The remaining 16 bytes are left zero: xxh3's 128-bit sum is already
	// enough entropy to catch accidental corruption, and reserving the
	// full 32 bytes in the header leaves room for a stronger hash later
	// without an on-disk format change.
	return out
}

// ArchFromELF maps an ELF machine constant to the Arch this package
// understands, or ArchUnknown.
func ArchFromELF(machine elf.Machine) Arch {
	switch machine {
	case elf.EM_X86_64:
		return ArchX86_64
	case elf.EM_AARCH64:
		return ArchARM64
	default:
		return ArchUnknown
	}
}

// ExtractELF builds a Table directly from an on-disk ELF image's
// .eh_frame section, the real-world entry point the table cache's build
// path uses. Symbol table function boundaries are not required: FDEs
// already carry their own [start, start+len) ranges.
func ExtractELF(f *elf.File) (*Table, error) {
	arch := ArchFromELF(f.Machine)
	if arch == ArchUnknown {
		return nil, fmt.Errorf("quicken: unsupported ELF machine %s", f.Machine)
	}
	section := f.Section(".eh_frame")
	if section == nil {
		return nil, fmt.Errorf("quicken: no .eh_frame section")
	}
	data, err := section.Data()
	if err != nil {
		return nil, fmt.Errorf("quicken: reading .eh_frame: %w", err)
	}

	fdes, err := dwarfcfi.ParseEHFrame(data, section.Addr)
	if err != nil {
		return nil, fmt.Errorf("quicken: parsing .eh_frame: %w", err)
	}

	b, err := NewBuilder(arch)
	if err != nil {
		return nil, err
	}
	for _, fde := range fdes {
		if err := b.AddFrame(FrameDescription{Start: fde.Start, End: fde.Start + fde.Len, Rows: fde.Rows}); err != nil {
			return nil, err
		}
	}

	return b.Finish(extractBuildID(f)), nil
}

// extractBuildID reads the GNU build-id note, if present, the same
// identity ELF tooling uses to correlate a stripped binary with its
// debug-info counterpart.
func extractBuildID(f *elf.File) libqut.BuildID {
	section := f.Section(".note.gnu.build-id")
	if section == nil {
		return ""
	}
	data, err := section.Data()
	if err != nil {
		return ""
	}
	notes, err := parseNotes(data)
	if err != nil || len(notes) == 0 {
		return ""
	}
	return libqut.BuildID(notes[0])
}

// parseNotes extracts the descriptor bytes of every ELF note in data,
// following the standard namesz/descsz/type/name/desc layout (each field
// 4-byte aligned).
func parseNotes(data []byte) ([][]byte, error) {
	var out [][]byte
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		var hdr [12]byte
		if _, err := r.Read(hdr[:]); err != nil {
			break
		}
		nameSz := le32(hdr[0:4])
		descSz := le32(hdr[4:8])
		nameAligned := align4(nameSz)
		descAligned := align4(descSz)

		name := make([]byte, nameAligned)
		if _, err := r.Read(name); err != nil {
			break
		}
		desc := make([]byte, descAligned)
		if _, err := r.Read(desc); err != nil {
			break
		}
		out = append(out, desc[:descSz])
	}
	return out, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}
