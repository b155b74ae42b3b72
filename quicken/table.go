// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/qutrack/qutrack/libqut"
)

// magic identifies a quicken table file; version lets the table cache
// refuse to load a table built by an incompatible version of the builder
// (spec.md §6's invariant that an on-disk table must be rejected rather
// than misinterpreted on format drift).
const (
	magic        = uint32(0x5155544b) // "QUTK"
	formatVersion = uint16(1)
)

// Arch identifies the target architecture a table was built for, so the
// unwinder can validate it is stepping an image it actually knows how to
// interpret registers for.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchARM64
)

// Flag bits recorded in a table's header.
type Flag uint8

const (
	// FlagHasBuildID is set when the table carries a non-empty build-id,
	// letting the cache validate by build-id instead of by FileID alone.
	FlagHasBuildID Flag = 1 << iota
)

// Record maps one contiguous relative-pc range, [PCStart, PCEnd), to the
// instruction stream (inside the table's shared pool) that recovers the
// caller's frame from any pc in that range. Records are sorted by
// PCStart and never overlap; adjacent ranges whose recovery rule is
// identical are coalesced by the builder into a single record.
type Record struct {
	PCStart     uint32
	PCEnd       uint32
	InstrOffset uint32
}

// Table is one image's complete quicken table: its sorted records and the
// shared pool of instruction bytes they index into.
type Table struct {
	Arch            Arch
	BuildID         libqut.BuildID
	ContentHash     [32]byte
	Records         []Record
	InstructionPool []byte
}

// Lookup finds the record covering relativePC, or false if the table has
// no coverage there (the caller should treat the frame as unwindable-stop,
// per spec.md §4.D's "no record" edge case).
func (t *Table) Lookup(relativePC uint32) (Record, bool) {
	i := sort.Search(len(t.Records), func(i int) bool {
		return t.Records[i].PCStart > relativePC
	}) - 1
	if i < 0 {
		return Record{}, false
	}
	rec := t.Records[i]
	if relativePC < rec.PCStart || relativePC >= rec.PCEnd {
		return Record{}, false
	}
	return rec, true
}

// Instructions decodes the instruction stream for rec out of the table's
// shared pool.
func (t *Table) Instructions(rec Record) ([]Instruction, error) {
	instrs, _, err := DecodeInstructions(t.InstructionPool, rec.InstrOffset)
	return instrs, err
}

// Encode serializes the table to spec.md §6's on-disk layout: a fixed
// header, the record array, then the instruction pool.
func (t *Table) Encode() []byte {
	var buf bytes.Buffer

	var flags Flag
	if !t.BuildID.IsEmpty() {
		flags |= FlagHasBuildID
	}

	header := make([]byte, 4+2+1+1+4+4+32+1)
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint16(header[4:6], formatVersion)
	header[6] = byte(t.Arch)
	header[7] = byte(flags)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(t.Records)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(t.InstructionPool)))
	copy(header[16:48], t.ContentHash[:])
	header[48] = byte(len(t.BuildID))
	buf.Write(header)
	buf.WriteString(string(t.BuildID))

	recBuf := make([]byte, 12)
	for _, rec := range t.Records {
		binary.LittleEndian.PutUint32(recBuf[0:4], rec.PCStart)
		binary.LittleEndian.PutUint32(recBuf[4:8], rec.PCEnd)
		binary.LittleEndian.PutUint32(recBuf[8:12], rec.InstrOffset)
		buf.Write(recBuf)
	}
	buf.Write(t.InstructionPool)
	return buf.Bytes()
}

// ErrBadMagic and ErrVersionMismatch are returned by Decode for malformed
// or incompatible table files respectively; the table cache treats both
// as "rebuild from scratch" rather than propagating the error further.
var (
	ErrBadMagic         = fmt.Errorf("quicken: bad table magic")
	ErrVersionMismatch  = fmt.Errorf("quicken: table format version mismatch")
	ErrTruncatedTable   = fmt.Errorf("quicken: truncated table")
)

// Decode parses a table previously produced by Encode.
func Decode(data []byte) (*Table, error) {
	const headerLen = 4 + 2 + 1 + 1 + 4 + 4 + 32 + 1
	if len(data) < headerLen {
		return nil, ErrTruncatedTable
	}
	if binary.LittleEndian.Uint32(data[0:4]) != magic {
		return nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(data[4:6]) != formatVersion {
		return nil, ErrVersionMismatch
	}
	arch := Arch(data[6])
	recordCount := binary.LittleEndian.Uint32(data[8:12])
	poolLen := binary.LittleEndian.Uint32(data[12:16])
	var contentHash [32]byte
	copy(contentHash[:], data[16:48])
	buildIDLen := int(data[48])

	pos := headerLen
	if pos+buildIDLen > len(data) {
		return nil, ErrTruncatedTable
	}
	buildID := libqut.BuildID(data[pos : pos+buildIDLen])
	pos += buildIDLen

	recordsBytes := int(recordCount) * 12
	if pos+recordsBytes > len(data) {
		return nil, ErrTruncatedTable
	}
	records := make([]Record, recordCount)
	for i := 0; i < int(recordCount); i++ {
		off := pos + i*12
		records[i] = Record{
			PCStart:     binary.LittleEndian.Uint32(data[off : off+4]),
			PCEnd:       binary.LittleEndian.Uint32(data[off+4 : off+8]),
			InstrOffset: binary.LittleEndian.Uint32(data[off+8 : off+12]),
		}
	}
	pos += recordsBytes

	if pos+int(poolLen) > len(data) {
		return nil, ErrTruncatedTable
	}
	pool := make([]byte, poolLen)
	copy(pool, data[pos:pos+int(poolLen)])

	return &Table{
		Arch:            arch,
		BuildID:         buildID,
		ContentHash:     contentHash,
		Records:         records,
		InstructionPool: pool,
	}, nil
}
