// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi

import (
	"encoding/binary"
	"fmt"
)

// FDE is one Frame Description Entry: the function address range it
// covers and its rows as produced by Evaluate.
type FDE struct {
	Start uint64
	Len   uint64
	Rows  []Row
}

// ParseEHFrame walks a raw .eh_frame section and evaluates every FDE it
// contains, grounded on the CIE/FDE common-header walk in elfehframe.go's
// frame-table scan (32/64-bit DWARF length encoding, zero-length
// terminator, CIE-pointer-vs-id discrimination). Only the .eh_frame CIE id
// (0) is recognized. An FDE's initial location and address range are read
// as absolute 8-byte little-endian values: other pointer encodings,
// including pc-relative ones, are not decoded, sectionAddr is not used,
// and FDE augmentation data is not skipped.
func ParseEHFrame(data []byte, sectionAddr uint64) ([]FDE, error) {
	var fdes []FDE
	cies := map[int]*CIE{}

	pos := 0
	for pos < len(data) {
		entryStart := pos
		length, lengthFieldBytes, err := readInitialLength(data, pos)
		if err != nil {
			return nil, err
		}
		pos += lengthFieldBytes
		if length == 0 {
			// Zero length marks the end of the table.
			break
		}
		entryEnd := pos + int(length)
		if entryEnd > len(data) {
			return nil, fmt.Errorf("dwarfcfi: entry at %d overruns section", entryStart)
		}

		cieIDField := binary.LittleEndian.Uint32(data[pos : pos+4])
		if cieIDField == 0 {
			// This entry is a CIE.
			cie, err := parseCIE(data[pos+4 : entryEnd])
			if err != nil {
				return nil, fmt.Errorf("dwarfcfi: CIE at %d: %w", entryStart, err)
			}
			cies[entryStart] = cie
			pos = entryEnd
			continue
		}

		// This entry is an FDE; cieIDField is the byte offset back to its
		// CIE's length field (entryStart - cieIDField would need
		// signedness care; the standard encoding is
		// ciePointer = entryStart+4 - cieOffset).
		ciePos := pos - int(cieIDField)
		cie, ok := cies[ciePos]
		if !ok {
			return nil, fmt.Errorf("dwarfcfi: FDE at %d references unknown CIE at %d", entryStart, ciePos)
		}

		fdePos := pos + 4
		if fdePos+16 > entryEnd {
			return nil, fmt.Errorf("dwarfcfi: FDE at %d truncated", entryStart)
		}
		initialLoc := binary.LittleEndian.Uint64(data[fdePos : fdePos+8])
		addrRange := binary.LittleEndian.Uint64(data[fdePos+8 : fdePos+16])
		instrStart := fdePos + 16

		rows, err := Evaluate(cie, initialLoc, addrRange, data[instrStart:entryEnd])
		if err != nil {
			return nil, fmt.Errorf("dwarfcfi: FDE at %d: %w", entryStart, err)
		}
		fdes = append(fdes, FDE{Start: initialLoc, Len: addrRange, Rows: rows})
		pos = entryEnd
	}
	return fdes, nil
}

// readInitialLength reads a DWARF initial-length field, handling the
// 0xffffffff escape to 64-bit DWARF (not expected in practice for
// .eh_frame but handled for .debug_frame inputs).
func readInitialLength(data []byte, pos int) (length uint64, fieldBytes int, err error) {
	if pos+4 > len(data) {
		return 0, 0, fmt.Errorf("dwarfcfi: truncated length field at %d", pos)
	}
	l32 := binary.LittleEndian.Uint32(data[pos : pos+4])
	if l32 != 0xffffffff {
		return uint64(l32), 4, nil
	}
	if pos+12 > len(data) {
		return 0, 0, fmt.Errorf("dwarfcfi: truncated 64-bit length field at %d", pos)
	}
	return binary.LittleEndian.Uint64(data[pos+4 : pos+12]), 12, nil
}

// parseCIE parses a Common Information Entry body (everything after the
// length and CIE-id fields), following the version/augmentation-string
// walk in elfehframe.go's parseCIE.
func parseCIE(body []byte) (*CIE, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("empty CIE body")
	}
	version := body[0]
	pos := 1

	augEnd := pos
	for augEnd < len(body) && body[augEnd] != 0 {
		augEnd++
	}
	if augEnd >= len(body) {
		return nil, fmt.Errorf("unterminated augmentation string")
	}
	aug := string(body[pos:augEnd])
	pos = augEnd + 1

	r := newByteReader(body)
	r.pos = pos

	if version >= 4 {
		// Address size and segment selector size, both one byte, present
		// only in CIE version 4+.
		if _, err := r.u8(); err != nil {
			return nil, err
		}
		if _, err := r.u8(); err != nil {
			return nil, err
		}
	}

	codeAlign, err := r.uleb()
	if err != nil {
		return nil, fmt.Errorf("code alignment: %w", err)
	}
	dataAlign, err := r.sleb()
	if err != nil {
		return nil, fmt.Errorf("data alignment: %w", err)
	}

	var retReg uint64
	if version == 1 {
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		retReg = uint64(b)
	} else {
		retReg, err = r.uleb()
		if err != nil {
			return nil, fmt.Errorf("return address register: %w", err)
		}
	}

	if len(aug) > 0 && aug[0] == 'z' {
		// The augmentation data length tells us how many bytes to skip for
		// the encoding bytes ('L', 'R', 'P', 'S') we don't need to act on
		// beyond knowing their presence.
		augLen, err := r.uleb()
		if err != nil {
			return nil, fmt.Errorf("augmentation data length: %w", err)
		}
		r.pos += int(augLen)
		if r.pos > len(body) {
			return nil, fmt.Errorf("augmentation data overruns CIE")
		}
	}

	return &CIE{
		CodeAlignment: codeAlign,
		DataAlignment: dataAlign,
		ReturnAddrReg: retReg,
		InitialInstrs: body[r.pos:],
	}, nil
}
