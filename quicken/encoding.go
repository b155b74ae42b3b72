// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken

import (
	"encoding/binary"
	"fmt"
)

// EncodeInstructions serializes a record's instruction stream into the
// shared instruction pool's byte encoding. Each instruction is a tag byte
// followed by LEB128-encoded operands; unsigned operands use ULEB128,
// signed offsets use zigzag-encoded varints via binary.PutVarint.
func EncodeInstructions(instrs []Instruction) []byte {
	buf := make([]byte, 0, len(instrs)*4)
	var scratch [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(scratch[:], v)
		buf = append(buf, scratch[:n]...)
	}
	putVarint := func(v int64) {
		n := binary.PutVarint(scratch[:], v)
		buf = append(buf, scratch[:n]...)
	}

	for _, ins := range instrs {
		buf = append(buf, byte(ins.Op))
		switch ins.Op {
		case OpFinished, OpUnsupported:
		case OpSetConst:
			putUvarint(ins.Dst)
			putUvarint(ins.Const)
		case OpAddOffset, OpLoadMemory:
			putUvarint(ins.Dst)
			putUvarint(ins.Src)
			putVarint(ins.Offset)
		}
	}
	return buf
}

// DecodeInstructions reads back one record's instruction stream starting
// at pool[offset:], stopping after the terminating OpFinished or
// OpUnsupported instruction. It returns the decoded instructions and the
// offset immediately past the last one consumed.
func DecodeInstructions(pool []byte, offset uint32) ([]Instruction, uint32, error) {
	pos := int(offset)
	var out []Instruction
	for {
		if pos >= len(pool) {
			return nil, 0, fmt.Errorf("quicken: instruction stream runs past pool end at %d", pos)
		}
		op := Op(pool[pos])
		pos++
		var ins Instruction
		ins.Op = op
		switch op {
		case OpFinished, OpUnsupported:
			out = append(out, ins)
			return out, uint32(pos), nil
		case OpSetConst:
			dst, n, err := readUvarint(pool, pos)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			val, n, err := readUvarint(pool, pos)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			ins.Dst, ins.Const = dst, val
		case OpAddOffset, OpLoadMemory:
			dst, n, err := readUvarint(pool, pos)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			src, n, err := readUvarint(pool, pos)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			off, n, err := readVarint(pool, pos)
			if err != nil {
				return nil, 0, err
			}
			pos += n
			ins.Dst, ins.Src, ins.Offset = dst, src, off
		default:
			return nil, 0, fmt.Errorf("quicken: unknown opcode %d at offset %d", op, pos-1)
		}
		out = append(out, ins)
	}
}

func readUvarint(buf []byte, pos int) (uint64, int, error) {
	v, n := binary.Uvarint(buf[pos:])
	if n <= 0 {
		return 0, 0, fmt.Errorf("quicken: malformed uvarint at %d", pos)
	}
	return v, n, nil
}

func readVarint(buf []byte, pos int) (int64, int, error) {
	v, n := binary.Varint(buf[pos:])
	if n <= 0 {
		return 0, 0, fmt.Errorf("quicken: malformed varint at %d", pos)
	}
	return v, n, nil
}
