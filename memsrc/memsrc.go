// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package memsrc provides access to the memory space of the process being
// unwound. Two reader variants are offered, matching the process-memory
// contract: a safe reader that reports success/failure per read and never
// faults the caller, and an unsafe reader used only on paths that have
// already validated the mapping.
package memsrc // import "github.com/qutrack/qutrack/memsrc"

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/qutrack/qutrack/libqut"
)

var ErrOutOfRange = errors.New("address out of mapped range")

// SafeReader never faults the caller: an out-of-range or unmapped read
// returns an error instead of crashing the process doing the unwinding.
type SafeReader interface {
	ReadSafe(addr libqut.Address, buf []byte) error
}

// UnsafeReader is the fastest path, used only where the caller has already
// validated that addr..addr+len(buf) is mapped and readable.
type UnsafeReader interface {
	ReadUnsafe(addr libqut.Address, buf []byte) error
}

// Source wraps a SafeReader with the convenience accessors the unwinder
// needs: reading native words, 32-bit values and single bytes out of
// target memory.
type Source struct {
	safe SafeReader
	// Bias adjusts addresses before they are handed to safe/unsafe, e.g.
	// to un-relocate pointers when reading from a captured snapshot rather
	// than a live process.
	Bias libqut.Address
}

// New wraps a SafeReader (e.g. a ReaderAt-backed local or remote memory
// source) with the convenience accessors used throughout the engine.
func New(safe SafeReader) Source {
	return Source{safe: safe}
}

// Valid reports whether this Source has a usable backing reader.
func (s Source) Valid() bool {
	return s.safe != nil
}

// Read fills buf with data from addr, honoring Bias.
func (s Source) Read(addr libqut.Address, buf []byte) error {
	if s.safe == nil {
		return ErrOutOfRange
	}
	return s.safe.ReadSafe(addr+s.Bias, buf)
}

// Word reads a native 64-bit word (a register-sized value or pointer).
func (s Source) Word(addr libqut.Address) (uint64, error) {
	var buf [8]byte
	if err := s.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Uint32 reads an unsigned 32-bit integer.
func (s Source) Uint32(addr libqut.Address) (uint32, error) {
	var buf [4]byte
	if err := s.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Byte reads a single byte, used by the x86 call-width heuristic to
// inspect the bytes preceding a return address.
func (s Source) Byte(addr libqut.Address) (byte, error) {
	var buf [1]byte
	if err := s.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// LocalProcessMemory implements SafeReader/UnsafeReader by reading the
// calling process's own address space via an io.ReaderAt over /proc/self/mem
// style access. Tests substitute a ByteSliceSource instead; production
// callers on Linux substitute the process_vm_readv-backed reader.
type LocalProcessMemory struct {
	ReaderAt io.ReaderAt
}

func (m LocalProcessMemory) ReadSafe(addr libqut.Address, buf []byte) error {
	n, err := m.ReaderAt.ReadAt(buf, int64(addr))
	if n == len(buf) {
		return nil
	}
	if err != nil {
		return err
	}
	return ErrOutOfRange
}

func (m LocalProcessMemory) ReadUnsafe(addr libqut.Address, buf []byte) error {
	return m.ReadSafe(addr, buf)
}

// ByteSliceSource is a SafeReader backed directly by an in-memory byte
// slice at a known base address. It is the fake used pervasively by the
// unit tests for the unwinder and table builder, grounded on the synthetic
// register-file fixtures specified for the end-to-end scenarios.
type ByteSliceSource struct {
	Base libqut.Address
	Data []byte
}

func (b ByteSliceSource) ReadSafe(addr libqut.Address, buf []byte) error {
	if addr < b.Base {
		return ErrOutOfRange
	}
	off := int64(addr - b.Base)
	if off < 0 || off+int64(len(buf)) > int64(len(b.Data)) {
		return ErrOutOfRange
	}
	copy(buf, b.Data[off:off+int64(len(buf))])
	return nil
}

// MapSource lets multiple disjoint ByteSliceSource-like regions (e.g.
// stack memory plus an image's mapped bytes) be combined into one reader,
// matching the unwinder's need to read both thread stack memory and,
// indirectly, instruction pool bytes from the image.
type MapSource []ByteSliceSource

func (m MapSource) ReadSafe(addr libqut.Address, buf []byte) error {
	for _, r := range m {
		if err := r.ReadSafe(addr, buf); err == nil {
			return nil
		}
	}
	return ErrOutOfRange
}
