// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libqut holds the small set of value types shared by every
// component of the engine: addresses, process identifiers and the 128-bit
// content identity used to key the table cache.
package libqut // import "github.com/qutrack/qutrack/libqut"

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// Address is a virtual memory address, in the target process unless noted.
type Address uint64

// PID is a process identifier.
type PID uint32

// TID is an OS thread identifier, stable for the life of the thread.
type TID uint64

// FileID is the 128-bit content identity of an executable image, computed
// from its (path, size, start-offset) identity tuple. It is stable across
// process restarts as long as the file on disk does not change.
type FileID struct {
	Hi, Lo uint64
}

// NewFileID hashes an image's identity tuple into a FileID.
//
// Two images with different identity tuples may theoretically collide;
// 128 bits of xxh3 output makes that collision probability negligible for
// the number of distinct images ever loaded by one process.
func NewFileID(path string, size, startOffset uint64) FileID {
	var buf [8]byte
	h := xxh3.New()
	_, _ = h.WriteString(path)
	binary.LittleEndian.PutUint64(buf[:], size)
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], startOffset)
	_, _ = h.Write(buf[:])
	sum := h.Sum128()
	return FileID{Hi: sum.Hi, Lo: sum.Lo}
}

// String renders the FileID as the hex string used for cache file names.
func (f FileID) String() string {
	return fmt.Sprintf("%016x%016x", f.Hi, f.Lo)
}

func (f FileID) IsZero() bool {
	return f.Hi == 0 && f.Lo == 0
}

// UUIDString renders the FileID in canonical UUID form, a more
// human-readable alternative to String for log lines and reports.
func (f FileID) UUIDString() string {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], f.Hi)
	binary.BigEndian.PutUint64(b[8:16], f.Lo)
	// Bytes is guaranteed 16 long here, so FromBytes cannot fail.
	id, _ := uuid.FromBytes(b[:])
	return id.String()
}

// BuildID is the image's embedded, compiler-assigned identity (e.g. the
// contents of an ELF GNU build-id note), used as a secondary cache key that
// survives the file being copied to a different path.
type BuildID string

// IsEmpty reports whether no build-id was recorded for an image.
func (b BuildID) IsEmpty() bool { return len(b) == 0 }

// StackHash is the stable 64-bit hash of a call chain, used to deduplicate
// attribution of allocations that share a call site.
type StackHash uint64

func (h StackHash) IsNull() bool { return h == 0 }
