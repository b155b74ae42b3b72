// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package imageregistry // import "github.com/qutrack/qutrack/imageregistry"

import "github.com/qutrack/qutrack/libqut"

// Image is the registry's record of one loaded executable image: identity,
// the virtual address range it occupies in the target process, and the
// attributes the unwinder needs to decide how to treat pcs inside it.
type Image struct {
	// Path is the on-disk path the image was mapped from.
	Path string
	// Size is the on-disk size of the file backing this image, or the
	// mapped range's length when the file cannot be stat'ed.
	Size uint64
	// StartOffset is the file offset at which this mapping begins.
	StartOffset uint64

	// FileID is the content-identity hash, the table cache's primary key.
	FileID libqut.FileID
	// BuildID is the image's embedded build identifier, the table cache's
	// preferred key. The registry does not read the build-id note, so it is
	// empty on every image the registry creates and the cache key falls
	// back to FileID.
	BuildID libqut.BuildID

	// LoadBias is the runtime virtual address of the image's first
	// loadable segment; relative_pc = pc - LoadBias.
	LoadBias libqut.Address

	// Start and End give the [Start, End) address range this image
	// occupies in the process.
	Start, End libqut.Address

	Readable   bool
	Executable bool

	// MayContainInterpreted marks images that can also produce frames from
	// an interpreted runtime (e.g. an embedded bytecode VM), requiring the
	// unwinder's interpreted-bridge step variant.
	MayContainInterpreted bool

	// Unwindable is set on every image the registry creates; the unwinder
	// stops with StopUnsupported on an image where it is false. No component
	// clears it, including when a built table has no records.
	Unwindable bool
}

// Contains reports whether pc falls within this image's mapped range.
func (img *Image) Contains(pc libqut.Address) bool {
	return pc >= img.Start && pc < img.End
}

// Identity returns the (path, size, start-offset) tuple hashed into FileID,
// re-derivable so callers can recompute it (e.g. to validate a cache key)
// without storing the tuple separately.
type Identity struct {
	Path        string
	Size        uint64
	StartOffset uint64
}

func (img *Image) Identity() Identity {
	return Identity{Path: img.Path, Size: img.Size, StartOffset: img.StartOffset}
}
