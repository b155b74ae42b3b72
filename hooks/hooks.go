// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hooks defines the contracts the engine expects from its external
// collaborators: the function-interposition layer that redirects malloc,
// mmap and pthread_create, and the process-map/process-memory sources the
// registry and unwinder read from. None of these are implemented here -
// spec.md places the interposition mechanism itself out of scope - this
// package only pins down the interface so the rest of the engine can be
// built and tested against a fake.
package hooks // import "github.com/qutrack/qutrack/hooks"

import "github.com/qutrack/qutrack/libqut"

// ProcessMapEntry describes one row of a process's memory map table.
type ProcessMapEntry struct {
	Start, End Address
	Offset     uint64
	Flags      MapFlags
	Path       string
}

// Address is re-exported for readability in this package's signatures.
type Address = libqut.Address

// MapFlags records the subset of mapping permission bits the registry
// cares about.
type MapFlags uint8

const (
	MapReadable MapFlags = 1 << iota
	MapExecutable
)

// ProcessMapSource returns a fresh snapshot of a process's memory map table
// on every call. The source is expected to reflect all currently mapped
// executable segments; the registry decides what changed.
type ProcessMapSource interface {
	ReadMaps() ([]ProcessMapEntry, error)
}

// Hooks is the set of events delivered by the interposition layer. The
// tracker must tolerate OnFree for a pointer it never observed (ignored),
// but must never see two OnAlloc calls for the same live pointer.
type Hooks interface {
	OnAlloc(caller Address, ptr Address, size uint64)
	OnFree(ptr Address)
	OnMap(caller Address, ptr Address, size uint64)
	OnUnmap(ptr Address)
	OnThreadCreate(handle libqut.TID)
	OnThreadSetName(handle libqut.TID, name string)
	OnThreadDestroy(handle libqut.TID)
}
