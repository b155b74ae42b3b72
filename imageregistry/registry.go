// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package imageregistry enumerates the executable images loaded into a
// process and answers "which image owns this program counter" for the
// unwinder. It is the Go counterpart of the teacher's
// processmanager.synchronizeMappings machinery, stripped of the eBPF map
// plumbing: here Refresh reconciles an in-memory sorted slice of Image
// instead of pushing LPM prefixes into a kernel map.
package imageregistry // import "github.com/qutrack/qutrack/imageregistry"

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/qutrack/qutrack/hooks"
	"github.com/qutrack/qutrack/internal/log"
	"github.com/qutrack/qutrack/libqut"
)

// interpretedLibraryPatterns names the shared libraries known to host an
// interpreted runtime alongside their native code, matched against an
// image's base name the same way the teacher's per-interpreter detectors
// (interpreter/python.libpythonRegex, interpreter/perl.libperlRegex, and
// friends) match a mapped file's name rather than inspecting its contents.
var interpretedLibraryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^libart\.so$`),
	regexp.MustCompile(`^libpython\d\.\d+.*\.so`),
	regexp.MustCompile(`^libperl\.so`),
	regexp.MustCompile(`^libruby(?:-.*)?\.so`),
}

func mayContainInterpreted(path string) bool {
	name := filepath.Base(path)
	for _, re := range interpretedLibraryPatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Registry holds the currently known set of loaded images for one process,
// sorted by start address. Lookups via Find take an RLock and are
// lock-free with respect to other lookups; Refresh takes the write lock
// and serializes against all of them.
type Registry struct {
	mu     sync.RWMutex
	images []*Image
}

// New creates an empty registry. Call Refresh before the first Find.
func New() *Registry {
	return &Registry{}
}

// Find locates the image containing pc, or false if no known image covers
// it (the caller should trigger a Refresh and retry once).
func (r *Registry) Find(pc libqut.Address) (*Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.images), func(i int) bool {
		return r.images[i].Start > pc
	}) - 1
	if i < 0 {
		return nil, false
	}
	img := r.images[i]
	if !img.Contains(pc) {
		return nil, false
	}
	return img, true
}

// Resolve computes the relative program counter and load bias for pc
// inside img.
func (r *Registry) Resolve(img *Image, pc libqut.Address) (relativePC, loadBias libqut.Address) {
	return pc - img.LoadBias, img.LoadBias
}

// buildImage turns one process-map entry into an Image, computing its
// content identity from the path, the file's on-disk size (the mapped
// range's length if the file cannot be stat'ed) and the mapping's file
// offset. The build-id note is not read, so BuildID stays empty; the
// registry only needs enough identity to key the cache and to answer
// Find/Resolve.
func buildImage(entry hooks.ProcessMapEntry) *Image {
	size := uint64(entry.End - entry.Start)
	if info, err := os.Stat(entry.Path); err == nil {
		size = uint64(info.Size())
	}
	return &Image{
		Path:        entry.Path,
		Size:        size,
		StartOffset: entry.Offset,
		FileID:      libqut.NewFileID(entry.Path, size, entry.Offset),
		Start:       entry.Start,
		End:         entry.End,
		// LoadBias assumes the mapping's file offset and ELF virtual
		// address agree, the cheap approximation a map-refresh can afford
		// without parsing program headers: bias is whatever shift turns
		// the mapped-file offset back into the runtime address. A PIE
		// whose first segment isn't offset 0 (rare in practice) needs the
		// precise ELF-program-header bias pfelf computes instead.
		LoadBias:              entry.Start - libqut.Address(entry.Offset),
		Readable:              entry.Flags&hooks.MapReadable != 0,
		Executable:            entry.Flags&hooks.MapExecutable != 0,
		Unwindable:            true,
		MayContainInterpreted: mayContainInterpreted(entry.Path),
	}
}

// Refresh re-reads the process map table from src and reconciles the
// registry's image set: images no longer present are dropped, newly
// mapped executable ranges are added, and unchanged ranges are left
// untouched (so identity computed once, e.g. a build-id lookup, survives).
//
// Refresh is idempotent: calling it twice in a row with an unchanged map
// source leaves the registry in the same observable state as one call.
func (r *Registry) Refresh(src hooks.ProcessMapSource) error {
	entries, err := src.ReadMaps()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := make(map[libqut.Address]*Image, len(r.images))
	for _, img := range r.images {
		existing[img.Start] = img
	}

	next := make([]*Image, 0, len(entries))
	seen := make(map[libqut.Address]struct{}, len(entries))
	added, removed := 0, 0
	for _, entry := range entries {
		if entry.Flags&hooks.MapExecutable == 0 {
			continue
		}
		seen[entry.Start] = struct{}{}
		if old, ok := existing[entry.Start]; ok && old.End == entry.End &&
			old.Path == entry.Path && old.StartOffset == entry.Offset {
			next = append(next, old)
			continue
		}
		next = append(next, buildImage(entry))
		added++
	}
	removed = len(r.images) - (len(next) - added)
	if removed < 0 {
		removed = 0
	}

	sort.Slice(next, func(i, j int) bool { return next[i].Start < next[j].Start })
	r.images = next

	if added > 0 || removed > 0 {
		log.Debugf("imageregistry: refreshed, %d added, %d removed, %d total",
			added, removed, len(next))
	}
	return nil
}

// Snapshot returns a copy of the currently known images, for callers (like
// the table cache's queue drainer) that need to iterate without holding
// the registry lock.
func (r *Registry) Snapshot() []*Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Image, len(r.images))
	copy(out, r.images)
	return out
}
