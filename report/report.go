// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package report assembles the engine's final, JSON-serializable
// snapshot: live allocation bytes and counts broken down by owning image
// and by call stack, separately for heap allocations and memory
// mappings. It plays the role the teacher's reporter package plays for
// trace data (reporter/base_reporter.go's per-trace/per-origin counting
// and ranking), adapted from "push events to a remote collector" to "one
// synchronous snapshot of process-local state", since spec.md scopes out
// any network reporting path.
package report // import "github.com/qutrack/qutrack/report"

import (
	"sort"

	"github.com/qutrack/qutrack/alloctracker"
	"github.com/qutrack/qutrack/imageregistry"
	"github.com/qutrack/qutrack/libqut"
)

// ImageSummary is one image's aggregated contribution to either the heap
// or mapping view.
type ImageSummary struct {
	Path      string `json:"path"`
	BuildID   string `json:"build_id,omitempty"`
	LiveBytes uint64 `json:"live_bytes"`
	LiveCount uint64 `json:"live_count"`
}

// StackSummary is one distinct call stack's aggregated contribution.
type StackSummary struct {
	StackHash string `json:"stack_hash"`
	// RepresentativeImage is the owning image of the stack's
	// representative caller: the first allocation observed under this
	// hash, which may no longer itself be live.
	RepresentativeImage string `json:"representative_image,omitempty"`
	// FramesHumanReadable is symbolize's rendering of each frame, empty
	// when no symbolizer was supplied.
	FramesHumanReadable []string `json:"frames_human_readable,omitempty"`
	// FramesCompact is the same frames as bare hex program counters, the
	// form every caller can render regardless of symbolization support.
	FramesCompact []string `json:"frames_compact,omitempty"`
	LiveBytes     uint64   `json:"live_bytes"`
	LiveCount     uint64   `json:"live_count"`
}

// Document is the complete report: four independently ranked views over
// the same underlying live-allocation data.
type Document struct {
	ByImageHeap    []ImageSummary `json:"by_image_heap"`
	ByImageMapping []ImageSummary `json:"by_image_mapping"`
	StacksHeap     []StackSummary `json:"stacks_heap"`
	StacksMapping  []StackSummary `json:"stacks_mapping"`
}

// SymbolizeFunc resolves a program counter to a human-readable frame
// description (e.g. "libfoo.so+0x1234" or a demangled symbol name). It is
// optional; when nil, FramesHumanReadable is left empty and frames appear
// only as the bare hex addresses of FramesCompact.
type SymbolizeFunc func(pc libqut.Address) string

// Build walks heapTracker and mappingTracker's currently live allocations
// and ranks them by image and by stack, resolving each live pointer's
// owning image via registry. Allocations whose caller no longer maps to
// a known image are grouped under the empty path "" rather than dropped,
// so their bytes are never silently lost from the totals.
func Build(registry *imageregistry.Registry, heapTracker, mappingTracker *alloctracker.Tracker, symbolize SymbolizeFunc) *Document {
	doc := &Document{}
	doc.ByImageHeap = byImage(registry, heapTracker)
	doc.ByImageMapping = byImage(registry, mappingTracker)
	doc.StacksHeap = byStack(registry, heapTracker, symbolize)
	doc.StacksMapping = byStack(registry, mappingTracker, symbolize)

	// A stack record survives its live count dropping to zero so it can
	// still appear in this snapshot; once the snapshot is built it is
	// safe to drop, the "until the next global snapshot" retention spec.md
	// describes.
	pruneEmptyStacks(heapTracker)
	pruneEmptyStacks(mappingTracker)
	return doc
}

func pruneEmptyStacks(tracker *alloctracker.Tracker) {
	if tracker != nil {
		tracker.PruneEmptyStacks()
	}
}

func byImage(registry *imageregistry.Registry, tracker *alloctracker.Tracker) []ImageSummary {
	if tracker == nil {
		return nil
	}
	totals := make(map[string]*ImageSummary)
	tracker.ForEach(func(ptr libqut.Address, alloc alloctracker.Allocation) {
		path, buildID := "", ""
		if registry != nil {
			if img, ok := registry.Find(alloc.Caller); ok {
				path = img.Path
				buildID = string(img.BuildID)
			}
		}
		s, ok := totals[path]
		if !ok {
			s = &ImageSummary{Path: path, BuildID: buildID}
			totals[path] = s
		}
		s.LiveBytes += alloc.Size
		s.LiveCount++
	})

	out := make([]ImageSummary, 0, len(totals))
	for _, s := range totals {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LiveBytes != out[j].LiveBytes {
			return out[i].LiveBytes > out[j].LiveBytes
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func byStack(registry *imageregistry.Registry, tracker *alloctracker.Tracker, symbolize SymbolizeFunc) []StackSummary {
	if tracker == nil {
		return nil
	}
	var out []StackSummary
	tracker.ForEachStack(func(stackHash libqut.StackHash, stats alloctracker.AggregateStats) {
		path := ""
		if registry != nil {
			if img, ok := registry.Find(stats.RepresentativeCaller); ok {
				path = img.Path
			}
		}

		var framesHuman []string
		if symbolize != nil {
			framesHuman = make([]string, len(stats.RepresentativeFrames))
			for i, pc := range stats.RepresentativeFrames {
				framesHuman[i] = symbolize(pc)
			}
		}
		framesCompact := make([]string, len(stats.RepresentativeFrames))
		for i, pc := range stats.RepresentativeFrames {
			framesCompact[i] = formatAddress(pc)
		}

		out = append(out, StackSummary{
			StackHash:            formatStackHash(stackHash),
			RepresentativeImage:  path,
			FramesHumanReadable:  framesHuman,
			FramesCompact:        framesCompact,
			LiveBytes:            stats.LiveBytes,
			LiveCount:            stats.LiveCount,
		})
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].LiveBytes != out[j].LiveBytes {
			return out[i].LiveBytes > out[j].LiveBytes
		}
		return out[i].StackHash < out[j].StackHash
	})
	return out
}

func formatAddress(pc libqut.Address) string {
	const hexDigits = "0123456789abcdef"
	v := uint64(pc)
	if v == 0 {
		return "0x0"
	}
	var buf [18]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	i--
	buf[i] = 'x'
	i--
	buf[i] = '0'
	return string(buf[i:])
}

func formatStackHash(h libqut.StackHash) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	v := uint64(h)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
