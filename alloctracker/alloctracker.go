// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package alloctracker implements the Allocation Tracker (spec.md
// component E): per-pointer bookkeeping of live allocations plus an
// aggregate, per-call-stack view of how much memory each distinct stack
// is responsible for. The two maps intentionally have different
// concurrency shapes: the pointer table is sharded (grounded on the
// sharded hot-path maps the teacher builds for per-pID bookkeeping) since
// every alloc/free hits it, while the stack aggregate is a single
// go-freelru.SyncedLRU, grounded directly on tracehandler.go's traceCache
// — both are "one call-site hash maps to one cached value" problems, just
// keyed by stack hash instead of BPF trace hash.
package alloctracker // import "github.com/qutrack/qutrack/alloctracker"

import (
	"sync"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"github.com/qutrack/qutrack/libqut"
)

// Allocation is the metadata tracked for one live pointer.
type Allocation struct {
	Size      uint64
	Caller    libqut.Address
	StackHash libqut.StackHash
	// Frames holds the captured call stack when StacktraceEnabled is on;
	// nil when stack capture is disabled for this allocation (spec.md's
	// "allocations are still tracked by pointer/size/caller but never
	// carry a stack hash" mode).
	Frames []libqut.Address
}

// AggregateStats accumulates totals for every live allocation sharing a
// stack hash. RepresentativeCaller/RepresentativeFrames are captured once,
// from whichever allocation first brings the stack hash into existence,
// and survive the count dropping back to zero: the call site stays
// identifiable between snapshots even while nothing is currently live for
// it.
type AggregateStats struct {
	LiveCount uint64
	LiveBytes uint64

	RepresentativeCaller libqut.Address
	RepresentativeFrames []libqut.Address
}

// shard is one lock-protected partition of the pointer table.
type shard struct {
	mu   sync.Mutex
	data map[libqut.Address]Allocation
}

// Tracker is the allocation tracker: a sharded ptr->Allocation map plus an
// LRU-backed stack-hash->AggregateStats map. Insert/Erase are safe for
// concurrent use from as many hook callbacks as there are threads in the
// target process.
type Tracker struct {
	shards    []*shard
	aggregate *lru.SyncedLRU[libqut.StackHash, *AggregateStats]
	aggMu     sync.Mutex // guards read-modify-write of one AggregateStats value

	insertCount atomic.Uint64
	eraseCount  atomic.Uint64
	missCount   atomic.Uint64 // Erase of an untracked pointer
}

// New creates a Tracker with shardCount pointer-table shards and an
// aggregate map capped at maxStacks distinct stack hashes.
func New(shardCount int, maxStacks uint32) (*Tracker, error) {
	if shardCount <= 0 {
		shardCount = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{data: make(map[libqut.Address]Allocation)}
	}

	aggregate, err := lru.NewSynced[libqut.StackHash, *AggregateStats](
		maxStacks, func(k libqut.StackHash) uint32 { return uint32(k) })
	if err != nil {
		return nil, err
	}

	return &Tracker{shards: shards, aggregate: aggregate}, nil
}

func (t *Tracker) shardFor(ptr libqut.Address) *shard {
	// A pointer's low bits are far from uniform (heap allocators align to
	// 8 or 16 bytes), so shard on a hash of the address rather than the
	// address itself.
	h := xxh3.HashString(ptrKey(ptr))
	return t.shards[h%uint64(len(t.shards))]
}

func ptrKey(ptr libqut.Address) string {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(ptr >> (8 * i))
	}
	return string(buf[:])
}

// Insert records a new live allocation. Per spec.md's invariant, the
// caller guarantees ptr is not already live; Insert overwrites silently
// if it is (the previous entry is treated as having been freed without
// notification, which can happen if a free hook was missed).
func (t *Tracker) Insert(ptr libqut.Address, size uint64, caller libqut.Address, stackHash libqut.StackHash, frames []libqut.Address) {
	sh := t.shardFor(ptr)
	sh.mu.Lock()
	prev, replaced := sh.data[ptr]
	sh.data[ptr] = Allocation{Size: size, Caller: caller, StackHash: stackHash, Frames: frames}
	sh.mu.Unlock()

	t.insertCount.Add(1)
	if replaced {
		t.bumpAggregate(prev.StackHash, -int64(prev.Size), -1, prev.Caller, prev.Frames)
	}
	t.bumpAggregate(stackHash, int64(size), 1, caller, frames)
}

// Erase removes a tracked allocation for ptr, if present, updating the
// owning stack's aggregate. Erasing an untracked pointer is a no-op (the
// tracker must tolerate OnFree for a pointer it never observed).
func (t *Tracker) Erase(ptr libqut.Address) {
	sh := t.shardFor(ptr)
	sh.mu.Lock()
	alloc, ok := sh.data[ptr]
	if ok {
		delete(sh.data, ptr)
	}
	sh.mu.Unlock()

	if !ok {
		t.missCount.Add(1)
		return
	}
	t.eraseCount.Add(1)
	t.bumpAggregate(alloc.StackHash, -int64(alloc.Size), -1, alloc.Caller, alloc.Frames)
}

// Get returns the tracked allocation for ptr, if any.
func (t *Tracker) Get(ptr libqut.Address) (Allocation, bool) {
	sh := t.shardFor(ptr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	alloc, ok := sh.data[ptr]
	return alloc, ok
}

// ForEach calls fn once for every currently live allocation. fn must not
// call back into the Tracker; ForEach holds each shard's lock only for
// the duration of copying its entries, so concurrent Insert/Erase calls
// interleave cleanly but may or may not be reflected in one ForEach pass.
func (t *Tracker) ForEach(fn func(ptr libqut.Address, alloc Allocation)) {
	for _, sh := range t.shards {
		sh.mu.Lock()
		snapshot := make(map[libqut.Address]Allocation, len(sh.data))
		for k, v := range sh.data {
			snapshot[k] = v
		}
		sh.mu.Unlock()
		for k, v := range snapshot {
			fn(k, v)
		}
	}
}

// StackStats returns a snapshot of the aggregate stats for stackHash, or
// false if the aggregate map holds no entry for it. A stack whose
// allocations have all been freed is still returned, with zero counts,
// until PruneEmptyStacks drops it.
func (t *Tracker) StackStats(stackHash libqut.StackHash) (AggregateStats, bool) {
	v, ok := t.aggregate.Get(stackHash)
	if !ok {
		return AggregateStats{}, false
	}
	return *v, true
}

// bumpAggregate adjusts the aggregate stats for stackHash by deltaBytes
// and deltaCount, creating the entry (and recording its representative
// caller/frames) the first time this hash is observed. A stack hash that
// drops back to zero live bytes/count is *not* evicted here: the call
// site must remain known between snapshots, so the entry is only ever
// dropped by an explicit PruneEmptyStacks call.
func (t *Tracker) bumpAggregate(stackHash libqut.StackHash, deltaBytes, deltaCount int64, caller libqut.Address, frames []libqut.Address) {
	if stackHash.IsNull() {
		return
	}
	t.aggMu.Lock()
	defer t.aggMu.Unlock()

	stats, ok := t.aggregate.Get(stackHash)
	if !ok {
		stats = &AggregateStats{RepresentativeCaller: caller, RepresentativeFrames: frames}
		t.aggregate.Add(stackHash, stats)
	}
	stats.LiveBytes = addClamped(stats.LiveBytes, deltaBytes)
	stats.LiveCount = addClamped(stats.LiveCount, deltaCount)
}

// ForEachStack calls fn once for every stack hash currently in the
// aggregate map, live or merely retained since its last live allocation
// was freed. Order is unspecified.
func (t *Tracker) ForEachStack(fn func(stackHash libqut.StackHash, stats AggregateStats)) {
	for _, k := range t.aggregate.Keys() {
		stats, ok := t.aggregate.Get(k)
		if !ok {
			continue
		}
		fn(k, *stats)
	}
}

// PruneEmptyStacks drops every aggregate entry whose live count and byte
// total have both returned to zero. Call this once per reporting
// snapshot, after the zero entries have had their chance to appear in
// that snapshot's stack view, so a stack that merely touches zero between
// two allocations from the same call site doesn't lose its retained
// frames/caller prematurely.
func (t *Tracker) PruneEmptyStacks() {
	t.aggMu.Lock()
	defer t.aggMu.Unlock()
	for _, k := range t.aggregate.Keys() {
		stats, ok := t.aggregate.Get(k)
		if ok && stats.LiveCount == 0 && stats.LiveBytes == 0 {
			t.aggregate.Remove(k)
		}
	}
}

func addClamped(cur uint64, delta int64) uint64 {
	result := int64(cur) + delta
	if result < 0 {
		return 0
	}
	return uint64(result)
}

// GetAndResetStatistics returns the insert/erase/untracked-erase counters
// accumulated since the last call and resets them to zero.
func (t *Tracker) GetAndResetStatistics() (inserts, erases, untrackedErases uint64) {
	return t.insertCount.Swap(0), t.eraseCount.Swap(0), t.missCount.Swap(0)
}

// HashFrames computes the stack hash for a sequence of program counters,
// the Tracker's stack-identity key, using the same xxh3 content-hashing
// approach as libqut.FileID.
func HashFrames(pcs []libqut.Address) libqut.StackHash {
	h := xxh3.New()
	var buf [8]byte
	for _, pc := range pcs {
		for i := 0; i < 8; i++ {
			buf[i] = byte(pc >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	return libqut.StackHash(h.Sum64())
}
