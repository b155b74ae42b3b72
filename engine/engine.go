// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine wires the Image Registry, Table Cache, Stepping
// Unwinder, Allocation Tracker and Thread Provenance Tracker together
// behind the hooks.Hooks contract, the single entry point the
// function-interposition layer drives. Nothing here is itself specified
// in detail by spec.md's component design sections; it is the glue those
// sections assume exists, grounded on the way the teacher's tracer type
// (tracer/tracer.go) holds one instance each of the subsystems it
// coordinates and exposes them through a single hook surface.
package engine // import "github.com/qutrack/qutrack/engine"

import (
	"context"
	"debug/elf"
	"fmt"
	"math/rand"

	"github.com/qutrack/qutrack/alloctracker"
	"github.com/qutrack/qutrack/engineconfig"
	"github.com/qutrack/qutrack/hooks"
	"github.com/qutrack/qutrack/imageregistry"
	"github.com/qutrack/qutrack/libqut"
	"github.com/qutrack/qutrack/memsrc"
	"github.com/qutrack/qutrack/quicken"
	"github.com/qutrack/qutrack/report"
	"github.com/qutrack/qutrack/tablecache"
	"github.com/qutrack/qutrack/threadprovenance"
	"github.com/qutrack/qutrack/unwinder"
)

// CaptureFunc returns the calling thread's current register file, in the
// DWARF register numbering of the engine's configured architecture. It is
// supplied by the instrumentation layer (the only place that can actually
// read the current PC/SP/callee-saved registers), the same boundary
// threadprovenance.CapturePublish's captureFn parameter draws: Go has no
// portable way to read a goroutine's own machine registers, so the
// capability is an explicit caller-supplied function rather than anything
// this package can provide itself.
type CaptureFunc func() (quicken.RegisterFile, error)

// Engine is the single stateful object the interposition layer drives.
// It implements hooks.Hooks.
type Engine struct {
	cfg engineconfig.Config

	registry *imageregistry.Registry
	cache    *tablecache.Cache
	mem      memsrc.Source

	heap    *alloctracker.Tracker
	mapping *alloctracker.Tracker

	provenance *threadprovenance.Registry
	sampler    *alloctracker.SamplingPolicy

	capture      CaptureFunc
	pcReg, spReg uint64
	arch         quicken.Arch
	interpreted  unwinder.InterpretedPCFunc
}

var _ hooks.Hooks = (*Engine)(nil)

// New validates cfg and constructs an Engine targeting arch, reading
// target process memory through mem and capturing register state via
// capture. rnd supplies the sampling policy's uniform draws; pass nil to
// use math/rand.Float64.
func New(cfg engineconfig.Config, mem memsrc.Source, capture CaptureFunc, arch quicken.Arch, rnd func() float64) (*Engine, error) {
	filters, err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("engine: invalid configuration: %w", err)
	}

	pcReg, spReg, ok := unwinder.ArchRegisters(arch)
	if !ok {
		return nil, fmt.Errorf("engine: unsupported architecture %v", arch)
	}

	cache, err := tablecache.New(cfg.TableCacheDir, cfg.TableCacheMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("engine: opening table cache: %w", err)
	}

	heap, err := alloctracker.New(cfg.ShardCount, 1<<16)
	if err != nil {
		return nil, fmt.Errorf("engine: creating heap tracker: %w", err)
	}
	mapping, err := alloctracker.New(cfg.ShardCount, 1<<16)
	if err != nil {
		return nil, fmt.Errorf("engine: creating mapping tracker: %w", err)
	}

	if rnd == nil {
		rnd = rand.Float64
	}
	sampler := alloctracker.NewSamplingPolicy(
		cfg.SampleSizeMin, cfg.SampleSizeMax, cfg.SamplingProbability, cfg.CallerSamplingEnabled, rnd)

	return &Engine{
		cfg:        cfg,
		registry:   imageregistry.New(),
		cache:      cache,
		mem:        mem,
		heap:       heap,
		mapping:    mapping,
		provenance: threadprovenance.New(filters),
		sampler:    sampler,
		capture:    capture,
		pcReg:      pcReg,
		spReg:      spReg,
		arch:       arch,
	}, nil
}

// SetInterpretedSource installs the interpreted-runtime bridge the
// stepping unwinder consults for images flagged
// imageregistry.Image.MayContainInterpreted. Pass nil (the default) to
// leave the bridge disabled.
func (e *Engine) SetInterpretedSource(fn unwinder.InterpretedPCFunc) {
	e.interpreted = fn
}

// Refresh re-reads the process map table, the call the embedding
// interposition layer makes whenever it is notified of a new image being
// loaded (spec.md §4.A).
func (e *Engine) Refresh(src hooks.ProcessMapSource) error {
	return e.registry.Refresh(src)
}

// Dump freezes the current tracker state into a ranked report.
func (e *Engine) Dump(symbolize report.SymbolizeFunc) *report.Document {
	return report.Build(e.registry, e.heap, e.mapping, symbolize)
}

// OnAlloc implements hooks.Hooks.
func (e *Engine) OnAlloc(caller, ptr libqut.Address, size uint64) {
	e.recordAllocation(e.heap, caller, ptr, size)
}

// OnFree implements hooks.Hooks. Freeing a pointer the tracker never
// observed is a no-op (alloctracker.Tracker.Erase already tolerates this).
func (e *Engine) OnFree(ptr libqut.Address) {
	e.heap.Erase(ptr)
}

// OnMap implements hooks.Hooks.
func (e *Engine) OnMap(caller, ptr libqut.Address, size uint64) {
	e.recordAllocation(e.mapping, caller, ptr, size)
}

// OnUnmap implements hooks.Hooks.
func (e *Engine) OnUnmap(ptr libqut.Address) {
	e.mapping.Erase(ptr)
}

// OnThreadCreate implements hooks.Hooks.
func (e *Engine) OnThreadCreate(handle libqut.TID) {
	e.provenance.OnThreadCreate(handle)
}

// OnThreadSetName implements hooks.Hooks.
func (e *Engine) OnThreadSetName(handle libqut.TID, name string) {
	e.provenance.OnThreadSetName(handle, name)
}

// OnThreadDestroy implements hooks.Hooks.
func (e *Engine) OnThreadDestroy(handle libqut.TID) {
	e.provenance.OnThreadDestroy(handle)
}

// CaptureThreadOrigin runs the Thread Provenance Tracker's capture/publish
// handshake for a just-created thread, called by the creating thread
// itself. reentrant must be true when this call originates from within
// the capture pipeline (e.g. the malloc arena used to build the frame
// list itself triggered on_thread_create), since Go has no thread-local
// storage to detect that automatically.
func (e *Engine) CaptureThreadOrigin(handle, creator libqut.TID, reentrant bool) {
	e.provenance.CapturePublish(handle, creator, reentrant, e.captureLongStack)
}

// recordAllocation is OnAlloc/OnMap's shared body: sample, optionally
// unwind, and insert into tracker.
func (e *Engine) recordAllocation(tracker *alloctracker.Tracker, caller, ptr libqut.Address, size uint64) {
	if !e.cfg.StacktraceEnabled || !e.cfg.QuickenUnwindEnabled || !e.sampler.ShouldSample(size) {
		tracker.Insert(ptr, size, caller, 0, nil)
		return
	}

	pcs := e.captureShortStack()
	var stackHash libqut.StackHash
	if len(pcs) > 0 {
		stackHash = alloctracker.HashFrames(pcs)
	}
	tracker.Insert(ptr, size, caller, stackHash, pcs)
}

// captureShortStack captures the allocation-path stack, bounded by
// MaxFramesShort.
func (e *Engine) captureShortStack() []libqut.Address {
	return e.captureStack(e.cfg.MaxFramesShort)
}

// captureLongStack captures the thread-provenance stack, bounded by
// MaxFramesLong (spec.md's two capture-buffer-size variant).
func (e *Engine) captureLongStack() []libqut.Address {
	return e.captureStack(e.cfg.MaxFramesLong)
}

// captureStack runs the stepping unwinder from the current register
// state and returns the recovered program counters, or nil if capture or
// unwinding did not finish cleanly. Per spec.md §7, every unwinder error
// kind - including a max-frames cutoff - is treated as equivalent to "no
// stack": only a clean StopFinished yields a stored stack hash.
func (e *Engine) captureStack(maxFrames int) []libqut.Address {
	if e.capture == nil {
		return nil
	}
	regs, err := e.capture()
	if err != nil {
		return nil
	}

	frames, stop, _ := unwinder.Unwind(
		regs, e.pcReg, e.spReg, e.arch, e.mem, e.registry, tableProviderFunc(e.tableFor), e.interpreted, maxFrames)
	if stop != unwinder.StopFinished {
		return nil
	}

	pcs := make([]libqut.Address, len(frames))
	for i, f := range frames {
		pcs[i] = f.PC
	}
	return pcs
}

// tableProviderFunc adapts a plain function to unwinder.TableProvider.
type tableProviderFunc func(img *imageregistry.Image) (*quicken.Table, error)

func (f tableProviderFunc) TableFor(img *imageregistry.Image) (*quicken.Table, error) {
	return f(img)
}

// tableFor answers from the on-disk cache only: a miss registers img for
// a background build and fails the current unwind with ErrPending rather
// than parsing DWARF inline, so a newly observed image never stalls the
// hot allocation path. DrainTableRequests is what actually builds the
// table; the next allocation through the same image after a drain hits
// the cache and unwinds normally.
func (e *Engine) tableFor(img *imageregistry.Image) (*quicken.Table, error) {
	key := tablecache.Key(img.FileID, img.BuildID)
	if e.cache.Has(key) {
		return e.cache.Load(key)
	}
	e.cache.RegisterRequest(tablecache.Identity{Key: key, Path: img.Path})
	return nil, fmt.Errorf("engine: table for %s: %w", img.Path, tablecache.ErrPending)
}

// DrainTableRequests builds every quicken table requested by tableFor
// misses since the last drain, bounded by concurrency. It is meant to run
// off the hot allocation path, e.g. on a periodic ticker in the
// embedding instrumentation layer.
func (e *Engine) DrainTableRequests(ctx context.Context, concurrency int) error {
	return e.cache.DrainAndBuild(ctx, concurrency, func(identity tablecache.Identity) (*quicken.Table, error) {
		f, err := elf.Open(identity.Path)
		if err != nil {
			return nil, fmt.Errorf("engine: opening %s: %w", identity.Path, err)
		}
		defer f.Close()
		return quicken.ExtractELF(f)
	})
}
