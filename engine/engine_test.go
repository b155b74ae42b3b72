// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutrack/qutrack/engine"
	"github.com/qutrack/qutrack/engineconfig"
	"github.com/qutrack/qutrack/hooks"
	"github.com/qutrack/qutrack/memsrc"
	"github.com/qutrack/qutrack/quicken"
)

type staticMapSource struct{ entries []hooks.ProcessMapEntry }

func (s staticMapSource) ReadMaps() ([]hooks.ProcessMapEntry, error) { return s.entries, nil }

func baseConfig(t *testing.T) engineconfig.Config {
	cfg := engineconfig.DefaultConfig()
	cfg.TableCacheDir = t.TempDir()
	return cfg
}

func TestOnAllocWithoutStacktraceNeverCallsCapture(t *testing.T) {
	cfg := baseConfig(t)
	cfg.StacktraceEnabled = false

	called := false
	capture := func() (quicken.RegisterFile, error) {
		called = true
		return nil, nil
	}

	e, err := engine.New(cfg, memsrc.Source{}, capture, quicken.ArchX86_64, func() float64 { return 0 })
	require.NoError(t, err)

	e.OnAlloc(0x1234, 0xaaaa, 64)
	assert.False(t, called, "capture must not run when stacktrace capture is disabled")

	doc := e.Dump(nil)
	require.Len(t, doc.ByImageHeap, 1)
	assert.Equal(t, uint64(64), doc.ByImageHeap[0].LiveBytes)
}

func TestOnAllocZeroSamplingProbabilityYieldsNoStacks(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SamplingProbability = 0

	called := false
	capture := func() (quicken.RegisterFile, error) {
		called = true
		return quicken.RegisterFile{7: 0x7000, 16: 0x1000}, nil
	}

	e, err := engine.New(cfg, memsrc.Source{}, capture, quicken.ArchX86_64, func() float64 { return 0.999999 })
	require.NoError(t, err)

	e.OnAlloc(0x1234, 0xaaaa, 64)
	assert.False(t, called, "sampling must reject before capture runs")

	doc := e.Dump(nil)
	assert.Empty(t, doc.StacksHeap, "unsampled allocations must carry no stack")
}

func TestOnAllocWithUnbuildableTableStillRecordsPointer(t *testing.T) {
	cfg := baseConfig(t)

	capture := func() (quicken.RegisterFile, error) {
		return quicken.RegisterFile{7: 0x7000, 16: 0x1010}, nil
	}

	mem := memsrc.New(memsrc.ByteSliceSource{Base: 0x7000, Data: make([]byte, 64)})
	e, err := engine.New(cfg, mem, capture, quicken.ArchX86_64, func() float64 { return 0 })
	require.NoError(t, err)

	require.NoError(t, e.Refresh(staticMapSource{entries: []hooks.ProcessMapEntry{{
		Start: 0x1000, End: 0x2000, Flags: hooks.MapExecutable, Path: "/nonexistent/binary",
	}}}))

	e.OnAlloc(0x1010, 0xaaaa, 128)

	doc := e.Dump(nil)
	require.Len(t, doc.ByImageHeap, 1)
	assert.Equal(t, "/nonexistent/binary", doc.ByImageHeap[0].Path)
	assert.Equal(t, uint64(128), doc.ByImageHeap[0].LiveBytes)
	assert.Empty(t, doc.StacksHeap, "a table that is not available yet must still record the pointer with a null stack hash")
}

func TestOnAllocRegistersTableRequestDrainedOffHotPath(t *testing.T) {
	cfg := baseConfig(t)

	capture := func() (quicken.RegisterFile, error) {
		return quicken.RegisterFile{7: 0x7000, 16: 0x1010}, nil
	}

	mem := memsrc.New(memsrc.ByteSliceSource{Base: 0x7000, Data: make([]byte, 64)})
	e, err := engine.New(cfg, mem, capture, quicken.ArchX86_64, func() float64 { return 0 })
	require.NoError(t, err)

	require.NoError(t, e.Refresh(staticMapSource{entries: []hooks.ProcessMapEntry{{
		Start: 0x1000, End: 0x2000, Flags: hooks.MapExecutable, Path: "/nonexistent/binary",
	}}}))

	// The first allocation through this image misses the table cache and
	// registers a build request instead of parsing inline; nothing here
	// has attempted to open the (nonexistent) binary yet.
	e.OnAlloc(0x1010, 0xaaaa, 128)

	// DrainTableRequests runs the queued build off the hot path and
	// surfaces its failure, proving the miss was actually queued.
	err = e.DrainTableRequests(context.Background(), 1)
	assert.Error(t, err, "draining a request for a nonexistent binary must surface the open failure")
}

func TestOnFreeOfUntrackedPointerIsNoop(t *testing.T) {
	cfg := baseConfig(t)
	cfg.StacktraceEnabled = false

	e, err := engine.New(cfg, memsrc.Source{}, nil, quicken.ArchX86_64, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() { e.OnFree(0xdeadbeef) })
}

func TestOnMapAndOnUnmapTrackSeparatelyFromHeap(t *testing.T) {
	cfg := baseConfig(t)
	cfg.StacktraceEnabled = false

	e, err := engine.New(cfg, memsrc.Source{}, nil, quicken.ArchX86_64, nil)
	require.NoError(t, err)

	e.OnAlloc(0x1, 0x100, 10)
	e.OnMap(0x2, 0x200, 20)

	doc := e.Dump(nil)
	require.Len(t, doc.ByImageHeap, 1)
	require.Len(t, doc.ByImageMapping, 1)
	assert.Equal(t, uint64(10), doc.ByImageHeap[0].LiveBytes)
	assert.Equal(t, uint64(20), doc.ByImageMapping[0].LiveBytes)

	e.OnUnmap(0x200)
	doc = e.Dump(nil)
	assert.Empty(t, doc.ByImageMapping)
	assert.Equal(t, uint64(10), doc.ByImageHeap[0].LiveBytes, "unmapping must not affect the heap tracker")
}

func TestCaptureThreadOriginWithoutCaptureFuncCompletes(t *testing.T) {
	cfg := baseConfig(t)
	cfg.StacktraceEnabled = false

	e, err := engine.New(cfg, memsrc.Source{}, nil, quicken.ArchX86_64, nil)
	require.NoError(t, err)

	e.OnThreadCreate(5)
	e.CaptureThreadOrigin(5, 1, false)

	doc := e.Dump(nil)
	assert.NotNil(t, doc)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SamplingProbability = 2

	_, err := engine.New(cfg, memsrc.Source{}, nil, quicken.ArchX86_64, nil)
	assert.Error(t, err)
}

func TestNewRejectsUnknownArchitecture(t *testing.T) {
	cfg := baseConfig(t)
	_, err := engine.New(cfg, memsrc.Source{}, nil, quicken.ArchUnknown, nil)
	assert.Error(t, err)
}
