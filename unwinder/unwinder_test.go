// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unwinder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutrack/qutrack/hooks"
	"github.com/qutrack/qutrack/imageregistry"
	"github.com/qutrack/qutrack/libqut"
	"github.com/qutrack/qutrack/memsrc"
	"github.com/qutrack/qutrack/quicken"
	"github.com/qutrack/qutrack/quicken/dwarfcfi"
	"github.com/qutrack/qutrack/unwinder"
)

type staticMapSource struct{ entries []hooks.ProcessMapEntry }

func (s staticMapSource) ReadMaps() ([]hooks.ProcessMapEntry, error) { return s.entries, nil }

type fakeTables struct{ table *quicken.Table }

func (f fakeTables) TableFor(img *imageregistry.Image) (*quicken.Table, error) {
	return f.table, nil
}

// fixedSlotFrame describes a function whose prologue establishes
// CFA = sp+16 and stores the return address at CFA-4 ([sp+12]), the same
// convention as quicken's own builder test fixture.
func fixedSlotFrame(start, end uint64) quicken.FrameDescription {
	return quicken.FrameDescription{
		Start: start,
		End:   end,
		Rows: []dwarfcfi.Row{
			{
				Loc: start,
				CFA: dwarfcfi.CFARule{Register: 7, Offset: 16},
				Regs: map[uint64]dwarfcfi.Rule{
					16: {Kind: dwarfcfi.RuleOffsetCFA, Offset: -4},
				},
			},
		},
	}
}

// buildThreeFrameStack wires together a registry with one executable
// image, a quicken table built from fixedSlotFrame, and a synthetic stack
// memory image holding three chained frames: innermost pc 0x1100 at
// sp=0x7000, whose [sp+12] slot holds the caller's pc 0x1200 and whose
// new sp is 0x7010; that frame's [sp+12] holds 0x1300 and new sp 0x7020;
// that frame's [sp+12] holds 0 (root, terminates the unwind).
func buildThreeFrameStack(t *testing.T) (*imageregistry.Registry, unwinder.TableProvider, memsrc.Source, quicken.RegisterFile) {
	t.Helper()

	b, err := quicken.NewBuilder(quicken.ArchX86_64)
	require.NoError(t, err)
	require.NoError(t, b.AddFrame(fixedSlotFrame(0x1000, 0x2000)))
	table := b.Finish("")

	registry := imageregistry.New()
	require.NoError(t, registry.Refresh(staticMapSource{entries: []hooks.ProcessMapEntry{
		{Start: 0x1000, End: 0x2000, Offset: 0x1000, Flags: hooks.MapExecutable | hooks.MapReadable, Path: "/bin/app"},
	}}))

	stack := memsrc.ByteSliceSource{Base: 0x7000, Data: make([]byte, 0x40)}
	putWord := func(addr uint64, v uint64) {
		off := addr - 0x7000
		for i := 0; i < 8; i++ {
			stack.Data[off+uint64(i)] = byte(v >> (8 * i))
		}
	}
	putWord(0x7000+12, 0x1200) // frame 0's saved return address
	putWord(0x7010+12, 0x1300) // frame 1's saved return address
	putWord(0x7020+12, 0)      // frame 2 is the root

	mem := memsrc.New(stack)
	regs := quicken.RegisterFile{7: 0x7000, 16: 0x1100}

	return registry, fakeTables{table: table}, mem, regs
}

func TestUnwindWalksThreeFrames(t *testing.T) {
	registry, tables, mem, regs := buildThreeFrameStack(t)

	frames, reason, err := unwinder.Unwind(regs, 16, 7, quicken.ArchX86_64, mem, registry, tables, nil, 16)
	require.NoError(t, err)
	assert.Equal(t, unwinder.StopFinished, reason)
	require.Len(t, frames, 3)
	assert.EqualValues(t, 0x1100, frames[0].PC)
	assert.EqualValues(t, 0x1200, frames[1].PC)
	assert.EqualValues(t, 0x1300, frames[2].PC)
}

func TestUnwindStopsAtMaxFrames(t *testing.T) {
	registry, tables, mem, regs := buildThreeFrameStack(t)

	frames, reason, err := unwinder.Unwind(regs, 16, 7, quicken.ArchX86_64, mem, registry, tables, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, unwinder.StopMaxFramesExceed, reason)
	assert.Len(t, frames, 2)
}

func TestUnwindMapsNullWhenRegistryMissing(t *testing.T) {
	_, tables, mem, regs := buildThreeFrameStack(t)
	frames, reason, err := unwinder.Unwind(regs, 16, 7, quicken.ArchX86_64, mem, nil, tables, nil, 16)
	require.NoError(t, err)
	assert.Equal(t, unwinder.StopMapsNull, reason)
	assert.Nil(t, frames)
}

func TestUnwindInvalidMapWhenPCUnmapped(t *testing.T) {
	registry, tables, mem, regs := buildThreeFrameStack(t)
	regs[16] = 0xdead0000
	frames, reason, err := unwinder.Unwind(regs, 16, 7, quicken.ArchX86_64, mem, registry, tables, nil, 16)
	require.NoError(t, err)
	assert.Equal(t, unwinder.StopInvalidMap, reason)
	require.Len(t, frames, 1, "a pc with no covering image still emits a sentinel frame")
	assert.EqualValues(t, 0xdead0000-2, frames[0].PC)
	assert.Nil(t, frames[0].Image)
}

func TestUnwindDetectsRepeatedFrame(t *testing.T) {
	b, err := quicken.NewBuilder(quicken.ArchX86_64)
	require.NoError(t, err)
	// A degenerate rule that never advances the stack pointer, producing
	// an infinite loop unless repeated-frame detection breaks it.
	require.NoError(t, b.AddFrame(quicken.FrameDescription{
		Start: 0x1000, End: 0x2000,
		Rows: []dwarfcfi.Row{
			{
				Loc: 0x1000,
				CFA: dwarfcfi.CFARule{Register: 7, Offset: 0},
				Regs: map[uint64]dwarfcfi.Rule{
					16: {Kind: dwarfcfi.RuleOffsetCFA, Offset: 0},
				},
			},
		},
	}))
	table := b.Finish("")

	registry := imageregistry.New()
	require.NoError(t, registry.Refresh(staticMapSource{entries: []hooks.ProcessMapEntry{
		{Start: 0x1000, End: 0x2000, Offset: 0x1000, Flags: hooks.MapExecutable, Path: "/bin/app"},
	}}))

	stack := memsrc.ByteSliceSource{Base: 0x7000, Data: make([]byte, 16)}
	for i := range stack.Data {
		stack.Data[i] = 0
	}
	stack.Data[0], stack.Data[1] = 0x00, 0x11 // pc word at sp+0 reads back 0x1100
	stack.Data[2] = 0x00

	mem := memsrc.New(stack)
	regs := quicken.RegisterFile{7: 0x7000, 16: 0x1100}

	var provider unwinder.TableProvider = fakeTables{table: table}
	frames, reason, err := unwinder.Unwind(regs, 16, 7, quicken.ArchX86_64, mem, registry, provider, nil, 16)
	require.NoError(t, err)
	assert.Equal(t, unwinder.StopRepeatedFrame, reason)
	assert.Len(t, frames, 1)
}

func TestUnwindX86CallAdjustmentDetectsTwoByteIndirectCall(t *testing.T) {
	b, err := quicken.NewBuilder(quicken.ArchX86_64)
	require.NoError(t, err)
	// Records cover [0x1000, 0x1198) and [0x11fe, 0x2000). The return
	// address 0x1200 reaches the second only if the two-byte ("ff d0")
	// call-width adjustment is applied (0x11fe); the four-byte back-step
	// (0x11fc) falls in the gap and the walk would stop with unsupported
	// instead.
	require.NoError(t, b.AddFrame(fixedSlotFrame(0x1000, 0x1198)))
	require.NoError(t, b.AddFrame(fixedSlotFrame(0x11fe, 0x2000)))
	table := b.Finish("")

	registry := imageregistry.New()
	require.NoError(t, registry.Refresh(staticMapSource{entries: []hooks.ProcessMapEntry{
		{Start: 0x1000, End: 0x2000, Offset: 0x1000, Flags: hooks.MapExecutable | hooks.MapReadable, Path: "/bin/app"},
	}}))

	code := memsrc.ByteSliceSource{Base: 0x1000, Data: make([]byte, 0x1000)}
	code.Data[0x1200-0x1000-2] = 0xff // "ff d0", call *rax: two bytes
	code.Data[0x1200-0x1000-1] = 0xd0

	stack := memsrc.ByteSliceSource{Base: 0x7000, Data: make([]byte, 0x40)}
	putWord := func(addr uint64, v uint64) {
		off := addr - 0x7000
		for i := 0; i < 8; i++ {
			stack.Data[off+uint64(i)] = byte(v >> (8 * i))
		}
	}
	putWord(0x7000+12, 0x1200)
	putWord(0x7010+12, 0)

	mem := memsrc.New(memsrc.MapSource{code, stack})
	regs := quicken.RegisterFile{7: 0x7000, 16: 0x1100}

	var provider unwinder.TableProvider = fakeTables{table: table}
	frames, reason, err := unwinder.Unwind(regs, 16, 7, quicken.ArchX86_64, mem, registry, provider, nil, 16)
	require.NoError(t, err)
	assert.Equal(t, unwinder.StopFinished, reason)
	require.Len(t, frames, 2)
	assert.EqualValues(t, 0x1200, frames[1].PC)
}

func TestUnwindARM64CallAdjustmentIsFixedFourBytes(t *testing.T) {
	b, err := quicken.NewBuilder(quicken.ArchARM64)
	require.NoError(t, err)
	// ARM64 numbering: CFA = sp (x31) + 16, return address (x30) at
	// CFA-4. Records cover [0x1000, 0x1180) and [0x11fc, 0x11fe): the
	// return address 0x1200 reaches the second only through the fixed
	// four-byte adjustment (0x11fc); a two-byte back-step (0x11fe) would
	// miss it.
	armFrame := func(start, end uint64) quicken.FrameDescription {
		return quicken.FrameDescription{
			Start: start,
			End:   end,
			Rows: []dwarfcfi.Row{{
				Loc:  start,
				CFA:  dwarfcfi.CFARule{Register: 31, Offset: 16},
				Regs: map[uint64]dwarfcfi.Rule{30: {Kind: dwarfcfi.RuleOffsetCFA, Offset: -4}},
			}},
		}
	}
	require.NoError(t, b.AddFrame(armFrame(0x1000, 0x1180)))
	require.NoError(t, b.AddFrame(armFrame(0x11fc, 0x11fe)))
	table := b.Finish("")

	registry := imageregistry.New()
	require.NoError(t, registry.Refresh(staticMapSource{entries: []hooks.ProcessMapEntry{
		{Start: 0x1000, End: 0x2000, Offset: 0x1000, Flags: hooks.MapExecutable | hooks.MapReadable, Path: "/bin/app"},
	}}))

	stack := memsrc.ByteSliceSource{Base: 0x7000, Data: make([]byte, 0x40)}
	putWord := func(addr uint64, v uint64) {
		off := addr - 0x7000
		for i := 0; i < 8; i++ {
			stack.Data[off+uint64(i)] = byte(v >> (8 * i))
		}
	}
	putWord(0x7000+12, 0x1200)
	putWord(0x7010+12, 0) // the caller is the root

	mem := memsrc.New(stack)
	regs := quicken.RegisterFile{31: 0x7000, 30: 0x1100}

	var provider unwinder.TableProvider = fakeTables{table: table}
	frames, reason, err := unwinder.Unwind(regs, 30, 31, quicken.ArchARM64, mem, registry, provider, nil, 16)
	require.NoError(t, err)
	assert.Equal(t, unwinder.StopFinished, reason)
	require.Len(t, frames, 2)
	assert.EqualValues(t, 0x1200, frames[1].PC)
	assert.EqualValues(t, 0x11fc, frames[1].RelativePC)
}

func TestUnwindParksInterpretedFrameBeforeNextNativeFrame(t *testing.T) {
	registry, tables, mem, regs := buildThreeFrameStack(t)

	img, ok := registry.Find(0x1100)
	require.True(t, ok)
	img.MayContainInterpreted = true

	// The side channel reports an interpreted pc only while frame 0
	// (pc 0x1100) is being stepped.
	interpreted := func(img *imageregistry.Image, regs quicken.RegisterFile) (libqut.Address, bool) {
		return 0xfeed0000, regs[16] == 0x1100
	}

	frames, reason, err := unwinder.Unwind(regs, 16, 7, quicken.ArchX86_64, mem, registry, tables, interpreted, 16)
	require.NoError(t, err)
	assert.Equal(t, unwinder.StopFinished, reason)
	require.Len(t, frames, 4, "the interpreted pc parked after frame 0 adds one frame")
	assert.EqualValues(t, 0x1100, frames[0].PC)
	assert.False(t, frames[0].IsInterpreted)
	assert.EqualValues(t, 0xfeed0000, frames[1].PC)
	assert.True(t, frames[1].IsInterpreted)
	assert.EqualValues(t, 0x1200, frames[2].PC)
	assert.EqualValues(t, 0x1300, frames[3].PC)
}
