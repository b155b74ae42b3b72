// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package quicken_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutrack/qutrack/quicken"
	"github.com/qutrack/qutrack/quicken/dwarfcfi"
)

// frameWithFixedSlots builds a FrameDescription whose single row restores
// the return address from [sp+12] and sets the new stack pointer to
// sp+16 — CFA = sp+16, RA = *(CFA-4).
func frameWithFixedSlots(start, end uint64) quicken.FrameDescription {
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

func TestBuildFromTwoFixedSlotRecords(t *testing.T) {
	b, err := quicken.NewBuilder(quicken.ArchX86_64)
	require.NoError(t, err)

	require.NoError(t, b.AddFrame(frameWithFixedSlots(0x1000, 0x1040)))
	require.NoError(t, b.AddFrame(frameWithFixedSlots(0x1040, 0x1080)))

	table := b.Finish("")
	require.Len(t, table.Records, 1, "identical adjacent rules must coalesce into one record")
	assert.Equal(t, uint32(0x1000), table.Records[0].PCStart)
	assert.Equal(t, uint32(0x1080), table.Records[0].PCEnd)

	rec, ok := table.Lookup(0x1050)
	require.True(t, ok)
	instrs, err := table.Instructions(rec)
	require.NoError(t, err)

	regs := quicken.RegisterFile{7: 0x7ffff000} // sp
	mem := map[uint64]uint64{0x7ffff000 + 16 - 4: 0xdeadbeef}
	err = quicken.Execute(instrs, regs, func(addr uint64) (uint64, error) {
		return mem[addr], nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), regs[16], "return address must be loaded from sp+12")
	assert.Equal(t, uint64(0x7ffff000+16), regs[7], "stack pointer must advance to the CFA")
}

func TestBuildFromUnsupportedExpressionRow(t *testing.T) {
	b, err := quicken.NewBuilder(quicken.ArchX86_64)
	require.NoError(t, err)

	fd := quicken.FrameDescription{
		Start: 0x2000,
		End:   0x2010,
		Rows: []dwarfcfi.Row{
			{Loc: 0x2000, CFA: dwarfcfi.CFARule{Unsupported: true}, Regs: map[uint64]dwarfcfi.Rule{}},
		},
	}
	require.NoError(t, b.AddFrame(fd))
	table := b.Finish("")

	rec, ok := table.Lookup(0x2004)
	require.True(t, ok)
	instrs, err := table.Instructions(rec)
	require.NoError(t, err)
	require.Len(t, instrs, 1)
	assert.Equal(t, quicken.OpUnsupported, instrs[0].Op)

	err = quicken.Execute(instrs, quicken.RegisterFile{}, nil)
	assert.ErrorIs(t, err, quicken.ErrUnsupportedRule)
}

func TestLookupMissOutsideRange(t *testing.T) {
	b, err := quicken.NewBuilder(quicken.ArchX86_64)
	require.NoError(t, err)
	require.NoError(t, b.AddFrame(frameWithFixedSlots(0x1000, 0x1040)))
	table := b.Finish("")

	_, ok := table.Lookup(0x500)
	assert.False(t, ok)
	_, ok = table.Lookup(0x2000)
	assert.False(t, ok)
}
