// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi

import "fmt"

// DWARF call-frame-instruction opcodes. High two bits of the opcode byte
// select a form whose low six bits carry an inline operand
// (cfaAdvanceLoc/cfaOffset/cfaRestore); the remaining opcodes are full
// bytes. Mirrors the cfa* constants in elfehframe.go.
const (
	cfaAdvanceLoc = 0x40
	cfaOffset     = 0x80
	cfaRestore    = 0xc0

	cfaNop               = 0x00
	cfaSetLoc            = 0x01
	cfaAdvanceLoc1       = 0x02
	cfaAdvanceLoc2       = 0x03
	cfaAdvanceLoc4       = 0x04
	cfaOffsetExtended    = 0x05
	cfaRestoreExtended   = 0x06
	cfaUndefined         = 0x07
	cfaSameValue         = 0x08
	cfaRegister          = 0x09
	cfaRememberState     = 0x0a
	cfaRestoreState      = 0x0b
	cfaDefCfa            = 0x0c
	cfaDefCfaRegister    = 0x0d
	cfaDefCfaOffset      = 0x0e
	cfaDefCfaExpression  = 0x0f
	cfaExpression        = 0x10
	cfaOffsetExtendedSf  = 0x11
	cfaDefCfaSf          = 0x12
	cfaDefCfaOffsetSf    = 0x13
	cfaValOffset         = 0x14
	cfaValOffsetSf       = 0x15
	cfaValExpression     = 0x16
	cfaGNUArgsSize       = 0x2e
	cfaGNUNegOffsetExtd  = 0x2f
)

// RuleKind classifies how one register's value at a given location is
// recovered from the previous frame.
type RuleKind uint8

const (
	// RuleUndefined means the register's value in the caller is not
	// recoverable (the compiler proved it dead).
	RuleUndefined RuleKind = iota
	// RuleSameValue means the register is unchanged from the callee.
	RuleSameValue
	// RuleOffsetCFA means the register is stored at CFA+Offset.
	RuleOffsetCFA
	// RuleValOffsetCFA means the register's value (not a stored copy) is
	// CFA+Offset.
	RuleValOffsetCFA
	// RuleInRegister means the register's value lives in another register,
	// SrcReg, in the caller's frame.
	RuleInRegister
	// RuleUnsupported means this rule used a DWARF location expression,
	// which this evaluator does not interpret.
	RuleUnsupported
)

// Rule is one register recovery rule.
type Rule struct {
	Kind   RuleKind
	Offset int64
	SrcReg uint64
}

// CFARule describes how the canonical frame address is computed at a row:
// CFA = value(Register) + Offset, unless Unsupported (an expression).
type CFARule struct {
	Register    uint64
	Offset      int64
	Unsupported bool
}

// Row is the register-recovery state in effect starting at address Loc and
// running until the next row's Loc (or the end of the FDE's range).
type Row struct {
	Loc  uint64
	CFA  CFARule
	Regs map[uint64]Rule
}

func (row Row) clone() Row {
	regs := make(map[uint64]Rule, len(row.Regs))
	for k, v := range row.Regs {
		regs[k] = v
	}
	return Row{Loc: row.Loc, CFA: row.CFA, Regs: regs}
}

// CIE carries the subset of Common Information Entry fields the row
// evaluator needs: the alignment factors instructions are scaled by, the
// return-address register column, and the CIE's own initial instruction
// program (the "default" rules every FDE starts from).
type CIE struct {
	CodeAlignment uint64
	DataAlignment int64
	ReturnAddrReg uint64
	InitialInstrs []byte
}

// state is the DWARF CFI interpreter's mutable evaluation context: the
// CIE it is unwinding against, the row currently being built, and the
// remember/restore stack pushed by DW_CFA_remember_state.
type state struct {
	cie       *CIE
	loc       uint64
	cur       Row
	stack     []Row
	rows      []Row
	endOfFunc uint64
}

// Evaluate runs a CIE's initial program followed by one FDE's instruction
// program and returns the sequence of rows describing register-recovery
// rules across [fdeStart, fdeStart+fdeLen). The last row extends to the end
// of the range.
func Evaluate(cie *CIE, fdeStart, fdeLen uint64, fdeInstrs []byte) ([]Row, error) {
	st := &state{
		cie:       cie,
		loc:       fdeStart,
		endOfFunc: fdeStart + fdeLen,
		cur:       Row{Loc: fdeStart, CFA: CFARule{}, Regs: map[uint64]Rule{}},
	}

	if err := st.run(cie.InitialInstrs); err != nil {
		return nil, fmt.Errorf("dwarfcfi: CIE initial program: %w", err)
	}
	// The CIE program establishes the defaults; snapshot them as the first
	// row of the FDE before applying FDE-specific instructions.
	st.rows = append(st.rows, st.cur.clone())

	if err := st.run(fdeInstrs); err != nil {
		return nil, fmt.Errorf("dwarfcfi: FDE program: %w", err)
	}
	if last := len(st.rows) - 1; st.cur.Loc != st.rows[last].Loc {
		st.rows = append(st.rows, st.cur.clone())
	} else {
		// No advance since the last row: its rules are the final state.
		st.rows[last] = st.cur.clone()
	}
	return st.rows, nil
}

// run executes one instruction stream, advancing st.loc and pushing a new
// row each time the location advances past a prior row's start.
func (st *state) run(instrs []byte) error {
	r := newByteReader(instrs)
	for r.hasData() {
		op, err := r.u8()
		if err != nil {
			return err
		}
		hi := op & 0xc0
		lo := op & 0x3f
		switch hi {
		case cfaAdvanceLoc:
			st.advance(uint64(lo) * st.cie.CodeAlignment)
			continue
		case cfaOffset:
			off, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.Regs[uint64(lo)] = Rule{Kind: RuleOffsetCFA, Offset: int64(off) * st.cie.DataAlignment}
			continue
		case cfaRestore:
			// Restoring to the CIE's initial rule for this register; since
			// we don't retain the CIE-only row separately here, approximate
			// by dropping any FDE-local override (falls back to whatever
			// the first row captured).
			if len(st.rows) > 0 {
				if rule, ok := st.rows[0].Regs[uint64(lo)]; ok {
					st.cur.Regs[uint64(lo)] = rule
				} else {
					delete(st.cur.Regs, uint64(lo))
				}
			}
			continue
		}

		switch op {
		case cfaNop:
			// no-op, often used as padding to align the next FDE.
		case cfaSetLoc:
			// Addresses in .eh_frame are emitted pointer-sized; this
			// evaluator only targets 64-bit architectures (x86-64, arm64).
			lo32, err := r.u32()
			if err != nil {
				return err
			}
			hi32, err := r.u32()
			if err != nil {
				return err
			}
			newLoc := uint64(lo32) | uint64(hi32)<<32
			if newLoc > st.loc {
				st.rows = append(st.rows, st.cur.clone())
			}
			st.loc = newLoc
			st.cur.Loc = newLoc
		case cfaAdvanceLoc1:
			delta, err := r.u8()
			if err != nil {
				return err
			}
			st.advance(uint64(delta) * st.cie.CodeAlignment)
		case cfaAdvanceLoc2:
			delta, err := r.u16()
			if err != nil {
				return err
			}
			st.advance(uint64(delta) * st.cie.CodeAlignment)
		case cfaAdvanceLoc4:
			delta, err := r.u32()
			if err != nil {
				return err
			}
			st.advance(uint64(delta) * st.cie.CodeAlignment)
		case cfaOffsetExtended:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			off, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.Regs[reg] = Rule{Kind: RuleOffsetCFA, Offset: int64(off) * st.cie.DataAlignment}
		case cfaOffsetExtendedSf:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			off, err := r.sleb()
			if err != nil {
				return err
			}
			st.cur.Regs[reg] = Rule{Kind: RuleOffsetCFA, Offset: off * st.cie.DataAlignment}
		case cfaGNUNegOffsetExtd:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			off, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.Regs[reg] = Rule{Kind: RuleOffsetCFA, Offset: -int64(off) * st.cie.DataAlignment}
		case cfaRestoreExtended:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			if len(st.rows) > 0 {
				if rule, ok := st.rows[0].Regs[reg]; ok {
					st.cur.Regs[reg] = rule
				} else {
					delete(st.cur.Regs, reg)
				}
			}
		case cfaUndefined:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.Regs[reg] = Rule{Kind: RuleUndefined}
		case cfaSameValue:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.Regs[reg] = Rule{Kind: RuleSameValue}
		case cfaRegister:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			src, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.Regs[reg] = Rule{Kind: RuleInRegister, SrcReg: src}
		case cfaRememberState:
			st.stack = append(st.stack, st.cur.clone())
		case cfaRestoreState:
			if len(st.stack) == 0 {
				return fmt.Errorf("dwarfcfi: DW_CFA_restore_state with empty stack")
			}
			top := st.stack[len(st.stack)-1]
			st.stack = st.stack[:len(st.stack)-1]
			loc := st.cur.Loc
			st.cur = top.clone()
			st.cur.Loc = loc
		case cfaDefCfa:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			off, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.CFA = CFARule{Register: reg, Offset: int64(off)}
		case cfaDefCfaSf:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			off, err := r.sleb()
			if err != nil {
				return err
			}
			st.cur.CFA = CFARule{Register: reg, Offset: off * st.cie.DataAlignment}
		case cfaDefCfaRegister:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.CFA.Register = reg
		case cfaDefCfaOffset:
			off, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.CFA.Offset = int64(off)
		case cfaDefCfaOffsetSf:
			off, err := r.sleb()
			if err != nil {
				return err
			}
			st.cur.CFA.Offset = off * st.cie.DataAlignment
		case cfaDefCfaExpression:
			n, err := r.uleb()
			if err != nil {
				return err
			}
			r.pos += int(n)
			st.cur.CFA = CFARule{Unsupported: true}
		case cfaExpression:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			n, err := r.uleb()
			if err != nil {
				return err
			}
			r.pos += int(n)
			st.cur.Regs[reg] = Rule{Kind: RuleUnsupported}
		case cfaValExpression:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			n, err := r.uleb()
			if err != nil {
				return err
			}
			r.pos += int(n)
			st.cur.Regs[reg] = Rule{Kind: RuleUnsupported}
		case cfaValOffset:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			off, err := r.uleb()
			if err != nil {
				return err
			}
			st.cur.Regs[reg] = Rule{Kind: RuleValOffsetCFA, Offset: int64(off) * st.cie.DataAlignment}
		case cfaValOffsetSf:
			reg, err := r.uleb()
			if err != nil {
				return err
			}
			off, err := r.sleb()
			if err != nil {
				return err
			}
			st.cur.Regs[reg] = Rule{Kind: RuleValOffsetCFA, Offset: off * st.cie.DataAlignment}
		case cfaGNUArgsSize:
			if err := r.skipULEB(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("dwarfcfi: unhandled opcode 0x%02x", op)
		}
	}
	return nil
}

// advance moves the interpreter's location forward by delta bytes,
// closing out the current row and opening a new one at the new location.
func (st *state) advance(delta uint64) {
	if delta == 0 {
		return
	}
	st.rows = append(st.rows, st.cur.clone())
	st.loc += delta
	st.cur.Loc = st.loc
}
