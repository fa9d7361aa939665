/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package asm

import "fmt"

// Reg is one of the 128 quadword registers of the co-processor.
type Reg uint8

// Register conventions of the out-of-line runtime.
const (
	RegLR   Reg = 0 // link register
	RegSP   Reg = 1
	RegArg0 Reg = 3 // first argument and return value
	RegArg1 Reg = 4
	RegArg2 Reg = 5
	RegArg3 Reg = 6
	RegArg4 Reg = 7
	// 75..79 are scratch registers owned by the out-of-line routines
	RegT0 Reg = 75
	RegT1 Reg = 76
	RegT2 Reg = 77
	RegT3 Reg = 78
	RegT4 Reg = 79
	// registers above 80 are preserved across calls
	RegTrapCode Reg = 126
	RegTrapPC   Reg = 127
)

// Opcodes, by instruction format. Each value is the opcode field as it
// appears at the top of the instruction word.
const (
	// RR, 11 bit
	opStop   = 0x000
	opLnop   = 0x001
	opSync   = 0x002
	opDsync  = 0x003
	opRdch   = 0x00d
	opRchcnt = 0x00f
	opSf     = 0x040
	opOr     = 0x041
	opShl    = 0x05b
	opRotm   = 0x059
	opA      = 0x0c0
	opAnd    = 0x0c1
	opWrch   = 0x10d
	opBiz    = 0x128
	opBinz   = 0x129
	opStqx   = 0x144
	opBi     = 0x1a8
	opBisl   = 0x1a9
	opLqx    = 0x1c4
	opRotqby = 0x1dc
	opNop    = 0x201
	opCgt    = 0x240
	opXor    = 0x241
	opClgt   = 0x2c0
	opCeq    = 0x3c0

	// RI7, 11 bit
	opRoti    = 0x078
	opRotmi   = 0x079
	opShli    = 0x07b
	opCbd     = 0x1f4
	opCwd     = 0x1f6
	opRotqbyi = 0x1fc

	// RI10, 8 bit
	opOri   = 0x04
	opSfi   = 0x0c
	opAndi  = 0x14
	opAi    = 0x1c
	opAhi   = 0x1d
	opStqd  = 0x24
	opLqd   = 0x34
	opCgti  = 0x4c
	opClgti = 0x5c
	opMpyi  = 0x74
	opCeqi  = 0x7c

	// RI16, 9 bit
	opBrz   = 0x040
	opStqa  = 0x041
	opBrnz  = 0x042
	opBrhz  = 0x044
	opBrhnz = 0x046
	opBra   = 0x060
	opLqa   = 0x061
	opBrasl = 0x062
	opBr    = 0x064
	opBrsl  = 0x066
	opIl    = 0x081
	opIlhu  = 0x082
	opIlh   = 0x083
	opIohl  = 0x0c1

	// RI18, 7 bit
	opIla = 0x21

	// RRR, 4 bit
	opSelb  = 0x8
	opShufb = 0xb
	opFma   = 0xe
)

func checkReg(regs ...Reg) {
	for _, r := range regs {
		if r > 127 {
			panic(fmt.Sprintf("asm: register %d out of range", r))
		}
	}
}

func checkSigned(v int32, bits uint) {
	lim := int32(1) << (bits - 1)
	if v < -lim || v >= lim {
		panic(fmt.Sprintf("asm: immediate %d does not fit %d bits", v, bits))
	}
}

func (w *Writer) rr(op uint32, rt, ra, rb Reg) {
	checkReg(rt, ra, rb)
	w.Emit(op<<21 | uint32(rb)<<14 | uint32(ra)<<7 | uint32(rt))
}

func (w *Writer) rrr(op uint32, rt, ra, rb, rc Reg) {
	checkReg(rt, ra, rb, rc)
	w.Emit(op<<28 | uint32(rt)<<21 | uint32(rb)<<14 | uint32(ra)<<7 | uint32(rc))
}

func (w *Writer) ri7(op uint32, rt, ra Reg, i7 int32) {
	checkReg(rt, ra)
	checkSigned(i7, 7)
	w.Emit(op<<21 | (uint32(i7)&0x7f)<<14 | uint32(ra)<<7 | uint32(rt))
}

func (w *Writer) ri10(op uint32, rt, ra Reg, i10 int32) {
	checkReg(rt, ra)
	checkSigned(i10, 10)
	w.Emit(op<<24 | (uint32(i10)&0x3ff)<<14 | uint32(ra)<<7 | uint32(rt))
}

func (w *Writer) ri16(op uint32, rt Reg, i16 uint32) {
	checkReg(rt)
	w.Emit(op<<23 | (i16&0xffff)<<7 | uint32(rt))
}

func (w *Writer) ri18(op uint32, rt Reg, i18 uint32) {
	checkReg(rt)
	if i18 > 0x3ffff {
		panic(fmt.Sprintf("asm: immediate 0x%x does not fit 18 bits", i18))
	}
	w.Emit(op<<25 | i18<<7 | uint32(rt))
}

// --- loads and stores ---

// Lqd loads the quadword at ra+off; off must be a multiple of 16.
func (w *Writer) Lqd(rt, ra Reg, off int32) {
	if off%16 != 0 {
		panic("asm: lqd offset not quadword aligned")
	}
	w.ri10(opLqd, rt, ra, off/16)
}

func (w *Writer) Stqd(rt, ra Reg, off int32) {
	if off%16 != 0 {
		panic("asm: stqd offset not quadword aligned")
	}
	w.ri10(opStqd, rt, ra, off/16)
}

func (w *Writer) Lqx(rt, ra, rb Reg) { w.rr(opLqx, rt, ra, rb) }
func (w *Writer) Stqx(rt, ra, rb Reg) { w.rr(opStqx, rt, ra, rb) }

// Lqa loads the quadword at an absolute local address.
func (w *Writer) Lqa(rt Reg, addr uint32) { w.ri16(opLqa, rt, addr>>2) }
func (w *Writer) Stqa(rt Reg, addr uint32) { w.ri16(opStqa, rt, addr>>2) }

func (w *Writer) LqaLabel(rt Reg, l Label) {
	w.addFixup(l, FixAbs16)
	w.ri16(opLqa, rt, 0)
}

func (w *Writer) StqaLabel(rt Reg, l Label) {
	w.addFixup(l, FixAbs16)
	w.ri16(opStqa, rt, 0)
}

// --- immediates ---

func (w *Writer) Il(rt Reg, v int32) {
	checkSigned(v, 16)
	w.ri16(opIl, rt, uint32(v))
}

func (w *Writer) Ilhu(rt Reg, v uint16) { w.ri16(opIlhu, rt, uint32(v)) }
func (w *Writer) Ilh(rt Reg, v uint16) { w.ri16(opIlh, rt, uint32(v)) }
func (w *Writer) Iohl(rt Reg, v uint16) { w.ri16(opIohl, rt, uint32(v)) }
func (w *Writer) Ila(rt Reg, v uint32) { w.ri18(opIla, rt, v) }

// IlaLabel loads the address of a label.
func (w *Writer) IlaLabel(rt Reg, l Label) {
	w.addFixup(l, FixAbs18)
	w.ri18(opIla, rt, 0)
}

// LoadImm32 materializes any 32 bit constant in one or two instructions.
func (w *Writer) LoadImm32(rt Reg, v uint32) {
	switch {
	case int32(v) >= -0x8000 && int32(v) < 0x8000:
		w.Il(rt, int32(v))
	case v <= 0x3ffff:
		w.Ila(rt, v)
	default:
		w.Ilhu(rt, uint16(v>>16))
		if v&0xffff != 0 {
			w.Iohl(rt, uint16(v))
		}
	}
}

// --- arithmetic and logic ---

func (w *Writer) A(rt, ra, rb Reg) { w.rr(opA, rt, ra, rb) }
func (w *Writer) Sf(rt, ra, rb Reg) { w.rr(opSf, rt, ra, rb) }
func (w *Writer) And(rt, ra, rb Reg) { w.rr(opAnd, rt, ra, rb) }
func (w *Writer) Or(rt, ra, rb Reg) { w.rr(opOr, rt, ra, rb) }
func (w *Writer) Xor(rt, ra, rb Reg) { w.rr(opXor, rt, ra, rb) }
func (w *Writer) Shl(rt, ra, rb Reg) { w.rr(opShl, rt, ra, rb) }
func (w *Writer) Ceq(rt, ra, rb Reg) { w.rr(opCeq, rt, ra, rb) }
func (w *Writer) Cgt(rt, ra, rb Reg) { w.rr(opCgt, rt, ra, rb) }
func (w *Writer) Clgt(rt, ra, rb Reg) { w.rr(opClgt, rt, ra, rb) }

func (w *Writer) Ai(rt, ra Reg, v int32) { w.ri10(opAi, rt, ra, v) }
func (w *Writer) Ahi(rt, ra Reg, v int32) { w.ri10(opAhi, rt, ra, v) }
func (w *Writer) Sfi(rt, ra Reg, v int32) { w.ri10(opSfi, rt, ra, v) }
func (w *Writer) Andi(rt, ra Reg, v int32) { w.ri10(opAndi, rt, ra, v) }
func (w *Writer) Ori(rt, ra Reg, v int32) { w.ri10(opOri, rt, ra, v) }
func (w *Writer) Mpyi(rt, ra Reg, v int32) { w.ri10(opMpyi, rt, ra, v) }
func (w *Writer) Ceqi(rt, ra Reg, v int32) { w.ri10(opCeqi, rt, ra, v) }
func (w *Writer) Cgti(rt, ra Reg, v int32) { w.ri10(opCgti, rt, ra, v) }
func (w *Writer) Clgti(rt, ra Reg, v int32) { w.ri10(opClgti, rt, ra, v) }

// Move copies ra to rt.
func (w *Writer) Move(rt, ra Reg) { w.Ori(rt, ra, 0) }

func (w *Writer) Shli(rt, ra Reg, n int32) { w.ri7(opShli, rt, ra, n) }
func (w *Writer) Roti(rt, ra Reg, n int32) { w.ri7(opRoti, rt, ra, n) }

// Shri is a logical right shift, encoded as rotmi with the negated count.
func (w *Writer) Shri(rt, ra Reg, n int32) { w.ri7(opRotmi, rt, ra, -n) }

func (w *Writer) Rotqby(rt, ra, rb Reg) { w.rr(opRotqby, rt, ra, rb) }
func (w *Writer) Rotqbyi(rt, ra Reg, n int32) { w.ri7(opRotqbyi, rt, ra, n) }

// Cwd generates the shuffle mask that inserts a word at ra+off.
func (w *Writer) Cwd(rt, ra Reg, off int32) { w.ri7(opCwd, rt, ra, off) }
func (w *Writer) Cbd(rt, ra Reg, off int32) { w.ri7(opCbd, rt, ra, off) }

func (w *Writer) Shufb(rt, ra, rb, rc Reg) { w.rrr(opShufb, rt, ra, rb, rc) }
func (w *Writer) Selb(rt, ra, rb, rc Reg) { w.rrr(opSelb, rt, ra, rb, rc) }
func (w *Writer) Fma(rt, ra, rb, rc Reg) { w.rrr(opFma, rt, ra, rb, rc) }

// --- branches ---

func (w *Writer) Br(l Label) {
	w.addFixup(l, FixRel16)
	w.ri16(opBr, 0, 0)
}

// Brsl branches to l and leaves the return address in rt.
func (w *Writer) Brsl(rt Reg, l Label) {
	w.addFixup(l, FixRel16)
	w.ri16(opBrsl, rt, 0)
}

// Brasl calls an absolute address, used for calls between routines whose
// entrypoints are fixed constants.
func (w *Writer) Brasl(rt Reg, addr uint32) { w.ri16(opBrasl, rt, addr>>2) }
func (w *Writer) Bra(addr uint32) { w.ri16(opBra, 0, addr>>2) }

func (w *Writer) Brz(rt Reg, l Label) {
	w.addFixup(l, FixRel16)
	w.ri16(opBrz, rt, 0)
}

func (w *Writer) Brnz(rt Reg, l Label) {
	w.addFixup(l, FixRel16)
	w.ri16(opBrnz, rt, 0)
}

func (w *Writer) Brhz(rt Reg, l Label) {
	w.addFixup(l, FixRel16)
	w.ri16(opBrhz, rt, 0)
}

func (w *Writer) Bi(ra Reg) { w.rr(opBi, 0, ra, 0) }
func (w *Writer) Bisl(rt, ra Reg) { w.rr(opBisl, rt, ra, 0) }
func (w *Writer) Biz(rt, ra Reg) { w.rr(opBiz, rt, ra, 0) }
func (w *Writer) Binz(rt, ra Reg) { w.rr(opBinz, rt, ra, 0) }
func (w *Writer) Ret() { w.Bi(RegLR) }

// --- channels and control ---

func (w *Writer) Wrch(ch Channel, rt Reg) { w.rr(opWrch, rt, Reg(ch), 0) }
func (w *Writer) Rdch(rt Reg, ch Channel) { w.rr(opRdch, rt, Reg(ch), 0) }
func (w *Writer) Rchcnt(rt Reg, ch Channel) { w.rr(opRchcnt, rt, Reg(ch), 0) }

// Stop halts the unit and signals code to the main processor.
func (w *Writer) Stop(code uint32) {
	if code > 0x3fff {
		panic("asm: stop code does not fit 14 bits")
	}
	w.Emit(opStop<<21 | code)
}

func (w *Writer) Nop() { w.rr(opNop, 0, 0, 0) }
func (w *Writer) Lnop() { w.rr(opLnop, 0, 0, 0) }
func (w *Writer) Sync() { w.rr(opSync, 0, 0, 0) }
func (w *Writer) Dsync() { w.rr(opDsync, 0, 0, 0) }
