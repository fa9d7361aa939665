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

type format uint8

const (
	fmtRR format = iota
	fmtRRR
	fmtRI7
	fmtRI10
	fmtRI16
	fmtRI18
)

type insn struct {
	name string
	form format
}

var (
	tabRRR = map[uint32]insn{opSelb: {"selb", fmtRRR}, opShufb: {"shufb", fmtRRR}, opFma: {"fma", fmtRRR}}
	tabRI18 = map[uint32]insn{opIla: {"ila", fmtRI18}}
	tabRI10 = map[uint32]insn{
		opOri: {"ori", fmtRI10}, opSfi: {"sfi", fmtRI10}, opAndi: {"andi", fmtRI10},
		opAi: {"ai", fmtRI10}, opAhi: {"ahi", fmtRI10}, opStqd: {"stqd", fmtRI10},
		opLqd: {"lqd", fmtRI10}, opCgti: {"cgti", fmtRI10}, opClgti: {"clgti", fmtRI10},
		opMpyi: {"mpyi", fmtRI10}, opCeqi: {"ceqi", fmtRI10},
	}
	tabRI16 = map[uint32]insn{
		opBrz: {"brz", fmtRI16}, opStqa: {"stqa", fmtRI16}, opBrnz: {"brnz", fmtRI16},
		opBrhz: {"brhz", fmtRI16}, opBrhnz: {"brhnz", fmtRI16}, opBra: {"bra", fmtRI16},
		opLqa: {"lqa", fmtRI16}, opBrasl: {"brasl", fmtRI16}, opBr: {"br", fmtRI16},
		opBrsl: {"brsl", fmtRI16}, opIl: {"il", fmtRI16}, opIlhu: {"ilhu", fmtRI16},
		opIlh: {"ilh", fmtRI16}, opIohl: {"iohl", fmtRI16},
	}
	tabRR = map[uint32]insn{
		opStop: {"stop", fmtRR}, opLnop: {"lnop", fmtRR}, opSync: {"sync", fmtRR},
		opDsync: {"dsync", fmtRR}, opRdch: {"rdch", fmtRR}, opRchcnt: {"rchcnt", fmtRR},
		opSf: {"sf", fmtRR}, opOr: {"or", fmtRR}, opShl: {"shl", fmtRR}, opRotm: {"rotm", fmtRR},
		opA: {"a", fmtRR}, opAnd: {"and", fmtRR}, opWrch: {"wrch", fmtRR},
		opBiz: {"biz", fmtRR}, opBinz: {"binz", fmtRR}, opStqx: {"stqx", fmtRR},
		opBi: {"bi", fmtRR}, opBisl: {"bisl", fmtRR}, opLqx: {"lqx", fmtRR},
		opRotqby: {"rotqby", fmtRR}, opNop: {"nop", fmtRR}, opCgt: {"cgt", fmtRR},
		opXor: {"xor", fmtRR}, opClgt: {"clgt", fmtRR}, opCeq: {"ceq", fmtRR},
		opRoti: {"roti", fmtRI7}, opRotmi: {"rotmi", fmtRI7}, opShli: {"shli", fmtRI7},
		opCbd: {"cbd", fmtRI7}, opCwd: {"cwd", fmtRI7}, opRotqbyi: {"rotqbyi", fmtRI7},
	}
)

func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}

// Decode returns the mnemonic of word, or "" if it is not an instruction
// this assembler emits.
func Decode(word uint32) string {
	if in, ok := lookup(word); ok {
		return in.name
	}
	return ""
}

func lookup(word uint32) (insn, bool) {
	if in, ok := tabRRR[word>>28]; ok {
		return in, true
	}
	if in, ok := tabRI18[word>>25]; ok {
		return in, true
	}
	if in, ok := tabRI10[word>>24]; ok {
		return in, true
	}
	if in, ok := tabRI16[word>>23]; ok {
		return in, true
	}
	in, ok := tabRR[word>>21]
	return in, ok
}

// Disassemble renders the instruction at local address pc.
func Disassemble(word uint32, pc uint32) string {
	in, ok := lookup(word)
	if !ok {
		return fmt.Sprintf(".long 0x%08x", word)
	}
	rt := word & 0x7f
	ra := (word >> 7) & 0x7f
	rb := (word >> 14) & 0x7f
	switch in.form {
	case fmtRRR:
		return fmt.Sprintf("%s $%d,$%d,$%d,$%d", in.name, (word>>21)&0x7f, ra, rb, rt)
	case fmtRI18:
		return fmt.Sprintf("%s $%d,0x%x", in.name, rt, (word>>7)&0x3ffff)
	case fmtRI10:
		imm := signExtend((word>>14)&0x3ff, 10)
		switch in.name {
		case "lqd", "stqd":
			return fmt.Sprintf("%s $%d,%d($%d)", in.name, rt, imm*16, ra)
		}
		return fmt.Sprintf("%s $%d,$%d,%d", in.name, rt, ra, imm)
	case fmtRI16:
		raw := (word >> 7) & 0xffff
		switch in.name {
		case "br":
			return fmt.Sprintf("br 0x%x", uint32(int32(pc)+signExtend(raw, 16)*4))
		case "brsl", "brz", "brnz", "brhz", "brhnz":
			return fmt.Sprintf("%s $%d,0x%x", in.name, rt, uint32(int32(pc)+signExtend(raw, 16)*4))
		case "bra":
			return fmt.Sprintf("bra 0x%x", raw<<2)
		case "brasl", "lqa", "stqa":
			return fmt.Sprintf("%s $%d,0x%x", in.name, rt, raw<<2)
		case "il":
			return fmt.Sprintf("il $%d,%d", rt, signExtend(raw, 16))
		}
		return fmt.Sprintf("%s $%d,0x%x", in.name, rt, raw)
	case fmtRI7:
		imm := signExtend(rb, 7)
		switch in.name {
		case "cwd", "cbd":
			return fmt.Sprintf("%s $%d,%d($%d)", in.name, rt, imm, ra)
		}
		return fmt.Sprintf("%s $%d,$%d,%d", in.name, rt, ra, imm)
	}
	switch in.name {
	case "stop":
		return fmt.Sprintf("stop 0x%x", word&0x3fff)
	case "nop", "lnop", "sync", "dsync":
		return in.name
	case "wrch":
		return fmt.Sprintf("wrch %s,$%d", Channel(ra), rt)
	case "rdch", "rchcnt":
		return fmt.Sprintf("%s $%d,%s", in.name, rt, Channel(ra))
	case "bi":
		return fmt.Sprintf("bi $%d", ra)
	case "bisl", "biz", "binz":
		return fmt.Sprintf("%s $%d,$%d", in.name, rt, ra)
	}
	return fmt.Sprintf("%s $%d,$%d,$%d", in.name, rt, ra, rb)
}
