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
package subarch

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/launix-de/cellvm/mailbox"
)

/*
Method bytecode
===============

Compiled methods reach the unit as code blobs (see mainmem). The body is a
compact stack code standing in for the output of the main processor's
compiler. Every value on the operand stack is 64 bits wide; ints, floats and
references use the low 32 bits, longs and doubles all of them. Branch
offsets are relative to the instruction that follows the branch. All
operands are big-endian.
*/

// Insn is a bytecode instruction.
type Insn uint8

const (
	INop Insn = iota
	IConst
	LConst
	WParam
	FParam
	Load
	Store
	Dup
	Pop
	Swap

	IAdd
	ISub
	IMul
	IDiv
	IRem
	INeg
	IAnd
	IOr
	IXor
	IShl
	IShr
	IUShr

	LAdd
	LSub
	LMul
	LDiv
	LRem
	LNeg

	FAdd
	FSub
	FMul
	FDiv
	DAdd
	DSub
	DMul
	DDiv

	I2L
	L2I
	I2F
	F2I
	I2D
	D2I
	L2D
	F2D
	D2F
	LCmp
	FCmp
	DCmp

	Goto
	IfZero
	IfNonZero
	IfLt
	IfGe

	GetField
	PutField
	ALoad
	AStore
	ArrayLength
	GetStatic
	PutStatic
	InvokeStatic
	InvokeTib
	Checkcast

	Console
	Trap
	Return
	numInsns
)

// operand widths in bytes; a negative width is a signed operand
type insnInfo struct {
	name     string
	operands []int
}

var insns = [numInsns]insnInfo{
	INop: {"nop", nil}, IConst: {"iconst", []int{-4}}, LConst: {"lconst", []int{-8}},
	WParam: {"wparam", []int{1}}, FParam: {"fparam", []int{1}},
	Load: {"load", []int{1}}, Store: {"store", []int{1}},
	Dup: {"dup", nil}, Pop: {"pop", nil}, Swap: {"swap", nil},
	IAdd: {"iadd", nil}, ISub: {"isub", nil}, IMul: {"imul", nil}, IDiv: {"idiv", nil},
	IRem: {"irem", nil}, INeg: {"ineg", nil}, IAnd: {"iand", nil}, IOr: {"ior", nil},
	IXor: {"ixor", nil}, IShl: {"ishl", nil}, IShr: {"ishr", nil}, IUShr: {"iushr", nil},
	LAdd: {"ladd", nil}, LSub: {"lsub", nil}, LMul: {"lmul", nil}, LDiv: {"ldiv", nil},
	LRem: {"lrem", nil}, LNeg: {"lneg", nil},
	FAdd: {"fadd", nil}, FSub: {"fsub", nil}, FMul: {"fmul", nil}, FDiv: {"fdiv", nil},
	DAdd: {"dadd", nil}, DSub: {"dsub", nil}, DMul: {"dmul", nil}, DDiv: {"ddiv", nil},
	I2L: {"i2l", nil}, L2I: {"l2i", nil}, I2F: {"i2f", nil}, F2I: {"f2i", nil},
	I2D: {"i2d", nil}, D2I: {"d2i", nil}, L2D: {"l2d", nil}, F2D: {"f2d", nil}, D2F: {"d2f", nil},
	LCmp: {"lcmp", nil}, FCmp: {"fcmp", nil}, DCmp: {"dcmp", nil},
	Goto: {"goto", []int{-2}}, IfZero: {"ifzero", []int{-2}}, IfNonZero: {"ifnonzero", []int{-2}},
	IfLt: {"iflt", []int{-2}}, IfGe: {"ifge", []int{-2}},
	GetField: {"getfield", []int{2, 1}}, PutField: {"putfield", []int{2, 1}},
	ALoad: {"aload", []int{1}}, AStore: {"astore", []int{1}}, ArrayLength: {"arraylength", []int{1}},
	GetStatic: {"getstatic", []int{2, 2, 1}}, PutStatic: {"putstatic", []int{2, 2, 1}},
	InvokeStatic: {"invokestatic", []int{2, 2}}, InvokeTib: {"invoketib", []int{2, 1}},
	Checkcast: {"checkcast", []int{2}},
	Console: {"console", []int{1}}, Trap: {"trap", []int{1}}, Return: {"return", nil},
}

func (i Insn) String() string {
	if i < numInsns {
		return insns[i].name
	}
	return fmt.Sprintf("insn(%d)", uint8(i))
}

func (i Insn) isBranch() bool {
	return i >= Goto && i <= IfGe
}

// Label marks a bytecode position for branches.
type Label int

type bcFixup struct {
	at    int // offset of the rel16 operand
	next  int // offset of the following instruction
	label Label
}

// Bytecode assembles a method body. Builder methods return the receiver so
// short sequences can be chained.
type Bytecode struct {
	buf    []byte
	labels []int
	fixups []bcFixup
}

func NewBytecode() *Bytecode {
	return &Bytecode{}
}

func (b *Bytecode) Label() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

func (b *Bytecode) Bind(l Label) *Bytecode {
	if b.labels[l] >= 0 {
		panic(fmt.Sprintf("bytecode label %d bound twice", l))
	}
	b.labels[l] = len(b.buf)
	return b
}

func (b *Bytecode) Len() int {
	return len(b.buf)
}

func (b *Bytecode) put(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		b.buf = append(b.buf, byte(v>>(8*i)))
	}
}

// Op emits an instruction without operands.
func (b *Bytecode) Op(in Insn) *Bytecode {
	if len(insns[in].operands) != 0 {
		panic(fmt.Sprintf("%s takes operands", in))
	}
	b.buf = append(b.buf, byte(in))
	return b
}

func (b *Bytecode) IConst(v int32) *Bytecode {
	b.buf = append(b.buf, byte(IConst))
	b.put(uint64(uint32(v)), 4)
	return b
}

func (b *Bytecode) LConst(v int64) *Bytecode {
	b.buf = append(b.buf, byte(LConst))
	b.put(uint64(v), 8)
	return b
}

func (b *Bytecode) FConst(f float32) *Bytecode {
	return b.IConst(int32(math.Float32bits(f)))
}

func (b *Bytecode) DConst(d float64) *Bytecode {
	return b.LConst(int64(math.Float64bits(d)))
}

func (b *Bytecode) op8(in Insn, v uint8) *Bytecode {
	b.buf = append(b.buf, byte(in), v)
	return b
}

func (b *Bytecode) WParam(i uint8) *Bytecode { return b.op8(WParam, i) }
func (b *Bytecode) FParam(i uint8) *Bytecode { return b.op8(FParam, i) }
func (b *Bytecode) Load(i uint8) *Bytecode   { return b.op8(Load, i) }
func (b *Bytecode) Store(i uint8) *Bytecode  { return b.op8(Store, i) }

// Jump emits a branch instruction to l.
func (b *Bytecode) Jump(in Insn, l Label) *Bytecode {
	if !in.isBranch() {
		panic(fmt.Sprintf("%s is not a branch", in))
	}
	b.buf = append(b.buf, byte(in), 0, 0)
	b.fixups = append(b.fixups, bcFixup{at: len(b.buf) - 2, next: len(b.buf), label: l})
	return b
}

func (b *Bytecode) GetField(off uint16, size uint8) *Bytecode {
	b.buf = append(b.buf, byte(GetField))
	b.put(uint64(off), 2)
	b.buf = append(b.buf, size)
	return b
}

func (b *Bytecode) PutField(off uint16, size uint8) *Bytecode {
	b.buf = append(b.buf, byte(PutField))
	b.put(uint64(off), 2)
	b.buf = append(b.buf, size)
	return b
}

func (b *Bytecode) ALoad(elemSize uint8) *Bytecode       { return b.op8(ALoad, elemSize) }
func (b *Bytecode) AStore(elemSize uint8) *Bytecode      { return b.op8(AStore, elemSize) }
func (b *Bytecode) ArrayLength(elemSize uint8) *Bytecode { return b.op8(ArrayLength, elemSize) }

func (b *Bytecode) static(in Insn, slot int32, off uint16, size uint8) *Bytecode {
	b.buf = append(b.buf, byte(in))
	b.put(uint64(slot), 2)
	b.put(uint64(off), 2)
	b.buf = append(b.buf, size)
	return b
}

func (b *Bytecode) GetStatic(slot int32, off uint16, size uint8) *Bytecode {
	return b.static(GetStatic, slot, off, size)
}

func (b *Bytecode) PutStatic(slot int32, off uint16, size uint8) *Bytecode {
	return b.static(PutStatic, slot, off, size)
}

// InvokeStatic calls the method whose code pointer is at off in the statics
// block of the class in jtoc slot.
func (b *Bytecode) InvokeStatic(slot int32, off uint16) *Bytecode {
	b.buf = append(b.buf, byte(InvokeStatic))
	b.put(uint64(slot), 2)
	b.put(uint64(off), 2)
	return b
}

// InvokeTib calls method index of the TIB of the class in jtoc slot.
func (b *Bytecode) InvokeTib(slot int32, index uint8) *Bytecode {
	b.buf = append(b.buf, byte(InvokeTib))
	b.put(uint64(slot), 2)
	b.buf = append(b.buf, index)
	return b
}

func (b *Bytecode) Checkcast(slot int32) *Bytecode {
	b.buf = append(b.buf, byte(Checkcast))
	b.put(uint64(slot), 2)
	return b
}

func (b *Bytecode) Console(op mailbox.Op) *Bytecode {
	return b.op8(Console, uint8(op-mailbox.OpConsoleChar))
}

func (b *Bytecode) Trap(code TrapCode) *Bytecode {
	return b.op8(Trap, uint8(code))
}

func (b *Bytecode) Return() *Bytecode {
	return b.Op(Return)
}

// Assemble resolves the branches and returns the body.
func (b *Bytecode) Assemble() ([]byte, error) {
	for _, f := range b.fixups {
		target := b.labels[f.label]
		if target < 0 {
			return nil, fmt.Errorf("bytecode label %d not bound", f.label)
		}
		rel := target - f.next
		if rel < math.MinInt16 || rel > math.MaxInt16 {
			return nil, fmt.Errorf("bytecode branch at %d out of range", f.at-1)
		}
		binary.BigEndian.PutUint16(b.buf[f.at:], uint16(int16(rel)))
	}
	return append([]byte(nil), b.buf...), nil
}

// MustAssemble is Assemble for code known to be well formed.
func (b *Bytecode) MustAssemble() []byte {
	code, err := b.Assemble()
	if err != nil {
		panic(err)
	}
	return code
}

func operand(code []byte, pc, width int) (int64, bool) {
	n := width
	if n < 0 {
		n = -n
	}
	if pc+n > len(code) {
		return 0, false
	}
	var v uint64
	for _, c := range code[pc : pc+n] {
		v = v<<8 | uint64(c)
	}
	if width < 0 {
		shift := 64 - 8*n
		return int64(v<<shift) >> shift, true
	}
	return int64(v), true
}

// ListBytecode writes one line per instruction of a method body.
func ListBytecode(w io.Writer, code []byte) error {
	for pc := 0; pc < len(code); {
		in := Insn(code[pc])
		if in >= numInsns {
			_, err := fmt.Fprintf(w, "%5d  .byte 0x%02x\n", pc, code[pc])
			if err != nil {
				return err
			}
			pc++
			continue
		}
		line := fmt.Sprintf("%5d  %s", pc, in)
		next := pc + 1
		for i, width := range insns[in].operands {
			v, ok := operand(code, next, width)
			if !ok {
				line += " <truncated>"
				break
			}
			if width < 0 {
				next -= width
			} else {
				next += width
			}
			sep := ","
			if i == 0 {
				sep = " "
			}
			line += fmt.Sprintf("%s%d", sep, v)
		}
		if in.isBranch() {
			if rel, ok := operand(code, pc+1, -2); ok {
				line += fmt.Sprintf(" -> %d", next+int(rel))
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		pc = next
	}
	return nil
}
