/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

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

import (
	"encoding/binary"
	"fmt"
)

// Label is a symbolic position in the instruction stream. It may be used
// by branches before it is bound; Resolve patches every such use.
type Label int32

// FixupKind says how a label address is encoded into an instruction.
type FixupKind uint8

const (
	FixRel16  FixupKind = iota // RI16 word offset relative to the instruction (br, brsl, brz, ...)
	FixAbs16                   // RI16 absolute word address (lqa, stqa, bra, brasl)
	FixAbs18                   // RI18 absolute byte address (ila)
	FixData32                  // whole data word holding the byte address
)

// Fixup records a reference to a label that is patched by Resolve.
type Fixup struct {
	Pos   int // word index in the buffer
	Label Label
	Kind  FixupKind
}

// Writer is the code emitter scaffold: a word buffer placed at Origin in
// local store, plus the labels and fixups of the code emitted so far.
type Writer struct {
	Origin uint32
	words  []uint32
	labels []int32 // word index, -1 while unbound
	names  map[string]Label
	fixups []Fixup
}

func NewWriter(origin uint32) *Writer {
	if origin%4 != 0 {
		panic("asm: origin must be word aligned")
	}
	return &Writer{Origin: origin, names: make(map[string]Label)}
}

// NewLabel reserves an unbound label.
func (w *Writer) NewLabel() Label {
	w.labels = append(w.labels, -1)
	return Label(len(w.labels) - 1)
}

// Named returns the label registered under name, reserving it on first use.
func (w *Writer) Named(name string) Label {
	if l, ok := w.names[name]; ok {
		return l
	}
	l := w.NewLabel()
	w.names[name] = l
	return l
}

// Names lists the named labels.
func (w *Writer) Names() map[string]Label {
	return w.names
}

// Bind places l at the current write position.
func (w *Writer) Bind(l Label) {
	if w.labels[l] >= 0 {
		panic(fmt.Sprintf("asm: label %d bound twice", l))
	}
	w.labels[l] = int32(len(w.words))
}

// Here is the local store address of the next emitted word.
func (w *Writer) Here() uint32 {
	return w.Origin + uint32(len(w.words))*4
}

// Addr returns the address of a bound label.
func (w *Writer) Addr(l Label) (uint32, bool) {
	pos := w.labels[l]
	if pos < 0 {
		return 0, false
	}
	return w.Origin + uint32(pos)*4, true
}

func (w *Writer) Emit(word uint32) {
	w.words = append(w.words, word)
}

// Word emits a data word.
func (w *Writer) Word(v uint32) {
	w.Emit(v)
}

// WordLabel emits a data word that resolves to the address of l.
func (w *Writer) WordLabel(l Label) {
	w.addFixup(l, FixData32)
	w.Emit(0)
}

func (w *Writer) addFixup(l Label, kind FixupKind) {
	w.fixups = append(w.fixups, Fixup{Pos: len(w.words), Label: l, Kind: kind})
}

// Align pads with nops up to a multiple of n bytes.
func (w *Writer) Align(n uint32) {
	for w.Here()%n != 0 {
		w.Nop()
	}
}

// Len is the emitted size in bytes.
func (w *Writer) Len() uint32 {
	return uint32(len(w.words)) * 4
}

func (w *Writer) Words() []uint32 {
	return w.words
}

// Bytes returns the big-endian code image.
func (w *Writer) Bytes() []byte {
	b := make([]byte, len(w.words)*4)
	for i, v := range w.words {
		binary.BigEndian.PutUint32(b[i*4:], v)
	}
	return b
}

// Resolve patches every recorded reference. Unbound labels and offsets that
// do not fit their field are reported instead of silently truncated.
func (w *Writer) Resolve() error {
	for _, f := range w.fixups {
		target, ok := w.Addr(f.Label)
		if !ok {
			return fmt.Errorf("asm: undefined label %d%s", f.Label, w.labelName(f.Label))
		}
		pc := w.Origin + uint32(f.Pos)*4
		word := w.words[f.Pos]
		switch f.Kind {
		case FixRel16:
			off := (int64(target) - int64(pc)) / 4
			if off < -0x8000 || off > 0x7fff {
				return fmt.Errorf("asm: branch at 0x%x to 0x%x out of range", pc, target)
			}
			word = word&^(0xffff<<7) | (uint32(off)&0xffff)<<7
		case FixAbs16:
			if target>>2 > 0xffff {
				return fmt.Errorf("asm: absolute address 0x%x out of range", target)
			}
			word = word&^(0xffff<<7) | (target>>2)<<7
		case FixAbs18:
			if target > 0x3ffff {
				return fmt.Errorf("asm: address 0x%x does not fit ila", target)
			}
			word = word&^(0x3ffff<<7) | target<<7
		case FixData32:
			word = target
		}
		w.words[f.Pos] = word
	}
	return nil
}

func (w *Writer) labelName(l Label) string {
	for name, id := range w.names {
		if id == l {
			return " (" + name + ")"
		}
	}
	return ""
}
