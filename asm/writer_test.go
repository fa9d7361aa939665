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

import (
	"strings"
	"testing"
)

func TestForwardAndBackwardBranches(t *testing.T) {
	w := NewWriter(0x700)
	top := w.NewLabel()
	done := w.NewLabel()
	w.Bind(top)                   // 0x700
	w.Rdch(RegT0, MFC_RdTagStat)  // 0x700
	w.Brz(RegT0, top)             // 0x704 -> -1 word
	w.Br(done)                    // 0x708 -> +2 words
	w.Nop()                       // 0x70c
	w.Bind(done)                  // 0x710
	w.Ret()
	if err := w.Resolve(); err != nil {
		t.Fatal(err)
	}
	words := w.Words()
	if got := Disassemble(words[1], 0x704); got != "brz $75,0x700" {
		t.Errorf("backward branch: %s", got)
	}
	if got := Disassemble(words[2], 0x708); got != "br 0x710" {
		t.Errorf("forward branch: %s", got)
	}
	if addr, ok := w.Addr(done); !ok || addr != 0x710 {
		t.Errorf("label done at 0x%x", addr)
	}
}

func TestUndefinedLabel(t *testing.T) {
	w := NewWriter(0x700)
	w.Br(w.Named("nowhere"))
	err := w.Resolve()
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Fatalf("expected undefined label error naming the label, got %v", err)
	}
}

func TestBindTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("binding a label twice did not panic")
		}
	}()
	w := NewWriter(0)
	l := w.NewLabel()
	w.Bind(l)
	w.Bind(l)
}

func TestAbsoluteFixups(t *testing.T) {
	w := NewWriter(0x800)
	data := w.NewLabel()
	w.IlaLabel(RegArg0, data)
	w.LqaLabel(RegArg1, data)
	w.WordLabel(data)
	w.Align(16)
	w.Bind(data)
	w.Word(42)
	if err := w.Resolve(); err != nil {
		t.Fatal(err)
	}
	words := w.Words()
	if got := Disassemble(words[0], 0x800); got != "ila $3,0x810" {
		t.Errorf("ila: %s", got)
	}
	if got := Disassemble(words[1], 0x804); got != "lqa $4,0x810" {
		t.Errorf("lqa: %s", got)
	}
	if words[2] != 0x810 {
		t.Errorf("data word 0x%x", words[2])
	}
	if w.Len() != 0x14 {
		t.Errorf("length 0x%x", w.Len())
	}
}

func TestDisassembleRoundTrip(t *testing.T) {
	w := NewWriter(0)
	w.Lqd(RegT1, RegSP, -32)
	w.Stqd(RegLR, RegSP, 16)
	w.Ai(RegSP, RegSP, -64)
	w.Il(RegT0, -5)
	w.Ilhu(RegT0, 0x1234)
	w.Iohl(RegT0, 0x5678)
	w.Wrch(MFC_Cmd, RegT2)
	w.Shufb(RegT0, RegT1, RegT2, RegT3)
	w.Shli(RegT0, RegT1, 4)
	w.Shri(RegT0, RegT1, 4)
	w.Cwd(RegT3, RegArg0, 0)
	w.Ceq(RegT0, RegT1, RegT2)
	w.Stop(0x2001)
	want := []string{
		"lqd $76,-32($1)",
		"stqd $0,16($1)",
		"ai $1,$1,-64",
		"il $75,-5",
		"ilhu $75,0x1234",
		"iohl $75,0x5678",
		"wrch MFC_Cmd,$77",
		"shufb $75,$76,$77,$78",
		"shli $75,$76,4",
		"rotmi $75,$76,-4",
		"cwd $78,0($3)",
		"ceq $75,$76,$77",
		"stop 0x2001",
	}
	for i, word := range w.Words() {
		if got := Disassemble(word, uint32(i*4)); got != want[i] {
			t.Errorf("insn %d: got %q want %q", i, got, want[i])
		}
	}
}

func TestLoadImm32(t *testing.T) {
	cases := []struct {
		v     uint32
		words int
	}{
		{5, 1}, {0xfffffff0, 1}, {0x20000, 1}, {0x12340000, 1}, {0x12345678, 2},
	}
	for _, c := range cases {
		w := NewWriter(0)
		w.LoadImm32(RegT0, c.v)
		if len(w.Words()) != c.words {
			t.Errorf("LoadImm32(0x%x) used %d words", c.v, len(w.Words()))
		}
	}
}

func TestBranchOutOfRange(t *testing.T) {
	w := NewWriter(0)
	far := w.NewLabel()
	w.Br(far)
	for i := 0; i < 0x8001; i++ {
		w.Nop()
	}
	w.Bind(far)
	if err := w.Resolve(); err == nil {
		t.Fatal("out of range branch resolved")
	}
}
