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
	"bytes"
	"strings"
	"testing"

	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/outofline"
)

// call loads, parameterizes and runs a narrow-result method and returns
// the result word.
func (h *host) call(slot int32, off uint32, kind mailbox.Kind, words ...uint32) uint32 {
	h.t.Helper()
	h.load(slot, off, words...)
	h.cmd(kind.RunOp())
	h.expect(mailbox.OpAck)
	upper, _ := kind.ReturnOps()
	h.expect(upper)
	if kind == mailbox.KindVoid {
		return 0
	}
	return h.data()
}

func (h *host) load(slot int32, off uint32, words ...uint32) {
	h.t.Helper()
	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), off)
	h.expect(mailbox.OpAck)
	for _, w := range words {
		h.cmd(mailbox.OpLoadWordParam, w)
		h.expect(mailbox.OpAck)
	}
}

// trapped runs a method that is expected to trap and returns code and pc.
func (h *host) trapped(slot int32, off uint32, kind mailbox.Kind, words ...uint32) (TrapCode, uint32) {
	h.t.Helper()
	h.load(slot, off, words...)
	h.cmd(kind.RunOp())
	h.expect(mailbox.OpAck)
	h.expect(mailbox.OpTrapMessage)
	code := TrapCode(h.data())
	h.expect(mailbox.OpTrapMessageAddr)
	return code, h.data()
}

func TestRecursionThroughStatics(t *testing.T) {
	w := newWorld(t)
	w.padTo(t, 8)
	b := NewBytecode()
	base := b.Label()
	b.WParam(0).Jump(IfZero, base)
	b.WParam(0).WParam(0).IConst(1).Op(ISub).InvokeStatic(8, 16).Op(IMul).Return()
	b.Bind(base).IConst(1).Return()
	fact := w.code(t, 1, 0, mailbox.KindInt, b)

	loop := w.code(t, 0, 0, mailbox.KindVoid, NewBytecode().InvokeStatic(8, 20).Return())
	slot, _ := w.class(t, []uint32{fact, loop}, nil)
	if slot != 8 {
		t.Fatalf("class at slot %d", slot)
	}
	h := start(t, w.unit(t, testConfig()))
	h.boot()
	if v := h.call(slot, 16, mailbox.KindInt, 10); v != 3628800 {
		t.Errorf("fact(10) = %d", v)
	}
	if code, pc := h.trapped(slot, 20, mailbox.KindVoid); code != TrapStackOverflow || pc != 0 {
		t.Errorf("runaway recursion: %s at %d", code, pc)
	}
}

func TestFieldWriteThrough(t *testing.T) {
	w := newWorld(t)
	ref, _ := w.heap.NewObject(0, 8)
	w.mem.Store32(ref, 5)
	code := NewBytecode().
		WParam(0).IConst(99).PutField(4, 4).
		WParam(0).GetField(0, 4).
		WParam(0).GetField(4, 4).Op(IAdd).
		Return()
	ea := w.code(t, 1, 0, mailbox.KindInt, code)
	oob := w.code(t, 1, 0, mailbox.KindInt, NewBytecode().WParam(0).GetField(8, 4).Return())
	slot, _ := w.class(t, []uint32{ea, oob}, nil)
	h := start(t, w.unit(t, testConfig()))
	h.boot()
	if v := h.call(slot, 16, mailbox.KindInt, ref); v != 104 {
		t.Errorf("result %d", v)
	}
	if v, _ := w.mem.Load32(ref + 4); v != 99 {
		t.Errorf("main memory field %d", v)
	}
	if code, pc := h.trapped(slot, 16, mailbox.KindInt, 0); code != TrapNullPointer || pc != 7 {
		t.Errorf("null object: %s at %d", code, pc)
	}
	if code, _ := h.trapped(slot, 20, mailbox.KindInt, ref); code != TrapRegenerate {
		t.Errorf("field outside object: %s", code)
	}
}

func TestArrayLoop(t *testing.T) {
	w := newWorld(t)
	ints, _ := w.heap.NewArray(0, 4, 100)
	for i := uint32(0); i < 100; i++ {
		w.mem.Store32(ints+4*i, 3*i)
	}
	bytesRef, _ := w.heap.NewArray(0, 1, 3)
	w.mem.Write(bytesRef, []byte{1, 0xff, 3})

	b := NewBytecode()
	top, done := b.Label(), b.Label()
	b.IConst(0).Store(0).IConst(0).Store(1)
	b.Bind(top).Load(0).WParam(0).ArrayLength(4).Jump(IfGe, done)
	b.Load(1).WParam(0).Load(0).ALoad(4).Op(IAdd).Store(1)
	b.Load(0).IConst(1).Op(IAdd).Store(0).Jump(Goto, top)
	b.Bind(done).Load(1).Return()
	sum := w.code(t, 1, 0, mailbox.KindInt, b)
	store := w.code(t, 1, 0, mailbox.KindInt, NewBytecode().
		WParam(0).IConst(5).IConst(77).AStore(4).
		WParam(0).IConst(5).ALoad(4).Return())
	byteAt := w.code(t, 2, 0, mailbox.KindInt, NewBytecode().WParam(0).WParam(1).ALoad(1).Return())
	slot, _ := w.class(t, []uint32{sum, store, byteAt}, nil)

	h := start(t, w.unit(t, testConfig()))
	h.boot()
	if v := h.call(slot, 16, mailbox.KindInt, ints); v != 14850 {
		t.Errorf("sum %d", v)
	}
	if v := h.call(slot, 20, mailbox.KindInt, ints); v != 77 {
		t.Errorf("stored element %d", v)
	}
	if v, _ := w.mem.Load32(ints + 20); v != 77 {
		t.Errorf("main memory element %d", v)
	}
	if v := h.call(slot, 24, mailbox.KindInt, bytesRef, 1); int32(v) != -1 {
		t.Errorf("byte element %d", int32(v))
	}
	if code, _ := h.trapped(slot, 24, mailbox.KindInt, bytesRef, 3); code != TrapArrayBounds {
		t.Errorf("index 3: %s", code)
	}
}

func TestStaticCounter(t *testing.T) {
	w := newWorld(t)
	w.padTo(t, 4)
	incr := w.code(t, 0, 0, mailbox.KindInt, NewBytecode().
		GetStatic(4, 20, 4).IConst(1).Op(IAdd).Op(Dup).PutStatic(4, 20, 4).Return())
	slot, statics := w.class(t, []uint32{incr, 5}, nil)
	if slot != 4 {
		t.Fatalf("class at slot %d", slot)
	}
	h := start(t, w.unit(t, testConfig()))
	h.boot()
	for want := uint32(6); want <= 8; want++ {
		if v := h.call(slot, 16, mailbox.KindInt); v != want {
			t.Errorf("counter %d, want %d", v, want)
		}
	}
	if v, _ := w.mem.Load32(statics + 20); v != 8 {
		t.Errorf("main memory static %d", v)
	}
}

func TestInvalidatedStaticsReachRunningCode(t *testing.T) {
	w := newWorld(t)
	w.padTo(t, 8)
	data, _ := w.class(t, []uint32{5}, nil)
	if data != 8 {
		t.Fatalf("class at slot %d", data)
	}
	read := w.code(t, 0, 0, mailbox.KindInt, NewBytecode().GetStatic(8, 16, 4).Return())
	slot, _ := w.class(t, []uint32{read}, nil)
	u := w.unit(t, testConfig())
	h := start(t, u)
	h.boot()
	if v := h.call(slot, 16, mailbox.KindInt); v != 5 {
		t.Fatalf("static %d", v)
	}

	other, _, err := w.heap.NewStatics(0, 0, []uint32{9})
	if err != nil {
		t.Fatal(err)
	}
	u.Record.Invalidate()
	if err := w.jtoc.Store(data, other); err != nil {
		t.Fatal(err)
	}
	if v := h.call(slot, 16, mailbox.KindInt); v != 9 {
		t.Errorf("static after invalidate %d", v)
	}
	if v := h.call(slot, 16, mailbox.KindInt); v != 9 {
		t.Errorf("static on the next call %d", v)
	}
}

func TestInvokeTibAndCheckcast(t *testing.T) {
	w := newWorld(t)
	add := w.code(t, 2, 0, mailbox.KindInt, NewBytecode().WParam(0).WParam(1).Op(IAdd).Return())
	w.padTo(t, 12)
	caller := w.code(t, 0, 0, mailbox.KindInt, NewBytecode().IConst(20).IConst(22).InvokeTib(12, 0).Return())
	cast := w.code(t, 1, 0, mailbox.KindInt, NewBytecode().WParam(0).Checkcast(12).Op(Pop).IConst(1).Return())
	slot, statics := w.class(t, []uint32{caller, cast}, []uint32{add})
	if slot != 12 {
		t.Fatalf("class at slot %d", slot)
	}
	tib, _ := w.mem.Load32(statics)
	mine, _ := w.heap.NewObject(tib, 4)
	other, _ := w.heap.NewObject(tib+16, 4)

	h := start(t, w.unit(t, testConfig()))
	h.boot()
	if v := h.call(slot, 16, mailbox.KindInt); v != 42 {
		t.Errorf("virtual add %d", v)
	}
	if v := h.call(slot, 20, mailbox.KindInt, mine); v != 1 {
		t.Errorf("checkcast of own object %d", v)
	}
	if v := h.call(slot, 20, mailbox.KindInt, 0); v != 1 {
		t.Errorf("checkcast of null %d", v)
	}
	if code, pc := h.trapped(slot, 20, mailbox.KindInt, other); code != TrapCheckcast || pc != 2 {
		t.Errorf("checkcast of foreign object: %s at %d", code, pc)
	}
}

func TestConsoleWrites(t *testing.T) {
	w := newWorld(t)
	ea := w.code(t, 0, 0, mailbox.KindVoid, NewBytecode().
		IConst('A').Console(mailbox.OpConsoleChar).
		LConst(-2).Console(mailbox.OpConsoleLong).
		Return())
	slot, _ := w.class(t, []uint32{ea}, nil)
	h := start(t, w.unit(t, testConfig()))
	h.boot()
	h.load(slot, 16)
	h.cmd(mailbox.OpRunVoid)
	h.expect(mailbox.OpAck)
	h.expect(mailbox.OpConsoleChar)
	if c := h.data(); c != 'A' {
		t.Errorf("char %d", c)
	}
	h.expect(mailbox.OpConsoleLong)
	hi, lo := h.data(), h.data()
	if v := int64(uint64(hi)<<32 | uint64(lo)); v != -2 {
		t.Errorf("long %d", v)
	}
	h.expect(mailbox.OpReturnVoid)
}

func TestMalformedCode(t *testing.T) {
	w := newWorld(t)
	truncated, _ := w.heap.NewCode(0, 0, uint32(mailbox.KindInt), []byte{byte(IConst), 0, 0})
	unknown, _ := w.heap.NewCode(0, 0, uint32(mailbox.KindInt), []byte{byte(INop), 0xee})
	underflow, _ := w.heap.NewCode(0, 0, uint32(mailbox.KindInt), []byte{byte(IAdd)})
	slot, _ := w.class(t, []uint32{truncated, unknown, underflow}, nil)
	h := start(t, w.unit(t, testConfig()))
	h.boot()
	cases := []struct {
		off  uint32
		code TrapCode
		pc   uint32
	}{
		{16, TrapRegenerate, 0},
		{20, TrapMustImplement, 1},
		{24, TrapRegenerate, 0},
	}
	for _, c := range cases {
		if code, pc := h.trapped(slot, c.off, mailbox.KindInt); code != c.code || pc != c.pc {
			t.Errorf("offset %d: %s at %d, want %s at %d", c.off, code, pc, c.code, c.pc)
		}
	}
}

func TestBytecodeListing(t *testing.T) {
	b := NewBytecode()
	top := b.Label()
	b.Bind(top).IConst(42).Op(Pop).Jump(Goto, top)
	code := b.MustAssemble()
	var out bytes.Buffer
	if err := ListBytecode(&out, code); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"0  iconst 42", "5  pop", "6  goto -9 -> 0"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("listing lacks %q:\n%s", want, out.String())
		}
	}
	b2 := NewBytecode()
	b2.Jump(Goto, b2.Label())
	if _, err := b2.Assemble(); err == nil {
		t.Error("unbound label assembled")
	}
	if len(code) != 9 {
		t.Errorf("body of %d bytes", len(code))
	}
}

func TestHandlersDoNotReadImageWords(t *testing.T) {
	w := newWorld(t)
	add := w.code(t, 2, 0, mailbox.KindInt, NewBytecode().WParam(0).WParam(1).Op(IAdd).Return())
	slot, _ := w.class(t, []uint32{add}, nil)
	img, err := outofline.Build(localmem.DefaultLayout())
	if err != nil {
		t.Fatal(err)
	}
	u, err := NewUnit(1, testConfig(), Deps{Mem: w.mem, JTOC: w.jtoc, Image: img})
	if err != nil {
		t.Fatal(err)
	}
	// the entry points stay in the boot record, the code behind them is gone
	if err := u.Local.Zero(img.Origin, uint32(len(img.Code))); err != nil {
		t.Fatal(err)
	}
	h := start(t, u)
	h.boot()
	if v := h.call(slot, 16, mailbox.KindInt, 40, 2); v != 42 {
		t.Errorf("sum %d", v)
	}
}
