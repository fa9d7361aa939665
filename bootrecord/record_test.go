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
package bootrecord

import (
	"errors"
	"testing"

	"github.com/launix-de/cellvm/mainmem"
)

func newJTOC(t *testing.T) *JTOC {
	t.Helper()
	heap := mainmem.NewHeap(mainmem.New(1<<16), 0)
	j, err := NewJTOC(heap, 0x800)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestVerifyUpdateWindows(t *testing.T) {
	r := New(0x1000)
	r.Extend(-16)
	r.Extend(8)
	if err := r.Resync(func(lo, hi int32) error { return nil }); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		off  int32
		want bool
	}{
		{-20, true}, {-16, false}, {-4, false}, {0, false}, {8, false}, {12, true}, {64, true},
	}
	for _, c := range cases {
		if got := r.VerifyUpdate(c.off); got != c.want {
			t.Errorf("VerifyUpdate(%d) = %v, want %v", c.off, got, c.want)
		}
	}
}

func TestResyncClearsDirtyOnlyOnSuccess(t *testing.T) {
	r := New(0)
	r.Extend(0)
	if !r.IsDirty() {
		t.Fatal("extend did not mark the record dirty")
	}
	boom := errors.New("dma failed")
	if err := r.Resync(func(lo, hi int32) error { return boom }); err != boom {
		t.Fatalf("resync error %v", err)
	}
	if !r.IsDirty() {
		t.Fatal("failed resync cleared the dirty flag")
	}
	if lo, hi := r.Cached(); lo != 0 || hi != 0 {
		t.Fatalf("failed resync moved cached window to [%d,%d)", lo, hi)
	}
	if err := r.Resync(func(lo, hi int32) error {
		if lo != 0 || hi != 4 {
			t.Errorf("mirror window [%d,%d)", lo, hi)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if r.IsDirty() {
		t.Fatal("record still dirty after resync")
	}
}

func TestWriteDuringResyncKeepsDirty(t *testing.T) {
	r := New(0)
	r.Extend(0)
	err := r.Resync(func(lo, hi int32) error {
		r.Extend(4) // main processor allocates while the copy is running
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsDirty() {
		t.Fatal("record reads clean although a write raced the copy")
	}
}

func TestEncodeDecode(t *testing.T) {
	r := New(0x12340)
	r.ProcessorID = 3
	r.ImageID[0] = 0xab
	for i := range r.Entrypoints {
		r.Entrypoints[i] = 0x700 + uint32(i)*0x40
	}
	r.Extend(-8)
	r.Extend(12)
	buf := make([]byte, EncodedSize)
	if err := r.Encode(buf); err != nil {
		t.Fatal(err)
	}
	d, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if d.ProcessorID != 3 || d.JtocMiddle != 0x12340 || d.ImageID != r.ImageID || d.Entrypoints != r.Entrypoints {
		t.Fatalf("decoded %+v", d)
	}
	if lo, hi := d.Window(); lo != -8 || hi != 16 {
		t.Fatalf("window [%d,%d)", lo, hi)
	}
	if !d.IsDirty() {
		t.Fatal("dirty flag lost")
	}
	if _, err := Decode(make([]byte, EncodedSize)); !errors.Is(err, ErrBadRecord) {
		t.Fatalf("zero record decoded: %v", err)
	}
}

func TestStoreRejectsCachedSlot(t *testing.T) {
	j := newJTOC(t)
	r := New(j.Middle())
	r.ProcessorID = 7
	j.Attach(r)
	num, err := j.AllocNumeric(1)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := j.AllocReference()
	if err != nil {
		t.Fatal(err)
	}
	// not cached yet: writes go through
	if err := j.Store(num, 42); err != nil {
		t.Fatal(err)
	}
	if err := r.Resync(func(lo, hi int32) error { return nil }); err != nil {
		t.Fatal(err)
	}
	err = j.Store(ref, 99)
	var stale *StaleMirrorError
	if !errors.As(err, &stale) || stale.Unit != 7 || stale.Offset != ref {
		t.Fatalf("store to cached slot: %v", err)
	}
	if !r.IsDirty() {
		t.Fatal("rejected store did not mark the record dirty")
	}
	if v, _ := j.Load(ref); v != 0 {
		t.Fatalf("rejected store changed the slot to %d", v)
	}
	r.Invalidate()
	if err := j.Store(ref, 99); err != nil {
		t.Fatal(err)
	}
	if v, _ := j.Load(num); v != 42 {
		t.Fatalf("numeric slot %d", v)
	}
}

func TestRegisterClass(t *testing.T) {
	j := newJTOC(t)
	off, err := j.RegisterClass(0x4000, 48)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := j.Load(off); v != 0x4000 {
		t.Fatalf("class slot holds 0x%x", v)
	}
	if j.StaticsSize(off) != 48 {
		t.Fatalf("statics size %d", j.StaticsSize(off))
	}
	if _, err := j.Load(off + 4); err == nil {
		t.Fatal("load beyond window succeeded")
	}
}
