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
package outofline

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"strings"
	"testing"

	"github.com/launix-de/cellvm/asm"
	"github.com/launix-de/cellvm/bootrecord"
	"github.com/launix-de/cellvm/localmem"
)

func build(t *testing.T) *Image {
	t.Helper()
	img, err := Build(localmem.DefaultLayout())
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func wordAt(img *Image, addr uint32) uint32 {
	return binary.BigEndian.Uint32(img.Code[addr-img.Origin:])
}

func TestEntrypointLayout(t *testing.T) {
	img := build(t)
	if img.Origin != localmem.TrapEntry {
		t.Fatalf("origin 0x%x", img.Origin)
	}
	if img.Entry(bootrecord.EntryTrapHandler) != localmem.TrapEntry {
		t.Errorf("trap handler at 0x%x", img.Entry(bootrecord.EntryTrapHandler))
	}
	if img.Entry(bootrecord.EntryInit) != localmem.CodeEntry {
		t.Errorf("init at 0x%x", img.Entry(bootrecord.EntryInit))
	}
	if img.End() > localmem.ObjectTableStart {
		t.Errorf("image ends at 0x%x", img.End())
	}
	prev := uint32(0)
	for e := bootrecord.EntryInit; e < bootrecord.EntryTrapHandler; e++ {
		addr := img.Entry(e)
		if addr <= prev || addr%4 != 0 {
			t.Errorf("%s at 0x%x after 0x%x", bootrecord.EntryNames[e], addr, prev)
		}
		prev = addr
		if name, off, ok := img.Symbolize(addr); !ok || off != 0 || name != bootrecord.EntryNames[e] {
			t.Errorf("symbolize 0x%x = %s+%d", addr, name, off)
		}
	}
}

func TestRoutinesStartAsExpected(t *testing.T) {
	img := build(t)
	cases := []struct {
		entry int
		want  string
	}{
		{bootrecord.EntryTrapHandler, "il"},
		{bootrecord.EntryBlockTag, "wrch"},
		{bootrecord.EntryFlushCache, "shli"},
		{bootrecord.EntryCacheMethod, "stqd"},
		{bootrecord.EntryCacheObject, "stqd"},
		{bootrecord.EntryReflectiveInvoker, "stqd"},
	}
	for _, c := range cases {
		if got := asm.Decode(wordAt(img, img.Entry(c.entry))); got != c.want {
			t.Errorf("%s starts with %q, want %q", bootrecord.EntryNames[c.entry], got, c.want)
		}
	}
	// the gap between trap handler and code entry is padded
	for pc := img.Entry(bootrecord.EntryTrapHandler); pc < localmem.CodeEntry; pc += 4 {
		if asm.Decode(wordAt(img, pc)) == "" {
			t.Errorf("undecodable word at 0x%x", pc)
		}
	}
}

func TestDataSection(t *testing.T) {
	l := localmem.DefaultLayout()
	img := build(t)
	for _, k := range regionKinds {
		name := "data.start." + k.String()
		var addr uint32
		img.symbols.Ascend(func(s symbol) bool {
			if s.name == name {
				addr = s.addr
				return false
			}
			return true
		})
		start, _ := l.Bounds(k)
		if addr == 0 || addr%16 != 0 || wordAt(img, addr) != start {
			t.Errorf("%s at 0x%x holds 0x%x, want 0x%x", name, addr, wordAt(img, addr), start)
		}
	}
}

func TestInvalidLayout(t *testing.T) {
	if _, err := Generate(localmem.NewLayout(0x40000, 0x1000, 0x1000, 0x1000)); err == nil {
		t.Fatal("layout without stack accepted")
	}
}

func TestImageRoundTrip(t *testing.T) {
	img := build(t)
	for _, c := range []Compression{CompressNone, CompressLZ4, CompressXZ} {
		var buf bytes.Buffer
		if err := WriteImage(&buf, img, c); err != nil {
			t.Fatal(err)
		}
		got, err := ReadImage(&buf)
		if err != nil {
			t.Fatalf("compression %d: %v", c, err)
		}
		if got.ID != img.ID || got.Origin != img.Origin || got.Entrypoints != img.Entrypoints || !bytes.Equal(got.Code, img.Code) {
			t.Fatalf("compression %d: image differs", c)
		}
		if name, _, _ := got.Symbolize(img.Entry(bootrecord.EntryCacheStatic) + 8); name != "cache-static" {
			t.Errorf("symbols lost: %q", name)
		}
	}
	if _, err := ReadImage(strings.NewReader("nope!!")); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestSaveLoadBySuffix(t *testing.T) {
	img := build(t)
	dir := t.TempDir()
	for _, name := range []string{"boot.img", "boot.img.lz4", "boot.img.xz"} {
		path := filepath.Join(dir, name)
		if err := Save(path, img); err != nil {
			t.Fatal(err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got.Code, img.Code) {
			t.Errorf("%s: code differs", name)
		}
	}
}

func TestListingAndInstall(t *testing.T) {
	img := build(t)
	var out bytes.Buffer
	if err := img.Listing(&out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"trap-handler:", "block-until-tag:", "rdch $75,MFC_RdTagStat", "stop 0x3fff"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("listing lacks %q", want)
		}
	}
	ls := localmem.NewStore()
	if err := img.Install(ls); err != nil {
		t.Fatal(err)
	}
	if v, _ := ls.Load32(localmem.CodeEntry); v != wordAt(img, localmem.CodeEntry) {
		t.Fatal("install did not copy the code")
	}
	r := bootrecord.New(0)
	img.Apply(r)
	if r.Entrypoints[bootrecord.EntryCacheMethod] != img.Entry(bootrecord.EntryCacheMethod) {
		t.Fatal("entrypoints not applied")
	}
}
