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
package localmem

/*
Local store address map
=======================

All offsets are byte addresses relative to local store base 0x0.

	0x00000  reserved (runtime stub)
	0x00400  boot record mirror
	0x00680  trap entry
	0x00700  code entry (out-of-line runtime code)
	0x01000  object cache table (0x400 entries x 8 bytes)
	0x03000  code cache
	0x10000  object cache
	0x30000  statics cache
	0x34000  class TIB cache
	0x37000  JTOC mirror table
	0x39000  statics TOC
	0x39800  TIB table
	0x3A000  size-statics table
	0x3A800  atomic cache line
	0x3A880  stack (grows down from 0x40000)
*/

const (
	LocalStoreSize = 0x40000

	QuadWord   = 16
	CacheLine  = 128
	ArrayBlock = 256

	BootRecordStart  = 0x400
	BootRecordLength = 0x280
	TrapEntry        = 0x680
	CodeEntry        = 0x700

	ObjectTableStart   = 0x1000
	ObjectTableEntries = 0x400
	ObjectTableLength  = ObjectTableEntries * 8

	StaticsEntrySize = 16
	ClassTibEntry    = 16
)

// Layout is the local store map of one unit. DefaultLayout returns the
// standard map; tests shrink individual regions to provoke cache-full traps.
type Layout struct {
	CodeCacheStart   uint32
	CodeCacheLength  uint32
	ObjectCacheStart uint32
	ObjectLength     uint32
	StaticsStart     uint32
	StaticsLength    uint32
	ClassTibStart    uint32
	ClassTibLength   uint32
	JtocMirrorStart  uint32
	JtocMirrorLength uint32
	StaticsTocStart  uint32
	StaticsTocLength uint32
	TibTableStart    uint32
	TibTableLength   uint32
	SizeStaticsStart uint32
	SizeStaticsLen   uint32
	AtomicLine       uint32
	StackStart       uint32
	StackEnd         uint32
}

func DefaultLayout() Layout {
	return NewLayout(0xD000, 0x20000, 0x4000, 0x3000)
}

// NewLayout packs the regions behind the object cache table in the standard
// order using the given cache sizes. Index tables keep their fixed sizes.
func NewLayout(codeLen, objectLen, staticsLen, tibLen uint32) Layout {
	var l Layout
	p := uint32(ObjectTableStart + ObjectTableLength)
	next := func(n uint32) uint32 {
		start := p
		p += n
		return start
	}
	l.CodeCacheStart, l.CodeCacheLength = next(codeLen), codeLen
	l.ObjectCacheStart, l.ObjectLength = next(objectLen), objectLen
	l.StaticsStart, l.StaticsLength = next(staticsLen), staticsLen
	l.ClassTibStart, l.ClassTibLength = next(tibLen), tibLen
	l.JtocMirrorStart, l.JtocMirrorLength = next(0x2000), 0x2000
	l.StaticsTocStart, l.StaticsTocLength = next(0x800), 0x800
	l.TibTableStart, l.TibTableLength = next(0x800), 0x800
	l.SizeStaticsStart, l.SizeStaticsLen = next(0x800), 0x800
	l.AtomicLine = next(CacheLine)
	l.StackStart = p
	l.StackEnd = LocalStoreSize
	return l
}

// Valid reports whether the regions fit below the end of the local store
// with room left for a stack.
func (l Layout) Valid() bool {
	return l.StackStart < l.StackEnd && l.StackEnd <= LocalStoreSize && l.StackEnd-l.StackStart >= 0x1000
}

// JtocMirrorMiddle is the local address of JTOC offset 0 in the mirror table.
func (l Layout) JtocMirrorMiddle() uint32 {
	return l.JtocMirrorStart + l.JtocMirrorLength/2
}

// Bounds returns [start, end) of the cache region of kind k.
func (l Layout) Bounds(k RegionKind) (start, end uint32) {
	switch k {
	case CodeCache:
		return l.CodeCacheStart, l.CodeCacheStart + l.CodeCacheLength
	case ObjectCache:
		return l.ObjectCacheStart, l.ObjectCacheStart + l.ObjectLength
	case ClassTibCache:
		return l.ClassTibStart, l.ClassTibStart + l.ClassTibLength
	case StaticsCache:
		return l.StaticsStart, l.StaticsStart + l.StaticsLength
	}
	return 0, 0
}
