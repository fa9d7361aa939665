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

import (
	"errors"
	"fmt"
)

// RegionKind names one of the four bump-allocated caches of a unit.
type RegionKind uint8

const (
	CodeCache RegionKind = iota
	ObjectCache
	ClassTibCache
	StaticsCache
)

var regionNames = [...]string{"code", "object", "class-tibs", "statics"}

func (k RegionKind) String() string {
	if int(k) < len(regionNames) {
		return regionNames[k]
	}
	return fmt.Sprintf("region(%d)", uint8(k))
}

// TrapCode is the co-processor trap raised when the region overflows
// (code-cache-full=10 .. statics-cache-full=13).
func (k RegionKind) TrapCode() int {
	return 10 + int(k)
}

// ParseRegionKind accepts the names printed by String.
func ParseRegionKind(s string) (RegionKind, error) {
	for i, n := range regionNames {
		if n == s {
			return RegionKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown region %q", s)
}

var ErrZeroAllocation = errors.New("localmem: zero-sized allocation")

// CacheFullError is returned when an allocation does not fit. The region is
// left unchanged; the owner is expected to flush the whole region.
type CacheFullError struct {
	Kind      RegionKind
	Requested uint32
	Free      uint32
}

func (e *CacheFullError) Error() string {
	return fmt.Sprintf("%s cache full: requested %d bytes, %d free", e.Kind, e.Requested, e.Free)
}

// Region is a bump allocator over [Start, Start+Length). It is owned by a
// single unit and therefore not locked.
type Region struct {
	Kind       RegionKind
	Start      uint32
	Length     uint32
	Align      uint32
	next       uint32
	generation uint32
	allocs     uint64
	flushes    uint64
}

func NewRegion(kind RegionKind, start, length, align uint32) *Region {
	if align == 0 || align&(align-1) != 0 {
		panic("localmem: alignment must be a power of two")
	}
	return &Region{Kind: kind, Start: start, Length: length, Align: align, next: start}
}

func (r *Region) End() uint32  { return r.Start + r.Length }
func (r *Region) Next() uint32 { return r.next }
func (r *Region) Used() uint32 { return r.next - r.Start }
func (r *Region) Free() uint32 { return r.End() - r.next }

// Generation changes on every flush. Holders of a local address can compare
// generations to detect that the address was invalidated.
func (r *Region) Generation() uint32 { return r.generation }

func (r *Region) Allocations() uint64 { return r.allocs }
func (r *Region) Flushes() uint64     { return r.flushes }

// Contains reports whether addr lies inside the allocated part of the region.
func (r *Region) Contains(addr uint32) bool {
	return addr >= r.Start && addr < r.next
}

// RoundUp rounds size to the region's natural alignment.
func (r *Region) RoundUp(size uint32) uint32 {
	return (size + r.Align - 1) &^ (r.Align - 1)
}

// Allocate returns the previous free pointer and advances it by the rounded
// size. On overflow nothing is mutated and a *CacheFullError is returned.
func (r *Region) Allocate(size uint32) (uint32, error) {
	if size == 0 {
		return 0, ErrZeroAllocation
	}
	rounded := r.RoundUp(size)
	if rounded < size || rounded > r.Free() {
		return 0, &CacheFullError{Kind: r.Kind, Requested: rounded, Free: r.Free()}
	}
	addr := r.next
	r.next += rounded
	r.allocs++
	return addr, nil
}

// Flush drops every entry of the region at once.
func (r *Region) Flush() {
	r.next = r.Start
	r.generation++
	r.flushes++
}
