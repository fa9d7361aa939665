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
	"fmt"
	"sync"

	"github.com/launix-de/cellvm/mainmem"
)

var ErrJtocFull = errors.New("bootrecord: jtoc full")

// StaleMirrorError rejects a main processor write to a slot that a unit
// holds a cached copy of.
type StaleMirrorError struct {
	Offset int32
	Unit   uint32
}

func (e *StaleMirrorError) Error() string {
	return fmt.Sprintf("jtoc slot %d is cached by unit %d; resync before writing", e.Offset, e.Unit)
}

// JTOC is the main processor's table of contents. Numeric slots are
// allocated at negative byte offsets from the middle, reference slots at
// non-negative offsets. Every unit's boot record is attached so allocations
// and writes can be checked against the unit's mirror.
type JTOC struct {
	mu        sync.RWMutex
	mem       *mainmem.Memory
	base      uint32 // main memory address of offset 0
	extent    int32  // bytes available on each side of the middle
	numeric   int32  // lowest allocated numeric offset
	reference int32  // next free reference offset
	sizes     map[int32]uint32
	records   []*Record
}

// NewJTOC carves a table with extent bytes on each side out of the heap.
func NewJTOC(heap *mainmem.Heap, extent int32) (*JTOC, error) {
	if extent <= 0 || extent%16 != 0 {
		return nil, fmt.Errorf("bootrecord: jtoc extent %d must be a positive multiple of 16", extent)
	}
	start, err := heap.Alloc(uint32(2 * extent))
	if err != nil {
		return nil, err
	}
	return &JTOC{
		mem:    heap.Memory(),
		base:   start + uint32(extent),
		extent: extent,
		sizes:  make(map[int32]uint32),
	}, nil
}

// Middle is the main memory address of offset 0.
func (j *JTOC) Middle() uint32 { return j.base }

func (j *JTOC) Extent() int32 { return j.extent }

// Attach registers a unit's boot record and extends its window to the
// slots allocated so far.
func (j *JTOC) Attach(r *Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	if j.numeric < 0 {
		r.Extend(j.numeric)
	}
	if j.reference > 0 {
		r.Extend(j.reference - 4)
	}
}

// Window returns the allocated range [numeric, reference).
func (j *JTOC) Window() (int32, int32) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.numeric, j.reference
}

// AllocNumeric reserves words consecutive numeric slots and returns the
// offset of the first (lowest) one.
func (j *JTOC) AllocNumeric(words int32) (int32, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	off := j.numeric - 4*words
	if words <= 0 || -off > j.extent {
		return 0, ErrJtocFull
	}
	j.numeric = off
	for _, r := range j.records {
		r.Extend(off)
	}
	return off, nil
}

func (j *JTOC) AllocReference() (int32, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.allocReferenceLocked()
}

func (j *JTOC) allocReferenceLocked() (int32, error) {
	off := j.reference
	if off+4 > j.extent {
		return 0, ErrJtocFull
	}
	j.reference = off + 4
	for _, r := range j.records {
		r.Extend(off)
	}
	return off, nil
}

// RegisterClass allocates a reference slot pointing at a class statics
// block of the given size.
func (j *JTOC) RegisterClass(statics, size uint32) (int32, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	off, err := j.allocReferenceLocked()
	if err != nil {
		return 0, err
	}
	j.sizes[off] = size
	return off, j.mem.Store32(j.base+uint32(off), statics)
}

// StaticsSize is the statics block size registered for a class slot.
func (j *JTOC) StaticsSize(off int32) uint32 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.sizes[off]
}

// Address is the main memory address of slot off.
func (j *JTOC) Address(off int32) uint32 {
	return uint32(int32(j.base) + off)
}

func (j *JTOC) check(off int32) error {
	if off%4 != 0 || off < j.numeric || off >= j.reference {
		return fmt.Errorf("bootrecord: jtoc slot %d not allocated", off)
	}
	return nil
}

func (j *JTOC) Load(off int32) (uint32, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if err := j.check(off); err != nil {
		return 0, err
	}
	return j.mem.Load32(j.Address(off))
}

// Store writes slot off. A slot cached by any attached unit is refused with
// *StaleMirrorError and that unit's record is marked dirty.
func (j *JTOC) Store(off int32, v uint32) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.check(off); err != nil {
		return err
	}
	for _, r := range j.records {
		if !r.VerifyUpdate(off) {
			r.MarkDirty()
			return &StaleMirrorError{Offset: off, Unit: r.ProcessorID}
		}
	}
	for _, r := range j.records {
		r.MarkDirty()
	}
	return j.mem.Store32(j.Address(off), v)
}
