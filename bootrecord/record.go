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
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// Entrypoint indices of the out-of-line runtime routines.
const (
	EntryInit = iota
	EntryFlushCache
	EntryBlockTag
	EntryCacheMethod
	EntryCacheObject
	EntryCacheArray
	EntryCacheArrayBlock
	EntryCacheStatic
	EntryCacheClassTib
	EntryReflectiveInvoker
	EntryTrapHandler
	NumEntrypoints
)

var EntryNames = [NumEntrypoints]string{
	"init", "flush-cache", "block-until-tag", "cache-method", "cache-object",
	"cache-array", "cache-array-block", "cache-static", "cache-class-tib",
	"reflective-invoker", "trap-handler",
}

const (
	recordMagic = 0x42524543 // "BREC"
	EncodedSize = 48 + 4*NumEntrypoints
)

var ErrBadRecord = errors.New("bootrecord: bad boot record")

// Record is the boot record of one co-processor. Window boundaries and the
// dirty state are read by the unit from hot code while the main processor
// writes them, so they are atomics and never locked.
//
// The mirrored window is [NumericOffset, ReferenceOffset) around the JTOC
// middle; the cached window [LastCachedNumeric, LastCachedReference) is the
// part the unit actually holds a copy of since its last resync.
type Record struct {
	Entrypoints [NumEntrypoints]uint32
	ProcessorID uint32
	ImageID     [16]byte
	JtocMiddle  uint32

	numericOffset   atomic.Int32
	referenceOffset atomic.Int32
	lastNumeric     atomic.Int32
	lastReference   atomic.Int32

	dirtyGen atomic.Uint64
	cleanGen atomic.Uint64
}

func New(jtocMiddle uint32) *Record {
	return &Record{JtocMiddle: jtocMiddle}
}

// MarkDirty flags the mirror as out of date.
func (r *Record) MarkDirty() {
	r.dirtyGen.Add(1)
}

func (r *Record) IsDirty() bool {
	return r.dirtyGen.Load() != r.cleanGen.Load()
}

// Window returns the mirrored window boundaries.
func (r *Record) Window() (numeric, reference int32) {
	return r.numericOffset.Load(), r.referenceOffset.Load()
}

// Cached returns the window boundaries held by the unit.
func (r *Record) Cached() (numeric, reference int32) {
	return r.lastNumeric.Load(), r.lastReference.Load()
}

// Extend grows the mirrored window to include slot off and marks the record
// dirty. The dirty flag is raised first so the record never reads clean
// while the larger window is not mirrored yet.
func (r *Record) Extend(off int32) {
	r.MarkDirty()
	if off < 0 {
		for {
			cur := r.numericOffset.Load()
			if off >= cur || r.numericOffset.CompareAndSwap(cur, off) {
				return
			}
		}
	}
	for {
		cur := r.referenceOffset.Load()
		if off+4 <= cur || r.referenceOffset.CompareAndSwap(cur, off+4) {
			return
		}
	}
}

// VerifyUpdate reports whether the main processor may write slot off
// without diverging from a copy the unit already holds.
func (r *Record) VerifyUpdate(off int32) bool {
	numeric, reference := r.Cached()
	if off < 0 {
		return off < numeric
	}
	return off >= reference
}

// Resync re-mirrors the window: mirror copies [lo, hi) into the unit. The
// dirty flag is cleared only if mirror succeeds, and only for the changes
// seen before the copy started.
func (r *Record) Resync(mirror func(lo, hi int32) error) error {
	gen := r.dirtyGen.Load()
	lo, hi := r.Window()
	if err := mirror(lo, hi); err != nil {
		return err
	}
	r.lastNumeric.Store(lo)
	r.lastReference.Store(hi)
	r.cleanGen.Store(gen)
	return nil
}

// Invalidate forgets the cached window, so every slot may be written again;
// the next resync copies everything.
func (r *Record) Invalidate() {
	r.MarkDirty()
	r.lastNumeric.Store(0)
	r.lastReference.Store(0)
}

// Encode serializes the record into the boot record area of local store.
func (r *Record) Encode(b []byte) error {
	if len(b) < EncodedSize {
		return fmt.Errorf("%w: buffer of %d bytes", ErrBadRecord, len(b))
	}
	be := binary.BigEndian
	be.PutUint32(b[0:], recordMagic)
	be.PutUint32(b[4:], r.ProcessorID)
	copy(b[8:24], r.ImageID[:])
	be.PutUint32(b[24:], r.JtocMiddle)
	num, ref := r.Window()
	lnum, lref := r.Cached()
	be.PutUint32(b[28:], uint32(num))
	be.PutUint32(b[32:], uint32(ref))
	be.PutUint32(b[36:], uint32(lnum))
	be.PutUint32(b[40:], uint32(lref))
	dirty := uint32(0)
	if r.IsDirty() {
		dirty = 1
	}
	be.PutUint32(b[44:], dirty)
	for i, e := range r.Entrypoints {
		be.PutUint32(b[48+4*i:], e)
	}
	return nil
}

// Decode reads a record written by Encode.
func Decode(b []byte) (*Record, error) {
	be := binary.BigEndian
	if len(b) < EncodedSize || be.Uint32(b) != recordMagic {
		return nil, ErrBadRecord
	}
	r := New(be.Uint32(b[24:]))
	r.ProcessorID = be.Uint32(b[4:])
	copy(r.ImageID[:], b[8:24])
	r.numericOffset.Store(int32(be.Uint32(b[28:])))
	r.referenceOffset.Store(int32(be.Uint32(b[32:])))
	r.lastNumeric.Store(int32(be.Uint32(b[36:])))
	r.lastReference.Store(int32(be.Uint32(b[40:])))
	if be.Uint32(b[44:]) != 0 {
		r.MarkDirty()
	}
	for i := range r.Entrypoints {
		r.Entrypoints[i] = be.Uint32(b[48+4*i:])
	}
	return r, nil
}
