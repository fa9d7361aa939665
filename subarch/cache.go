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
	"context"
	"errors"
	"fmt"

	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/mainmem"
	"github.com/launix-de/cellvm/mfc"
)

/*
Remote memory cache
===================

Every miss handler follows the same pattern: widen [ea, ea+size) to whole
quadwords, bump-allocate the widened size in the region, start the transfer
on the handler's tag group and wait on that group only. The returned local
address keeps the low four bits of ea, so the local copy and the remote
original are congruent modulo 16 and small write-backs stay legal DMA.

Index tables that point into a region are cleared together with it:

	object cache   object table (remote ref -> local ref / array block table)
	statics cache  statics TOC (class slot -> local statics block)
	class TIBs     TIB table (class slot -> local TIB)

A local address is never held across a handler call; callers keep remote
addresses and ask again, so a flush in between is harmless.
*/

const tibNotResolved = 0

// fetch starts the transfer of [ea, ea+size) into region kind and returns
// the local address of ea without waiting.
func (u *Unit) fetch(ea, size uint32, tag uint8, kind localmem.RegionKind) (uint32, error) {
	aligned := ea &^ 15
	slack := ea - aligned
	total := (size + slack + 15) &^ 15
	at, err := u.Regions[kind].Allocate(total)
	if err != nil {
		return 0, err
	}
	for off := uint32(0); off < total; off += mfc.MaxTransfer {
		if err := u.DMA.Get(at+off, aligned+off, min(total-off, mfc.MaxTransfer), tag); err != nil {
			return 0, err
		}
	}
	u.cfg.Trace.Instant("dma-get", kind.String(), int(u.ID), map[string]any{"ea": ea, "size": total, "tag": tag})
	return at + slack, nil
}

func (u *Unit) wait(ctx context.Context, tag uint8) error {
	if err := u.DMA.WaitTag(ctx, tag, u.cfg.Backoff); err != nil {
		return fmt.Errorf("waiting for tag %d: %w", tag, err)
	}
	return nil
}

// peek reads one remote word through the atomic cache line.
func (u *Unit) peek(ctx context.Context, ea uint32) (uint32, error) {
	line := u.cfg.Layout.AtomicLine
	if err := u.DMA.Get(line, ea&^15, localmem.QuadWord, mfc.TagProxy); err != nil {
		return 0, err
	}
	if err := u.wait(ctx, mfc.TagProxy); err != nil {
		return 0, err
	}
	return u.Local.Load32(line + ea&15)
}

// retry runs op; on a cache-full condition the region is flushed and op
// runs once more. Overflowing a freshly flushed region is a trap.
func (u *Unit) retry(op func() (uint32, error)) (uint32, error) {
	v, err := op()
	var full *localmem.CacheFullError
	if !errors.As(err, &full) {
		return v, err
	}
	u.stats.CacheFullRetries.Add(1)
	u.logf("%s, flushing", full)
	u.flush(full.Kind)
	v, err = op()
	if errors.As(err, &full) {
		return 0, &TrapError{Code: TrapCode(full.Kind.TrapCode()), Msg: full.Error()}
	}
	return v, err
}

// flush drops every entry of a region together with its index table.
func (u *Unit) flush(kind localmem.RegionKind) {
	// queued transfers still target the old copies
	u.DMA.Drain()
	u.Regions[kind].Flush()
	l := u.cfg.Layout
	switch kind {
	case localmem.CodeCache:
		clear(u.methods)
	case localmem.ObjectCache:
		u.Objects.Reset()
	case localmem.StaticsCache:
		u.Local.Zero(l.StaticsTocStart, l.StaticsTocLength)
	case localmem.ClassTibCache:
		u.Local.Zero(l.TibTableStart, l.TibTableLength)
	}
	u.cfg.Trace.Instant("flush", kind.String(), int(u.ID), nil)
}

// --- objects ---

func (u *Unit) cacheObject(ctx context.Context, ref uint32) (uint32, error) {
	if ref == 0 {
		return 0, trap(TrapNullPointer, "null reference")
	}
	if local, ok := u.Objects.Lookup(ref); ok {
		u.stats.ObjectHits.Add(1)
		return local, nil
	}
	u.stats.ObjectMisses.Add(1)
	return u.retry(func() (uint32, error) {
		size, err := u.peek(ctx, ref-4)
		if err != nil {
			return 0, err
		}
		at, err := u.fetch(ref-mainmem.ObjectHeader, mainmem.ObjectHeader+size, mfc.TagObjectRead, localmem.ObjectCache)
		if err != nil {
			return 0, err
		}
		if err := u.wait(ctx, mfc.TagObjectRead); err != nil {
			return 0, err
		}
		local := at + mainmem.ObjectHeader
		return local, u.Objects.Insert(ref, local)
	})
}

// CacheObject returns the local copy of the object at remote ref, fetching
// it on a miss.
func (u *Unit) CacheObject(ctx context.Context, ref uint32) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cacheObject(ctx, ref)
}

// --- arrays ---

/*
An array is cached as a descriptor quadword followed by its block table:

	[table-16] remote ref  [table-12] length  [table-8] element size
	[table+4*i] local address of block i, 0 while not cached

Blocks are ArrayBlock bytes of payload and are fetched on first touch.
*/

func (u *Unit) cacheArray(ctx context.Context, ref, elemSize uint32) (table, length uint32, err error) {
	if ref == 0 {
		return 0, 0, trap(TrapNullPointer, "null array")
	}
	switch elemSize {
	case 1, 2, 4, 8:
	default:
		return 0, 0, fmt.Errorf("element size %d", elemSize)
	}
	if t, ok := u.Objects.Lookup(ref); ok {
		u.stats.ObjectHits.Add(1)
		length, err = u.Local.Load32(t - 12)
		return t, length, err
	}
	u.stats.ObjectMisses.Add(1)
	table, err = u.retry(func() (uint32, error) {
		n, err := u.peek(ctx, ref-4)
		if err != nil {
			return 0, err
		}
		blocks := (uint64(n)*uint64(elemSize) + localmem.ArrayBlock - 1) / localmem.ArrayBlock
		size := 16 + 4*blocks
		if size > uint64(u.Regions[localmem.ObjectCache].Length) {
			return 0, &localmem.CacheFullError{Kind: localmem.ObjectCache, Requested: uint32(min(size, 1<<31))}
		}
		r := u.Regions[localmem.ObjectCache]
		at, err := r.Allocate(uint32(size))
		if err != nil {
			return 0, err
		}
		u.Local.Zero(at, r.RoundUp(uint32(size)))
		u.Local.Store32(at, ref)
		u.Local.Store32(at+4, n)
		u.Local.Store32(at+8, elemSize)
		return at + 16, u.Objects.Insert(ref, at+16)
	})
	if err != nil {
		return 0, 0, err
	}
	length, err = u.Local.Load32(table - 12)
	return table, length, err
}

func (u *Unit) cacheArrayBlock(ctx context.Context, table, block uint32) (uint32, error) {
	entry := table + 4*block
	if local, err := u.Local.Load32(entry); err != nil || local != 0 {
		if local != 0 {
			u.stats.ObjectHits.Add(1)
		}
		return local, err
	}
	u.stats.ObjectMisses.Add(1)
	remote, _ := u.Local.Load32(table - 16)
	length, _ := u.Local.Load32(table - 12)
	elemSize, _ := u.Local.Load32(table - 8)
	start := block * localmem.ArrayBlock
	size := min(localmem.ArrayBlock, length*elemSize-start)
	local, err := u.fetch(remote+start, size, mfc.TagObjectRead, localmem.ObjectCache)
	if err != nil {
		return 0, err
	}
	if err := u.wait(ctx, mfc.TagObjectRead); err != nil {
		return 0, err
	}
	return local, u.Local.Store32(entry, local)
}

// arrayElement returns the local address of element index, caching the
// array descriptor and the element's block as needed.
func (u *Unit) arrayElement(ctx context.Context, ref, elemSize, index uint32) (uint32, error) {
	for attempt := 0; ; attempt++ {
		table, length, err := u.cacheArray(ctx, ref, elemSize)
		if err != nil {
			return 0, err
		}
		if index >= length {
			return 0, trap(TrapArrayBounds, "index %d, length %d", int32(index), length)
		}
		off := index * elemSize
		block, err := u.cacheArrayBlock(ctx, table, off/localmem.ArrayBlock)
		var full *localmem.CacheFullError
		if errors.As(err, &full) {
			if attempt > 0 {
				return 0, &TrapError{Code: TrapObjectCacheFull, Msg: full.Error()}
			}
			// the flush drops the block table as well, start over
			u.stats.CacheFullRetries.Add(1)
			u.flush(full.Kind)
			continue
		}
		if err != nil {
			return 0, err
		}
		return block + off%localmem.ArrayBlock, nil
	}
}

// CacheArray returns the local block table and the length of an array.
func (u *Unit) CacheArray(ctx context.Context, ref, elemSize uint32) (uint32, uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cacheArray(ctx, ref, elemSize)
}

// CacheArrayBlock returns the local address of block i of a cached array.
func (u *Unit) CacheArrayBlock(ctx context.Context, table, block uint32) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cacheArrayBlock(ctx, table, block)
}

// ArrayElement returns the local address of element index of array ref.
func (u *Unit) ArrayElement(ctx context.Context, ref, elemSize, index uint32) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.arrayElement(ctx, ref, elemSize, index)
}

// --- statics and TIBs ---

func (u *Unit) checkSlot(slot int32) error {
	l := u.cfg.Layout
	if slot < 0 || slot%4 != 0 || uint32(slot) >= l.StaticsTocLength || uint32(slot) >= l.SizeStaticsLen || uint32(slot) >= l.TibTableLength {
		return trap(TrapUnresolved, "class slot %d outside the mirrored reference window", slot)
	}
	return nil
}

// cacheStatic returns the local statics block of the class in jtoc slot.
func (u *Unit) cacheStatic(ctx context.Context, slot int32) (uint32, error) {
	if err := u.checkSlot(slot); err != nil {
		return 0, err
	}
	// an invalidated record flushes the statics before the table is trusted
	if err := u.syncJtoc(ctx); err != nil {
		return 0, err
	}
	l := u.cfg.Layout
	toc := l.StaticsTocStart + uint32(slot)
	local, err := u.Local.Load32(toc)
	if err != nil {
		return 0, err
	}
	if local != 0 {
		u.stats.StaticHits.Add(1)
		return local, nil
	}
	u.stats.StaticMisses.Add(1)
	remote, _ := u.Local.Load32(l.JtocMirrorMiddle() + uint32(slot))
	size, _ := u.Local.Load32(l.SizeStaticsStart + uint32(slot))
	if remote == 0 || size == 0 {
		return 0, trap(TrapUnresolved, "class slot %d not resolved", slot)
	}
	return u.retry(func() (uint32, error) {
		at, err := u.fetch(remote, size, mfc.TagStaticRead, localmem.StaticsCache)
		if err != nil {
			return 0, err
		}
		if err := u.wait(ctx, mfc.TagStaticRead); err != nil {
			return 0, err
		}
		return at, u.Local.Store32(toc, at)
	})
}

// CacheStatic returns the local statics block of the class in jtoc slot.
func (u *Unit) CacheStatic(ctx context.Context, slot int32) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cacheStatic(ctx, slot)
}

// lookupTib is the first phase of a TIB access: it only consults the TIB
// table and answers tibNotResolved instead of resolving.
func (u *Unit) lookupTib(slot int32) uint32 {
	v, err := u.Local.Load32(u.cfg.Layout.TibTableStart + uint32(slot))
	if err != nil {
		return tibNotResolved
	}
	return v
}

// resolveTib is the second phase: it caches the statics block, reads the
// remote TIB address from it and caches the TIB.
func (u *Unit) resolveTib(ctx context.Context, slot int32) error {
	u.stats.TibMisses.Add(1)
	statics, err := u.cacheStatic(ctx, slot)
	if err != nil {
		return err
	}
	tib, _ := u.Local.Load32(statics)
	tibSize, _ := u.Local.Load32(statics + 4)
	if tib == 0 || tibSize == 0 {
		return trap(TrapUnresolved, "class slot %d has no TIB", slot)
	}
	_, err = u.retry(func() (uint32, error) {
		at, err := u.fetch(tib, tibSize, mfc.TagStaticRead, localmem.ClassTibCache)
		if err != nil {
			return 0, err
		}
		if err := u.wait(ctx, mfc.TagStaticRead); err != nil {
			return 0, err
		}
		return at, u.Local.Store32(u.cfg.Layout.TibTableStart+uint32(slot), at)
	})
	return err
}

// tibFor drives lookup, resolve and lookup again.
func (u *Unit) tibFor(ctx context.Context, slot int32) (uint32, error) {
	if err := u.checkSlot(slot); err != nil {
		return 0, err
	}
	if err := u.syncJtoc(ctx); err != nil {
		return 0, err
	}
	for i := 0; i < 2; i++ {
		if tib := u.lookupTib(slot); tib != tibNotResolved {
			if i == 0 {
				u.stats.TibHits.Add(1)
			}
			return tib, nil
		}
		if i == 0 {
			if err := u.resolveTib(ctx, slot); err != nil {
				return 0, err
			}
		}
	}
	return 0, trap(TrapUnresolved, "TIB of class slot %d did not resolve", slot)
}

// CacheClassTib returns the local TIB of the class in jtoc slot.
func (u *Unit) CacheClassTib(ctx context.Context, slot int32) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tibFor(ctx, slot)
}

// --- code ---

// codeHeader is the header of a compiled method blob.
type codeHeader struct {
	bodyLen     uint32
	wordParams  uint32
	floatParams uint32
	kind        mailbox.Kind
}

type cachedCode struct {
	local  uint32
	header codeHeader
}

// cacheMethod reads the blob header and starts fetching the whole blob
// into the code cache. It does not wait for the method tag.
func (u *Unit) cacheMethod(ctx context.Context, ea uint32) (uint32, codeHeader, error) {
	if ea%16 != 0 {
		return 0, codeHeader{}, fmt.Errorf("code blob 0x%x not quadword aligned", ea)
	}
	if c, ok := u.methods[ea]; ok {
		return c.local, c.header, nil
	}
	var w [4]uint32
	for i := range w {
		v, err := u.peek(ctx, ea+uint32(4*i))
		if err != nil {
			return 0, codeHeader{}, err
		}
		w[i] = v
	}
	h := codeHeader{w[0], w[1], w[2], mailbox.Kind(w[3])}
	if h.bodyLen > u.Regions[localmem.CodeCache].Length {
		return 0, h, trap(TrapCodeCacheFull, "method of %d bytes", h.bodyLen)
	}
	local, err := u.retry(func() (uint32, error) {
		return u.fetch(ea, mainmem.CodeHeader+h.bodyLen, mfc.TagMethodRead, localmem.CodeCache)
	})
	if err == nil {
		u.stats.MethodLoads.Add(1)
		u.methods[ea] = cachedCode{local, h}
	}
	return local, h, err
}

// --- jtoc mirror ---

func offsetAddr(base uint32, off int32) uint32 {
	return uint32(int32(base) + off)
}

// syncJtoc re-mirrors the jtoc window when the boot record is dirty. After
// the record was invalidated every cached statics block and TIB may be
// stale, so both regions are flushed.
func (u *Unit) syncJtoc(ctx context.Context) error {
	if !u.Record.IsDirty() {
		return nil
	}
	l := u.cfg.Layout
	lastNum, lastRef := u.Record.Cached()
	invalidated := u.mirrored && lastNum == 0 && lastRef == 0
	err := u.Record.Resync(func(lo, hi int32) error {
		half := int32(l.JtocMirrorLength / 2)
		if lo < -half || hi > half || hi > int32(l.SizeStaticsLen) {
			return fmt.Errorf("jtoc window [%d,%d) exceeds the local mirror", lo, hi)
		}
		alo, ahi := lo&^15, (hi+15)&^15
		for off := alo; off < ahi; off += mfc.MaxTransfer {
			n := min(uint32(ahi-off), mfc.MaxTransfer)
			if err := u.DMA.Get(offsetAddr(l.JtocMirrorMiddle(), off), offsetAddr(u.Record.JtocMiddle, off), n, mfc.TagStaticRead); err != nil {
				return err
			}
		}
		if err := u.wait(ctx, mfc.TagStaticRead); err != nil {
			return err
		}
		// the main processor keeps the statics sizes next to the mirror
		for off := int32(0); off < hi; off += 4 {
			if err := u.Local.Store32(l.SizeStaticsStart+uint32(off), u.jtoc.StaticsSize(off)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if invalidated {
		u.flush(localmem.StaticsCache)
		u.flush(localmem.ClassTibCache)
	}
	u.mirrored = true
	u.stats.Resyncs.Add(1)
	u.cfg.Trace.Instant("jtoc-resync", "jtoc", int(u.ID), nil)
	return u.writeRecord()
}
