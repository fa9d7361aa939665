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
	"fmt"

	"github.com/launix-de/cellvm/asm"
	"github.com/launix-de/cellvm/bootrecord"
	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/mfc"
)

/*
Out-of-line runtime
===================

The runtime routines are emitted once into a single buffer based at the trap
entry. The trap handler fills 0x680..0x700, every other routine follows from
the code entry at 0x700, and a small data section with the region pointers
closes the image. Everything has to end before the object cache table.

The image is the layout contract of the boot image: entry addresses in the
boot record, the data section and the listing. The simulated unit never
executes these words. It runs its Go handlers for the same entry points, so
the image only has to agree with them on addresses.

calling convention:

	$0        link register, callers use brsl $0
	$1        stack pointer, frames are quadword sized
	$3..$7    arguments, $3 is the result
	$75..$79  scratch, clobbered by every routine
	$126      trap code, $127 trapping pc

Scalar values live in the preferred (leftmost) word of a register. A word
that is not quadword aligned in local store is read with lqd+rotqby and
written with lqd+cwd+shufb+stqd.
*/

// Stop codes signalled by the runtime.
const (
	StopInit = 0x2000 // runtime initialized, waiting for commands
	StopTrap = 0x3fff // unrecoverable trap reported to the main processor
)

type gen struct {
	w      *asm.Writer
	l      localmem.Layout
	entry  [bootrecord.NumEntrypoints]asm.Label
	trap   asm.Label
	full   asm.Label
	dmaGet asm.Label
	starts [4]asm.Label
	ends   [4]asm.Label
	nexts  [4]asm.Label
}

var (
	rLR  = asm.RegLR
	rSP  = asm.RegSP
	rA0  = asm.RegArg0
	rA1  = asm.RegArg1
	rA2  = asm.RegArg2
	rA3  = asm.RegArg3
	rA4  = asm.RegArg4
	rT0  = asm.RegT0
	rT1  = asm.RegT1
	rT2  = asm.RegT2
	rT3  = asm.RegT3
	rT4  = asm.RegT4
	rTC  = asm.RegTrapCode
	rTPC = asm.RegTrapPC
)

var regionKinds = [4]localmem.RegionKind{localmem.CodeCache, localmem.ObjectCache, localmem.ClassTibCache, localmem.StaticsCache}

// Generate emits the runtime for layout l.
func Generate(l localmem.Layout) (*Image, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("outofline: invalid local store layout %+v", l)
	}
	w := asm.NewWriter(localmem.TrapEntry)
	g := &gen{w: w, l: l}
	for i := range g.entry {
		g.entry[i] = w.Named(bootrecord.EntryNames[i])
	}
	g.trap = g.entry[bootrecord.EntryTrapHandler]
	g.full = w.Named("cache-full")
	g.dmaGet = w.Named("dma-get")
	for _, k := range regionKinds {
		g.starts[k] = w.Named("data.start." + k.String())
		g.ends[k] = w.Named("data.end." + k.String())
		g.nexts[k] = w.Named("data.next." + k.String())
	}

	g.trapHandler()
	if w.Here() > localmem.CodeEntry {
		return nil, fmt.Errorf("outofline: trap handler overruns code entry by %d bytes", w.Here()-localmem.CodeEntry)
	}
	for w.Here() < localmem.CodeEntry {
		w.Nop()
	}
	g.init()
	g.flushCache()
	g.blockTag()
	g.cacheFull()
	g.dmaGetRoutine()
	g.cacheMethod()
	g.cacheObject()
	g.cacheArray()
	g.cacheArrayBlock()
	g.cacheStatic()
	g.cacheClassTib()
	g.reflectiveInvoker()
	g.data()

	if err := w.Resolve(); err != nil {
		return nil, err
	}
	if w.Here() > localmem.ObjectTableStart {
		return nil, fmt.Errorf("outofline: runtime ends at 0x%x, past the object cache table", w.Here())
	}
	img := &Image{Origin: w.Origin, Code: w.Bytes()}
	for i, lbl := range g.entry {
		img.Entrypoints[i], _ = w.Addr(lbl)
	}
	for name, lbl := range w.Names() {
		if addr, ok := w.Addr(lbl); ok {
			img.addSymbol(name, addr)
		}
	}
	return img, nil
}

func (g *gen) bind(e int) {
	g.w.Bind(g.entry[e])
}

// prologue opens a frame with n spill quadwords at 0($1)..16*(n-1)($1).
func (g *gen) prologue(n int32) {
	g.w.Stqd(rLR, rSP, -16)
	g.w.Ai(rSP, rSP, -16*(n+1))
}

func (g *gen) epilogue(n int32) {
	g.w.Lqd(rLR, rSP, 16*n)
	g.w.Ai(rSP, rSP, 16*(n+1))
	g.w.Ret()
}

// loadWord reads the word at address reg addr into the preferred slot of rt.
func (g *gen) loadWord(rt, addr asm.Reg) {
	g.w.Lqd(rt, addr, 0)
	g.w.Rotqby(rt, rt, addr)
}

// storeWord writes the preferred word of v to address addr; tmp and mask
// are clobbered.
func (g *gen) storeWord(v, addr, tmp, mask asm.Reg) {
	g.w.Lqd(tmp, addr, 0)
	g.w.Cwd(mask, addr, 0)
	g.w.Shufb(tmp, v, tmp, mask)
	g.w.Stqd(tmp, addr, 0)
}

// zero clears [start, start+length) quadword by quadword.
func (g *gen) zero(start, length uint32) {
	w := g.w
	loop := w.NewLabel()
	w.Il(rT2, 0)
	w.LoadImm32(rT3, start)
	w.LoadImm32(rT4, start+length)
	w.Bind(loop)
	w.Stqd(rT2, rT3, 0)
	w.Ai(rT3, rT3, 16)
	w.Ceq(rT1, rT3, rT4)
	w.Brz(rT1, loop)
}

// allocate bumps the pointer of the region whose index*16 is in $6 by the
// rounded size in $4. The old pointer lands in $79, overflow goes to the
// cache-full trap.
func (g *gen) allocate() {
	w := g.w
	w.IlaLabel(rT3, g.nexts[0])
	w.A(rT3, rT3, rA3)
	w.Lqd(rT4, rT3, 0)
	w.IlaLabel(rT2, g.ends[0])
	w.Lqx(rT2, rT2, rA3)
	w.A(rA4, rT4, rA1)
	w.Clgt(rT2, rA4, rT2)
	w.Brnz(rT2, g.full)
	w.Stqd(rA4, rT3, 0)
}

// issueGet starts a transfer of $4 bytes from ea to lsa with the tag in $5.
func (g *gen) issueGet(lsa, ea asm.Reg) {
	w := g.w
	w.Wrch(asm.MFC_LSA, lsa)
	w.Il(rT2, 0)
	w.Wrch(asm.MFC_EAH, rT2)
	w.Wrch(asm.MFC_EAL, ea)
	w.Wrch(asm.MFC_Size, rA1)
	w.Wrch(asm.MFC_TagID, rA2)
	w.Il(rT2, asm.MFCGet)
	w.Wrch(asm.MFC_Cmd, rT2)
}

// blockOn calls block-until-tag for one tag, preserving $3 in spill slot.
func (g *gen) blockOn(tag int, slot int32) {
	w := g.w
	w.Stqd(rA0, rSP, slot)
	w.Il(rA0, 1<<tag)
	w.Brsl(rLR, g.entry[bootrecord.EntryBlockTag])
	w.Lqd(rA0, rSP, slot)
}

func (g *gen) trapHandler() {
	w := g.w
	g.bind(bootrecord.EntryTrapHandler)
	w.Il(rT0, int32(mailbox.OpTrapMessage))
	w.Wrch(asm.SPU_WrOutIntrMbox, rT0)
	w.Wrch(asm.SPU_WrOutMbox, rTC)
	w.Il(rT0, int32(mailbox.OpTrapMessageAddr))
	w.Wrch(asm.SPU_WrOutIntrMbox, rT0)
	w.Wrch(asm.SPU_WrOutMbox, rTPC)
	w.Stop(StopTrap)
	w.Br(g.entry[bootrecord.EntryInit])
}

func (g *gen) init() {
	w := g.w
	g.bind(bootrecord.EntryInit)
	w.LoadImm32(rSP, g.l.StackEnd-16)
	w.Il(rT0, 0)
	w.Stqd(rT0, rSP, 0)
	for _, k := range regionKinds {
		w.LqaLabel(rT0, g.starts[k])
		w.StqaLabel(rT0, g.nexts[k])
	}
	g.zero(localmem.ObjectTableStart, localmem.ObjectTableLength)
	g.zero(g.l.StaticsTocStart, g.l.StaticsTocLength)
	g.zero(g.l.TibTableStart, g.l.TibTableLength)
	w.Il(rT0, int32(mailbox.OpAck))
	w.Wrch(asm.SPU_WrOutMbox, rT0)
	w.Stop(StopInit)
	w.Br(g.entry[bootrecord.EntryInit])
}

// flush-cache ($3 = region kind) resets the region and its index table.
func (g *gen) flushCache() {
	w := g.w
	g.bind(bootrecord.EntryFlushCache)
	w.Shli(rT0, rA0, 4)
	w.IlaLabel(rT1, g.starts[0])
	w.Lqx(rT2, rT1, rT0)
	w.IlaLabel(rT1, g.nexts[0])
	w.Stqx(rT2, rT1, rT0)
	tables := []struct {
		kind          localmem.RegionKind
		start, length uint32
	}{
		{localmem.ObjectCache, localmem.ObjectTableStart, localmem.ObjectTableLength},
		{localmem.StaticsCache, g.l.StaticsTocStart, g.l.StaticsTocLength},
		{localmem.ClassTibCache, g.l.TibTableStart, g.l.TibTableLength},
	}
	for _, t := range tables {
		next := w.NewLabel()
		w.Ceqi(rT0, rA0, int32(t.kind))
		w.Brz(rT0, next)
		g.zero(t.start, t.length)
		w.Ret()
		w.Bind(next)
	}
	w.Ret()
}

// block-until-tag ($3 = tag mask) spins on the tag status channel until
// every tag in the mask has completed.
func (g *gen) blockTag() {
	w := g.w
	g.bind(bootrecord.EntryBlockTag)
	w.Wrch(asm.MFC_WrTagMask, rA0)
	loop := w.NewLabel()
	w.Bind(loop)
	w.Il(rT0, asm.TagUpdateImmediate)
	w.Wrch(asm.MFC_WrTagUpdate, rT0)
	w.Rdch(rT0, asm.MFC_RdTagStat)
	w.And(rT0, rT0, rA0)
	w.Ceq(rT0, rT0, rA0)
	w.Brz(rT0, loop)
	w.Ret()
}

// cache-full expects region index*16 in $6.
func (g *gen) cacheFull() {
	w := g.w
	w.Bind(g.full)
	w.Shri(rA3, rA3, 4)
	w.Ai(rTC, rA3, 10)
	w.Brsl(rTPC, g.trap)
}

// dma-get ($3 = ea, $4 = size, $5 = tag, $6 = region) allocates a quadword
// aligned copy, starts the transfer and returns the local address of ea
// without waiting.
func (g *gen) dmaGetRoutine() {
	w := g.w
	w.Bind(g.dmaGet)
	w.Andi(rT0, rA0, 15)
	w.Sf(rT1, rT0, rA0)
	w.A(rA1, rA1, rT0)
	w.Ai(rA1, rA1, 15)
	w.Andi(rA1, rA1, -16)
	w.Shli(rA3, rA3, 4)
	g.allocate()
	g.issueGet(rT4, rT1)
	w.A(rA0, rT4, rT0)
	w.Ret()
}

// cache-method ($3 = code ea, $4 = size) returns the local code address.
// The transfer stays pending on the method tag.
func (g *gen) cacheMethod() {
	w := g.w
	g.bind(bootrecord.EntryCacheMethod)
	g.prologue(0)
	w.Il(rA2, mfc.TagMethodRead)
	w.Il(rA3, int32(localmem.CodeCache))
	w.Brsl(rLR, g.dmaGet)
	g.epilogue(0)
}

// probe looks remote ref $3 up in the object table. On a hit $3 is the
// local address, on a miss $75 is the free entry. Both $3 and $75 are
// spilled to the frame on a miss.
func (g *gen) probe(hit, miss asm.Label) {
	w := g.w
	loop, nowrap := w.NewLabel(), w.NewLabel()
	w.Shri(rT0, rA0, 4)
	w.Ila(rT1, localmem.ObjectTableEntries-1)
	w.And(rT0, rT0, rT1)
	w.Shli(rT0, rT0, 3)
	w.Ila(rT1, localmem.ObjectTableStart)
	w.A(rT0, rT0, rT1)
	w.Ila(rT3, localmem.ObjectTableEntries)
	w.Bind(loop)
	g.loadWord(rT1, rT0)
	w.Ceq(rT2, rT1, rA0)
	w.Brnz(rT2, hit)
	w.Brz(rT1, miss)
	w.Ai(rT0, rT0, 8)
	w.Ila(rT2, localmem.ObjectTableStart+localmem.ObjectTableLength)
	w.Ceq(rT2, rT0, rT2)
	w.Brz(rT2, nowrap)
	w.Ila(rT0, localmem.ObjectTableStart)
	w.Bind(nowrap)
	w.Ai(rT3, rT3, -1)
	w.Brnz(rT3, loop)
	w.Il(rA3, int32(localmem.ObjectCache)*16)
	w.Br(g.full)
}

// insert stores the pair (remote in spill 0, local $3) at the entry in spill 16.
func (g *gen) insert() {
	w := g.w
	w.Lqd(rT0, rSP, 16)
	w.Lqd(rT1, rSP, 0)
	g.storeWord(rT1, rT0, rT2, rT3)
	w.Ai(rT0, rT0, 4)
	g.storeWord(rA0, rT0, rT2, rT3)
}

// cache-object ($3 = remote ref, $4 = instance size) returns the local ref.
func (g *gen) cacheObject() {
	w := g.w
	g.bind(bootrecord.EntryCacheObject)
	g.prologue(2)
	hit, miss := w.NewLabel(), w.NewLabel()
	g.probe(hit, miss)
	w.Bind(hit)
	w.Rotqbyi(rA0, rT1, 4)
	g.epilogue(2)
	w.Bind(miss)
	w.Stqd(rA0, rSP, 0)
	w.Stqd(rT0, rSP, 16)
	w.Ai(rA0, rA0, -8)
	w.Ai(rA1, rA1, 8)
	w.Il(rA2, mfc.TagObjectRead)
	w.Il(rA3, int32(localmem.ObjectCache))
	w.Brsl(rLR, g.dmaGet)
	w.Ai(rA0, rA0, 8)
	g.insert()
	g.blockOn(mfc.TagObjectRead, 0)
	g.epilogue(2)
}

// cache-array ($3 = remote ref, $4 = log2 element size) returns the local
// block table in $3 and the length in $4. The quadword before the table
// holds the remote ref and the length.
func (g *gen) cacheArray() {
	w := g.w
	g.bind(bootrecord.EntryCacheArray)
	g.prologue(4)
	w.Stqd(rA1, rSP, 32)
	hit, miss, clear := w.NewLabel(), w.NewLabel(), w.NewLabel()
	g.probe(hit, miss)
	w.Bind(hit)
	w.Rotqbyi(rA0, rT1, 4)
	w.Lqd(rA1, rA0, -16)
	w.Rotqbyi(rA1, rA1, 4)
	g.epilogue(4)

	w.Bind(miss)
	w.Stqd(rA0, rSP, 0)
	w.Stqd(rT0, rSP, 16)
	w.Ai(rA0, rA0, -8)
	w.Il(rA1, 8)
	w.Il(rA2, mfc.TagObjectRead)
	w.Il(rA3, int32(localmem.ObjectCache))
	w.Brsl(rLR, g.dmaGet)
	g.blockOn(mfc.TagObjectRead, 48)
	w.Ai(rT0, rA0, 4)
	g.loadWord(rT1, rT0) // length
	w.Lqd(rT2, rSP, 32)
	w.Shl(rA1, rT1, rT2)
	w.Ai(rA1, rA1, localmem.ArrayBlock-1)
	w.Shri(rA1, rA1, 8)
	w.Shli(rA1, rA1, 2)
	w.Ai(rA1, rA1, 16+15)
	w.Andi(rA1, rA1, -16)
	w.Stqd(rT1, rSP, 32)
	w.Il(rA3, int32(localmem.ObjectCache)*16)
	g.allocate()
	// zero the descriptor and the table
	w.Il(rT0, 0)
	w.A(rT1, rT4, rA1)
	w.Ori(rT2, rT4, 0)
	w.Bind(clear)
	w.Stqd(rT0, rT2, 0)
	w.Ai(rT2, rT2, 16)
	w.Ceq(rT3, rT2, rT1)
	w.Brz(rT3, clear)
	w.Lqd(rT1, rSP, 0)
	g.storeWord(rT1, rT4, rT2, rT3)
	w.Ai(rT0, rT4, 4)
	w.Lqd(rT1, rSP, 32)
	g.storeWord(rT1, rT0, rT2, rT3)
	w.Ai(rA0, rT4, 16)
	g.insert()
	w.Lqd(rA1, rSP, 32)
	g.epilogue(4)
}

// cache-array-block ($3 = block table, $4 = block index) returns the local
// address of the block.
func (g *gen) cacheArrayBlock() {
	w := g.w
	g.bind(bootrecord.EntryCacheArrayBlock)
	g.prologue(2)
	miss := w.NewLabel()
	w.Shli(rT0, rA1, 2)
	w.A(rT0, rT0, rA0)
	g.loadWord(rT1, rT0)
	w.Brz(rT1, miss)
	w.Ori(rA0, rT1, 0)
	g.epilogue(2)
	w.Bind(miss)
	w.Stqd(rT0, rSP, 0)
	w.Lqd(rT1, rA0, -16)
	w.Shli(rT2, rA1, 8)
	w.A(rA0, rT1, rT2)
	w.Il(rA1, localmem.ArrayBlock)
	w.Il(rA2, mfc.TagObjectRead)
	w.Il(rA3, int32(localmem.ObjectCache))
	w.Brsl(rLR, g.dmaGet)
	w.Lqd(rT0, rSP, 0)
	g.storeWord(rA0, rT0, rT2, rT3)
	g.blockOn(mfc.TagObjectRead, 16)
	g.epilogue(2)
}

// cache-static ($3 = class slot offset) returns the local statics block.
func (g *gen) cacheStatic() {
	w := g.w
	g.bind(bootrecord.EntryCacheStatic)
	g.prologue(1)
	miss := w.NewLabel()
	w.LoadImm32(rT0, g.l.StaticsTocStart)
	w.A(rT0, rT0, rA0)
	g.loadWord(rT1, rT0)
	w.Brz(rT1, miss)
	w.Ori(rA0, rT1, 0)
	g.epilogue(1)
	w.Bind(miss)
	w.Stqd(rT0, rSP, 0)
	w.LoadImm32(rT2, g.l.JtocMirrorMiddle())
	w.A(rT2, rT2, rA0)
	g.loadWord(rT3, rT2)
	w.LoadImm32(rT2, g.l.SizeStaticsStart)
	w.A(rT2, rT2, rA0)
	g.loadWord(rA1, rT2)
	w.Ori(rA0, rT3, 0)
	w.Il(rA2, mfc.TagStaticRead)
	w.Il(rA3, int32(localmem.StaticsCache))
	w.Brsl(rLR, g.dmaGet)
	w.Lqd(rT0, rSP, 0)
	g.storeWord(rA0, rT0, rT2, rT3)
	w.Stqd(rA0, rSP, 0)
	w.Il(rA0, 1<<mfc.TagStaticRead)
	w.Brsl(rLR, g.entry[bootrecord.EntryBlockTag])
	w.Lqd(rA0, rSP, 0)
	g.epilogue(1)
}

// cache-class-tib ($3 = class slot offset) returns the local TIB. The
// statics block is resolved first when it is not cached yet.
func (g *gen) cacheClassTib() {
	w := g.w
	g.bind(bootrecord.EntryCacheClassTib)
	g.prologue(1)
	miss := w.NewLabel()
	w.LoadImm32(rT0, g.l.TibTableStart)
	w.A(rT0, rT0, rA0)
	g.loadWord(rT1, rT0)
	w.Brz(rT1, miss)
	w.Ori(rA0, rT1, 0)
	g.epilogue(1)
	w.Bind(miss)
	w.Stqd(rA0, rSP, 0)
	w.Brsl(rLR, g.entry[bootrecord.EntryCacheStatic])
	w.Lqd(rT1, rA0, 0)
	w.Rotqbyi(rA1, rT1, 4)
	w.Ori(rA0, rT1, 0)
	w.Il(rA2, mfc.TagStaticRead)
	w.Il(rA3, int32(localmem.ClassTibCache))
	w.Brsl(rLR, g.dmaGet)
	w.Lqd(rT1, rSP, 0)
	w.LoadImm32(rT0, g.l.TibTableStart)
	w.A(rT0, rT0, rT1)
	g.storeWord(rA0, rT0, rT2, rT3)
	g.blockOn(mfc.TagStaticRead, 0)
	g.epilogue(1)
}

// reflective-invoker ($3 = local code blob, $4..$7 = arguments) calls the
// method body with the arguments shifted down to $3.
func (g *gen) reflectiveInvoker() {
	w := g.w
	g.bind(bootrecord.EntryReflectiveInvoker)
	g.prologue(0)
	w.Ai(rT0, rA0, 16)
	w.Ori(rA0, rA1, 0)
	w.Ori(rA1, rA2, 0)
	w.Ori(rA2, rA3, 0)
	w.Ori(rA3, rA4, 0)
	w.Bisl(rLR, rT0)
	g.epilogue(0)
}

func (g *gen) data() {
	w := g.w
	w.Align(16)
	quad := func(l asm.Label, v uint32) {
		w.Bind(l)
		w.Word(v)
		w.Word(0)
		w.Word(0)
		w.Word(0)
	}
	// each table is indexed by region kind * 16
	for _, k := range regionKinds {
		start, _ := g.l.Bounds(k)
		quad(g.starts[k], start)
	}
	for _, k := range regionKinds {
		_, end := g.l.Bounds(k)
		quad(g.ends[k], end)
	}
	for _, k := range regionKinds {
		quad(g.nexts[k], 0)
	}
}
