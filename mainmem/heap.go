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
package mainmem

import (
	"fmt"
	"sync"
)

/*
Object model in main memory
===========================

	object:  [ref-8] TIB address   [ref-4] instance size in bytes   [ref..] fields
	array:   [ref-8] TIB address   [ref-4] element count            [ref..] elements
	TIB:     [+0] TIB size  [+4] class offset  [+8] instance size  [+12] elem size  [+16..] method code pointers
	statics: [+0] TIB address  [+4] TIB size  [+8] block size  [+12] reserved  [+16..] static slots
	code:    [+0] body length  [+4] word params  [+8] float params  [+12] return kind  [+16..] body

All words are big-endian uint32. The heap only ever grows; reclaiming main
memory is the garbage collector's business, not ours.
*/

const (
	ObjectHeader  = 8
	TibHeader     = 16
	StaticsHeader = 16
	CodeHeader    = 16
	HeapAlign     = 16
)

// Heap is the boot-image bump allocator over main memory.
type Heap struct {
	mu   sync.Mutex
	mem  *Memory
	next uint32
}

func NewHeap(mem *Memory, start uint32) *Heap {
	if start == 0 {
		start = HeapAlign // address 0 is null
	}
	return &Heap{mem: mem, next: start}
}

func (h *Heap) Memory() *Memory { return h.mem }

// Used is the address of the next allocation.
func (h *Heap) Used() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

// Alloc reserves n bytes aligned to HeapAlign.
func (h *Heap) Alloc(n uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := (h.next + HeapAlign - 1) &^ (HeapAlign - 1)
	if uint64(addr)+uint64(n) > uint64(h.mem.Size()) {
		return 0, fmt.Errorf("mainmem: heap exhausted allocating %d bytes", n)
	}
	h.next = addr + n
	return addr, nil
}

// Skip moves the allocation pointer without aligning, so the next object
// header lands at an arbitrary offset within a quadword.
func (h *Heap) Skip(n uint32) {
	h.mu.Lock()
	h.next += n
	h.mu.Unlock()
}

func (h *Heap) allocUnaligned(n uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := (h.next + 3) &^ 3
	if uint64(addr)+uint64(n) > uint64(h.mem.Size()) {
		return 0, fmt.Errorf("mainmem: heap exhausted allocating %d bytes", n)
	}
	h.next = addr + n
	return addr, nil
}

// NewObject allocates a scalar object with size bytes of fields and returns
// its reference. Objects are only word aligned, like on the main processor.
func (h *Heap) NewObject(tib, size uint32) (uint32, error) {
	at, err := h.allocUnaligned(ObjectHeader + size)
	if err != nil {
		return 0, err
	}
	ref := at + ObjectHeader
	if err := h.mem.Store32(ref-8, tib); err != nil {
		return 0, err
	}
	return ref, h.mem.Store32(ref-4, size)
}

// NewArray allocates an array of length elements of elemSize bytes.
func (h *Heap) NewArray(tib, elemSize, length uint32) (uint32, error) {
	at, err := h.allocUnaligned(ObjectHeader + elemSize*length)
	if err != nil {
		return 0, err
	}
	ref := at + ObjectHeader
	if err := h.mem.Store32(ref-8, tib); err != nil {
		return 0, err
	}
	return ref, h.mem.Store32(ref-4, length)
}

// NewTib writes a type information block.
func (h *Heap) NewTib(classOffset, instanceSize, elemSize uint32, methods []uint32) (addr, size uint32, err error) {
	size = TibHeader + 4*uint32(len(methods))
	if addr, err = h.Alloc(size); err != nil {
		return
	}
	words := append([]uint32{size, classOffset, instanceSize, elemSize}, methods...)
	err = h.storeWords(addr, words)
	return
}

// NewStatics writes a class statics block with the given slots.
func (h *Heap) NewStatics(tib, tibSize uint32, slots []uint32) (addr, size uint32, err error) {
	size = StaticsHeader + 4*uint32(len(slots))
	if addr, err = h.Alloc(size); err != nil {
		return
	}
	words := append([]uint32{tib, tibSize, size, 0}, slots...)
	err = h.storeWords(addr, words)
	return
}

// NewCode writes a compiled method blob.
func (h *Heap) NewCode(wordParams, floatParams, returnKind uint32, body []byte) (uint32, error) {
	addr, err := h.Alloc(CodeHeader + uint32(len(body)))
	if err != nil {
		return 0, err
	}
	if err := h.storeWords(addr, []uint32{uint32(len(body)), wordParams, floatParams, returnKind}); err != nil {
		return 0, err
	}
	return addr, h.mem.Write(addr+CodeHeader, body)
}

func (h *Heap) storeWords(addr uint32, words []uint32) error {
	for i, w := range words {
		if err := h.mem.Store32(addr+uint32(i)*4, w); err != nil {
			return err
		}
	}
	return nil
}
