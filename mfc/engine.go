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
package mfc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/mainmem"
)

// Tag groups. Each class of transfer waits only on its own group.
const (
	TagMethodRead  = 0
	TagStaticRead  = 1
	TagObjectRead  = 2
	TagObjectWrite = 3
	TagProxy       = 4

	NumTags = 32
)

// MFC command opcodes as written to the MFC_Cmd channel.
type Command uint8

const (
	CmdPut Command = 0x20
	CmdGet Command = 0x40
)

const (
	MaxTransfer = 16 * 1024
	QueueDepth  = 16
)

var ErrBadTransfer = errors.New("mfc: invalid transfer")

type transfer struct {
	cmd       Command
	lsa, ea   uint32
	size      uint32
	tag       uint8
	remaining int
}

// Stats are the cumulative counters of one engine. They are read from other
// goroutines, so every field is updated atomically.
type Stats struct {
	Commands  atomic.Uint64
	BytesIn   atomic.Uint64
	BytesOut  atomic.Uint64
	TagWaits  atomic.Uint64
	PollSteps atomic.Uint64
}

// Engine is the DMA controller of one unit. Transfers are queued by Get and
// Put and take effect once they complete; completion is driven by polls of
// the tag status, each poll advancing every queued transfer by one step.
// With Latency 0 a transfer completes as it is issued.
type Engine struct {
	ls      *localmem.Store
	mem     *mainmem.Memory
	Latency int
	queue   []transfer
	Stats   Stats
}

func NewEngine(ls *localmem.Store, mem *mainmem.Memory, latency int) *Engine {
	return &Engine{ls: ls, mem: mem, Latency: latency}
}

// Validate checks the hardware transfer rules: sizes of 1, 2, 4 or 8 bytes
// with matching low address bits, or multiples of 16 bytes up to 16 KiB
// between quadword aligned addresses.
func Validate(lsa, ea, size uint32) error {
	switch size {
	case 1, 2, 4, 8:
		if lsa%size != 0 || ea%size != 0 || lsa&15 != ea&15 {
			return fmt.Errorf("%w: %d bytes lsa=0x%x ea=0x%x misaligned", ErrBadTransfer, size, lsa, ea)
		}
		return nil
	}
	if size == 0 || size%16 != 0 || size > MaxTransfer {
		return fmt.Errorf("%w: size %d", ErrBadTransfer, size)
	}
	if lsa%16 != 0 || ea%16 != 0 {
		return fmt.Errorf("%w: lsa=0x%x ea=0x%x not quadword aligned", ErrBadTransfer, lsa, ea)
	}
	return nil
}

func (e *Engine) issue(cmd Command, lsa, ea, size uint32, tag uint8) error {
	if tag >= NumTags {
		return fmt.Errorf("%w: tag %d", ErrBadTransfer, tag)
	}
	if err := Validate(lsa, ea, size); err != nil {
		return err
	}
	if uint64(lsa)+uint64(size) > localmem.LocalStoreSize {
		return fmt.Errorf("%w: lsa 0x%x+%d outside local store", ErrBadTransfer, lsa, size)
	}
	if uint64(ea)+uint64(size) > uint64(e.mem.Size()) {
		return fmt.Errorf("%w: ea 0x%x+%d outside main memory", ErrBadTransfer, ea, size)
	}
	// a full queue stalls the issuer until the oldest command retires
	for len(e.queue) >= QueueDepth {
		e.complete(0)
	}
	e.Stats.Commands.Add(1)
	t := transfer{cmd: cmd, lsa: lsa, ea: ea, size: size, tag: tag, remaining: e.Latency}
	if t.remaining <= 0 {
		e.apply(t)
		return nil
	}
	e.queue = append(e.queue, t)
	return nil
}

// Get copies size bytes from main memory at ea into the local store at lsa.
func (e *Engine) Get(lsa, ea, size uint32, tag uint8) error {
	return e.issue(CmdGet, lsa, ea, size, tag)
}

// Put copies size bytes from the local store at lsa to main memory at ea.
func (e *Engine) Put(lsa, ea, size uint32, tag uint8) error {
	return e.issue(CmdPut, lsa, ea, size, tag)
}

func (e *Engine) apply(t transfer) {
	buf, _ := e.ls.Slice(t.lsa, t.size) // bounds checked at issue
	switch t.cmd {
	case CmdGet:
		e.mem.Read(t.ea, buf)
		e.Stats.BytesIn.Add(uint64(t.size))
	case CmdPut:
		e.mem.Write(t.ea, buf)
		e.Stats.BytesOut.Add(uint64(t.size))
	}
}

func (e *Engine) complete(i int) {
	e.apply(e.queue[i])
	e.queue = append(e.queue[:i], e.queue[i+1:]...)
}

func (e *Engine) step() {
	e.Stats.PollSteps.Add(1)
	for i := 0; i < len(e.queue); {
		e.queue[i].remaining--
		if e.queue[i].remaining <= 0 {
			e.complete(i)
			continue
		}
		i++
	}
}

// Outstanding counts queued transfers of a tag group.
func (e *Engine) Outstanding(tag uint8) int {
	n := 0
	for _, t := range e.queue {
		if t.tag == tag {
			n++
		}
	}
	return n
}

// TagStatus advances the engine by one step and returns the subset of mask
// whose tag groups have no outstanding transfers.
func (e *Engine) TagStatus(mask uint32) uint32 {
	e.step()
	return e.TagStatusNoStep(mask)
}

// WaitTags blocks until every group in mask has completed.
func (e *Engine) WaitTags(ctx context.Context, mask uint32, b Backoff) error {
	e.Stats.TagWaits.Add(1)
	if e.TagStatusNoStep(mask) == mask {
		return nil
	}
	return Spin(ctx, b, func() bool {
		return e.TagStatus(mask) == mask
	})
}

// WaitTag blocks on a single tag group.
func (e *Engine) WaitTag(ctx context.Context, tag uint8, b Backoff) error {
	return e.WaitTags(ctx, 1<<tag, b)
}

// TagStatusNoStep reports completion without advancing the engine.
func (e *Engine) TagStatusNoStep(mask uint32) uint32 {
	pending := uint32(0)
	for _, t := range e.queue {
		pending |= 1 << t.tag
	}
	return mask &^ pending
}

// Drain completes every queued transfer, as on a unit reset.
func (e *Engine) Drain() {
	for len(e.queue) > 0 {
		e.complete(0)
	}
}
