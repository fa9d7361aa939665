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
package vm

import (
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/launix-de/cellvm/subarch"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Stats is a snapshot of the whole VM.
type Stats struct {
	Session     string          `json:"session"`
	Uptime      string          `json:"uptime"`
	Image       string          `json:"image"`
	HeapUsed    uint32          `json:"heapUsed"`
	MemorySize  uint32          `json:"memorySize"`
	JtocNumeric int32           `json:"jtocNumeric"`
	JtocRefs    int32           `json:"jtocReferences"`
	Outstanding int             `json:"outstanding"`
	Parked      int             `json:"parked"`
	Polls       uint64          `json:"polls"`
	IdleHits    uint64          `json:"idleHits"`
	Units       []subarch.Stats `json:"units"`
}

func (v *VM) Stats() Stats {
	numeric, refs := v.JTOC.Window()
	s := Stats{
		Session:     v.Session.String(),
		Uptime:      units.HumanDuration(time.Since(v.started)),
		Image:       v.Image().ID.String(),
		HeapUsed:    v.Heap.Used(),
		MemorySize:  v.Mem.Size(),
		JtocNumeric: -numeric,
		JtocRefs:    refs,
		Outstanding: v.Processor.Migrator().Outstanding(),
		Parked:      v.Processor.Queue().Len(),
		Polls:       v.Processor.Queue().Polls(),
		IdleHits:    v.Processor.Migrator().Balancer().IdleHits(),
	}
	for _, u := range v.Units() {
		s.Units = append(s.Units, u.Snapshot())
	}
	return s
}

// Print writes s as a table with grouped numbers.
func (s Stats) Print(w io.Writer) {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "session %s, up %s, boot image %s\n", s.Session, s.Uptime, s.Image)
	p.Fprintf(w, "heap %s of %s, jtoc %d numeric / %d reference bytes\n",
		units.BytesSize(float64(s.HeapUsed)), units.BytesSize(float64(s.MemorySize)), s.JtocNumeric, s.JtocRefs)
	p.Fprintf(w, "migrations: %d outstanding, %d parked, %d polls, %d idle hits\n", s.Outstanding, s.Parked, s.Polls, s.IdleHits)
	for _, u := range s.Units {
		p.Fprintf(w, "unit %d [%s]: %d commands, %d methods run, %d traps, %d protocol errors\n",
			u.ID, u.State, u.Commands, u.MethodsRun, u.Traps, u.ProtocolErrors)
		p.Fprintf(w, "  objects %d/%d  statics %d/%d  tibs %d/%d  (hits/misses), %d cache-full retries, %d resyncs\n",
			u.ObjectHits, u.ObjectMisses, u.StaticHits, u.StaticMisses, u.TibHits, u.TibMisses, u.CacheFullRetries, u.Resyncs)
		p.Fprintf(w, "  dma %d commands, %s in, %s out\n", u.DMACommands,
			units.BytesSize(float64(u.DMABytesIn)), units.BytesSize(float64(u.DMABytesOut)))
		for _, r := range u.Regions {
			p.Fprintf(w, "  %-10s %9s used %9s free, %d allocations, %d flushes\n", r.Kind,
				units.BytesSize(float64(r.Used)), units.BytesSize(float64(r.Free)), r.Allocations, r.Flushes)
		}
	}
}
