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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/launix-de/cellvm/bootrecord"
	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/mainmem"
	"github.com/launix-de/cellvm/mfc"
	"github.com/launix-de/cellvm/outofline"
	"github.com/launix-de/cellvm/trace"
)

// Config holds the tunables of a unit.
type Config struct {
	Layout         localmem.Layout
	MaxWordParams  int
	MaxFloatParams int
	MaxCallDepth   int
	DMALatency     int         // status polls until a transfer completes
	Backoff        mfc.Backoff // waits inside the cache-miss handlers
	RunBackoff     mfc.Backoff // wait of RUN for the method transfer
	Trace          *trace.File
	Verbose        bool
}

func DefaultConfig() Config {
	return Config{
		Layout:         localmem.DefaultLayout(),
		MaxWordParams:  4,
		MaxFloatParams: 4,
		MaxCallDepth:   64,
		DMALatency:     2,
		Backoff:        mfc.Yield{},
		RunBackoff:     mfc.Yield{},
	}
}

// Deps are the main processor resources a unit works against.
type Deps struct {
	Mem   *mainmem.Memory
	JTOC  *bootrecord.JTOC
	Image *outofline.Image
}

type counters struct {
	ObjectHits       atomic.Uint64
	ObjectMisses     atomic.Uint64
	StaticHits       atomic.Uint64
	StaticMisses     atomic.Uint64
	TibHits          atomic.Uint64
	TibMisses        atomic.Uint64
	MethodLoads      atomic.Uint64
	MethodsRun       atomic.Uint64
	Commands         atomic.Uint64
	ProtocolErrors   atomic.Uint64
	Traps            atomic.Uint64
	CacheFullRetries atomic.Uint64
	Resyncs          atomic.Uint64
}

// Unit is one co-processor: its local store with the four caches and their
// index tables, its boot record, DMA engine and mailboxes, and the state of
// the command it is serving. A unit runs one command loop and is otherwise
// not shared; mu only serializes the loop against Snapshot and Flush.
type Unit struct {
	ID uint32

	cfg   Config
	mem   *mainmem.Memory
	jtoc  *bootrecord.JTOC
	image *outofline.Image

	Local   *localmem.Store
	Regions [4]*localmem.Region
	Objects *localmem.ObjectTable
	Record  *bootrecord.Record
	DMA     *mfc.Engine
	Mailbox *mailbox.Pair

	mu           sync.Mutex
	cmd          command
	methods      map[uint32]cachedCode // by code blob address
	copied       bool // RUNTIME_COPY_COMPLETE seen
	mirrored     bool // jtoc mirror synced at least once
	processorReg uint32
	busy         atomic.Bool
	stats        counters
}

func NewUnit(id uint32, cfg Config, deps Deps) (*Unit, error) {
	l := cfg.Layout
	if !l.Valid() {
		return nil, fmt.Errorf("unit %d: invalid local store layout", id)
	}
	if deps.Mem == nil || deps.JTOC == nil {
		return nil, fmt.Errorf("unit %d: main memory and jtoc are required", id)
	}
	if half := int32(l.JtocMirrorLength / 2); deps.JTOC.Extent() > half {
		return nil, fmt.Errorf("unit %d: jtoc extent %d does not fit the %d byte mirror", id, deps.JTOC.Extent(), l.JtocMirrorLength)
	}
	if cfg.Backoff == nil {
		cfg.Backoff = mfc.Yield{}
	}
	if cfg.RunBackoff == nil {
		cfg.RunBackoff = cfg.Backoff
	}
	ls := localmem.NewStore()
	u := &Unit{
		ID:      id,
		cfg:     cfg,
		mem:     deps.Mem,
		jtoc:    deps.JTOC,
		image:   deps.Image,
		Local:   ls,
		Objects: localmem.NewObjectTable(ls, localmem.ObjectTableStart, localmem.ObjectTableEntries),
		DMA:     mfc.NewEngine(ls, deps.Mem, cfg.DMALatency),
		Mailbox: mailbox.NewPair(),
		Record:  bootrecord.New(deps.JTOC.Middle()),
		methods: make(map[uint32]cachedCode),
	}
	u.Regions[localmem.CodeCache] = localmem.NewRegion(localmem.CodeCache, l.CodeCacheStart, l.CodeCacheLength, localmem.QuadWord)
	u.Regions[localmem.ObjectCache] = localmem.NewRegion(localmem.ObjectCache, l.ObjectCacheStart, l.ObjectLength, localmem.QuadWord)
	u.Regions[localmem.ClassTibCache] = localmem.NewRegion(localmem.ClassTibCache, l.ClassTibStart, l.ClassTibLength, localmem.ClassTibEntry)
	u.Regions[localmem.StaticsCache] = localmem.NewRegion(localmem.StaticsCache, l.StaticsStart, l.StaticsLength, localmem.StaticsEntrySize)
	u.Record.ProcessorID = id
	if deps.Image != nil {
		if err := deps.Image.Install(ls); err != nil {
			return nil, err
		}
		deps.Image.Apply(u.Record)
	}
	deps.JTOC.Attach(u.Record)
	if err := u.writeRecord(); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Unit) Config() Config {
	return u.cfg
}

// Busy reports whether the unit is executing a migrated method.
func (u *Unit) Busy() bool {
	return u.busy.Load()
}

// Close releases everybody blocked on the unit's mailboxes.
func (u *Unit) Close() {
	u.Mailbox.Close()
}

// InstallImage replaces the out-of-line code between two commands. The
// caches stay valid, since the image lies below the code cache.
func (u *Unit) InstallImage(img *outofline.Image) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := img.Install(u.Local); err != nil {
		return err
	}
	img.Apply(u.Record)
	u.image = img
	return u.writeRecord()
}

func (u *Unit) Image() *outofline.Image {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.image
}

// writeRecord mirrors the boot record into the local boot record area.
func (u *Unit) writeRecord() error {
	b, err := u.Local.Slice(localmem.BootRecordStart, localmem.BootRecordLength)
	if err != nil {
		return err
	}
	return u.Record.Encode(b)
}

// reset empties every cache, as the runtime init routine does.
func (u *Unit) reset() {
	u.DMA.Drain()
	for _, r := range u.Regions {
		u.flush(r.Kind)
	}
	u.resetCommand()
}

func (u *Unit) logf(format string, args ...any) {
	if u.cfg.Verbose {
		fmt.Printf("unit %d: "+format+"\n", append([]any{u.ID}, args...)...)
	}
}

// RegionStats is the state of one cache region.
type RegionStats struct {
	Kind        string `json:"kind"`
	Used        uint32 `json:"used"`
	Free        uint32 `json:"free"`
	Allocations uint64 `json:"allocations"`
	Flushes     uint64 `json:"flushes"`
}

// Stats is a snapshot of a unit's counters.
type Stats struct {
	ID               uint32         `json:"id"`
	State            string         `json:"state"`
	Busy             bool           `json:"busy"`
	Regions          [4]RegionStats `json:"regions"`
	ObjectEntries    uint32         `json:"objectEntries"`
	ObjectHits       uint64         `json:"objectHits"`
	ObjectMisses     uint64         `json:"objectMisses"`
	StaticHits       uint64         `json:"staticHits"`
	StaticMisses     uint64         `json:"staticMisses"`
	TibHits          uint64         `json:"tibHits"`
	TibMisses        uint64         `json:"tibMisses"`
	MethodLoads      uint64         `json:"methodLoads"`
	MethodsRun       uint64         `json:"methodsRun"`
	Commands         uint64         `json:"commands"`
	ProtocolErrors   uint64         `json:"protocolErrors"`
	Traps            uint64         `json:"traps"`
	CacheFullRetries uint64         `json:"cacheFullRetries"`
	Resyncs          uint64         `json:"resyncs"`
	DMACommands      uint64         `json:"dmaCommands"`
	DMABytesIn       uint64         `json:"dmaBytesIn"`
	DMABytesOut      uint64         `json:"dmaBytesOut"`
	JtocDirty        bool           `json:"jtocDirty"`
}

// Snapshot collects the statistics. It waits for the command in progress.
func (u *Unit) Snapshot() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := Stats{
		ID:               u.ID,
		State:            u.cmd.state.String(),
		Busy:             u.busy.Load(),
		ObjectEntries:    u.Objects.Len(),
		ObjectHits:       u.stats.ObjectHits.Load(),
		ObjectMisses:     u.stats.ObjectMisses.Load(),
		StaticHits:       u.stats.StaticHits.Load(),
		StaticMisses:     u.stats.StaticMisses.Load(),
		TibHits:          u.stats.TibHits.Load(),
		TibMisses:        u.stats.TibMisses.Load(),
		MethodLoads:      u.stats.MethodLoads.Load(),
		MethodsRun:       u.stats.MethodsRun.Load(),
		Commands:         u.stats.Commands.Load(),
		ProtocolErrors:   u.stats.ProtocolErrors.Load(),
		Traps:            u.stats.Traps.Load(),
		CacheFullRetries: u.stats.CacheFullRetries.Load(),
		Resyncs:          u.stats.Resyncs.Load(),
		DMACommands:      u.DMA.Stats.Commands.Load(),
		DMABytesIn:       u.DMA.Stats.BytesIn.Load(),
		DMABytesOut:      u.DMA.Stats.BytesOut.Load(),
		JtocDirty:        u.Record.IsDirty(),
	}
	for i, r := range u.Regions {
		s.Regions[i] = RegionStats{r.Kind.String(), r.Used(), r.Free(), r.Allocations(), r.Flushes()}
	}
	return s
}

// Flush drops a whole cache region from outside the command loop.
func (u *Unit) Flush(kind localmem.RegionKind) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.DMA.Drain()
	u.flush(kind)
}
