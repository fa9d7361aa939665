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
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dc0d/onexit"
	"github.com/google/uuid"
	"github.com/launix-de/NonLockingReadMap"
	"github.com/launix-de/cellvm/bootrecord"
	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/mainmem"
	"github.com/launix-de/cellvm/migrate"
	"github.com/launix-de/cellvm/outofline"
	"github.com/launix-de/cellvm/subarch"
	"github.com/launix-de/cellvm/trace"
)

type unitEntry struct {
	unit  *subarch.Unit
	proxy *migrate.Proxy
}

func (e unitEntry) GetKey() uint32    { return e.unit.ID }
func (e unitEntry) ComputeSize() uint { return localmem.LocalStoreSize }

// VM is the main processor with its co-processor units. It is created by
// Boot and lives until Shutdown.
type VM struct {
	Session   uuid.UUID
	Mem       *mainmem.Memory
	Heap      *mainmem.Heap
	JTOC      *bootrecord.JTOC
	Console   *Console
	Processor *migrate.Processor
	Library   *Library

	settings SettingsT
	started  time.Time
	image    atomic.Pointer[outofline.Image]
	units    NonLockingReadMap.NonLockingReadMap[unitEntry, uint32]
	trace    *trace.File
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closing  atomic.Bool
	once     sync.Once
}

// Boot brings up main memory, the jtoc and s.Units units, runs the boot
// handshake on every unit and starts the migration processor.
func Boot(s SettingsT, console io.Writer) (*VM, error) {
	v := &VM{
		Session:  uuid.New(),
		Mem:      mainmem.New(uint32(s.MemorySize)),
		Console:  NewConsole(console),
		settings: s,
		started:  time.Now(),
		units:    NonLockingReadMap.New[unitEntry, uint32](),
	}
	v.Heap = mainmem.NewHeap(v.Mem, 0)
	var err error
	if v.JTOC, err = bootrecord.NewJTOC(v.Heap, s.JtocExtent); err != nil {
		return nil, err
	}
	var img *outofline.Image
	if s.Image != "" {
		img, err = outofline.Load(s.Image)
	} else {
		img, err = outofline.Build(s.Layout())
	}
	if err != nil {
		return nil, fmt.Errorf("boot image: %w", err)
	}
	v.image.Store(img)
	if s.Trace {
		if v.trace, err = trace.Create(s.TraceDir, v.Session.String()); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	onexit.Register(v.Shutdown)

	proxies := make([]*migrate.Proxy, 0, s.Units)
	for i := 0; i < s.Units; i++ {
		p, err := v.startUnit(ctx, uint32(i), img)
		if err != nil {
			v.Shutdown()
			return nil, err
		}
		proxies = append(proxies, p)
	}
	m := migrate.NewMigrator(proxies)
	m.Verbose = s.Verbose
	v.Processor = migrate.NewProcessor(m)
	v.Processor.PollInterval = s.PollInterval
	v.Processor.Timeout = s.MigrationTimeout
	v.Processor.Verbose = s.Verbose
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		if err := v.Processor.Run(ctx); err != nil {
			fmt.Println("migration processor:", err)
		}
	}()
	if v.Library, err = NewLibrary(v); err != nil {
		v.Shutdown()
		return nil, err
	}
	v.logf("booted %d units, session %s", s.Units, v.Session)
	return v, nil
}

func (v *VM) startUnit(ctx context.Context, id uint32, img *outofline.Image) (*migrate.Proxy, error) {
	cfg := v.settings.UnitConfig()
	cfg.Trace = v.trace
	u, err := subarch.NewUnit(id, cfg, subarch.Deps{Mem: v.Mem, JTOC: v.JTOC, Image: img})
	if err != nil {
		return nil, err
	}
	p := migrate.NewProxy(id, u.Mailbox, v.Mem, v.Console)
	v.units.Set(&unitEntry{u, p})
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		if err := u.Run(ctx); err != nil && !v.closing.Load() {
			fmt.Printf("unit %d stopped: %v\n", id, err)
		}
	}()
	// the processor object the unit's code sees in its processor register
	reg, err := v.Heap.NewObject(0, 16)
	if err != nil {
		return nil, err
	}
	bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Boot(bctx, reg); err != nil {
		return nil, fmt.Errorf("unit %d boot: %w", id, err)
	}
	return p, nil
}

// Shutdown stops the processor and every unit. Migrations in flight fail.
func (v *VM) Shutdown() {
	v.once.Do(func() {
		v.closing.Store(true)
		v.logf("shutting down")
		for _, e := range v.units.GetAll() {
			e.unit.Close()
		}
		if v.cancel != nil {
			v.cancel()
		}
		v.wg.Wait()
		if v.Processor != nil {
			v.Processor.Migrator().Wait()
		}
		v.trace.Close()
	})
}

func (v *VM) Settings() SettingsT {
	return v.settings
}

// Units lists the units by id.
func (v *VM) Units() []*subarch.Unit {
	all := v.units.GetAll()
	result := make([]*subarch.Unit, len(all))
	for i, e := range all {
		result[i] = e.unit
	}
	return result
}

func (v *VM) Unit(id uint32) (*subarch.Unit, bool) {
	e := v.units.Get(id)
	if e == nil {
		return nil, false
	}
	return e.unit, true
}

func (v *VM) Image() *outofline.Image {
	return v.image.Load()
}

// ReloadImage installs img on every unit.
func (v *VM) ReloadImage(img *outofline.Image) error {
	for _, e := range v.units.GetAll() {
		if err := e.unit.InstallImage(img); err != nil {
			return fmt.Errorf("unit %d: %w", e.unit.ID, err)
		}
	}
	v.image.Store(img)
	v.logf("installed boot image %s", img.ID)
	return nil
}

// Migrate runs req on a green thread and waits for it.
func (v *VM) Migrate(ctx context.Context, req migrate.Request) (res migrate.Result, err error) {
	done := make(chan struct{})
	v.Processor.Go(func() {
		defer close(done)
		res, err = v.Processor.Migrate(ctx, req)
	})
	<-done
	return
}

func (v *VM) logf(format string, args ...any) {
	if v.settings.Verbose {
		fmt.Printf(format+"\n", args...)
	}
}
