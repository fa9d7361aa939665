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
package migrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/launix-de/NonLockingReadMap"
)

// MaxBatch is the number of ids one status check can answer.
const MaxBatch = 32

type migration struct {
	id        int32
	unit      int
	result    Result
	err       error
	finished  bool
	abandoned bool
}

// Migrator is the system call layer of migration: it hands requests to
// units, tracks them by id and answers batched status checks. Completion
// is published in a bitmap that status checks read without locking.
type Migrator struct {
	proxies  []*Proxy
	balancer *Balancer
	Verbose  bool

	mu     sync.Mutex
	active map[int32]*migration
	free   []int32
	nextID int32
	done   NonLockingReadMap.NonBlockingBitMap
	wg     sync.WaitGroup
}

func NewMigrator(proxies []*Proxy) *Migrator {
	return &Migrator{
		proxies:  proxies,
		balancer: NewBalancer(len(proxies)),
		active:   make(map[int32]*migration),
		done:     NonLockingReadMap.NewBitMap(),
		nextID:   1, // 0 is never a migration
	}
}

func (m *Migrator) Balancer() *Balancer {
	return m.balancer
}

func (m *Migrator) Proxy(unit int) *Proxy {
	return m.proxies[unit]
}

func (m *Migrator) allocID() int32 {
	if n := len(m.free); n > 0 {
		id := m.free[n-1]
		m.free = m.free[:n-1]
		return id
	}
	id := m.nextID
	m.nextID++
	return id
}

// Submit starts a migration and returns its id without waiting for it.
func (m *Migrator) Submit(ctx context.Context, req Request) (int32, error) {
	if len(m.proxies) == 0 {
		return 0, ErrNoUnits
	}
	unit := m.balancer.Acquire()
	m.mu.Lock()
	mg := &migration{id: m.allocID(), unit: unit}
	m.active[mg.id] = mg
	m.done.Set(uint32(mg.id), false)
	m.mu.Unlock()
	if m.Verbose {
		fmt.Printf("migration %d of thread %d to unit %d\n", mg.id, req.ThreadID, m.proxies[unit].Unit)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res, err := m.proxies[unit].Call(ctx, req)
		m.balancer.Release(unit)
		m.mu.Lock()
		mg.result, mg.err, mg.finished = res, err, true
		if mg.abandoned {
			m.recycle(mg)
		} else {
			m.done.Set(uint32(mg.id), true)
		}
		m.mu.Unlock()
	}()
	return mg.id, nil
}

// CheckStatus returns a mask with bit i set when migration ids[i] has
// finished. At most MaxBatch ids fit in one call.
func (m *Migrator) CheckStatus(ids []int32) (uint32, error) {
	if len(ids) > MaxBatch {
		return 0, ErrBatchTooLarge
	}
	var mask uint32
	for i, id := range ids {
		if id > 0 && m.done.Get(uint32(id)) {
			mask |= 1 << i
		}
	}
	return mask, nil
}

// Result collects a finished migration and recycles its id.
func (m *Migrator) Result(id int32) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.active[id]
	if !ok {
		return Result{}, ErrUnknownThread
	}
	if !mg.finished {
		return Result{}, ErrPending
	}
	m.recycle(mg)
	return mg.result, mg.err
}

// Abandon gives up on a migration; its id is recycled once the unit is
// done with it.
func (m *Migrator) Abandon(id int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.active[id]
	if !ok {
		return
	}
	if mg.finished {
		m.recycle(mg)
		return
	}
	mg.abandoned = true
}

func (m *Migrator) recycle(mg *migration) {
	delete(m.active, mg.id)
	m.done.Set(uint32(mg.id), false)
	m.free = append(m.free, mg.id)
}

// Outstanding is the number of migrations not yet collected.
func (m *Migrator) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until every submitted migration has left its unit.
func (m *Migrator) Wait() {
	m.wg.Wait()
}
