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

import "sync"

// Balancer picks the unit for the next migration: an idle unit if there is
// one, otherwise the next one in round robin order.
type Balancer struct {
	mu      sync.Mutex
	active  []int // migrations assigned per unit
	next    int
	fastHit uint64
}

func NewBalancer(units int) *Balancer {
	return &Balancer{active: make([]int, units)}
}

func (b *Balancer) Units() int {
	return len(b.active)
}

// Acquire assigns a migration to a unit and returns its index.
func (b *Balancer) Acquire() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.active)
	for i := 0; i < n; i++ {
		u := (b.next + i) % n
		if b.active[u] == 0 {
			b.active[u]++
			b.next = (u + 1) % n
			b.fastHit++
			return u
		}
	}
	u := b.next
	b.active[u]++
	b.next = (u + 1) % n
	return u
}

// Release ends a migration on unit u.
func (b *Balancer) Release(u int) {
	b.mu.Lock()
	if b.active[u] > 0 {
		b.active[u]--
	}
	b.mu.Unlock()
}

// Active is the number of migrations assigned to unit u.
func (b *Balancer) Active(u int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[u]
}

// IdleHits counts acquisitions served by the idle fast path.
func (b *Balancer) IdleHits() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fastHit
}
