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
	"sync"
)

// Console collects what migrated methods print. Every write goes to the
// local writer and to each subscriber; a subscriber that falls behind loses
// output instead of stalling the unit.
type Console struct {
	mu   sync.Mutex
	out  io.Writer
	subs map[chan []byte]struct{}
}

func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}
	return &Console{out: out, subs: make(map[chan []byte]struct{})}
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- append([]byte(nil), p...):
		default:
		}
	}
	return c.out.Write(p)
}

// Subscribe returns a channel receiving every later write and a function
// that ends the subscription.
func (c *Console) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 64)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			close(ch)
			c.mu.Unlock()
		})
	}
}

func (c *Console) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
