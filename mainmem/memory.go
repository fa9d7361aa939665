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
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var ErrBounds = errors.New("mainmem: access outside main memory")

// Memory is the main processor's memory as seen by the DMA engines of all
// units. It is shared, so every access takes the lock.
type Memory struct {
	mu  sync.RWMutex
	mem []byte
}

func New(size uint32) *Memory {
	return &Memory{mem: make([]byte, size)}
}

func (m *Memory) Size() uint32 {
	return uint32(len(m.mem))
}

func (m *Memory) check(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(len(m.mem)) {
		return fmt.Errorf("%w: 0x%x+%d", ErrBounds, addr, n)
	}
	return nil
}

func (m *Memory) Read(addr uint32, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, m.mem[addr:])
	return nil
}

func (m *Memory) Write(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr, len(buf)); err != nil {
		return err
	}
	copy(m.mem[addr:], buf)
	return nil
}

func (m *Memory) Load32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (m *Memory) Store32(addr, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return m.Write(addr, b[:])
}

func (m *Memory) Load64(addr uint32) (uint64, error) {
	var b [8]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (m *Memory) Store64(addr uint32, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return m.Write(addr, b[:])
}
