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
package localmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrLocalBounds = errors.New("localmem: access outside local store")

// Store is the local memory of one unit. The co-processor is big-endian.
type Store struct {
	mem [LocalStoreSize]byte
}

func NewStore() *Store {
	return new(Store)
}

func (s *Store) check(addr, n uint32) error {
	if uint64(addr)+uint64(n) > LocalStoreSize {
		return fmt.Errorf("%w: 0x%x+%d", ErrLocalBounds, addr, n)
	}
	return nil
}

// Slice returns the live bytes at [addr, addr+n). Writes through the slice
// are visible to the unit.
func (s *Store) Slice(addr, n uint32) ([]byte, error) {
	if err := s.check(addr, n); err != nil {
		return nil, err
	}
	return s.mem[addr : addr+n : addr+n], nil
}

func (s *Store) Load32(addr uint32) (uint32, error) {
	if err := s.check(addr, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(s.mem[addr:]), nil
}

func (s *Store) Store32(addr, v uint32) error {
	if err := s.check(addr, 4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(s.mem[addr:], v)
	return nil
}

func (s *Store) Load64(addr uint32) (uint64, error) {
	if err := s.check(addr, 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(s.mem[addr:]), nil
}

func (s *Store) Store64(addr uint32, v uint64) error {
	if err := s.check(addr, 8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(s.mem[addr:], v)
	return nil
}

// Zero clears [addr, addr+n).
func (s *Store) Zero(addr, n uint32) error {
	b, err := s.Slice(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
