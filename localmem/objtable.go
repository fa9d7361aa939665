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

// ObjectTable maps remote object addresses to their cached local copy. The
// table lives inside the local store so compiled code can probe it without
// calling out; each entry is (remote uint32, local uint32). Remote address 0
// marks an empty slot. Entries are only dropped wholesale by Reset.
type ObjectTable struct {
	store   *Store
	base    uint32
	entries uint32
	live    uint32
}

func NewObjectTable(store *Store, base, entries uint32) *ObjectTable {
	if entries == 0 || entries&(entries-1) != 0 {
		panic("localmem: object table size must be a power of two")
	}
	return &ObjectTable{store: store, base: base, entries: entries}
}

func (t *ObjectTable) hash(remote uint32) uint32 {
	return (remote >> 4) & (t.entries - 1)
}

func (t *ObjectTable) slot(i uint32) uint32 {
	return t.base + i*8
}

// Lookup returns the local copy of remote, if cached.
func (t *ObjectTable) Lookup(remote uint32) (uint32, bool) {
	if remote == 0 {
		return 0, false
	}
	h := t.hash(remote)
	for n := uint32(0); n < t.entries; n++ {
		at := t.slot((h + n) & (t.entries - 1))
		key, _ := t.store.Load32(at)
		if key == 0 {
			return 0, false
		}
		if key == remote {
			local, _ := t.store.Load32(at + 4)
			return local, true
		}
	}
	return 0, false
}

// Insert records remote -> local. A full table is reported as an object
// cache overflow so the caller flushes the object cache together with the
// table.
func (t *ObjectTable) Insert(remote, local uint32) error {
	h := t.hash(remote)
	for n := uint32(0); n < t.entries; n++ {
		at := t.slot((h + n) & (t.entries - 1))
		key, _ := t.store.Load32(at)
		if key == 0 || key == remote {
			if key == 0 {
				t.live++
			}
			t.store.Store32(at, remote)
			t.store.Store32(at+4, local)
			return nil
		}
	}
	return &CacheFullError{Kind: ObjectCache, Requested: 8}
}

// Len is the number of live entries.
func (t *ObjectTable) Len() uint32 { return t.live }

func (t *ObjectTable) Reset() {
	t.store.Zero(t.base, t.entries*8)
	t.live = 0
}
