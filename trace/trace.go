/*
Copyright (C) 2024, 2026  Carl-Philip Hänsch

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
package trace

import "io"
import "os"
import "sync"
import "time"
import "path/filepath"
import "encoding/json"

// File writes events in the chrome://tracing JSON array format. The unit id
// is used as tid so every co-processor gets its own lane. All methods are
// no-ops on a nil *File, so callers never need to check whether tracing is on.
type File struct {
	isFirst bool
	file    io.WriteCloser
	m       sync.Mutex
	start   time.Time
}

// Create opens trace_<session>.json in dir.
func Create(dir string, session string) (*File, error) {
	f, err := os.Create(filepath.Join(dir, "trace_"+session+".json"))
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

func New(file io.WriteCloser) *File {
	file.Write([]byte("["))
	result := new(File)
	result.file = file
	result.isFirst = true
	result.start = time.Now()
	return result
}

func (t *File) Close() error {
	if t == nil {
		return nil
	}
	t.m.Lock()
	defer t.m.Unlock()
	t.file.Write([]byte("]"))
	return t.file.Close()
}

// Duration brackets f with a begin and end event.
func (t *File) Duration(name string, cat string, tid int, f func()) {
	t.Event(name, cat, "B", tid, nil)
	defer t.Event(name, cat, "E", tid, nil)
	f()
}

// Instant records a single point event with optional arguments.
func (t *File) Instant(name string, cat string, tid int, args map[string]any) {
	t.Event(name, cat, "i", tid, args)
}

/*
	@name string function
	@cat string comma separated categories (for filtering)
	@typ B/E for begin/end, i for instant events
	@tid unit id
	@args optional payload shown in the viewer
*/
func (t *File) Event(name string, cat string, typ string, tid int, args map[string]any) {
	if t == nil {
		return
	}
	ev := struct {
		Name string         `json:"name"`
		Cat  string         `json:"cat"`
		Ph   string         `json:"ph"`
		Ts   int64          `json:"ts"`
		Pid  int            `json:"pid"`
		Tid  int            `json:"tid"`
		S    string         `json:"s,omitempty"`
		Args map[string]any `json:"args,omitempty"`
	}{name, cat, typ, time.Since(t.start).Microseconds(), 0, tid, "", args}
	if typ == "i" {
		ev.S = "t"
	}
	b, _ := json.Marshal(ev)
	t.m.Lock()
	if t.isFirst {
		t.isFirst = false
	} else {
		t.file.Write([]byte(",\n"))
	}
	t.file.Write(b)
	t.m.Unlock()
}
