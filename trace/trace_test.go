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
package trace

import (
	"bytes"
	"encoding/json"
	"testing"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestTraceIsValidJSON(t *testing.T) {
	var buf bytes.Buffer
	f := New(nopCloser{&buf})
	f.Duration("cache-object", "dma", 1, func() {
		f.Instant("flush", "cache", 1, map[string]any{"region": "object"})
	})
	f.Close()

	var events []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &events); err != nil {
		t.Fatalf("trace is not valid json: %v\n%s", err, buf.String())
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0]["ph"] != "B" || events[2]["ph"] != "E" || events[1]["name"] != "flush" {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestNilTraceIsNoop(t *testing.T) {
	var f *File
	f.Instant("x", "y", 0, nil)
	f.Duration("x", "y", 0, func() {})
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}
