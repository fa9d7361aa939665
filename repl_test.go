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
package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/launix-de/cellvm/vm"
)

func TestReplCommands(t *testing.T) {
	s := vm.Settings
	s.Units = 1
	v, err := vm.Boot(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Shutdown()
	var out bytes.Buffer
	r := &repl{vm: v, out: &out}
	for _, tc := range []struct {
		line string
		want string
	}{
		{"call add 40 2", "42"},
		{"call fact 5", "120"},
		{"call mean 1 2", "1.5"},
		{"call div 1 0", "java.lang.ArithmeticException"},
		{"call add 1", "error:"},
		{"flush 0 object", "object cache flushed"},
		{"flush 0 attic", "error:"},
		{"units", "waiting-for-command"},
		{"disasm add", "iadd"},
		{"methods", "fact"},
		{"jtoc", "statics size"},
		{"image", "boot image"},
		{"set PollInterval", "1ms"},
		{"frobnicate", "unknown command"},
	} {
		out.Reset()
		r.exec(tc.line)
		if !strings.Contains(out.String(), tc.want) {
			t.Errorf("%s: %q does not contain %q", tc.line, out.String(), tc.want)
		}
	}
}
