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
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/migrate"
	"github.com/launix-de/cellvm/outofline"
	"github.com/launix-de/cellvm/subarch"
	"github.com/launix-de/cellvm/vm"
)

const newprompt = "\033[32m>\033[0m "
const resultprompt = "\033[31m=\033[0m "

var replInstance *readline.Instance

type repl struct {
	vm  *vm.VM
	out io.Writer
}

type command struct {
	args string
	help string
	fn   func(r *repl, args []string) error
}

var replCommands map[string]command

func init() {
	replCommands = map[string]command{
		"help":    {"", "show this help", (*repl).help},
		"units":   {"", "list the units and their command state", (*repl).units},
		"stats":   {"", "print statistics", (*repl).stats},
		"methods": {"", "list the methods that can be migrated", (*repl).methods},
		"call":    {"NAME ARG...", "migrate a method and print its result", (*repl).call},
		"array":   {"INT...", "allocate an int array and print its reference", (*repl).array},
		"string":  {"TEXT", "allocate a byte array holding TEXT", (*repl).str},
		"flush":   {"UNIT REGION", "drop a cache region (code, object, class-tibs, statics)", (*repl).flush},
		"jtoc":    {"", "dump the allocated jtoc slots", (*repl).jtoc},
		"disasm":  {"[NAME]", "list a method's bytecode or the boot image", (*repl).disasm},
		"image":   {"[save PATH]", "show the boot image or save it", (*repl).image},
		"set":     {"[NAME [VALUE]]", "show or change settings; layout changes apply on the next boot", (*repl).set},
	}
}

func (r *repl) run() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".cellvm-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	replInstance = l
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			break
		}
		r.exec(line)
	}
}

func (r *repl) exec(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	c, ok := replCommands[fields[0]]
	if !ok {
		fmt.Fprintf(r.out, "unknown command %s, type help\n", fields[0])
		return
	}
	if err := c.fn(r, fields[1:]); err != nil {
		fmt.Fprintln(r.out, "error:", err)
	}
}

func (r *repl) help(args []string) error {
	names := make([]string, 0, len(replCommands))
	for n := range replCommands {
		names = append(names, n)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	for _, n := range names {
		fmt.Fprintf(tw, "  %s %s\t%s\n", n, replCommands[n].args, replCommands[n].help)
	}
	fmt.Fprintln(tw, "  exit\tleave")
	return tw.Flush()
}

func (r *repl) units(args []string) error {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "unit\tstate\tparams\tbusy\tmethods run\ttraps")
	for _, u := range r.vm.Units() {
		st, words, floats, loaded := u.CommandState()
		s := u.Snapshot()
		state := st.String()
		if loaded {
			state += " (method loaded)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%v\t%d\t%d\n", u.ID, state, words, floats, u.Busy(), s.MethodsRun, s.Traps)
	}
	return tw.Flush()
}

func (r *repl) stats(args []string) error {
	r.vm.Stats().Print(r.out)
	return nil
}

func (r *repl) methods(args []string) error {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	for _, e := range r.vm.Library.All() {
		fmt.Fprintf(tw, "  %s\t%d words, %d doubles -> %s\t%s\n", e.Name, e.Words, e.Floats, e.Return, e.Doc)
	}
	return tw.Flush()
}

func (r *repl) call(args []string) error {
	if len(args) == 0 {
		return errors.New("call NAME ARG...")
	}
	res, err := r.vm.Library.Call(context.Background(), args[0], args[1:]...)
	var te *migrate.TrapError
	if errors.As(err, &te) {
		fmt.Fprintf(r.out, "exception %s: %s at pc %d on unit %d\n", te.Exception(), te.Trap.Code, te.Trap.PC, te.Unit)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprint(r.out, resultprompt)
	fmt.Fprintln(r.out, res)
	return nil
}

func (r *repl) array(args []string) error {
	vals := make([]int32, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 0, 32)
		if err != nil {
			return err
		}
		vals[i] = int32(v)
	}
	ref, err := r.vm.Library.NewIntArray(vals)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s0x%x\n", resultprompt, ref)
	return nil
}

func (r *repl) str(args []string) error {
	ref, err := r.vm.Library.NewString(strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s0x%x\n", resultprompt, ref)
	return nil
}

func (r *repl) flush(args []string) error {
	if len(args) != 2 {
		return errors.New("flush UNIT REGION")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return err
	}
	u, ok := r.vm.Unit(uint32(id))
	if !ok {
		return fmt.Errorf("no unit %d", id)
	}
	kind, err := localmem.ParseRegionKind(args[1])
	if err != nil {
		return err
	}
	u.Flush(kind)
	fmt.Fprintf(r.out, "unit %d: %s cache flushed\n", id, kind)
	return nil
}

func (r *repl) jtoc(args []string) error {
	j := r.vm.JTOC
	numeric, refs := j.Window()
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "offset\taddress\tvalue\tstatics size")
	for off := numeric; off < refs; off += 4 {
		v, err := j.Load(off)
		if err != nil {
			return err
		}
		size := ""
		if n := j.StaticsSize(off); n > 0 {
			size = strconv.Itoa(int(n))
		}
		fmt.Fprintf(tw, "%d\t0x%x\t0x%x\t%s\n", off, j.Address(off), v, size)
	}
	return tw.Flush()
}

func (r *repl) disasm(args []string) error {
	if len(args) == 0 {
		return r.vm.Image().Listing(r.out)
	}
	e, ok := r.vm.Library.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown method %s", args[0])
	}
	body, err := r.vm.Library.Body(e)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s: class slot %d, code at 0x%x\n", e.Name, e.Method.ClassOffset, e.Code)
	return subarch.ListBytecode(r.out, body)
}

func (r *repl) image(args []string) error {
	img := r.vm.Image()
	if len(args) == 2 && args[0] == "save" {
		if err := outofline.Save(args[1], img); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "saved", img.ID, "to", args[1])
		return nil
	}
	if len(args) != 0 {
		return errors.New("image [save PATH]")
	}
	fmt.Fprintf(r.out, "boot image %s: %d bytes at 0x%x\n", img.ID, len(img.Code), img.Origin)
	for e, addr := range img.Entrypoints {
		name, _, _ := img.Symbolize(addr)
		fmt.Fprintf(r.out, "  %2d  0x%05x  %s\n", e, addr, name)
	}
	return nil
}

func (r *repl) set(args []string) error {
	res, err := vm.ChangeSettings(args...)
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(res); i += 2 {
		fmt.Fprintf(r.out, "  %s = %s\n", res[i], res[i+1])
	}
	if len(res) == 1 {
		fmt.Fprintln(r.out, resultprompt+res[0])
	}
	return nil
}
