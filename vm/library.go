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
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/launix-de/NonLockingReadMap"
	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/mainmem"
	"github.com/launix-de/cellvm/migrate"
	"github.com/launix-de/cellvm/subarch"
)

// Def describes a method for the library. Build gets the jtoc slot of the
// method's own class so the code can reach its statics and call itself.
type Def struct {
	Name    string
	Doc     string
	Words   uint32
	Floats  uint32
	Return  mailbox.Kind
	Statics int // word slots after the code pointer
	Build   func(self int32) *subarch.Bytecode
}

// Entry is a compiled library method. Each one lives in a class of its
// own with the code pointer in the first statics slot.
type Entry struct {
	Def
	Method      migrate.Method
	Code        uint32 // main memory address of the code blob
	StaticsAddr uint32 // main memory address of the statics block
}

func (e Entry) GetKey() string    { return e.Name }
func (e Entry) ComputeSize() uint { return uint(len(e.Name) + len(e.Doc) + 64) }

// Library holds the methods that can be migrated by name.
type Library struct {
	vm      *VM
	mu      sync.Mutex
	entries NonLockingReadMap.NonLockingReadMap[Entry, string]
}

func NewLibrary(v *VM) (*Library, error) {
	l := &Library{vm: v, entries: NonLockingReadMap.New[Entry, string]()}
	for _, d := range builtins(l) {
		if _, err := l.Define(d); err != nil {
			return nil, fmt.Errorf("library %s: %w", d.Name, err)
		}
	}
	return l, nil
}

// Define compiles d into a new class.
func (l *Library) Define(d Def) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.vm
	tib, tibSize, err := v.Heap.NewTib(0, 16, 0, nil)
	if err != nil {
		return nil, err
	}
	statics, size, err := v.Heap.NewStatics(tib, tibSize, make([]uint32, 1+d.Statics))
	if err != nil {
		return nil, err
	}
	slot, err := v.JTOC.RegisterClass(statics, size)
	if err != nil {
		return nil, err
	}
	body, err := d.Build(slot).Assemble()
	if err != nil {
		return nil, err
	}
	ea, err := v.Heap.NewCode(d.Words, d.Floats, uint32(d.Return), body)
	if err != nil {
		return nil, err
	}
	// no unit has seen the class yet
	if err := v.Mem.Store32(statics+mainmem.StaticsHeader, ea); err != nil {
		return nil, err
	}
	e := &Entry{Def: d, Method: migrate.Method{ClassOffset: slot, MethodOffset: mainmem.StaticsHeader}, Code: ea, StaticsAddr: statics}
	l.entries.Set(e)
	return e, nil
}

func (l *Library) Lookup(name string) (*Entry, bool) {
	e := l.entries.Get(name)
	return e, e != nil
}

// All lists the methods by name.
func (l *Library) All() []*Entry {
	return l.entries.GetAll()
}

// Body reads back the bytecode of e.
func (l *Library) Body(e *Entry) ([]byte, error) {
	n, err := l.vm.Mem.Load32(e.Code)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	return buf, l.vm.Mem.Read(e.Code+mainmem.CodeHeader, buf)
}

// Request builds the migration of e from textual arguments: the word
// parameters first, then the doubles.
func (e *Entry) Request(args []string) (migrate.Request, error) {
	req := migrate.Request{Method: e.Method, Return: e.Return}
	if len(args) != int(e.Words+e.Floats) {
		return req, fmt.Errorf("%s takes %d word and %d double arguments, got %d", e.Name, e.Words, e.Floats, len(args))
	}
	for _, a := range args[:e.Words] {
		w, err := strconv.ParseInt(a, 0, 64)
		if err != nil {
			return req, fmt.Errorf("word argument %q: %w", a, err)
		}
		req.Params.Word(uint32(w))
	}
	for _, a := range args[e.Words:] {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return req, fmt.Errorf("double argument %q: %w", a, err)
		}
		req.Params.Double(f)
	}
	return req, nil
}

// Call migrates the named method.
func (l *Library) Call(ctx context.Context, name string, args ...string) (migrate.Result, error) {
	e, ok := l.Lookup(name)
	if !ok {
		return migrate.Result{}, fmt.Errorf("unknown method %s", name)
	}
	req, err := e.Request(args)
	if err != nil {
		return migrate.Result{}, err
	}
	return l.vm.Migrate(ctx, req)
}

// NewIntArray copies vals into a new int array in main memory.
func (l *Library) NewIntArray(vals []int32) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref, err := l.vm.Heap.NewArray(0, 4, uint32(len(vals)))
	if err != nil {
		return 0, err
	}
	for i, x := range vals {
		if err := l.vm.Mem.Store32(ref+4*uint32(i), uint32(x)); err != nil {
			return 0, err
		}
	}
	return ref, nil
}

// NewString stores s as a byte array.
func (l *Library) NewString(s string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newString(s)
}

func (l *Library) newString(s string) (uint32, error) {
	ref, err := l.vm.Heap.NewArray(0, 1, uint32(len(s)))
	if err != nil {
		return 0, err
	}
	return ref, l.vm.Mem.Write(ref, []byte(s))
}

func builtins(l *Library) []Def {
	return []Def{
		{Name: "add", Doc: "a + b", Words: 2, Return: mailbox.KindInt, Build: func(int32) *subarch.Bytecode {
			return subarch.NewBytecode().WParam(0).WParam(1).Op(subarch.IAdd).Return()
		}},
		{Name: "div", Doc: "a / b, traps on b = 0", Words: 2, Return: mailbox.KindInt, Build: func(int32) *subarch.Bytecode {
			return subarch.NewBytecode().WParam(0).WParam(1).Op(subarch.IDiv).Return()
		}},
		{Name: "fact", Doc: "n! by recursion through the statics", Words: 1, Return: mailbox.KindInt, Build: func(self int32) *subarch.Bytecode {
			b := subarch.NewBytecode()
			base := b.Label()
			b.WParam(0).Jump(subarch.IfZero, base)
			b.WParam(0).WParam(0).IConst(1).Op(subarch.ISub).InvokeStatic(self, mainmem.StaticsHeader).Op(subarch.IMul).Return()
			return b.Bind(base).IConst(1).Return()
		}},
		{Name: "sumto", Doc: "0 + 1 + ... + n-1 as long", Words: 1, Return: mailbox.KindLong, Build: func(int32) *subarch.Bytecode {
			b := subarch.NewBytecode()
			top, done := b.Label(), b.Label()
			b.IConst(0).Store(0).LConst(0).Store(1)
			b.Bind(top).Load(0).WParam(0).Jump(subarch.IfGe, done)
			b.Load(1).Load(0).Op(subarch.I2L).Op(subarch.LAdd).Store(1)
			b.Load(0).IConst(1).Op(subarch.IAdd).Store(0).Jump(subarch.Goto, top)
			return b.Bind(done).Load(1).Return()
		}},
		{Name: "sum", Doc: "sum of an int array", Words: 1, Return: mailbox.KindInt, Build: func(int32) *subarch.Bytecode {
			b := subarch.NewBytecode()
			top, done := b.Label(), b.Label()
			b.IConst(0).Store(0).IConst(0).Store(1)
			b.Bind(top).Load(0).WParam(0).ArrayLength(4).Jump(subarch.IfGe, done)
			b.Load(1).WParam(0).Load(0).ALoad(4).Op(subarch.IAdd).Store(1)
			b.Load(0).IConst(1).Op(subarch.IAdd).Store(0).Jump(subarch.Goto, top)
			return b.Bind(done).Load(1).Return()
		}},
		{Name: "mean", Doc: "(x + y) / 2", Floats: 2, Return: mailbox.KindDouble, Build: func(int32) *subarch.Bytecode {
			return subarch.NewBytecode().FParam(0).FParam(1).Op(subarch.DAdd).DConst(2).Op(subarch.DDiv).Return()
		}},
		{Name: "counter", Doc: "increments a static and returns it", Statics: 1, Return: mailbox.KindInt, Build: func(self int32) *subarch.Bytecode {
			off := uint16(mainmem.StaticsHeader + 4)
			return subarch.NewBytecode().GetStatic(self, off, 4).IConst(1).Op(subarch.IAdd).Op(subarch.Dup).PutStatic(self, off, 4).Return()
		}},
		{Name: "hello", Doc: "prints a greeting", Return: mailbox.KindVoid, Build: func(int32) *subarch.Bytecode {
			b := subarch.NewBytecode()
			ref, err := l.newString("hello from a co-processor")
			if err != nil {
				return b.Trap(subarch.TrapRegenerate).Return()
			}
			return b.IConst(int32(ref)).Console(mailbox.OpConsoleString).IConst('\n').Console(mailbox.OpConsoleChar).Return()
		}},
	}
}
