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

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/mainmem"
	"github.com/launix-de/cellvm/subarch"
)

// Proxy is the main processor's end of one unit's mailboxes. The protocol
// is strictly synchronous, so calls on one proxy are serialized.
type Proxy struct {
	Unit    uint32
	mb      *mailbox.Pair
	mem     *mainmem.Memory // for CONSOLE_WRITE_STRING
	mu      sync.Mutex
	console io.Writer
}

// NewProxy talks to the unit over mb. Console output of migrated methods
// goes to console, which may be nil.
func NewProxy(unit uint32, mb *mailbox.Pair, mem *mainmem.Memory, console io.Writer) *Proxy {
	if console == nil {
		console = io.Discard
	}
	return &Proxy{Unit: unit, mb: mb, mem: mem, console: console}
}

func (p *Proxy) write(ctx context.Context, words ...uint32) error {
	for _, w := range words {
		if err := p.mb.In.Write(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proxy) reply(ctx context.Context) (mailbox.Op, error) {
	v, err := p.mb.OutIntr.Read(ctx)
	return mailbox.Op(v), err
}

func (p *Proxy) data(ctx context.Context) (uint32, error) {
	return p.mb.Out.Read(ctx)
}

// command sends cmd with its operands and waits for the ACK.
func (p *Proxy) command(ctx context.Context, cmd mailbox.Op, args ...uint32) error {
	if err := p.write(ctx, append([]uint32{uint32(cmd)}, args...)...); err != nil {
		return err
	}
	op, err := p.reply(ctx)
	if err != nil {
		return err
	}
	return p.expectAck(ctx, cmd, op)
}

func (p *Proxy) expectAck(ctx context.Context, cmd, op mailbox.Op) error {
	switch op {
	case mailbox.OpAck:
		return nil
	case mailbox.OpNack:
		code, err := p.data(ctx)
		if err != nil {
			return err
		}
		return &NackError{Unit: p.Unit, Cmd: cmd, Code: mailbox.Op(code)}
	}
	return &subarch.ProtocolError{Want: mailbox.OpAck, Got: op}
}

// Boot runs the start-up handshake of a freshly copied unit.
func (p *Proxy) Boot(ctx context.Context, processorReg uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.command(ctx, mailbox.OpRuntimeCopyComplete); err != nil {
		return err
	}
	if err := p.command(ctx, mailbox.OpSetProcessorReg, processorReg); err != nil {
		return err
	}
	return p.command(ctx, mailbox.OpJavaVMStarted)
}

// Call migrates one invocation and waits for its result. Console output
// the method produces on the way is written to the console writer.
//
// ctx is only honoured before the first command goes out. Once the
// conversation has started it runs to the result, since a half finished
// exchange would leave words in the mailboxes for the next caller. Closing
// the unit's mailboxes is the only way to end it early.
func (p *Proxy) Call(ctx context.Context, req Request) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	ctx = context.WithoutCancel(ctx)
	if err := p.command(ctx, mailbox.OpLoadStaticMethod, uint32(req.Method.ClassOffset), req.Method.MethodOffset); err != nil {
		return Result{}, err
	}
	for _, w := range req.Params.Words {
		if err := p.command(ctx, mailbox.OpLoadWordParam, w); err != nil {
			return Result{}, err
		}
	}
	for i, f := range req.Params.Floats {
		var err error
		if req.Params.floatKind(i) == mailbox.KindFloat {
			err = p.command(ctx, mailbox.OpLoadFloatParam, uint32(f))
		} else {
			err = p.command(ctx, mailbox.OpLoadDoubleParam, uint32(f>>32), uint32(f))
		}
		if err != nil {
			return Result{}, err
		}
	}
	run := req.Return.RunOp()
	if err := p.command(ctx, run); err != nil {
		return Result{}, err
	}
	return p.await(ctx, req.Return)
}

// await serves console messages until the result or a trap arrives.
func (p *Proxy) await(ctx context.Context, kind mailbox.Kind) (Result, error) {
	upper, lower := kind.ReturnOps()
	for {
		op, err := p.reply(ctx)
		if err != nil {
			return Result{}, err
		}
		switch {
		case op >= mailbox.OpConsoleChar && op <= mailbox.OpConsoleString:
			if err := p.consoleMessage(ctx, op); err != nil {
				return Result{}, err
			}
		case op == mailbox.OpTrapMessage:
			return Result{}, p.trapMessage(ctx)
		case op == upper && kind == mailbox.KindVoid:
			return Result{Kind: kind}, nil
		case op == upper && kind.Wide():
			hi, err := p.data(ctx)
			if err != nil {
				return Result{}, err
			}
			if err := p.write(ctx, uint32(mailbox.OpAck)); err != nil {
				return Result{}, err
			}
			if op, err = p.reply(ctx); err != nil {
				return Result{}, err
			}
			if op != lower {
				return Result{}, &subarch.ProtocolError{Want: lower, Got: op}
			}
			lo, err := p.data(ctx)
			if err != nil {
				return Result{}, err
			}
			if err := p.write(ctx, uint32(mailbox.OpAck)); err != nil {
				return Result{}, err
			}
			return Result{Kind: kind, Bits: uint64(hi)<<32 | uint64(lo)}, nil
		case op == upper:
			v, err := p.data(ctx)
			return Result{Kind: kind, Bits: uint64(v)}, err
		default:
			return Result{}, &subarch.ProtocolError{Want: upper, Got: op}
		}
	}
}

func (p *Proxy) trapMessage(ctx context.Context) error {
	code, err := p.data(ctx)
	if err != nil {
		return err
	}
	op, err := p.reply(ctx)
	if err != nil {
		return err
	}
	if op != mailbox.OpTrapMessageAddr {
		return &subarch.ProtocolError{Want: mailbox.OpTrapMessageAddr, Got: op}
	}
	pc, err := p.data(ctx)
	if err != nil {
		return err
	}
	return &TrapError{Unit: p.Unit, Trap: subarch.TrapError{Code: subarch.TrapCode(code), PC: pc}}
}

func (p *Proxy) consoleMessage(ctx context.Context, op mailbox.Op) error {
	v, err := p.data(ctx)
	if err != nil {
		return err
	}
	var wide uint64
	switch op {
	case mailbox.OpConsoleLong, mailbox.OpConsoleLongHex, mailbox.OpConsoleDouble:
		lo, err := p.data(ctx)
		if err != nil {
			return err
		}
		wide = uint64(v)<<32 | uint64(lo)
	}
	switch op {
	case mailbox.OpConsoleChar:
		fmt.Fprintf(p.console, "%c", rune(v))
	case mailbox.OpConsoleInt:
		fmt.Fprint(p.console, int32(v))
	case mailbox.OpConsoleIntHex:
		fmt.Fprintf(p.console, "0x%x", v)
	case mailbox.OpConsoleLong:
		fmt.Fprint(p.console, int64(wide))
	case mailbox.OpConsoleLongHex:
		fmt.Fprintf(p.console, "0x%x", wide)
	case mailbox.OpConsoleFloat:
		fmt.Fprint(p.console, math.Float32frombits(v))
	case mailbox.OpConsoleDouble:
		fmt.Fprint(p.console, math.Float64frombits(wide))
	case mailbox.OpConsoleString:
		s, err := p.readString(v)
		if err != nil {
			return err
		}
		fmt.Fprint(p.console, s)
	}
	return nil
}

// readString reads a byte array from main memory.
func (p *Proxy) readString(ref uint32) (string, error) {
	if ref == 0 {
		return "null", nil
	}
	if p.mem == nil {
		return fmt.Sprintf("<string 0x%x>", ref), nil
	}
	n, err := p.mem.Load32(ref - 4)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := p.mem.Read(ref, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
