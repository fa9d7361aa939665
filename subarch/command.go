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
package subarch

import (
	"context"
	"errors"
	"fmt"

	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/mfc"
)

// State of the command loop.
type State uint8

const (
	Booting State = iota
	WaitingForCommand
	LoadingMethod
	LoadingParams
	Executing
	ReturningResult
)

var stateNames = [...]string{"booting", "waiting-for-command", "loading-method", "loading-params", "executing", "returning-result"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type loadedMethod struct {
	ea, local uint32
	gen       uint32 // code cache generation at load time
	header    codeHeader
}

type command struct {
	state  State
	method *loadedMethod
	words  []uint32
	floats []uint64
}

func (u *Unit) resetCommand() {
	if u.cmd.state != Booting {
		u.cmd.state = WaitingForCommand
	}
	u.cmd.method = nil
	u.cmd.words = u.cmd.words[:0]
	u.cmd.floats = u.cmd.floats[:0]
}

// CommandState reports the loop state and the number of loaded word and
// float parameters.
func (u *Unit) CommandState() (s State, words, floats int, loaded bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cmd.state, len(u.cmd.words), len(u.cmd.floats), u.cmd.method != nil
}

var errNotPrepared = errors.New("method not prepared")

// Run serves the inbound mailbox until the mailboxes are closed or ctx
// ends. Protocol errors are answered on the mailboxes and never end the
// loop.
func (u *Unit) Run(ctx context.Context) error {
	for {
		word, err := u.Mailbox.In.Read(ctx)
		if err != nil {
			if errors.Is(err, mailbox.ErrClosed) {
				return nil
			}
			return err
		}
		op := mailbox.Op(word)
		args := make([]uint32, op.Operands())
		for i := range args {
			if args[i], err = u.Mailbox.In.Read(ctx); err != nil {
				if errors.Is(err, mailbox.ErrClosed) {
					return nil
				}
				return err
			}
		}
		u.stats.Commands.Add(1)
		u.cfg.Trace.Instant(op.String(), "mailbox", int(u.ID), nil)
		u.mu.Lock()
		err = u.dispatch(ctx, op, args)
		u.mu.Unlock()
		if err != nil {
			if errors.Is(err, mailbox.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (u *Unit) dispatch(ctx context.Context, op mailbox.Op, args []uint32) error {
	st := u.cmd.state
	switch {
	case st == Booting:
		return u.boot(ctx, op, args)
	case op == mailbox.OpLoadStaticMethod:
		// also replaces a method whose parameters never ran
		return u.loadMethod(ctx, int32(args[0]), args[1])
	case st == WaitingForCommand:
		return u.reject(ctx, mailbox.OpErrUnknownCmd)
	case op == mailbox.OpLoadWordParam:
		return u.loadWord(ctx, args[0])
	case op == mailbox.OpLoadFloatParam:
		return u.loadFloat(ctx, uint64(args[0]))
	case op == mailbox.OpLoadDoubleParam:
		return u.loadFloat(ctx, uint64(args[0])<<32|uint64(args[1]))
	case op.IsRun():
		return u.run(ctx, mailbox.KindOf(op))
	}
	return u.reject(ctx, mailbox.OpErrUnknownCmd)
}

func (u *Unit) ack(ctx context.Context) error {
	return u.Mailbox.OutIntr.Write(ctx, uint32(mailbox.OpAck))
}

// reject reports a protocol error: the code on the data mailbox, then NACK.
func (u *Unit) reject(ctx context.Context, code mailbox.Op) error {
	u.stats.ProtocolErrors.Add(1)
	u.logf("%s in state %s", code, u.cmd.state)
	if err := u.Mailbox.Out.Write(ctx, uint32(code)); err != nil {
		return err
	}
	return u.Mailbox.OutIntr.Write(ctx, uint32(mailbox.OpNack))
}

// send writes one data word followed by its reply code.
func (u *Unit) send(ctx context.Context, code mailbox.Op, v uint32) error {
	if err := u.Mailbox.Out.Write(ctx, v); err != nil {
		return err
	}
	return u.Mailbox.OutIntr.Write(ctx, uint32(code))
}

// awaitAck blocks until the main processor acknowledges a transaction.
func (u *Unit) awaitAck(ctx context.Context) error {
	v, err := u.Mailbox.In.Read(ctx)
	if err != nil {
		return err
	}
	if mailbox.Op(v) != mailbox.OpAck {
		return &ProtocolError{Want: mailbox.OpAck, Got: mailbox.Op(v)}
	}
	return nil
}

// ProtocolError is an out of sequence word on a mailbox.
type ProtocolError struct {
	Want, Got mailbox.Op
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mailbox protocol: expected %s, got %s", e.Want, e.Got)
}

func (u *Unit) boot(ctx context.Context, op mailbox.Op, args []uint32) error {
	switch op {
	case mailbox.OpRuntimeCopyComplete:
		u.reset()
		u.copied = true
	case mailbox.OpSetProcessorReg:
		u.processorReg = args[0]
	case mailbox.OpJavaVMStarted:
		if !u.copied {
			return u.reject(ctx, mailbox.OpErrUnknownCmd)
		}
		u.cmd.state = WaitingForCommand
		u.logf("ready, processor register 0x%x", u.processorReg)
	default:
		return u.reject(ctx, mailbox.OpErrUnknownCmd)
	}
	return u.ack(ctx)
}

// ProcessorReg is the value set by SET_PROCESSOR_REG during boot.
func (u *Unit) ProcessorReg() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.processorReg
}

// prepare resolves the method in the statics block of the class in jtoc
// slot and starts fetching its code.
func (u *Unit) prepare(ctx context.Context, slot int32, methodOffset uint32) (*loadedMethod, error) {
	ea, err := u.resolveMethod(ctx, slot, methodOffset)
	if err != nil {
		return nil, err
	}
	local, h, err := u.cacheMethod(ctx, ea)
	if err != nil {
		return nil, err
	}
	return &loadedMethod{ea: ea, local: local, gen: u.Regions[localmem.CodeCache].Generation(), header: h}, nil
}

func (u *Unit) loadMethod(ctx context.Context, slot int32, methodOffset uint32) error {
	m, err := u.prepare(ctx, slot, methodOffset)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u.logf("load slot %d offset %d: %v", slot, methodOffset, err)
		return u.reject(ctx, mailbox.OpErrMethodNotPrepared)
	}
	u.resetCommand()
	u.cmd.method = m
	u.cmd.state = LoadingMethod
	return u.ack(ctx)
}

func (u *Unit) loadWord(ctx context.Context, v uint32) error {
	if len(u.cmd.words) >= u.cfg.MaxWordParams {
		return u.reject(ctx, mailbox.OpErrTooManyParams)
	}
	u.cmd.words = append(u.cmd.words, v)
	u.cmd.state = LoadingParams
	return u.ack(ctx)
}

func (u *Unit) loadFloat(ctx context.Context, bits uint64) error {
	if len(u.cmd.floats) >= u.cfg.MaxFloatParams {
		return u.reject(ctx, mailbox.OpErrTooManyParams)
	}
	u.cmd.floats = append(u.cmd.floats, bits)
	u.cmd.state = LoadingParams
	return u.ack(ctx)
}

func (u *Unit) run(ctx context.Context, kind mailbox.Kind) error {
	m := u.cmd.method
	if m == nil || m.gen != u.Regions[localmem.CodeCache].Generation() {
		// the code cache was flushed since the load
		u.resetCommand()
		return u.reject(ctx, mailbox.OpErrMethodNotPrepared)
	}
	if err := u.DMA.WaitTag(ctx, mfc.TagMethodRead, u.cfg.RunBackoff); err != nil {
		if errors.Is(err, mfc.ErrSpinExhausted) {
			return u.reject(ctx, mailbox.OpErrMethodNotLoaded)
		}
		return err
	}
	if uint32(len(u.cmd.words)) < m.header.wordParams || uint32(len(u.cmd.floats)) < m.header.floatParams {
		return u.reject(ctx, mailbox.OpErrParamsNotLoaded)
	}
	if err := u.ack(ctx); err != nil {
		return err
	}
	u.cmd.state = Executing
	u.busy.Store(true)
	var result uint64
	var err error
	u.cfg.Trace.Duration("execute", "method", int(u.ID), func() {
		result, err = u.invoke(ctx, m.local, u.cmd.words, u.cmd.floats, 0)
		if err == nil {
			// write-backs land before the result is visible
			err = u.wait(ctx, mfc.TagObjectWrite)
		}
	})
	u.busy.Store(false)
	u.stats.MethodsRun.Add(1)
	u.cmd.state = ReturningResult
	defer u.resetCommand()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, mailbox.ErrClosed) {
			return err
		}
		var te *TrapError
		if !errors.As(err, &te) {
			te = &TrapError{Code: TrapRegenerate, Msg: err.Error()}
		}
		return u.sendTrap(ctx, te)
	}
	return u.sendResult(ctx, kind, result)
}

func (u *Unit) sendTrap(ctx context.Context, te *TrapError) error {
	u.stats.Traps.Add(1)
	u.logf("trap %v", te)
	u.cfg.Trace.Instant("trap", te.Code.String(), int(u.ID), map[string]any{"pc": te.PC, "msg": te.Msg})
	if err := u.send(ctx, mailbox.OpTrapMessage, uint32(te.Code)); err != nil {
		return err
	}
	return u.send(ctx, mailbox.OpTrapMessageAddr, te.PC)
}

// sendResult writes the result. Wide results are sent as upper and lower
// word, each acknowledged by the main processor.
func (u *Unit) sendResult(ctx context.Context, kind mailbox.Kind, v uint64) error {
	upper, lower := kind.ReturnOps()
	switch {
	case kind == mailbox.KindVoid:
		return u.Mailbox.OutIntr.Write(ctx, uint32(upper))
	case kind.Wide():
		if err := u.send(ctx, upper, uint32(v>>32)); err != nil {
			return err
		}
		if err := u.awaitAck(ctx); err != nil {
			return err
		}
		if err := u.send(ctx, lower, uint32(v)); err != nil {
			return err
		}
		return u.awaitAck(ctx)
	}
	return u.send(ctx, upper, uint32(v))
}

// consoleWrite sends a console message to the main processor.
func (u *Unit) consoleWrite(ctx context.Context, op mailbox.Op, v uint64) error {
	switch op {
	case mailbox.OpConsoleLong, mailbox.OpConsoleLongHex, mailbox.OpConsoleDouble:
		if err := u.send(ctx, op, uint32(v>>32)); err != nil {
			return err
		}
		return u.Mailbox.Out.Write(ctx, uint32(v))
	}
	return u.send(ctx, op, uint32(v))
}
