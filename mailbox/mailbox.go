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
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Op is a word exchanged over the mailboxes.
type Op uint32

// replies and protocol errors
const (
	OpAck                  Op = 0x1
	OpNack                 Op = 0x2
	OpErrTooManyParams     Op = 0x3
	OpErrMethodNotPrepared Op = 0x4
	OpErrMethodNotLoaded   Op = 0x5
	OpErrParamsNotLoaded   Op = 0x6
	OpErrUnknownCmd        Op = 0x7
)

// control
const (
	OpRuntimeCopyComplete Op = 0x10
	OpJavaVMStarted       Op = 0x11
	OpSetProcessorReg     Op = 0x12
)

// method loading and execution
const (
	OpLoadStaticMethod Op = 0x20
	OpLoadWordParam    Op = 0x21
	OpLoadDoubleParam  Op = 0x22
	OpLoadFloatParam   Op = 0x23
	OpRunVoid          Op = 0x24
	OpRunInt           Op = 0x25
	OpRunFloat         Op = 0x26
	OpRunLong          Op = 0x27
	OpRunDouble        Op = 0x28
	OpRunRef           Op = 0x29
)

// return values
const (
	OpReturnVoid        Op = 0x30
	OpReturnInt         Op = 0x31
	OpReturnFloat       Op = 0x32
	OpReturnLongUpper   Op = 0x33
	OpReturnLongLower   Op = 0x34
	OpReturnDoubleUpper Op = 0x35
	OpReturnDoubleLower Op = 0x36
	OpReturnRef         Op = 0x37
)

// console output and traps (unit to main)
const (
	OpConsoleChar        Op = 0x40
	OpConsoleInt         Op = 0x41
	OpConsoleIntHex      Op = 0x42
	OpConsoleLong        Op = 0x43
	OpConsoleLongHex     Op = 0x44
	OpConsoleFloat       Op = 0x45
	OpConsoleDouble      Op = 0x46
	OpConsoleString      Op = 0x47
	OpTrapMessage        Op = 0x48
	OpTrapMessageAddr    Op = 0x49
	OpFakeTrapMessage    Op = 0x4A
	OpFakeTrapMessageInt Op = 0x4B
)

var opNames = map[Op]string{
	OpAck: "ACK", OpNack: "NACK",
	OpErrTooManyParams: "ERR_TOO_MANY_PARAMS", OpErrMethodNotPrepared: "ERR_METHOD_NOT_PREPARED",
	OpErrMethodNotLoaded: "ERR_METHOD_NOT_LOADED", OpErrParamsNotLoaded: "ERR_PARAMS_NOT_LOADED",
	OpErrUnknownCmd:       "ERR_UNKNOWN_CMD",
	OpRuntimeCopyComplete: "RUNTIME_COPY_COMPLETE", OpJavaVMStarted: "JAVA_VM_STARTED",
	OpSetProcessorReg:  "SET_PROCESSOR_REG",
	OpLoadStaticMethod: "LOAD_STATIC_METHOD", OpLoadWordParam: "LOAD_WORD_PARAM",
	OpLoadDoubleParam: "LOAD_DOUBLE_PARAM", OpLoadFloatParam: "LOAD_FLOAT_PARAM",
	OpRunVoid: "RUN_METHOD_RETURNING_VOID", OpRunInt: "RUN_METHOD_RETURNING_INT",
	OpRunFloat: "RUN_METHOD_RETURNING_FLOAT", OpRunLong: "RUN_METHOD_RETURNING_LONG",
	OpRunDouble: "RUN_METHOD_RETURNING_DOUBLE", OpRunRef: "RUN_METHOD_RETURNING_REF",
	OpReturnVoid: "RETURN_VALUE_V", OpReturnInt: "RETURN_VALUE_I", OpReturnFloat: "RETURN_VALUE_F",
	OpReturnLongUpper: "RETURN_VALUE_L_UPPER", OpReturnLongLower: "RETURN_VALUE_L_LOWER",
	OpReturnDoubleUpper: "RETURN_VALUE_D_UPPER", OpReturnDoubleLower: "RETURN_VALUE_D_LOWER",
	OpReturnRef:   "RETURN_VALUE_R",
	OpConsoleChar: "CONSOLE_WRITE_CHAR", OpConsoleInt: "CONSOLE_WRITE_INT",
	OpConsoleIntHex: "CONSOLE_WRITE_INT_HEX", OpConsoleLong: "CONSOLE_WRITE_LONG",
	OpConsoleLongHex: "CONSOLE_WRITE_LONG_HEX", OpConsoleFloat: "CONSOLE_WRITE_FLOAT",
	OpConsoleDouble: "CONSOLE_WRITE_DOUBLE", OpConsoleString: "CONSOLE_WRITE_STRING",
	OpTrapMessage: "TRAP_MESSAGE", OpTrapMessageAddr: "TRAP_MESSAGE_ADDR",
	OpFakeTrapMessage: "FAKE_TRAP_MESSAGE", OpFakeTrapMessageInt: "FAKE_TRAP_MESSAGE_INT",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("0x%x", uint32(o))
}

// IsRun reports whether o is one of the RUN_METHOD_RETURNING_* commands.
func (o Op) IsRun() bool {
	return o >= OpRunVoid && o <= OpRunRef
}

// IsError reports whether o is one of the protocol error codes.
func (o Op) IsError() bool {
	return o >= OpErrTooManyParams && o <= OpErrUnknownCmd
}

// Mailbox depths of the hardware.
const (
	InDepth  = 4
	OutDepth = 1
)

var ErrClosed = errors.New("mailbox: closed")

// Mailbox is one simplex word queue.
type Mailbox struct {
	name string
	ch   chan uint32
	done chan struct{}
}

func newMailbox(name string, depth int, done chan struct{}) *Mailbox {
	return &Mailbox{name: name, ch: make(chan uint32, depth), done: done}
}

// Write blocks while the mailbox is full.
func (m *Mailbox) Write(ctx context.Context, v uint32) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- v:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%s write: %w", m.name, ctx.Err())
	}
}

// Read blocks until a word arrives.
func (m *Mailbox) Read(ctx context.Context) (uint32, error) {
	select {
	case v := <-m.ch:
		return v, nil
	case <-m.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, fmt.Errorf("%s read: %w", m.name, ctx.Err())
	}
}

// TryRead returns immediately; ok is false if the mailbox is empty.
func (m *Mailbox) TryRead() (v uint32, ok bool) {
	select {
	case v = <-m.ch:
		return v, true
	default:
		return 0, false
	}
}

// Count is the number of words waiting, like rchcnt.
func (m *Mailbox) Count() int {
	return len(m.ch)
}

func (m *Mailbox) Name() string {
	return m.name
}

// Pair is the mailbox set of one unit: In carries commands from the main
// processor, Out carries data words and OutIntr reply codes back.
type Pair struct {
	In      *Mailbox
	Out     *Mailbox
	OutIntr *Mailbox
	done    chan struct{}
	once    sync.Once
}

func NewPair() *Pair {
	done := make(chan struct{})
	return &Pair{
		In:      newMailbox("in", InDepth, done),
		Out:     newMailbox("out", OutDepth, done),
		OutIntr: newMailbox("out-intr", OutDepth, done),
		done:    done,
	}
}

// Close wakes every blocked reader and writer with ErrClosed.
func (p *Pair) Close() {
	p.once.Do(func() { close(p.done) })
}

// Done is closed when the pair is closed.
func (p *Pair) Done() <-chan struct{} {
	return p.done
}
