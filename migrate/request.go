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
	"errors"
	"fmt"
	"math"

	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/subarch"
)

// Method names a compiled static method: the jtoc slot of its class and the
// offset of its code pointer in the class statics block.
type Method struct {
	ClassOffset  int32
	MethodOffset uint32
}

// Params are the transposed arguments of the migrating activation. Floats
// holds raw bits; FloatKinds says per entry whether it is a float or a
// double (missing entries are doubles).
type Params struct {
	Words      []uint32
	Floats     []uint64
	FloatKinds []mailbox.Kind
}

func (p *Params) Word(v uint32) *Params {
	p.Words = append(p.Words, v)
	return p
}

func (p *Params) Float(v float32) *Params {
	p.Floats = append(p.Floats, uint64(math.Float32bits(v)))
	p.FloatKinds = append(p.FloatKinds, mailbox.KindFloat)
	return p
}

func (p *Params) Double(v float64) *Params {
	p.Floats = append(p.Floats, math.Float64bits(v))
	p.FloatKinds = append(p.FloatKinds, mailbox.KindDouble)
	return p
}

func (p *Params) floatKind(i int) mailbox.Kind {
	if i < len(p.FloatKinds) {
		return p.FloatKinds[i]
	}
	return mailbox.KindDouble
}

// Request is one migration.
type Request struct {
	Method   Method
	Params   Params
	Return   mailbox.Kind
	ThreadID int32 // green thread that migrates; filled in by the processor
}

// Result is the returned value; Bits holds the low 32 bits for narrow kinds.
type Result struct {
	Kind mailbox.Kind
	Bits uint64
}

func (r Result) Int() int32      { return int32(uint32(r.Bits)) }
func (r Result) Long() int64     { return int64(r.Bits) }
func (r Result) Float() float32  { return math.Float32frombits(uint32(r.Bits)) }
func (r Result) Double() float64 { return math.Float64frombits(r.Bits) }
func (r Result) Ref() uint32     { return uint32(r.Bits) }

func (r Result) String() string {
	switch r.Kind {
	case mailbox.KindVoid:
		return "void"
	case mailbox.KindInt:
		return fmt.Sprint(r.Int())
	case mailbox.KindLong:
		return fmt.Sprint(r.Long())
	case mailbox.KindFloat:
		return fmt.Sprint(r.Float())
	case mailbox.KindDouble:
		return fmt.Sprint(r.Double())
	}
	return fmt.Sprintf("ref 0x%x", r.Ref())
}

var (
	ErrBatchTooLarge    = errors.New("migrate: more than 32 ids in one status check")
	ErrMigrationTimeout = errors.New("migrate: migration timed out")
	ErrPending          = errors.New("migrate: migration still running")
	ErrUnknownThread    = errors.New("migrate: unknown migration id")
	ErrNoUnits          = errors.New("migrate: no co-processor units")
)

// NackError is a protocol error the unit answered with NACK.
type NackError struct {
	Unit uint32
	Cmd  mailbox.Op
	Code mailbox.Op
}

func (e *NackError) Error() string {
	return fmt.Sprintf("unit %d rejected %s: %s", e.Unit, e.Cmd, e.Code)
}

// TrapError is a migration that ended in an unrecoverable trap. It surfaces
// on the migrating thread as the language-level exception of the trap.
type TrapError struct {
	Unit uint32
	Trap subarch.TrapError
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("%s: %s on unit %d at pc %d", e.Exception(), e.Trap.Code, e.Unit, e.Trap.PC)
}

func (e *TrapError) Exception() string {
	return e.Trap.Code.Exception()
}

func (e *TrapError) Unwrap() error {
	return &e.Trap
}
