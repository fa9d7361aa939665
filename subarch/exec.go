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
	"math"

	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/mainmem"
	"github.com/launix-de/cellvm/mfc"
)

const (
	maxStack   = 256
	numLocals  = 16
	checkEvery = 4096 // steps between context checks
)

// fault aborts the current method from deep inside the interpreter; it is
// recovered at the frame boundary and reported as a trap.
type fault struct {
	code TrapCode
	msg  string
}

func raise(code TrapCode, format string, args ...any) {
	panic(fault{code, fmt.Sprintf(format, args...)})
}

type frame struct {
	code   []byte
	pc     int
	stack  []uint64
	locals [numLocals]uint64
	words  []uint32
	floats []uint64
}

func (f *frame) push(v uint64) {
	if len(f.stack) >= maxStack {
		raise(TrapStackOverflow, "operand stack exceeds %d entries", maxStack)
	}
	f.stack = append(f.stack, v)
}

func (f *frame) pop() uint64 {
	if len(f.stack) == 0 {
		raise(TrapRegenerate, "operand stack underflow")
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frame) popInt() int32   { return int32(uint32(f.pop())) }
func (f *frame) pushInt(v int32) { f.push(uint64(uint32(v))) }

func (f *frame) popFloat() float32   { return math.Float32frombits(uint32(f.pop())) }
func (f *frame) pushFloat(v float32) { f.push(uint64(math.Float32bits(v))) }

func (f *frame) popDouble() float64   { return math.Float64frombits(f.pop()) }
func (f *frame) pushDouble(v float64) { f.push(math.Float64bits(v)) }

func (f *frame) operand(width int) int64 {
	v, ok := operand(f.code, f.pc, width)
	if !ok {
		raise(TrapRegenerate, "truncated operand at %d", f.pc)
	}
	if width < 0 {
		width = -width
	}
	f.pc += width
	return v
}

func (f *frame) u8() uint8   { return uint8(f.operand(1)) }
func (f *frame) u16() uint16 { return uint16(f.operand(2)) }

func (f *frame) local(i uint8) *uint64 {
	if int(i) >= numLocals {
		raise(TrapRegenerate, "local %d", i)
	}
	return &f.locals[i]
}

func cmp[T int64 | float32 | float64](a, b T) int32 {
	switch {
	case a > b:
		return 1
	case a == b:
		return 0
	}
	return -1 // also for NaN
}

// saturating float to integer conversion
func toInt32(v float64) int32 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}

// loadN reads a 1, 2, 4 or 8 byte value from the local store. Bytes are
// sign-extended, 16 bit values are unsigned chars.
func (u *Unit) loadN(addr uint32, size uint8) uint64 {
	var v uint64
	var err error
	switch size {
	case 1, 2:
		var b []byte
		if b, err = u.Local.Slice(addr, uint32(size)); err == nil {
			if size == 1 {
				v = uint64(uint32(int32(int8(b[0]))))
			} else {
				v = uint64(b[0])<<8 | uint64(b[1])
			}
		}
	case 4:
		var w uint32
		w, err = u.Local.Load32(addr)
		v = uint64(w)
	case 8:
		v, err = u.Local.Load64(addr)
	default:
		raise(TrapRegenerate, "access size %d", size)
	}
	if err != nil {
		raise(TrapRegenerate, "%v", err)
	}
	return v
}

func (u *Unit) storeN(addr uint32, size uint8, v uint64) {
	var err error
	switch size {
	case 1, 2:
		var b []byte
		if b, err = u.Local.Slice(addr, uint32(size)); err == nil {
			if size == 1 {
				b[0] = byte(v)
			} else {
				b[0], b[1] = byte(v>>8), byte(v)
			}
		}
	case 4:
		err = u.Local.Store32(addr, uint32(v))
	case 8:
		err = u.Local.Store64(addr, v)
	default:
		raise(TrapRegenerate, "access size %d", size)
	}
	if err != nil {
		raise(TrapRegenerate, "%v", err)
	}
}

// writeThrough stores v into the local copy at local and queues the same
// bytes to main memory. Local copies are congruent to their originals
// modulo 16, so the small put is legal unless an 8 byte value sits on an
// odd word; that one goes out as two words.
func (u *Unit) writeThrough(local, remote uint32, size uint8, v uint64) error {
	u.storeN(local, size, v)
	if size == 8 && remote%8 != 0 {
		if err := u.DMA.Put(local, remote, 4, mfc.TagObjectWrite); err != nil {
			return err
		}
		return u.DMA.Put(local+4, remote+4, 4, mfc.TagObjectWrite)
	}
	return u.DMA.Put(local, remote, uint32(size), mfc.TagObjectWrite)
}

// resolveMethod reads the code pointer at methodOffset of the statics block
// of the class in jtoc slot.
func (u *Unit) resolveMethod(ctx context.Context, slot int32, methodOffset uint32) (uint32, error) {
	statics, err := u.cacheStatic(ctx, slot)
	if err != nil {
		return 0, err
	}
	size, _ := u.Local.Load32(statics + 8)
	if methodOffset < mainmem.StaticsHeader || methodOffset%4 != 0 || methodOffset+4 > size {
		return 0, fmt.Errorf("%w: offset %d outside statics of %d bytes", errNotPrepared, methodOffset, size)
	}
	ea, _ := u.Local.Load32(statics + methodOffset)
	if ea == 0 {
		return 0, fmt.Errorf("%w: slot %d offset %d not compiled", errNotPrepared, slot, methodOffset)
	}
	return ea, nil
}

// CacheMethod starts loading the code blob at ea and returns its local
// address. Callers wait on the method tag before running it.
func (u *Unit) CacheMethod(ctx context.Context, ea uint32) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	local, _, err := u.cacheMethod(ctx, ea)
	return local, err
}

// call loads the code blob at ea, pops its parameters from f and runs it.
func (u *Unit) call(ctx context.Context, f *frame, ea uint32, depth int) error {
	local, h, err := u.cacheMethod(ctx, ea)
	if err != nil {
		return err
	}
	if err := u.wait(ctx, mfc.TagMethodRead); err != nil {
		return err
	}
	floats := make([]uint64, h.floatParams)
	for i := len(floats) - 1; i >= 0; i-- {
		floats[i] = f.pop()
	}
	words := make([]uint32, h.wordParams)
	for i := len(words) - 1; i >= 0; i-- {
		words[i] = uint32(f.pop())
	}
	v, err := u.invoke(ctx, local, words, floats, depth+1)
	if err != nil {
		return err
	}
	if h.kind != mailbox.KindVoid {
		f.push(v)
	}
	return nil
}

// invoke runs the method whose code blob was cached at local. The body is
// copied out first, so cache activity of callees cannot disturb it.
func (u *Unit) invoke(ctx context.Context, local uint32, words []uint32, floats []uint64, depth int) (result uint64, err error) {
	if depth >= u.cfg.MaxCallDepth {
		return 0, trap(TrapStackOverflow, "call depth %d", depth)
	}
	hdr, err := u.Local.Slice(local, mainmem.CodeHeader)
	if err != nil {
		return 0, err
	}
	bodyLen := uint32(hdr[0])<<24 | uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3])
	kind := mailbox.Kind(uint32(hdr[12])<<24 | uint32(hdr[13])<<16 | uint32(hdr[14])<<8 | uint32(hdr[15]))
	body, err := u.Local.Slice(local+mainmem.CodeHeader, bodyLen)
	if err != nil {
		return 0, trap(TrapRegenerate, "code blob of %d bytes outside local store", bodyLen)
	}
	f := &frame{code: append([]byte(nil), body...), words: words, floats: floats}
	start := 0
	defer func() {
		if r := recover(); r != nil {
			flt, ok := r.(fault)
			if !ok {
				panic(r)
			}
			err = &TrapError{Code: flt.code, PC: uint32(start), Msg: flt.msg, located: true}
		}
	}()
	for steps := 1; ; steps++ {
		if steps%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if f.pc >= len(f.code) {
			raise(TrapRegenerate, "fell off the end of the method")
		}
		start = f.pc
		in := Insn(f.code[f.pc])
		f.pc++
		done, err := u.step(ctx, f, in, depth)
		if err != nil {
			var te *TrapError
			if errors.As(err, &te) && !te.located {
				te.PC = uint32(start)
				te.located = true
			}
			return 0, err
		}
		if done {
			if kind == mailbox.KindVoid {
				return 0, nil
			}
			return f.pop(), nil
		}
	}
}

func (u *Unit) step(ctx context.Context, f *frame, in Insn, depth int) (bool, error) {
	switch in {
	case INop:
	case IConst:
		f.push(uint64(uint32(f.operand(-4))))
	case LConst:
		f.push(uint64(f.operand(-8)))
	case WParam:
		i := f.u8()
		if int(i) >= len(f.words) {
			raise(TrapRegenerate, "word parameter %d of %d", i, len(f.words))
		}
		f.push(uint64(f.words[i]))
	case FParam:
		i := f.u8()
		if int(i) >= len(f.floats) {
			raise(TrapRegenerate, "float parameter %d of %d", i, len(f.floats))
		}
		f.push(f.floats[i])
	case Load:
		f.push(*f.local(f.u8()))
	case Store:
		p := f.local(f.u8())
		*p = f.pop()
	case Dup:
		v := f.pop()
		f.push(v)
		f.push(v)
	case Pop:
		f.pop()
	case Swap:
		b, a := f.pop(), f.pop()
		f.push(b)
		f.push(a)

	case IAdd, ISub, IMul, IDiv, IRem, IAnd, IOr, IXor, IShl, IShr, IUShr:
		b, a := f.popInt(), f.popInt()
		f.pushInt(intOp(in, a, b))
	case INeg:
		f.pushInt(-f.popInt())
	case LAdd, LSub, LMul, LDiv, LRem:
		b, a := int64(f.pop()), int64(f.pop())
		f.push(uint64(longOp(in, a, b)))
	case LNeg:
		f.push(uint64(-int64(f.pop())))
	case FAdd, FSub, FMul, FDiv:
		b, a := f.popFloat(), f.popFloat()
		f.pushFloat(float32(floatOp(in-FAdd, float64(a), float64(b))))
	case DAdd, DSub, DMul, DDiv:
		b, a := f.popDouble(), f.popDouble()
		f.pushDouble(floatOp(in-DAdd, a, b))

	case I2L:
		f.push(uint64(int64(f.popInt())))
	case L2I:
		f.pushInt(int32(int64(f.pop())))
	case I2F:
		f.pushFloat(float32(f.popInt()))
	case F2I:
		f.pushInt(toInt32(float64(f.popFloat())))
	case I2D:
		f.pushDouble(float64(f.popInt()))
	case D2I:
		f.pushInt(toInt32(f.popDouble()))
	case L2D:
		f.pushDouble(float64(int64(f.pop())))
	case F2D:
		f.pushDouble(float64(f.popFloat()))
	case D2F:
		f.pushFloat(float32(f.popDouble()))
	case LCmp:
		b, a := int64(f.pop()), int64(f.pop())
		f.pushInt(cmp(a, b))
	case FCmp:
		b, a := f.popFloat(), f.popFloat()
		f.pushInt(cmp(a, b))
	case DCmp:
		b, a := f.popDouble(), f.popDouble()
		f.pushInt(cmp(a, b))

	case Goto, IfZero, IfNonZero, IfLt, IfGe:
		rel := int(f.operand(-2))
		var taken bool
		switch in {
		case Goto:
			taken = true
		case IfZero:
			taken = f.popInt() == 0
		case IfNonZero:
			taken = f.popInt() != 0
		case IfLt:
			b, a := f.popInt(), f.popInt()
			taken = a < b
		case IfGe:
			b, a := f.popInt(), f.popInt()
			taken = a >= b
		}
		if taken {
			target := f.pc + rel
			if target < 0 || target >= len(f.code) {
				raise(TrapRegenerate, "branch to %d", target)
			}
			f.pc = target
		}

	case GetField, PutField:
		off, size := uint32(f.u16()), f.u8()
		var v uint64
		if in == PutField {
			v = f.pop()
		}
		ref := uint32(f.pop())
		local, err := u.cacheObject(ctx, ref)
		if err != nil {
			return false, err
		}
		instance, _ := u.Local.Load32(local - 4)
		if off+uint32(size) > instance {
			raise(TrapRegenerate, "field %d+%d outside object of %d bytes", off, size, instance)
		}
		if in == GetField {
			f.push(u.loadN(local+off, size))
		} else if err := u.writeThrough(local+off, ref+off, size, v); err != nil {
			return false, err
		}

	case ALoad, AStore:
		size := f.u8()
		var v uint64
		if in == AStore {
			v = f.pop()
		}
		index := uint32(f.popInt())
		ref := uint32(f.pop())
		local, err := u.arrayElement(ctx, ref, uint32(size), index)
		if err != nil {
			return false, err
		}
		if in == ALoad {
			f.push(u.loadN(local, size))
		} else if err := u.writeThrough(local, ref+index*uint32(size), size, v); err != nil {
			return false, err
		}
	case ArrayLength:
		size := f.u8()
		_, length, err := u.cacheArray(ctx, uint32(f.pop()), uint32(size))
		if err != nil {
			return false, err
		}
		f.pushInt(int32(length))

	case GetStatic, PutStatic:
		slot, off, size := int32(f.u16()), uint32(f.u16()), f.u8()
		var v uint64
		if in == PutStatic {
			v = f.pop()
		}
		statics, err := u.cacheStatic(ctx, slot)
		if err != nil {
			return false, err
		}
		block, _ := u.Local.Load32(statics + 8)
		if off < mainmem.StaticsHeader || off+uint32(size) > block {
			raise(TrapRegenerate, "static %d+%d outside block of %d bytes", off, size, block)
		}
		if in == GetStatic {
			f.push(u.loadN(statics+off, size))
			break
		}
		remote, _ := u.Local.Load32(u.cfg.Layout.JtocMirrorMiddle() + uint32(slot))
		if err := u.writeThrough(statics+off, remote+off, size, v); err != nil {
			return false, err
		}

	case InvokeStatic:
		slot, off := int32(f.u16()), uint32(f.u16())
		ea, err := u.resolveMethod(ctx, slot, off)
		if errors.Is(err, errNotPrepared) {
			return false, &TrapError{Code: TrapUnresolved, Msg: err.Error()}
		}
		if err != nil {
			return false, err
		}
		return false, u.call(ctx, f, ea, depth)
	case InvokeTib:
		slot, index := int32(f.u16()), uint32(f.u8())
		tib, err := u.tibFor(ctx, slot)
		if err != nil {
			return false, err
		}
		size, _ := u.Local.Load32(tib)
		at := mainmem.TibHeader + 4*index
		if at+4 > size {
			raise(TrapRegenerate, "method %d outside TIB of %d bytes", index, size)
		}
		ea, _ := u.Local.Load32(tib + at)
		if ea == 0 {
			return false, trap(TrapUnresolved, "method %d of class slot %d not compiled", index, slot)
		}
		return false, u.call(ctx, f, ea, depth)
	case Checkcast:
		slot := int32(f.u16())
		ref := uint32(f.pop())
		f.push(uint64(ref))
		if ref == 0 {
			break
		}
		objTib, err := u.peek(ctx, ref-mainmem.ObjectHeader)
		if err != nil {
			return false, err
		}
		statics, err := u.cacheStatic(ctx, slot)
		if err != nil {
			return false, err
		}
		if classTib, _ := u.Local.Load32(statics); objTib != classTib {
			return false, trap(TrapCheckcast, "object 0x%x is not of class slot %d", ref, slot)
		}

	case Console:
		op := mailbox.OpConsoleChar + mailbox.Op(f.u8())
		if op > mailbox.OpConsoleString {
			raise(TrapRegenerate, "console operation %d", op)
		}
		if err := u.consoleWrite(ctx, op, f.pop()); err != nil {
			return false, err
		}
	case Trap:
		code := TrapCode(f.u8())
		return false, trap(code, "raised by method")
	case Return:
		return true, nil
	default:
		raise(TrapMustImplement, "instruction 0x%02x", uint8(in))
	}
	return false, nil
}

func intOp(in Insn, a, b int32) int32 {
	switch in {
	case IAdd:
		return a + b
	case ISub:
		return a - b
	case IMul:
		return a * b
	case IDiv, IRem:
		if b == 0 {
			raise(TrapDivideByZero, "integer division by zero")
		}
		if in == IDiv {
			return a / b
		}
		return a % b
	case IAnd:
		return a & b
	case IOr:
		return a | b
	case IXor:
		return a ^ b
	case IShl:
		return a << (b & 31)
	case IShr:
		return a >> (b & 31)
	}
	return int32(uint32(a) >> (b & 31))
}

func longOp(in Insn, a, b int64) int64 {
	switch in {
	case LAdd:
		return a + b
	case LSub:
		return a - b
	case LMul:
		return a * b
	}
	if b == 0 {
		raise(TrapDivideByZero, "long division by zero")
	}
	if in == LDiv {
		return a / b
	}
	return a % b
}

// floatOp applies add, sub, mul or div by index.
func floatOp(i Insn, a, b float64) float64 {
	switch i {
	case 0:
		return a + b
	case 1:
		return a - b
	case 2:
		return a * b
	}
	return a / b
}
