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

import "fmt"

// TrapCode is raised by code running on a unit when it hits a condition it
// cannot handle locally.
type TrapCode uint32

const (
	TrapNullPointer TrapCode = iota
	TrapArrayBounds
	TrapDivideByZero
	TrapStackOverflow
	TrapCheckcast
	TrapRegenerate
	TrapJNIStack
	TrapMustImplement
	TrapStoreCheck
	TrapFatalStackOverflow
	TrapCodeCacheFull
	TrapObjectCacheFull
	TrapClassTibsCacheFull
	TrapStaticsCacheFull
	TrapUnresolved
	numTraps
)

var trapNames = [numTraps]string{
	"null-pointer", "array-bounds", "divide-by-zero", "stack-overflow", "checkcast",
	"regenerate", "jni-stack", "must-implement", "store-check", "fatal-stack-overflow",
	"code-cache-full", "object-cache-full", "class-tibs-cache-full", "statics-cache-full",
	"class-not-resolved-for-subarch",
}

// exception thrown on the main processor's thread for each trap
var trapExceptions = [numTraps]string{
	"java.lang.NullPointerException",
	"java.lang.ArrayIndexOutOfBoundsException",
	"java.lang.ArithmeticException",
	"java.lang.StackOverflowError",
	"java.lang.ClassCastException",
	"java.lang.InternalError",
	"java.lang.StackOverflowError",
	"java.lang.UnsatisfiedLinkError",
	"java.lang.ArrayStoreException",
	"java.lang.StackOverflowError",
	"java.lang.OutOfMemoryError",
	"java.lang.OutOfMemoryError",
	"java.lang.OutOfMemoryError",
	"java.lang.OutOfMemoryError",
	"java.lang.NoClassDefFoundError",
}

func (c TrapCode) String() string {
	if c < numTraps {
		return trapNames[c]
	}
	return fmt.Sprintf("trap(%d)", uint32(c))
}

// Exception is the language-level exception class a trap surfaces as.
func (c TrapCode) Exception() string {
	if c < numTraps {
		return trapExceptions[c]
	}
	return "java.lang.InternalError"
}

// Fatal reports whether the trap ends the migration. Only the cache-full
// traps are retried, by flushing the region.
func (c TrapCode) Fatal() bool {
	return c < TrapCodeCacheFull || c > TrapStaticsCacheFull
}

// TrapError is an unrecoverable trap of an executing method. PC is the
// bytecode offset in the method that trapped.
type TrapError struct {
	Code TrapCode
	PC   uint32
	Msg  string

	located bool // PC set by the frame that trapped
}

func (e *TrapError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s at pc %d: %s (%s)", e.Code, e.PC, e.Msg, e.Code.Exception())
	}
	return fmt.Sprintf("%s at pc %d (%s)", e.Code, e.PC, e.Code.Exception())
}

func trap(code TrapCode, format string, args ...any) *TrapError {
	return &TrapError{Code: code, Msg: fmt.Sprintf(format, args...)}
}
