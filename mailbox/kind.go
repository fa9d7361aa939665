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

import "fmt"

// Kind is the return kind of a migrated method.
type Kind uint32

const (
	KindVoid Kind = iota
	KindInt
	KindFloat
	KindLong
	KindDouble
	KindRef
)

var kindNames = [...]string{"void", "int", "float", "long", "double", "ref"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown return kind %q", s)
}

// Wide reports whether results of k take two mailbox transactions.
func (k Kind) Wide() bool {
	return k == KindLong || k == KindDouble
}

// RunOp is the RUN_METHOD_RETURNING_* command for k.
func (k Kind) RunOp() Op {
	return OpRunVoid + Op(k)
}

// KindOf maps a RUN_METHOD_RETURNING_* command to its kind.
func KindOf(run Op) Kind {
	return Kind(run - OpRunVoid)
}

// ReturnOps are the reply codes for a result of kind k. Wide kinds have an
// upper and a lower code, the others only the first.
func (k Kind) ReturnOps() (Op, Op) {
	switch k {
	case KindInt:
		return OpReturnInt, 0
	case KindFloat:
		return OpReturnFloat, 0
	case KindLong:
		return OpReturnLongUpper, OpReturnLongLower
	case KindDouble:
		return OpReturnDoubleUpper, OpReturnDoubleLower
	case KindRef:
		return OpReturnRef, 0
	}
	return OpReturnVoid, 0
}

// Operands is the number of data words following command o on the inbound
// mailbox. The unit always consumes them, even when it rejects o.
func (o Op) Operands() int {
	switch o {
	case OpLoadStaticMethod, OpLoadDoubleParam:
		return 2
	case OpLoadWordParam, OpLoadFloatParam, OpSetProcessorReg:
		return 1
	}
	return 0
}
