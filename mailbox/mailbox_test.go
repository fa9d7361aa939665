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
	"testing"
	"time"
)

func TestOpNames(t *testing.T) {
	cases := map[Op]string{
		OpAck: "ACK", OpErrUnknownCmd: "ERR_UNKNOWN_CMD", OpRunInt: "RUN_METHOD_RETURNING_INT",
		OpReturnLongLower: "RETURN_VALUE_L_LOWER", OpFakeTrapMessageInt: "FAKE_TRAP_MESSAGE_INT",
		Op(0x99): "0x99",
	}
	for op, want := range cases {
		if op.String() != want {
			t.Errorf("%d: %s, want %s", uint32(op), op, want)
		}
	}
	if !OpRunRef.IsRun() || OpReturnVoid.IsRun() || !OpErrParamsNotLoaded.IsError() || OpAck.IsError() {
		t.Fatal("op classes wrong")
	}
}

func TestDepths(t *testing.T) {
	p := NewPair()
	defer p.Close()
	ctx := context.Background()
	for i := 0; i < InDepth; i++ {
		if err := p.In.Write(ctx, uint32(i)); err != nil {
			t.Fatal(err)
		}
	}
	if p.In.Count() != InDepth {
		t.Fatalf("count %d", p.In.Count())
	}
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := p.In.Write(short, 99); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("write to full inbound mailbox: %v", err)
	}
	for i := 0; i < InDepth; i++ {
		if v, _ := p.In.Read(ctx); v != uint32(i) {
			t.Fatalf("read %d, want %d", v, i)
		}
	}
	if err := p.Out.Write(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.OutIntr.TryRead(); ok {
		t.Fatal("interrupt mailbox not empty")
	}
	if v, ok := p.Out.TryRead(); !ok || v != 1 {
		t.Fatalf("out mailbox %d %v", v, ok)
	}
}

func TestCloseWakesReaders(t *testing.T) {
	p := NewPair()
	errc := make(chan error, 1)
	go func() {
		_, err := p.OutIntr.Read(context.Background())
		errc <- err
	}()
	p.Close()
	p.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("reader woke with %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader not woken by close")
	}
	if err := p.In.Write(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
}
