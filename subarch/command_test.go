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
	"math"
	"testing"
	"time"

	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/mfc"
)

// host plays the main processor side of one unit's mailboxes.
type host struct {
	t   *testing.T
	u   *Unit
	ctx context.Context
}

func start(t *testing.T, u *Unit) *host {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()
	t.Cleanup(func() {
		u.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("command loop: %v", err)
		}
	})
	return &host{t, u, ctx}
}

func (h *host) send(words ...uint32) {
	h.t.Helper()
	for _, w := range words {
		if err := h.u.Mailbox.In.Write(h.ctx, w); err != nil {
			h.t.Fatal(err)
		}
	}
}

func (h *host) cmd(op mailbox.Op, args ...uint32) {
	h.t.Helper()
	h.send(append([]uint32{uint32(op)}, args...)...)
}

func (h *host) expect(op mailbox.Op) {
	h.t.Helper()
	v, err := h.u.Mailbox.OutIntr.Read(h.ctx)
	if err != nil {
		h.t.Fatal(err)
	}
	if mailbox.Op(v) != op {
		h.t.Fatalf("expected %s, got %s", op, mailbox.Op(v))
	}
}

func (h *host) data() uint32 {
	h.t.Helper()
	v, err := h.u.Mailbox.Out.Read(h.ctx)
	if err != nil {
		h.t.Fatal(err)
	}
	return v
}

func (h *host) expectError(code mailbox.Op) {
	h.t.Helper()
	h.expect(mailbox.OpNack)
	if got := mailbox.Op(h.data()); got != code {
		h.t.Fatalf("expected %s, got %s", code, got)
	}
}

func (h *host) boot() {
	h.t.Helper()
	h.cmd(mailbox.OpRuntimeCopyComplete)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpJavaVMStarted)
	h.expect(mailbox.OpAck)
}

func (h *host) state() State {
	s, _, _, _ := h.u.CommandState()
	return s
}

func TestBootHandshake(t *testing.T) {
	w := newWorld(t)
	h := start(t, w.unit(t, testConfig()))
	h.cmd(mailbox.OpJavaVMStarted)
	h.expectError(mailbox.OpErrUnknownCmd)
	h.cmd(mailbox.OpLoadStaticMethod, 0, 16)
	h.expectError(mailbox.OpErrUnknownCmd)
	h.cmd(mailbox.OpRuntimeCopyComplete)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpSetProcessorReg, 0xbeef)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpJavaVMStarted)
	h.expect(mailbox.OpAck)
	if h.state() != WaitingForCommand {
		t.Fatalf("state %s after boot", h.state())
	}
	if h.u.ProcessorReg() != 0xbeef {
		t.Errorf("processor register 0x%x", h.u.ProcessorReg())
	}
}

func TestScenarioLoadAndRunInt(t *testing.T) {
	w := newWorld(t)
	w.padTo(t, 128)
	ea := w.code(t, 0, 0, mailbox.KindInt, NewBytecode().IConst(42).Return())
	slot, _ := w.class(t, []uint32{0, 0, 0, 0, ea}, nil)
	if slot != 128 {
		t.Fatalf("class at slot %d", slot)
	}
	h := start(t, w.unit(t, testConfig()))
	h.boot()
	h.cmd(mailbox.OpLoadStaticMethod, 128, 32)
	h.expect(mailbox.OpAck)
	if s, _, _, loaded := h.u.CommandState(); s != LoadingMethod || !loaded {
		t.Fatalf("state %s loaded %v", s, loaded)
	}
	h.cmd(mailbox.OpRunInt)
	h.expect(mailbox.OpAck)
	h.expect(mailbox.OpReturnInt)
	if v := h.data(); v != 42 {
		t.Errorf("result %d", v)
	}
	s, words, floats, loaded := h.u.CommandState()
	if s != WaitingForCommand || loaded || words != 0 || floats != 0 {
		t.Errorf("after run: state %s loaded %v params %d/%d", s, loaded, words, floats)
	}
}

func TestTooManyParams(t *testing.T) {
	w := newWorld(t)
	ea := w.code(t, 4, 0, mailbox.KindInt, NewBytecode().WParam(3).Return())
	slot, _ := w.class(t, []uint32{ea}, nil)
	h := start(t, w.unit(t, testConfig()))
	h.boot()
	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 16)
	h.expect(mailbox.OpAck)
	for i := uint32(1); i <= 4; i++ {
		h.cmd(mailbox.OpLoadWordParam, i)
		h.expect(mailbox.OpAck)
	}
	h.cmd(mailbox.OpLoadWordParam, 5)
	h.expectError(mailbox.OpErrTooManyParams)
	if _, words, _, _ := h.u.CommandState(); words != 4 {
		t.Errorf("%d word params after overflow", words)
	}
	h.cmd(mailbox.OpRunInt)
	h.expect(mailbox.OpAck)
	h.expect(mailbox.OpReturnInt)
	if v := h.data(); v != 4 {
		t.Errorf("result %d", v)
	}
}

func TestUnknownCommandWhileWaiting(t *testing.T) {
	w := newWorld(t)
	h := start(t, w.unit(t, testConfig()))
	h.boot()
	for op := mailbox.Op(0); op <= mailbox.OpFakeTrapMessageInt; op++ {
		if op == mailbox.OpLoadStaticMethod {
			continue
		}
		args := make([]uint32, op.Operands())
		h.cmd(op, args...)
		h.expectError(mailbox.OpErrUnknownCmd)
		if h.state() != WaitingForCommand {
			t.Fatalf("%s changed the state to %s", op, h.state())
		}
	}
	if got := h.u.Snapshot().ProtocolErrors; got == 0 {
		t.Error("protocol errors not counted")
	}
}

func TestRunPreconditions(t *testing.T) {
	w := newWorld(t)
	ea := w.code(t, 2, 0, mailbox.KindInt, NewBytecode().WParam(0).WParam(1).Op(IAdd).Return())
	slot, _ := w.class(t, []uint32{ea, 0}, nil)
	u := w.unit(t, testConfig())
	h := start(t, u)
	h.boot()

	// nothing compiled at offset 20
	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 20)
	h.expectError(mailbox.OpErrMethodNotPrepared)
	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 24)
	h.expectError(mailbox.OpErrMethodNotPrepared)

	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 16)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpRunInt)
	h.expectError(mailbox.OpErrParamsNotLoaded)
	h.cmd(mailbox.OpLoadWordParam, 30)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpLoadWordParam, 12)
	h.expect(mailbox.OpAck)
	if h.state() != LoadingParams {
		t.Fatalf("state %s", h.state())
	}
	h.cmd(mailbox.OpRunInt)
	h.expect(mailbox.OpAck)
	h.expect(mailbox.OpReturnInt)
	if v := h.data(); v != 42 {
		t.Errorf("result %d", v)
	}

	// a flushed code cache invalidates the loaded method
	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 16)
	h.expect(mailbox.OpAck)
	u.Flush(localmem.CodeCache)
	h.cmd(mailbox.OpRunInt)
	h.expectError(mailbox.OpErrMethodNotPrepared)
	if h.state() != WaitingForCommand {
		t.Errorf("state %s after stale method", h.state())
	}
}

func TestMethodNotLoadedYet(t *testing.T) {
	w := newWorld(t)
	ea := w.code(t, 0, 0, mailbox.KindInt, NewBytecode().IConst(7).Return())
	slot, _ := w.class(t, []uint32{ea}, nil)
	cfg := testConfig()
	cfg.DMALatency = 8
	cfg.RunBackoff = mfc.NoBackoff{Limit: 1}
	h := start(t, w.unit(t, cfg))
	h.boot()
	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 16)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpRunInt)
	h.expectError(mailbox.OpErrMethodNotLoaded)
	for i := 0; ; i++ {
		if i == 16 {
			t.Fatal("method never finished loading")
		}
		h.cmd(mailbox.OpRunInt)
		v, err := h.u.Mailbox.OutIntr.Read(h.ctx)
		if err != nil {
			t.Fatal(err)
		}
		if mailbox.Op(v) == mailbox.OpAck {
			break
		}
		if code := mailbox.Op(h.data()); code != mailbox.OpErrMethodNotLoaded {
			t.Fatalf("unexpected %s", code)
		}
	}
	h.expect(mailbox.OpReturnInt)
	if v := h.data(); v != 7 {
		t.Errorf("result %d", v)
	}
}

func TestWideResults(t *testing.T) {
	w := newWorld(t)
	long := w.code(t, 0, 0, mailbox.KindLong, NewBytecode().LConst(0x1122334455667788).Return())
	double := w.code(t, 0, 1, mailbox.KindDouble, NewBytecode().FParam(0).DConst(2.25).Op(DAdd).Return())
	void := w.code(t, 0, 0, mailbox.KindVoid, NewBytecode().Return())
	slot, _ := w.class(t, []uint32{long, double, void}, nil)
	h := start(t, w.unit(t, testConfig()))
	h.boot()

	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 16)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpRunLong)
	h.expect(mailbox.OpAck)
	h.expect(mailbox.OpReturnLongUpper)
	hi := h.data()
	h.cmd(mailbox.OpAck)
	h.expect(mailbox.OpReturnLongLower)
	lo := h.data()
	h.cmd(mailbox.OpAck)
	if hi != 0x11223344 || lo != 0x55667788 {
		t.Errorf("long 0x%x 0x%x", hi, lo)
	}

	bits := math.Float64bits(1.5)
	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 20)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpLoadDoubleParam, uint32(bits>>32), uint32(bits))
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpRunDouble)
	h.expect(mailbox.OpAck)
	h.expect(mailbox.OpReturnDoubleUpper)
	hi = h.data()
	h.cmd(mailbox.OpAck)
	h.expect(mailbox.OpReturnDoubleLower)
	lo = h.data()
	h.cmd(mailbox.OpAck)
	if got := math.Float64frombits(uint64(hi)<<32 | uint64(lo)); got != 3.75 {
		t.Errorf("double %v", got)
	}

	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 24)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpRunVoid)
	h.expect(mailbox.OpAck)
	h.expect(mailbox.OpReturnVoid)
	if got := h.u.Snapshot().MethodsRun; got != 3 {
		t.Errorf("%d methods run", got)
	}
}

func TestTrapIsReported(t *testing.T) {
	w := newWorld(t)
	ea := w.code(t, 0, 0, mailbox.KindInt, NewBytecode().IConst(1).IConst(0).Op(IDiv).Return())
	slot, _ := w.class(t, []uint32{ea}, nil)
	h := start(t, w.unit(t, testConfig()))
	h.boot()
	h.cmd(mailbox.OpLoadStaticMethod, uint32(slot), 16)
	h.expect(mailbox.OpAck)
	h.cmd(mailbox.OpRunInt)
	h.expect(mailbox.OpAck)
	h.expect(mailbox.OpTrapMessage)
	if code := TrapCode(h.data()); code != TrapDivideByZero {
		t.Errorf("trap %s", code)
	}
	h.expect(mailbox.OpTrapMessageAddr)
	if pc := h.data(); pc != 10 {
		t.Errorf("trap pc %d", pc)
	}
	if h.state() != WaitingForCommand {
		t.Errorf("state %s after trap", h.state())
	}
	if got := h.u.Snapshot().Traps; got != 1 {
		t.Errorf("%d traps", got)
	}
}
