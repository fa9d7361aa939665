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
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/launix-de/cellvm/bootrecord"
	"github.com/launix-de/cellvm/mailbox"
	"github.com/launix-de/cellvm/mainmem"
	"github.com/launix-de/cellvm/mfc"
	"github.com/launix-de/cellvm/subarch"
)

// rig is a main processor with a few booted units.
type rig struct {
	mem     *mainmem.Memory
	heap    *mainmem.Heap
	jtoc    *bootrecord.JTOC
	units   []*subarch.Unit
	proxies []*Proxy
	console bytes.Buffer
	ctx     context.Context
}

func newRig(t *testing.T) *rig {
	t.Helper()
	mem := mainmem.New(1 << 20)
	heap := mainmem.NewHeap(mem, 0)
	jtoc, err := bootrecord.NewJTOC(heap, 0x800)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return &rig{mem: mem, heap: heap, jtoc: jtoc, ctx: ctx}
}

// method compiles b into the statics of a fresh class.
func (r *rig) method(t *testing.T, words, floats uint32, kind mailbox.Kind, b *subarch.Bytecode) Method {
	t.Helper()
	body, err := b.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	ea, err := r.heap.NewCode(words, floats, uint32(kind), body)
	if err != nil {
		t.Fatal(err)
	}
	tib, tibSize, err := r.heap.NewTib(0, 16, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	statics, size, err := r.heap.NewStatics(tib, tibSize, []uint32{ea})
	if err != nil {
		t.Fatal(err)
	}
	slot, err := r.jtoc.RegisterClass(statics, size)
	if err != nil {
		t.Fatal(err)
	}
	return Method{ClassOffset: slot, MethodOffset: mainmem.StaticsHeader}
}

// boot starts n units and runs the handshake on each.
func (r *rig) boot(t *testing.T, n int) {
	t.Helper()
	cfg := subarch.DefaultConfig()
	cfg.Backoff = mfc.NoBackoff{}
	for i := 0; i < n; i++ {
		u, err := subarch.NewUnit(uint32(i), cfg, subarch.Deps{Mem: r.mem, JTOC: r.jtoc})
		if err != nil {
			t.Fatal(err)
		}
		done := make(chan error, 1)
		go func() { done <- u.Run(r.ctx) }()
		t.Cleanup(func() {
			u.Close()
			if err := <-done; err != nil {
				t.Errorf("unit %d: %v", u.ID, err)
			}
		})
		p := NewProxy(u.ID, u.Mailbox, r.mem, &r.console)
		if err := p.Boot(r.ctx, 0x100+uint32(i)); err != nil {
			t.Fatal(err)
		}
		r.units = append(r.units, u)
		r.proxies = append(r.proxies, p)
	}
}

func (r *rig) processor(t *testing.T) *Processor {
	t.Helper()
	p := NewProcessor(NewMigrator(r.proxies))
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(r.ctx)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("processor: %v", err)
		}
		p.Migrator().Wait()
	})
	return p
}

func add() *subarch.Bytecode {
	return subarch.NewBytecode().WParam(0).WParam(1).Op(subarch.IAdd).Return()
}

func TestProxyCall(t *testing.T) {
	r := newRig(t)
	sum := r.method(t, 2, 0, mailbox.KindInt, add())
	half := r.method(t, 0, 1, mailbox.KindDouble, subarch.NewBytecode().FParam(0).DConst(0.5).Op(subarch.DAdd).Return())
	big := r.method(t, 0, 0, mailbox.KindLong, subarch.NewBytecode().LConst(-1<<40).Return())
	r.boot(t, 1)
	p := r.proxies[0]

	var ps Params
	ps.Word(40).Word(2)
	res, err := p.Call(r.ctx, Request{Method: sum, Params: ps, Return: mailbox.KindInt})
	if err != nil {
		t.Fatal(err)
	}
	if res.Int() != 42 {
		t.Errorf("sum %s", res)
	}

	var pd Params
	pd.Double(1.25)
	res, err = p.Call(r.ctx, Request{Method: half, Params: pd, Return: mailbox.KindDouble})
	if err != nil {
		t.Fatal(err)
	}
	if res.Double() != 1.75 {
		t.Errorf("double %s", res)
	}

	res, err = p.Call(r.ctx, Request{Method: big, Return: mailbox.KindLong})
	if err != nil {
		t.Fatal(err)
	}
	if res.Long() != -1<<40 {
		t.Errorf("long %s", res)
	}
}

func TestProxyNack(t *testing.T) {
	r := newRig(t)
	sum := r.method(t, 2, 0, mailbox.KindInt, add())
	r.boot(t, 1)
	var ps Params
	for i := uint32(0); i < 5; i++ {
		ps.Word(i)
	}
	_, err := r.proxies[0].Call(r.ctx, Request{Method: sum, Params: ps, Return: mailbox.KindInt})
	var ne *NackError
	if !errors.As(err, &ne) || ne.Code != mailbox.OpErrTooManyParams || ne.Cmd != mailbox.OpLoadWordParam {
		t.Fatalf("expected too many params, got %v", err)
	}
	// the unit stays usable
	var ok Params
	ok.Word(1).Word(2)
	res, err := r.proxies[0].Call(r.ctx, Request{Method: sum, Params: ok, Return: mailbox.KindInt})
	if err != nil || res.Int() != 3 {
		t.Fatalf("retry: %s, %v", res, err)
	}
}

func TestProxyConsole(t *testing.T) {
	r := newRig(t)
	hello := r.method(t, 0, 0, mailbox.KindVoid, subarch.NewBytecode().
		IConst('n').Console(mailbox.OpConsoleChar).
		IConst('=').Console(mailbox.OpConsoleChar).
		IConst(-7).Console(mailbox.OpConsoleInt).
		LConst(255).Console(mailbox.OpConsoleLongHex).
		IConst(0).Console(mailbox.OpConsoleString).
		Return())
	r.boot(t, 1)
	res, err := r.proxies[0].Call(r.ctx, Request{Method: hello, Return: mailbox.KindVoid})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != mailbox.KindVoid {
		t.Errorf("kind %s", res.Kind)
	}
	if got := r.console.String(); got != "n=-70xffnull" {
		t.Errorf("console %q", got)
	}
}

// checker reports id ready from the given poll on.
type checker struct {
	mu      sync.Mutex
	readyAt map[int32]int
	calls   int
	batches []int
}

func (c *checker) CheckStatus(ids []int32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) > MaxBatch {
		return 0, ErrBatchTooLarge
	}
	c.calls++
	c.batches = append(c.batches, len(ids))
	var mask uint32
	for i, id := range ids {
		if at, ok := c.readyAt[id]; ok && c.calls >= at {
			mask |= 1 << i
		}
	}
	return mask, nil
}

func TestWaitQueueReadyOnThirdPoll(t *testing.T) {
	c := &checker{readyAt: map[int32]int{5: 3}}
	q := NewWaitQueue(c)
	w := NewWaiter(5, 1, time.Time{})
	q.Enqueue(w)
	now := time.Now()
	for poll := 1; poll <= 2; poll++ {
		if n, err := q.Poll(now); err != nil || n != 0 {
			t.Fatalf("poll %d: %d ready, %v", poll, n, err)
		}
		if q.Dequeue() != nil {
			t.Fatalf("dequeued after poll %d", poll)
		}
		if q.Len() != 1 || w.Status != Pending {
			t.Fatalf("poll %d: len %d status %s", poll, q.Len(), w.Status)
		}
	}
	if n, _ := q.Poll(now); n != 1 || q.Ready() != 1 {
		t.Fatalf("third poll woke %d, ready %d", n, q.Ready())
	}
	if got := q.Dequeue(); got != w || w.Status != FinishedSuccess || w.Polls != 3 {
		t.Fatalf("dequeued %v status %s after %d polls", got, w.Status, w.Polls)
	}
	select {
	case <-w.Wake():
	default:
		t.Fatal("waiter not signalled")
	}
	if q.Len() != 0 || q.Ready() != 0 {
		t.Errorf("len %d ready %d", q.Len(), q.Ready())
	}
}

func TestWaitQueueDeadline(t *testing.T) {
	c := &checker{readyAt: map[int32]int{}}
	q := NewWaitQueue(c)
	now := time.Now()
	w := NewWaiter(1, 1, now.Add(time.Second))
	forever := NewWaiter(2, 2, time.Time{})
	q.Enqueue(w)
	q.Enqueue(forever)
	q.Poll(now)
	if q.Dequeue() != nil {
		t.Fatal("dequeued before the deadline")
	}
	q.Poll(now.Add(time.Second))
	if got := q.Dequeue(); got != w || w.Status != FinishedTimeout {
		t.Fatalf("dequeued %v with %s", got, w.Status)
	}
	q.Poll(now.Add(time.Hour))
	if q.Dequeue() != nil || forever.Status != Pending {
		t.Error("waiter without deadline timed out")
	}
}

func TestWaitQueueBatches(t *testing.T) {
	c := &checker{readyAt: map[int32]int{}}
	q := NewWaitQueue(c)
	for id := int32(1); id <= 70; id++ {
		c.readyAt[id] = 1
		q.Enqueue(NewWaiter(id, id, time.Time{}))
	}
	n, err := q.Poll(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 70 || q.Ready() != 70 {
		t.Fatalf("%d woken, %d ready", n, q.Ready())
	}
	want := []int{32, 32, 6}
	if len(c.batches) != len(want) {
		t.Fatalf("batches %v", c.batches)
	}
	for i := range want {
		if c.batches[i] != want[i] {
			t.Fatalf("batches %v", c.batches)
		}
	}
	for id := int32(1); id <= 70; id++ {
		if w := q.Dequeue(); w == nil || w.ID != id {
			t.Fatalf("dequeue order broken at %d", id)
		}
	}
}

func TestCheckStatusBatchTooLarge(t *testing.T) {
	m := NewMigrator(nil)
	if _, err := m.CheckStatus(make([]int32, MaxBatch+1)); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("got %v", err)
	}
	if mask, err := m.CheckStatus(make([]int32, MaxBatch)); err != nil || mask != 0 {
		t.Fatalf("got %x, %v", mask, err)
	}
	if _, err := m.Submit(context.Background(), Request{}); !errors.Is(err, ErrNoUnits) {
		t.Fatalf("submit without units: %v", err)
	}
}

func TestBalancer(t *testing.T) {
	b := NewBalancer(3)
	for want := 0; want < 3; want++ {
		if got := b.Acquire(); got != want {
			t.Fatalf("idle unit %d, got %d", want, got)
		}
	}
	if b.IdleHits() != 3 {
		t.Errorf("idle hits %d", b.IdleHits())
	}
	// all busy: round robin
	if got := b.Acquire(); got != 0 {
		t.Fatalf("round robin gave %d", got)
	}
	if b.Active(0) != 2 {
		t.Errorf("unit 0 has %d", b.Active(0))
	}
	b.Release(2)
	if got := b.Acquire(); got != 2 {
		t.Fatalf("idle unit 2 not preferred, got %d", got)
	}
}

func TestMigratorResult(t *testing.T) {
	r := newRig(t)
	sum := r.method(t, 2, 0, mailbox.KindInt, add())
	r.boot(t, 2)
	m := NewMigrator(r.proxies)
	var ps Params
	ps.Word(20).Word(22)
	id, err := m.Submit(r.ctx, Request{Method: sum, Params: ps, Return: mailbox.KindInt})
	if err != nil {
		t.Fatal(err)
	}
	m.Wait()
	mask, err := m.CheckStatus([]int32{999, id})
	if err != nil || mask != 2 {
		t.Fatalf("mask %b, %v", mask, err)
	}
	res, err := m.Result(id)
	if err != nil || res.Int() != 42 {
		t.Fatalf("%s, %v", res, err)
	}
	if _, err := m.Result(id); !errors.Is(err, ErrUnknownThread) {
		t.Errorf("second collect: %v", err)
	}
	if mask, _ := m.CheckStatus([]int32{id}); mask != 0 {
		t.Error("recycled id still reported done")
	}
	// the id is reused
	again, _ := m.Submit(r.ctx, Request{Method: sum, Params: ps, Return: mailbox.KindInt})
	if again != id {
		t.Errorf("id %d not recycled, got %d", id, again)
	}
	m.Wait()
	m.Result(again)
}

func TestProcessorMigrate(t *testing.T) {
	r := newRig(t)
	sum := r.method(t, 2, 0, mailbox.KindInt, add())
	r.boot(t, 2)
	p := r.processor(t)
	results := make([]int32, 8)
	errs := make([]error, 8)
	threads := make([]int32, 8)
	for i := range results {
		p.Go(func() {
			threads[i], _ = p.Thread()
			var ps Params
			ps.Word(uint32(i)).Word(100)
			res, err := p.Migrate(r.ctx, Request{Method: sum, Params: ps, Return: mailbox.KindInt})
			results[i], errs[i] = res.Int(), err
		})
	}
	p.Wait()
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("thread %d: %v", i, errs[i])
		}
		if results[i] != int32(100+i) {
			t.Errorf("thread %d got %d", i, results[i])
		}
		if threads[i] == 0 {
			t.Errorf("thread %d has no id", i)
		}
	}
	if p.Migrator().Outstanding() != 0 || p.Queue().Len() != 0 {
		t.Errorf("%d outstanding, %d parked", p.Migrator().Outstanding(), p.Queue().Len())
	}
	var run uint64
	for _, u := range r.units {
		run += u.Snapshot().MethodsRun
	}
	if run != 8 {
		t.Errorf("%d methods run", run)
	}
}

func TestProcessorSurfacesTrap(t *testing.T) {
	r := newRig(t)
	div := r.method(t, 1, 0, mailbox.KindInt, subarch.NewBytecode().IConst(1).WParam(0).Op(subarch.IDiv).Return())
	r.boot(t, 1)
	p := r.processor(t)
	var err error
	p.Go(func() {
		var ps Params
		ps.Word(0)
		_, err = p.Migrate(r.ctx, Request{Method: div, Params: ps, Return: mailbox.KindInt})
	})
	p.Wait()
	var te *TrapError
	if !errors.As(err, &te) {
		t.Fatalf("expected a trap, got %v", err)
	}
	if te.Exception() != "java.lang.ArithmeticException" || te.Trap.PC != 7 {
		t.Errorf("%v", te)
	}
	var st *subarch.TrapError
	if !errors.As(err, &st) || st.Code != subarch.TrapDivideByZero {
		t.Errorf("unwrap gave %v", st)
	}
}

func TestProcessorTimeout(t *testing.T) {
	m := NewMigrator(nil)
	p := NewProcessor(m)
	p.Timeout = time.Second
	now := time.Now()
	p.now = func() time.Time { return now }
	w := NewWaiter(3, 1, now.Add(p.Timeout))
	p.Queue().Enqueue(w)
	if n, _ := p.Schedule(); n != 0 {
		t.Fatalf("woke %d before the deadline", n)
	}
	now = now.Add(2 * time.Second)
	if n, _ := p.Schedule(); n != 1 || w.Status != FinishedTimeout {
		t.Fatalf("woke %d with %s", n, w.Status)
	}
}

// spin counts its word parameter down to zero and returns the start value.
func spin() *subarch.Bytecode {
	b := subarch.NewBytecode()
	top, done := b.Label(), b.Label()
	b.WParam(0).Store(0)
	b.Bind(top).Load(0).Jump(subarch.IfZero, done)
	b.Load(0).IConst(1).Op(subarch.ISub).Store(0).Jump(subarch.Goto, top)
	b.Bind(done).WParam(0).Return()
	return b
}

func TestAbandonedCallKeepsUnitInStep(t *testing.T) {
	r := newRig(t)
	sum := r.method(t, 2, 0, mailbox.KindInt, add())
	long := r.method(t, 1, 0, mailbox.KindInt, spin())
	r.boot(t, 1)
	p := r.processor(t)

	// a caller giving up mid-run must not leave replies behind
	var slow error
	var answers [3]int32
	var errs [3]error
	p.Go(func() {
		ctx, cancel := context.WithTimeout(r.ctx, 5*time.Millisecond)
		defer cancel()
		var ps Params
		ps.Word(1_000_000)
		_, slow = p.Migrate(ctx, Request{Method: long, Params: ps, Return: mailbox.KindInt})
		for i := range answers {
			var ps Params
			ps.Word(40).Word(uint32(i))
			res, err := p.Migrate(r.ctx, Request{Method: sum, Params: ps, Return: mailbox.KindInt})
			answers[i], errs[i] = res.Int(), err
		}
	})
	p.Wait()
	if !errors.Is(slow, context.DeadlineExceeded) {
		t.Errorf("slow call ended with %v", slow)
	}
	for i, a := range answers {
		if errs[i] != nil || a != 40+int32(i) {
			t.Errorf("call %d: %d, %v", i, a, errs[i])
		}
	}
	p.Migrator().Wait()
	if n := p.Migrator().Outstanding(); n != 0 {
		t.Errorf("%d migrations outstanding", n)
	}

	// an already ended context never reaches the mailboxes
	dead, cancel := context.WithCancel(r.ctx)
	cancel()
	var ps Params
	ps.Word(1).Word(2)
	if _, err := r.proxies[0].Call(dead, Request{Method: sum, Params: ps, Return: mailbox.KindInt}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled call: %v", err)
	}
	res, err := r.proxies[0].Call(r.ctx, Request{Method: sum, Params: ps, Return: mailbox.KindInt})
	if err != nil || res.Int() != 3 {
		t.Fatalf("after cancelled call: %s, %v", res, err)
	}
}
