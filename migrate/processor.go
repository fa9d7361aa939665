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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jtolds/gls"
)

type threadKey struct{}

// Processor is the main processor side of migration. Green threads started
// with Go park on the wait queue while their migration runs; Run wakes them
// once a poll finds their migration finished.
type Processor struct {
	PollInterval time.Duration
	Timeout      time.Duration // zero waits forever
	Verbose      bool

	migrator *Migrator
	queue    *WaitQueue
	glsMgr   *gls.ContextManager
	kick     chan struct{}
	threads  sync.WaitGroup
	nextTID  atomic.Int32
	now      func() time.Time
}

func NewProcessor(m *Migrator) *Processor {
	return &Processor{
		PollInterval: time.Millisecond,
		migrator:     m,
		queue:        NewWaitQueue(m),
		glsMgr:       gls.NewContextManager(),
		kick:         make(chan struct{}, 1),
		now:          time.Now,
	}
}

func (p *Processor) Migrator() *Migrator {
	return p.migrator
}

func (p *Processor) Queue() *WaitQueue {
	return p.queue
}

// Go runs fn as a new green thread and returns its thread id.
func (p *Processor) Go(fn func()) int32 {
	tid := p.nextTID.Add(1)
	p.threads.Add(1)
	gls.Go(func() {
		defer p.threads.Done()
		p.glsMgr.SetValues(gls.Values{threadKey{}: tid}, fn)
	})
	return tid
}

// Thread is the id of the calling green thread.
func (p *Processor) Thread() (int32, bool) {
	v, ok := p.glsMgr.GetValue(threadKey{})
	if !ok {
		return 0, false
	}
	return v.(int32), true
}

// Wait blocks until every green thread has returned.
func (p *Processor) Wait() {
	p.threads.Wait()
}

// Migrate runs req on a unit and parks the calling thread until a poll
// reports the migration finished. A trap on the unit is returned as
// *TrapError.
func (p *Processor) Migrate(ctx context.Context, req Request) (Result, error) {
	if req.ThreadID == 0 {
		req.ThreadID, _ = p.Thread()
	}
	id, err := p.migrator.Submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = p.now().Add(p.Timeout)
	}
	w := NewWaiter(id, req.ThreadID, deadline)
	p.queue.Enqueue(w)
	p.Kick()
	select {
	case <-w.Wake():
	case <-ctx.Done():
		if p.queue.Remove(w) {
			p.migrator.Abandon(id)
			return Result{}, ctx.Err()
		}
		<-w.Wake() // dequeued meanwhile
	}
	if w.Status == FinishedTimeout {
		p.migrator.Abandon(id)
		return Result{}, fmt.Errorf("migration %d of thread %d: %w", id, w.Thread, ErrMigrationTimeout)
	}
	res, err := p.migrator.Result(id)
	var te *TrapError
	if p.Verbose && errors.As(err, &te) {
		fmt.Printf("thread %d: %s\n", w.Thread, te.Exception())
	}
	return res, err
}

// Kick asks Run to poll now, as the scheduler does when nothing is ready.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Schedule polls the wait queue once and wakes every finished thread. It
// returns the number of threads woken.
func (p *Processor) Schedule() (int, error) {
	if _, err := p.queue.Poll(p.now()); err != nil {
		return 0, err
	}
	n := 0
	for p.queue.Dequeue() != nil {
		n++
	}
	return n, nil
}

// Run polls until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.kick:
		}
		if p.queue.Len() == 0 {
			continue
		}
		n, err := p.Schedule()
		if err != nil {
			return err
		}
		if p.Verbose && n > 0 {
			fmt.Printf("woke %d threads, %d still waiting\n", n, p.queue.Len())
		}
	}
}
