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
	"sync"
	"time"
)

// Status of a parked migration.
type Status int

const (
	Pending Status = iota
	FinishedSuccess
	FinishedTimeout
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case FinishedSuccess:
		return "finished"
	case FinishedTimeout:
		return "timeout"
	}
	return "unknown"
}

// StatusChecker answers which of up to MaxBatch migrations have finished.
type StatusChecker interface {
	CheckStatus(ids []int32) (uint32, error)
}

// Waiter is the wait data of one parked thread.
type Waiter struct {
	ID       int32
	Thread   int32
	Deadline time.Time // zero waits forever
	Status   Status
	Polls    int

	wake chan struct{}
}

func NewWaiter(id, thread int32, deadline time.Time) *Waiter {
	return &Waiter{ID: id, Thread: thread, Deadline: deadline, wake: make(chan struct{}, 1)}
}

// Wake is signalled once the waiter is dequeued.
func (w *Waiter) Wake() <-chan struct{} {
	return w.wake
}

// WaitQueue parks threads until their migration is reported finished. It
// never learns about completion by itself: Poll asks the checker.
type WaitQueue struct {
	checker StatusChecker

	mu      sync.Mutex
	waiters []*Waiter
	ready   int
	polls   uint64
}

func NewWaitQueue(checker StatusChecker) *WaitQueue {
	return &WaitQueue{checker: checker}
}

func (q *WaitQueue) Enqueue(w *Waiter) {
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
}

// Poll checks every pending waiter in batches of MaxBatch ids and returns
// the number of waiters that became ready. Waiters past their deadline
// finish with FinishedTimeout.
func (q *WaitQueue) Poll(now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.polls++
	var pending []*Waiter
	for _, w := range q.waiters {
		if w.Status == Pending {
			w.Polls++
			pending = append(pending, w)
		}
	}
	woken := 0
	ids := make([]int32, 0, MaxBatch)
	for start := 0; start < len(pending); start += MaxBatch {
		batch := pending[start:min(start+MaxBatch, len(pending))]
		ids = ids[:0]
		for _, w := range batch {
			ids = append(ids, w.ID)
		}
		mask, err := q.checker.CheckStatus(ids)
		if err != nil {
			return woken, err
		}
		for i, w := range batch {
			switch {
			case mask&(1<<i) != 0:
				w.Status = FinishedSuccess
			case !w.Deadline.IsZero() && !now.Before(w.Deadline):
				w.Status = FinishedTimeout
			default:
				continue
			}
			q.ready++
			woken++
		}
	}
	return woken, nil
}

// Dequeue removes the oldest finished waiter and signals it. It returns nil
// when no waiter has finished.
func (q *WaitQueue) Dequeue() *Waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w.Status == Pending {
			continue
		}
		q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
		q.ready--
		w.wake <- struct{}{}
		return w
	}
	return nil
}

// Remove drops a waiter whose thread stopped waiting.
func (q *WaitQueue) Remove(w *Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			if w.Status != Pending {
				q.ready--
			}
			return true
		}
	}
	return false
}

// Len is the number of parked waiters, finished or not.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Ready is the number of finished waiters not yet dequeued.
func (q *WaitQueue) Ready() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

func (q *WaitQueue) Polls() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.polls
}
