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
package mfc

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// DefaultSpinLimit bounds a spin whose backoff does not set a limit.
const DefaultSpinLimit = 1 << 16

var ErrSpinExhausted = errors.New("mfc: spin limit exhausted")

// Backoff decides what happens between two failed polls. Pause is called
// with the number of failed polls so far and returns false to give up.
type Backoff interface {
	Pause(attempt int) bool
}

func limit(n int) int {
	if n <= 0 {
		return DefaultSpinLimit
	}
	return n
}

// NoBackoff re-polls immediately. This is what the hardware loop does and
// what tests use against a simulated completion signal.
type NoBackoff struct {
	Limit int
}

func (b NoBackoff) Pause(attempt int) bool {
	return attempt < limit(b.Limit)
}

// Yield gives the Go scheduler a chance between polls; used when the other
// side of the poll is a goroutine.
type Yield struct {
	Limit int
}

func (b Yield) Pause(attempt int) bool {
	if attempt >= limit(b.Limit) {
		return false
	}
	runtime.Gosched()
	return true
}

// Exponential sleeps Base, 2*Base, ... capped at Max.
type Exponential struct {
	Base  time.Duration
	Max   time.Duration
	Limit int
}

func (b Exponential) Pause(attempt int) bool {
	if attempt >= limit(b.Limit) {
		return false
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	time.Sleep(d)
	return true
}

// Spin polls cond until it holds, the backoff gives up or ctx ends.
func Spin(ctx context.Context, b Backoff, cond func() bool) error {
	for attempt := 1; ; attempt++ {
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !b.Pause(attempt) {
			return ErrSpinExhausted
		}
	}
}
