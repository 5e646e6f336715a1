/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package anim

import (
	"sort"
	"sync"
	"time"
)

// Timers schedules one-shot callbacks. stop reports whether the callback was
// prevented from running.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// RealTimers uses time.AfterFunc, optionally hopping onto a UI thread via Dispatch.
type RealTimers struct {
	Dispatch func(func())
}

func (r RealTimers) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() {
		if r.Dispatch != nil {
			r.Dispatch(fn)
			return
		}
		fn()
	})
	return t.Stop
}

// FakeTimers is a virtual clock. Callbacks run synchronously inside Advance.
type FakeTimers struct {
	mu     sync.Mutex
	now    time.Duration
	nextID uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	id  uint64
	at  time.Duration
	fn  func()
	dur time.Duration
}

func (f *FakeTimers) AfterFunc(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	f.nextID++
	ft := &fakeTimer{id: f.nextID, at: f.now + d, fn: fn, dur: d}
	f.timers = append(f.timers, ft)
	f.mu.Unlock()
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, t := range f.timers {
			if t.id == ft.id {
				f.timers = append(f.timers[:i], f.timers[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Advance moves the clock forward by d, running every timer that comes due,
// including timers scheduled by callbacks during the advance.
func (f *FakeTimers) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now + d
	f.mu.Unlock()
	for {
		f.mu.Lock()
		sort.SliceStable(f.timers, func(i, j int) bool { return f.timers[i].at < f.timers[j].at })
		if len(f.timers) == 0 || f.timers[0].at > target {
			f.now = target
			f.mu.Unlock()
			return
		}
		t := f.timers[0]
		f.timers = f.timers[1:]
		f.now = t.at
		f.mu.Unlock()
		t.fn()
	}
}

// Next returns the requested duration of the earliest pending timer.
func (f *FakeTimers) Next() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		return 0, false
	}
	best := f.timers[0]
	for _, t := range f.timers[1:] {
		if t.at < best.at {
			best = t
		}
	}
	return best.dur, true
}

// FireNext advances the clock to the earliest pending timer and runs it.
// It returns the timer's requested duration.
func (f *FakeTimers) FireNext() (time.Duration, bool) {
	f.mu.Lock()
	if len(f.timers) == 0 {
		f.mu.Unlock()
		return 0, false
	}
	sort.SliceStable(f.timers, func(i, j int) bool { return f.timers[i].at < f.timers[j].at })
	t := f.timers[0]
	f.timers = f.timers[1:]
	f.now = t.at
	f.mu.Unlock()
	t.fn()
	return t.dur, true
}

// Pending returns the number of scheduled timers.
func (f *FakeTimers) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}
