/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package anim models animation-frame scheduling and timers so that the
// gesture, T-bar and pipeline code can coalesce work to one update per frame
// and be driven deterministically in tests.
package anim

import (
	"sync"
	"time"
)

// FrameInterval is the nominal frame period (60 Hz).
const FrameInterval = time.Second / 60

// Scheduler runs callbacks on the next animation frame.
type Scheduler interface {
	// RequestFrame schedules fn for the next frame. The returned cancel func
	// removes fn if it has not run yet; calling it afterwards is a no-op.
	RequestFrame(fn func()) (cancel func())
}

type frameReq struct {
	id uint64
	fn func()
}

// TickerScheduler drives frames from a time.Ticker. Callbacks requested during
// one frame run together on the next tick through Dispatch, which lets UI code
// hop onto its main thread (fyne.Do). The ticker only runs while callbacks are
// pending.
type TickerScheduler struct {
	Interval time.Duration
	Dispatch func(func())

	mu      sync.Mutex
	nextID  uint64
	pending []frameReq
	running bool
	stop    chan struct{}
}

// NewTickerScheduler returns a 60 Hz scheduler dispatching with dispatch
// (nil runs callbacks on the ticker goroutine).
func NewTickerScheduler(dispatch func(func())) *TickerScheduler {
	return &TickerScheduler{Interval: FrameInterval, Dispatch: dispatch}
}

func (s *TickerScheduler) RequestFrame(fn func()) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending = append(s.pending, frameReq{id: id, fn: fn})
	if !s.running {
		s.running = true
		s.stop = make(chan struct{})
		go s.loop(s.stop)
	}
	s.mu.Unlock()
	return func() { s.cancel(id) }
}

func (s *TickerScheduler) cancel(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.pending {
		if r.id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *TickerScheduler) loop(stop chan struct{}) {
	iv := s.Interval
	if iv <= 0 {
		iv = FrameInterval
	}
	t := time.NewTicker(iv)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		run := func() {
			for _, r := range batch {
				r.fn()
			}
		}
		if s.Dispatch != nil {
			s.Dispatch(run)
		} else {
			run()
		}
	}
}

// Close drops pending callbacks and stops the ticker.
func (s *TickerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	if s.running {
		close(s.stop)
		s.running = false
	}
}

// ManualScheduler runs frames only when Step is called. For tests and headless rendering.
type ManualScheduler struct {
	mu      sync.Mutex
	nextID  uint64
	pending []frameReq
	frames  int
}

func (s *ManualScheduler) RequestFrame(fn func()) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending = append(s.pending, frameReq{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, r := range s.pending {
			if r.id == id {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				return
			}
		}
	}
}

// Step runs one frame: every callback pending at the time of the call.
// Callbacks requested while stepping wait for the next Step.
func (s *ManualScheduler) Step() int {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.frames++
	s.mu.Unlock()
	for _, r := range batch {
		r.fn()
	}
	return len(batch)
}

// Pending returns the number of callbacks waiting for the next frame.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Frames returns how many times Step has been called.
func (s *ManualScheduler) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
