/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package anim

import "sync"

// Throttle coalesces pushed values and processes only the latest one on the
// next animation frame. Intermediate values between frames are discarded.
type Throttle[T any] struct {
	sched Scheduler
	fn    func(T)

	mu      sync.Mutex
	latest  T
	pending bool
	gen     uint64
	cancel  func()
}

// NewThrottle returns a throttle calling fn at most once per frame.
func NewThrottle[T any](s Scheduler, fn func(T)) *Throttle[T] {
	return &Throttle[T]{sched: s, fn: fn}
}

// Push records v as the latest value and makes sure a frame is requested.
func (t *Throttle[T]) Push(v T) {
	t.mu.Lock()
	t.latest = v
	if t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = true
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	cancel := t.sched.RequestFrame(t.fire)
	t.mu.Lock()
	if t.pending && t.gen == gen {
		t.cancel = cancel
	}
	t.mu.Unlock()
}

func (t *Throttle[T]) fire() {
	t.mu.Lock()
	if !t.pending {
		t.mu.Unlock()
		return
	}
	v := t.latest
	t.pending = false
	t.cancel = nil
	t.mu.Unlock()
	t.fn(v)
}

// Flush processes the latest pending value immediately, cancelling the
// scheduled frame. It reports whether anything was pending.
func (t *Throttle[T]) Flush() bool {
	t.mu.Lock()
	if !t.pending {
		t.mu.Unlock()
		return false
	}
	v := t.latest
	cancel := t.cancel
	t.pending = false
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.fn(v)
	return true
}

// Stop drops any pending value without processing it.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.pending = false
	t.cancel = nil
	var zero T
	t.latest = zero
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pending reports whether a value is waiting for the next frame.
func (t *Throttle[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
