/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package pipeline

import "time"

// BackoffPolicy configures still-image retry timing.
type BackoffPolicy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxFailures int
}

// DefaultBackoffPolicy matches the studio defaults: 150ms base, x1.5, 5s cap, 5 failures.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 150 * time.Millisecond, Factor: 1.5, Max: 5 * time.Second, MaxFailures: 5}
}

// Backoff is the still-image retry state. Its methods return updated copies
// and never mutate the receiver.
type Backoff struct {
	Policy   BackoffPolicy
	Delay    time.Duration // delay applied after the next failure
	Failures int           // consecutive failures
}

// NewBackoff returns a fresh state for p.
func NewBackoff(p BackoffPolicy) Backoff {
	return Backoff{Policy: p, Delay: p.Base}
}

// OnSuccess clears the failure count. The returned delay is the regular
// polling interval.
func (b Backoff) OnSuccess() (Backoff, time.Duration) {
	b.Failures = 0
	b.Delay = b.Policy.Base
	return b, b.Policy.Base
}

// OnFailure records a failure and returns the retry delay. stop is true once
// MaxFailures consecutive failures have been seen; the caller must then halt.
func (b Backoff) OnFailure() (next Backoff, delay time.Duration, stop bool) {
	delay = b.Delay
	if delay <= 0 {
		delay = b.Policy.Base
	}
	if b.Policy.Max > 0 && delay > b.Policy.Max {
		delay = b.Policy.Max
	}
	b.Failures++
	grown := time.Duration(float64(delay) * b.Policy.Factor)
	if b.Policy.Max > 0 && grown > b.Policy.Max {
		grown = b.Policy.Max
	}
	b.Delay = grown
	return b, delay, b.Policy.MaxFailures > 0 && b.Failures >= b.Policy.MaxFailures
}

// Reset returns the initial state, used by manual retry.
func (b Backoff) Reset() Backoff { return NewBackoff(b.Policy) }
