/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package fit computes the largest integer canvas size that fits an available
// viewport box while preserving a scene's aspect ratio.
package fit

import "math"

// Size is an integer pixel size.
type Size struct {
	W, H int
}

// IsZero reports whether either dimension is zero.
func (s Size) IsZero() bool { return s.W <= 0 || s.H <= 0 }

// Fit returns the largest size with the canvas aspect ratio that fits inside
// availW x availH, never exceeding the native canvas resolution. Available
// dimensions are floored to whole pixels first. Invalid input yields a zero Size.
//
// Two candidates are considered: the width-constrained one (full available
// width, derived height) and the height-constrained one. The larger valid
// candidate wins, ties going to the width-constrained one; this keeps Fit
// idempotent on its own output.
func Fit(canvasW, canvasH int, availW, availH float64) Size {
	if canvasW <= 0 || canvasH <= 0 || !(availW > 0) || !(availH > 0) ||
		math.IsInf(availW, 0) || math.IsInf(availH, 0) {
		return Size{}
	}
	aw := int(math.Floor(availW))
	ah := int(math.Floor(availH))
	if aw <= 0 || ah <= 0 {
		return Size{}
	}
	aspect := float64(canvasW) / float64(canvasH)

	a := Size{W: aw, H: int(math.Round(float64(aw) / aspect))}
	b := Size{W: int(math.Round(float64(ah) * aspect)), H: ah}
	aOK := a.H <= ah
	bOK := b.W <= aw

	var out Size
	switch {
	case aOK && bOK:
		out = a
		if b.W*b.H > a.W*a.H {
			out = b
		}
	case aOK:
		out = a
	case bOK:
		out = b
	default:
		// unreachable for positive input: one of the two always fits
		return Size{}
	}
	if out.W > canvasW || out.H > canvasH {
		return Size{W: canvasW, H: canvasH}
	}
	return out
}

// Tracker remembers the last fitted size so resize observers can skip
// redundant re-layouts.
type Tracker struct {
	CanvasW, CanvasH int

	last Size
	set  bool
}

// NewTracker returns a tracker for a canvas of the given native resolution.
func NewTracker(canvasW, canvasH int) *Tracker {
	return &Tracker{CanvasW: canvasW, CanvasH: canvasH}
}

// Update fits the available box and reports whether the result differs from
// the previous one.
func (t *Tracker) Update(availW, availH float64) (Size, bool) {
	s := Fit(t.CanvasW, t.CanvasH, availW, availH)
	if t.set && s == t.last {
		return s, false
	}
	t.last, t.set = s, true
	return s, true
}

// SetCanvas changes the native resolution; the next Update always reports a change.
func (t *Tracker) SetCanvas(canvasW, canvasH int) {
	if canvasW == t.CanvasW && canvasH == t.CanvasH {
		return
	}
	t.CanvasW, t.CanvasH = canvasW, canvasH
	t.set = false
}

// Last returns the most recent fitted size.
func (t *Tracker) Last() Size { return t.last }

// Estimate produces a mount-time size from a best-effort viewport guess so
// the canvas never renders at zero size before the first real measurement.
// chromeW and chromeH are the space taken by surrounding panels.
func (t *Tracker) Estimate(viewportW, viewportH, chromeW, chromeH float64) Size {
	w := math.Max(viewportW-chromeW, 1)
	h := math.Max(viewportH-chromeH, 1)
	s, _ := t.Update(w, h)
	return s
}
