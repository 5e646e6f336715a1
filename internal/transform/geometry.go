/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package transform turns pointer drag and resize gestures on a layer into
// clamped canvas geometry. While a gesture runs, and until the backend
// confirms the result, the change lives in an ephemeral Offset overlaid on the
// authoritative transform.
package transform

import (
	"fmt"
	"math"

	"livestudio/internal/domain"
)

// Corner identifies a resize handle. The opposite corner stays fixed.
type Corner int

const (
	NW Corner = iota
	NE
	SW
	SE
)

func (c Corner) String() string {
	switch c {
	case NW:
		return "nw"
	case NE:
		return "ne"
	case SW:
		return "sw"
	case SE:
		return "se"
	}
	return fmt.Sprintf("corner(%d)", int(c))
}

// movesLeft reports whether the corner drags the left edge (x changes).
func (c Corner) movesLeft() bool { return c == NW || c == SW }

// movesTop reports whether the corner drags the top edge (y changes).
func (c Corner) movesTop() bool { return c == NW || c == NE }

// Offset is the ephemeral, never persisted delta between a layer's
// authoritative transform and what is on screen.
type Offset struct {
	Drag   domain.Point
	Resize domain.Rect
}

// IsZero reports whether the offset has no visual effect.
func (o Offset) IsZero() bool { return o.Drag.IsZero() && o.Resize.IsZero() }

// Apply overlays the offset on an authoritative rectangle.
func (o Offset) Apply(r domain.Rect) domain.Rect { return r.Translate(o.Drag).Add(o.Resize) }

// dragOffset expresses a drag result relative to auth. Size differences left
// over from an earlier unconfirmed resize stay in Resize.
func dragOffset(auth, visual domain.Rect) Offset {
	return Offset{
		Drag:   domain.Point{X: visual.X - auth.X, Y: visual.Y - auth.Y},
		Resize: domain.Rect{W: visual.W - auth.W, H: visual.H - auth.H},
	}
}

// resizeOffset expresses a resize result relative to auth.
func resizeOffset(auth, visual domain.Rect) Offset {
	return Offset{Resize: visual.Sub(auth)}
}

// Drag moves r by d and clamps it into [0, cw-w] x [0, ch-h].
func Drag(r domain.Rect, d domain.Point, cw, ch float64) domain.Rect {
	r.X = clampPos(r.X+d.X, r.W, cw)
	r.Y = clampPos(r.Y+d.Y, r.H, ch)
	return r
}

// Resize applies d to the given corner of r. Width and height are kept at or
// above MinLayerSize and the result is clamped to the canvas; when the fixed
// edge leaves too little room the moving side shrinks.
func Resize(r domain.Rect, c Corner, d domain.Point, cw, ch float64) domain.Rect {
	var out domain.Rect
	out.X, out.W = resizeSpan(r.X, r.W, d.X, c.movesLeft(), cw)
	out.Y, out.H = resizeSpan(r.Y, r.H, d.Y, c.movesTop(), ch)
	return out
}

// resizeSpan resizes one axis. When moveStart is true the start edge follows
// the pointer and the end edge is fixed; otherwise the start edge is fixed.
func resizeSpan(start, size, delta float64, moveStart bool, limit float64) (float64, float64) {
	var pos, sz float64
	if moveStart {
		end := start + size
		sz = math.Min(math.Max(size-delta, domain.MinLayerSize), end)
		pos = end - sz
	} else {
		sz = math.Min(math.Max(size+delta, domain.MinLayerSize), limit-start)
		pos = start
	}
	return fitSpan(pos, sz, limit)
}

// fitSpan forces [pos, pos+size] inside [0, limit], shrinking only when the
// span is longer than the limit.
func fitSpan(pos, size, limit float64) (float64, float64) {
	if size > limit {
		size = limit
	}
	if size < 0 {
		size = 0
	}
	if pos < 0 {
		pos = 0
	}
	if pos+size > limit {
		pos = limit - size
	}
	return pos, size
}

func clampPos(v, size, limit float64) float64 {
	hi := limit - size
	if v > hi {
		v = hi
	}
	if v < 0 {
		v = 0
	}
	return v
}

// Settle rounds r to whole pixels and re-applies the at-rest invariants.
func Settle(r domain.Rect, cw, ch float64) domain.Rect {
	r = r.Round()
	minW := math.Min(domain.MinLayerSize, cw)
	minH := math.Min(domain.MinLayerSize, ch)
	r.W = math.Max(r.W, minW)
	r.H = math.Max(r.H, minH)
	r.X, r.W = fitSpan(r.X, r.W, cw)
	r.Y, r.H = fitSpan(r.Y, r.H, ch)
	return r
}

// HandleSize is the side length of a resize handle in display pixels.
const HandleSize = 10

// Handles returns the four corner handle rectangles (NW, NE, SW, SE) centred
// on the corners of r, in the same space as r.
func Handles(r domain.Rect, size float64) [4]domain.Rect {
	h := size / 2
	return [4]domain.Rect{
		{X: r.X - h, Y: r.Y - h, W: size, H: size},
		{X: r.X + r.W - h, Y: r.Y - h, W: size, H: size},
		{X: r.X - h, Y: r.Y + r.H - h, W: size, H: size},
		{X: r.X + r.W - h, Y: r.Y + r.H - h, W: size, H: size},
	}
}

// HandleAt returns the corner whose handle contains p.
func HandleAt(r domain.Rect, p domain.Point, size float64) (Corner, bool) {
	for i, hr := range Handles(r, size) {
		if hr.Contains(p) {
			return Corner(i), true
		}
	}
	return 0, false
}
