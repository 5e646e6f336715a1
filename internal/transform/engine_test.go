/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package transform

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
)

type fakeInput struct {
	onMove  func(domain.Point)
	onUp    func()
	binds   int
	unbinds int
}

func (f *fakeInput) Bind(onMove func(domain.Point), onUp func()) func() {
	f.binds++
	f.onMove, f.onUp = onMove, onUp
	return func() {
		f.unbinds++
		f.onMove, f.onUp = nil, nil
	}
}

type harness struct {
	e       *Engine
	sched   *anim.ManualScheduler
	in      *fakeInput
	commits []domain.Transform
	changes int
}

func newHarness(t *testing.T, tr domain.Transform) *harness {
	t.Helper()
	h := &harness{sched: &anim.ManualScheduler{}, in: &fakeInput{}}
	h.e = New(Config{
		LayerID: "l1", CanvasW: 1920, CanvasH: 1080,
		Scheduler: h.sched, Input: h.in,
		OnChange: func(domain.Rect) { h.changes++ },
		OnCommit: func(c domain.Transform) { h.commits = append(h.commits, c) },
	}, tr)
	h.e.SetSelected(true)
	t.Cleanup(h.e.Close)
	return h
}

func square() domain.Transform { return domain.Transform{X: 100, Y: 100, Width: 200, Height: 200} }

func TestDragClampsToCanvas(t *testing.T) {
	h := newHarness(t, square())
	if err := h.e.BeginDrag(domain.Point{}); err != nil {
		t.Fatalf("BeginDrag: %v", err)
	}
	h.e.Move(domain.Point{X: 2000, Y: 2000})
	h.sched.Step()
	h.e.End()
	if len(h.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(h.commits))
	}
	got := h.commits[0]
	if got.X != 1720 || got.Y != 880 || got.Width != 200 || got.Height != 200 {
		t.Fatalf("commit = %+v, want x=1720 y=880 200x200", got)
	}
}

func TestResizeSEMinimumSize(t *testing.T) {
	h := newHarness(t, square())
	if err := h.e.BeginResize(SE, domain.Point{}); err != nil {
		t.Fatalf("BeginResize: %v", err)
	}
	h.e.Move(domain.Point{X: -1000, Y: -1000})
	h.e.End()
	if len(h.commits) != 1 {
		t.Fatalf("commits = %d", len(h.commits))
	}
	got := h.commits[0]
	if got.Width != 50 || got.Height != 50 || got.X != 100 || got.Y != 100 {
		t.Fatalf("commit = %+v, want 50x50 at (100,100)", got)
	}
}

func TestResizeCornerTable(t *testing.T) {
	r := domain.Rect{X: 400, Y: 300, W: 200, H: 100}
	d := domain.Point{X: 30, Y: 20}
	cases := []struct {
		c    Corner
		want domain.Rect
	}{
		{SE, domain.Rect{X: 400, Y: 300, W: 230, H: 120}},
		{SW, domain.Rect{X: 430, Y: 300, W: 170, H: 120}},
		{NE, domain.Rect{X: 400, Y: 320, W: 230, H: 80}},
		{NW, domain.Rect{X: 430, Y: 320, W: 170, H: 80}},
	}
	for _, c := range cases {
		if got := Resize(r, c.c, d, 1920, 1080); got != c.want {
			t.Errorf("%s: got %+v, want %+v", c.c, got, c.want)
		}
	}
}

func TestResizeShrinksAgainstFixedCorner(t *testing.T) {
	r := domain.Rect{X: 100, Y: 100, W: 200, H: 200}
	// NW dragged far up-left: the fixed SE corner is at (300,300), so the layer can grow to 300x300 at most.
	got := Resize(r, NW, domain.Point{X: -5000, Y: -5000}, 1920, 1080)
	if got != (domain.Rect{X: 0, Y: 0, W: 300, H: 300}) {
		t.Fatalf("nw = %+v", got)
	}
	got = Resize(r, SE, domain.Point{X: 5000, Y: 5000}, 1920, 1080)
	if got != (domain.Rect{X: 100, Y: 100, W: 1820, H: 980}) {
		t.Fatalf("se = %+v", got)
	}
	got = Resize(r, NW, domain.Point{X: 5000, Y: 5000}, 1920, 1080)
	if got != (domain.Rect{X: 250, Y: 250, W: 50, H: 50}) {
		t.Fatalf("nw min = %+v", got)
	}
}

func TestRandomGesturesStayInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		h := newHarness(t, domain.Transform{
			X: float64(rng.Intn(1000)), Y: float64(rng.Intn(500)),
			Width: float64(50 + rng.Intn(800)), Height: float64(50 + rng.Intn(500)),
		})
		scale := 0.2 + rng.Float64()*2
		h.e.SetDisplayScale(scale)
		var err error
		if i%2 == 0 {
			err = h.e.BeginDrag(domain.Point{X: 10, Y: 10})
		} else {
			err = h.e.BeginResize(Corner(rng.Intn(4)), domain.Point{X: 10, Y: 10})
		}
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		for j := 0; j < 5; j++ {
			h.e.Move(domain.Point{X: rng.Float64()*6000 - 3000, Y: rng.Float64()*6000 - 3000})
			if rng.Intn(2) == 0 {
				h.sched.Step()
			}
		}
		h.e.End()
		for _, c := range h.commits {
			if !c.Within(1920, 1080) {
				t.Fatalf("gesture %d committed out-of-bounds transform %+v", i, c)
			}
			if c.X != math.Round(c.X) || c.Width != math.Round(c.Width) {
				t.Fatalf("commit not rounded: %+v", c)
			}
		}
	}
}

func TestNoCommitOnZeroOffset(t *testing.T) {
	h := newHarness(t, square())
	_ = h.e.BeginDrag(domain.Point{X: 5, Y: 5})
	h.e.Move(domain.Point{X: 50, Y: 50})
	h.sched.Step()
	h.e.Move(domain.Point{X: 5, Y: 5})
	h.e.End()
	if len(h.commits) != 0 {
		t.Fatalf("no-op drag committed %+v", h.commits)
	}
	_ = h.e.BeginResize(NE, domain.Point{})
	h.e.End()
	if len(h.commits) != 0 {
		t.Fatalf("click on handle committed %+v", h.commits)
	}
}

func TestSubPixelGestureRestoresOffset(t *testing.T) {
	h := newHarness(t, square())
	_ = h.e.BeginDrag(domain.Point{})
	h.e.Move(domain.Point{X: 0.3, Y: 0.2})
	h.sched.Step()
	h.e.End()
	if len(h.commits) != 0 {
		t.Fatalf("sub-pixel drag committed %+v", h.commits)
	}
	if !h.e.Offset().IsZero() {
		t.Fatalf("offset left behind: %+v", h.e.Offset())
	}
	if v := h.e.Visual(); v != square().Rect() {
		t.Fatalf("visual = %+v, want %+v", v, square().Rect())
	}

	// a pending unconfirmed offset survives a no-op gesture unchanged
	_ = h.e.BeginDrag(domain.Point{})
	h.e.Move(domain.Point{X: 40, Y: 0})
	h.e.End()
	pending := h.e.Offset()
	_ = h.e.BeginResize(SE, domain.Point{X: 480, Y: 300})
	h.e.Move(domain.Point{X: 480.4, Y: 300.1})
	h.sched.Step()
	h.e.End()
	if got := h.e.Offset(); got != pending {
		t.Fatalf("offset = %+v, want pending %+v", got, pending)
	}
	if len(h.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(h.commits))
	}
}

func TestMovesThrottledToOnePerFrame(t *testing.T) {
	h := newHarness(t, square())
	_ = h.e.BeginDrag(domain.Point{})
	for i := 0; i < 50; i++ {
		h.e.Move(domain.Point{X: float64(i), Y: 0})
	}
	if h.changes != 0 {
		t.Fatalf("moves processed before the frame: %d", h.changes)
	}
	h.sched.Step()
	if h.changes != 1 {
		t.Fatalf("changes after one frame = %d, want 1", h.changes)
	}
	if v := h.e.Visual(); v.X != 149 {
		t.Fatalf("visual x = %v, want latest position 149", v.X)
	}
	// final position is never dropped even if no frame ran
	h.e.Move(domain.Point{X: 300, Y: 0})
	h.e.End()
	if len(h.commits) != 1 || h.commits[0].X != 400 {
		t.Fatalf("commit = %+v, want x=400", h.commits)
	}
}

func TestOffsetPersistsUntilAuthoritativeUpdate(t *testing.T) {
	h := newHarness(t, square())
	_ = h.e.BeginDrag(domain.Point{})
	h.e.Move(domain.Point{X: 40, Y: 10})
	h.e.End()
	if h.e.Offset().IsZero() {
		t.Fatalf("offset cleared before the backend confirmed")
	}
	if v := h.e.Visual(); v.X != 140 || v.Y != 110 {
		t.Fatalf("visual = %+v", v)
	}
	// unchanged authoritative value keeps the offset
	h.e.SetAuthoritative(square())
	if h.e.Offset().IsZero() {
		t.Fatalf("offset reset without an authoritative change")
	}
	h.e.SetAuthoritative(h.commits[0])
	if !h.e.Offset().IsZero() {
		t.Fatalf("offset not reset after authoritative change: %+v", h.e.Offset())
	}
	if v := h.e.Visual(); v.X != 140 || v.Y != 110 {
		t.Fatalf("visual jumped after confirmation: %+v", v)
	}
}

func TestSecondGestureAnchorsOnVisualPosition(t *testing.T) {
	h := newHarness(t, square())
	_ = h.e.BeginDrag(domain.Point{})
	h.e.Move(domain.Point{X: 100, Y: 0})
	h.e.End()
	// backend has not answered yet; a new gesture must start from x=200
	_ = h.e.BeginDrag(domain.Point{})
	h.e.Move(domain.Point{X: 10, Y: 0})
	h.e.End()
	if len(h.commits) != 2 || h.commits[1].X != 210 {
		t.Fatalf("second commit = %+v, want x=210", h.commits)
	}
}

func TestAuthoritativeChangeDuringGestureDoesNotJump(t *testing.T) {
	h := newHarness(t, square())
	_ = h.e.BeginDrag(domain.Point{})
	h.e.Move(domain.Point{X: 50, Y: 0})
	h.sched.Step()
	before := h.e.Visual()
	h.e.SetAuthoritative(domain.Transform{X: 120, Y: 100, Width: 200, Height: 200})
	if got := h.e.Visual(); got != before {
		t.Fatalf("visual jumped from %+v to %+v", before, got)
	}
	h.e.Move(domain.Point{X: 60, Y: 0})
	h.e.End()
	if len(h.commits) != 1 || h.commits[0].X != 160 {
		t.Fatalf("commit = %+v, want x=160", h.commits)
	}
}

func TestGating(t *testing.T) {
	h := newHarness(t, square())
	h.e.SetSelected(false)
	if err := h.e.BeginDrag(domain.Point{}); !errors.Is(err, ErrNotSelected) {
		t.Fatalf("unselected: %v", err)
	}
	h.e.SetSelected(true)
	h.e.SetLocked(true)
	if err := h.e.BeginResize(SE, domain.Point{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("locked: %v", err)
	}
	h.e.SetLocked(false)
	h.e.SetReadOnly(true)
	if err := h.e.BeginDrag(domain.Point{}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("read-only: %v", err)
	}
	h.e.SetReadOnly(false)
	if err := h.e.BeginDrag(domain.Point{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := h.e.BeginResize(SE, domain.Point{}); !errors.Is(err, ErrGestureActive) {
		t.Fatalf("resize during drag: %v", err)
	}
}

func TestNonFiniteDeltaIsNoop(t *testing.T) {
	h := newHarness(t, square())
	_ = h.e.BeginDrag(domain.Point{})
	h.e.Move(domain.Point{X: math.NaN(), Y: 3})
	h.sched.Step()
	h.e.Move(domain.Point{X: math.Inf(1), Y: 0})
	h.e.End()
	if len(h.commits) != 0 || !h.e.Offset().IsZero() {
		t.Fatalf("NaN/Inf delta changed state: commits=%v off=%+v", h.commits, h.e.Offset())
	}
}

func TestDisplayScaleConvertsDelta(t *testing.T) {
	h := newHarness(t, square())
	h.e.SetDisplayScale(0.5)
	_ = h.e.BeginDrag(domain.Point{})
	h.e.Move(domain.Point{X: 10, Y: 20})
	h.e.End()
	if h.commits[0].X != 120 || h.commits[0].Y != 140 {
		t.Fatalf("commit = %+v, want (120,140)", h.commits[0])
	}
}

func TestInputBoundOnlyDuringGesture(t *testing.T) {
	h := newHarness(t, square())
	if h.in.binds != 0 {
		t.Fatalf("listeners bound before a gesture")
	}
	_ = h.e.BeginDrag(domain.Point{})
	if h.in.binds != 1 || h.in.onUp == nil {
		t.Fatalf("listeners not bound on begin")
	}
	h.in.onMove(domain.Point{X: 30, Y: 0})
	h.in.onUp() // released outside the layer
	if h.in.unbinds != 1 || h.e.Active() {
		t.Fatalf("release did not end the gesture")
	}
	if len(h.commits) != 1 || h.commits[0].X != 130 {
		t.Fatalf("commit = %+v", h.commits)
	}

	_ = h.e.BeginResize(SW, domain.Point{})
	h.e.Close()
	if h.in.unbinds != 2 {
		t.Fatalf("Close must detach listeners")
	}
	if err := h.e.BeginDrag(domain.Point{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("begin after close: %v", err)
	}
}

func TestHandleAt(t *testing.T) {
	r := domain.Rect{X: 10, Y: 10, W: 100, H: 50}
	cases := []struct {
		p    domain.Point
		want Corner
		ok   bool
	}{
		{domain.Point{X: 10, Y: 10}, NW, true},
		{domain.Point{X: 112, Y: 8}, NE, true},
		{domain.Point{X: 9, Y: 61}, SW, true},
		{domain.Point{X: 110, Y: 60}, SE, true},
		{domain.Point{X: 60, Y: 30}, 0, false},
	}
	for _, c := range cases {
		got, ok := HandleAt(r, c.p, HandleSize)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("HandleAt(%+v) = %v,%v want %v,%v", c.p, got, ok, c.want, c.ok)
		}
	}
}
