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
	"log/slog"
	"math"
	"sync"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
	applog "livestudio/internal/log"
)

// Errors returned when a gesture is refused.
var (
	ErrLocked        = errors.New("layer is locked")
	ErrReadOnly      = errors.New("layer is read-only")
	ErrNotSelected   = errors.New("layer is not selected")
	ErrGestureActive = errors.New("a gesture is already active")
	ErrBadScale      = errors.New("display scale must be a positive finite number")
	ErrClosed        = errors.New("engine closed")
)

// InputBinder attaches window-wide pointer listeners. Engines bind only while
// a gesture is active so that releasing the pointer anywhere ends it.
type InputBinder interface {
	Bind(onMove func(domain.Point), onUp func()) (unbind func())
}

// Config wires an Engine to its canvas and collaborators.
type Config struct {
	LayerID          string
	CanvasW, CanvasH int
	Scheduler        anim.Scheduler
	Input            InputBinder

	// OnChange is called after the visual rectangle changed.
	OnChange func(visual domain.Rect)
	// OnCommit receives exactly one rounded, clamped transform per gesture
	// that moved the layer.
	OnCommit func(domain.Transform)

	Logger *slog.Logger
}

type mode int

const (
	modeNone mode = iota
	modeDrag
	modeResize
)

// gesture is the single mutable record the frame-throttled move handler reads.
type gesture struct {
	mode       mode
	corner     Corner
	anchorPtr  domain.Point // display space
	anchorRect domain.Rect  // visual rect at gesture start, canvas space
	scale      float64
	current    domain.Rect
	startOff   Offset           // offset at gesture start
	startAuth  domain.Transform // authoritative value startOff is relative to
}

// Engine is the per-layer gesture state machine.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	auth     domain.Transform
	off      Offset
	scale    float64
	selected bool
	locked   bool
	readOnly bool
	closed   bool
	g        gesture
	unbind   func()

	moves *anim.Throttle[domain.Point]
}

// New creates an engine for a layer whose authoritative transform is t.
func New(cfg Config, t domain.Transform) *Engine {
	if cfg.Scheduler == nil {
		cfg.Scheduler = anim.NewTickerScheduler(nil)
	}
	l := cfg.Logger
	if l == nil {
		l = applog.WithComponent("transform")
	}
	if cfg.LayerID != "" {
		l = applog.WithLayer(l, cfg.LayerID)
	}
	e := &Engine{cfg: cfg, log: l, auth: t, scale: 1}
	e.moves = anim.NewThrottle(cfg.Scheduler, e.apply)
	return e
}

// SetDisplayScale sets displayed width / canvas width. Active gestures keep
// the scale they started with.
func (e *Engine) SetDisplayScale(s float64) {
	if !(s > 0) || math.IsInf(s, 0) {
		return
	}
	e.mu.Lock()
	e.scale = s
	e.mu.Unlock()
}

func (e *Engine) SetSelected(v bool) { e.mu.Lock(); e.selected = v; e.mu.Unlock() }
func (e *Engine) SetLocked(v bool)   { e.mu.Lock(); e.locked = v; e.mu.Unlock() }
func (e *Engine) SetReadOnly(v bool) { e.mu.Lock(); e.readOnly = v; e.mu.Unlock() }

// Active reports whether a drag or resize is in progress.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.g.mode != modeNone
}

// Authoritative returns the last transform delivered by the backend.
func (e *Engine) Authoritative() domain.Transform {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auth
}

// Offset returns the current ephemeral offset.
func (e *Engine) Offset() Offset {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.off
}

// Visual returns the on-screen rectangle in canvas space.
func (e *Engine) Visual() domain.Rect {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visualLocked()
}

func (e *Engine) visualLocked() domain.Rect { return e.off.Apply(e.auth.Rect()) }

// BeginDrag starts moving the layer from display-space pointer position p.
func (e *Engine) BeginDrag(p domain.Point) error {
	return e.begin(modeDrag, 0, p)
}

// BeginResize starts resizing from corner c at display-space position p.
func (e *Engine) BeginResize(c Corner, p domain.Point) error {
	return e.begin(modeResize, c, p)
}

func (e *Engine) begin(m mode, c Corner, p domain.Point) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case e.readOnly:
		e.mu.Unlock()
		return ErrReadOnly
	case e.locked:
		e.mu.Unlock()
		return ErrLocked
	case !e.selected:
		e.mu.Unlock()
		return ErrNotSelected
	case e.g.mode != modeNone:
		e.mu.Unlock()
		return ErrGestureActive
	case !p.Finite():
		e.mu.Unlock()
		return errors.New("pointer position is not finite")
	}
	visual := e.visualLocked()
	e.g = gesture{mode: m, corner: c, anchorPtr: p, anchorRect: visual, scale: e.scale, current: visual, startOff: e.off, startAuth: e.auth}
	e.mu.Unlock()

	if e.cfg.Input != nil {
		unbind := e.cfg.Input.Bind(e.Move, e.End)
		e.mu.Lock()
		e.unbind = unbind
		e.mu.Unlock()
	}
	e.log.Debug("gesture begin", slog.String("mode", m.String()), slog.String("corner", c.String()))
	return nil
}

func (m mode) String() string {
	switch m {
	case modeDrag:
		return "drag"
	case modeResize:
		return "resize"
	}
	return "none"
}

// Move records the latest pointer position; it is processed on the next frame.
func (e *Engine) Move(p domain.Point) {
	e.mu.Lock()
	active := e.g.mode != modeNone
	e.mu.Unlock()
	if !active {
		return
	}
	e.moves.Push(p)
}

// apply runs once per frame with the latest pointer position.
func (e *Engine) apply(p domain.Point) {
	e.mu.Lock()
	g := e.g
	if g.mode == modeNone {
		e.mu.Unlock()
		return
	}
	d := p.Sub(g.anchorPtr).Scale(1 / g.scale)
	if !d.Finite() {
		e.mu.Unlock()
		e.log.Debug("ignoring non-finite pointer delta")
		return
	}
	cw, ch := float64(e.cfg.CanvasW), float64(e.cfg.CanvasH)
	auth := e.auth.Rect()
	var r domain.Rect
	if g.mode == modeDrag {
		r = Drag(g.anchorRect, d, cw, ch)
		e.off = dragOffset(auth, r)
	} else {
		r = Resize(g.anchorRect, g.corner, d, cw, ch)
		e.off = resizeOffset(auth, r)
	}
	e.g.current = r
	e.mu.Unlock()
	if e.cfg.OnChange != nil {
		e.cfg.OnChange(r)
	}
}

// End finishes the gesture. The last pointer position is always processed
// first. A gesture that moved the layer emits one commit; the offset stays in
// place until SetAuthoritative delivers the confirmed transform.
func (e *Engine) End() {
	e.moves.Flush()

	e.mu.Lock()
	g := e.g
	if g.mode == modeNone {
		e.mu.Unlock()
		return
	}
	e.g = gesture{}
	unbind := e.unbind
	e.unbind = nil

	cw, ch := float64(e.cfg.CanvasW), float64(e.cfg.CanvasH)
	final := Settle(g.current, cw, ch)
	moved := final != Settle(g.anchorRect, cw, ch)
	auth := e.auth.Rect()
	var commit domain.Transform
	var restored domain.Rect
	switch {
	case moved:
		if g.mode == modeDrag {
			e.off = dragOffset(auth, final)
		} else {
			e.off = resizeOffset(auth, final)
		}
		commit = e.auth.WithRect(final)
	case e.auth == g.startAuth:
		e.off = g.startOff
		restored = e.visualLocked()
	default:
		e.off = dragOffset(auth, g.anchorRect)
		restored = e.visualLocked()
	}
	e.mu.Unlock()

	if unbind != nil {
		unbind()
	}
	if !moved {
		e.log.Debug("gesture end without change")
		if e.cfg.OnChange != nil {
			e.cfg.OnChange(restored)
		}
		return
	}
	e.log.Debug("gesture commit", slog.Float64("x", commit.X), slog.Float64("y", commit.Y),
		slog.Float64("w", commit.Width), slog.Float64("h", commit.Height))
	if e.cfg.OnChange != nil {
		e.cfg.OnChange(final)
	}
	if e.cfg.OnCommit != nil {
		e.cfg.OnCommit(commit)
	}
}

// SetAuthoritative installs a transform accepted by the backend. Without an
// active gesture a changed transform clears the offset. During a gesture the
// offset is rebased so the on-screen rectangle does not jump.
func (e *Engine) SetAuthoritative(t domain.Transform) {
	e.mu.Lock()
	if t == e.auth {
		e.mu.Unlock()
		return
	}
	before := e.visualLocked()
	switch e.g.mode {
	case modeNone:
		e.off = Offset{}
	case modeDrag:
		e.off = dragOffset(t.Rect(), before)
	case modeResize:
		e.off = resizeOffset(t.Rect(), before)
	}
	e.auth = t
	after := e.visualLocked()
	e.mu.Unlock()
	if after != before && e.cfg.OnChange != nil {
		e.cfg.OnChange(after)
	}
}

// Close drops any active gesture and detaches input listeners.
func (e *Engine) Close() {
	e.moves.Stop()
	e.mu.Lock()
	e.closed = true
	e.g = gesture{}
	unbind := e.unbind
	e.unbind = nil
	e.mu.Unlock()
	if unbind != nil {
		unbind()
	}
}
