/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package scene composes the canvas fitter, per-layer transform engines and
// per-layer frame pipelines into one editable (or read-only) scene canvas.
package scene

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
	"livestudio/internal/fit"
	applog "livestudio/internal/log"
	"livestudio/internal/pipeline"
	"livestudio/internal/telemetry"
	"livestudio/internal/transform"
	"livestudio/internal/undo"
)

var (
	ErrReadOnly      = errors.New("scene canvas is read-only")
	ErrUnknownLayer  = errors.New("unknown layer")
	ErrNoLayer       = errors.New("no layer at pointer")
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNoPreview     = errors.New("layer has no failed preview")
)

// Persister stores layer changes. The returned layer is the accepted value.
type Persister interface {
	UpdateLayerTransform(ctx context.Context, profileID, sceneID, layerID string, t domain.Transform) (domain.Layer, error)
	UpdateLayerFlags(ctx context.Context, profileID, sceneID, layerID string, f domain.LayerFlags) (domain.Layer, error)
	RemoveLayer(ctx context.Context, profileID, sceneID, layerID string) error
}

// Frames wires layer rendering. Base supplies the shared parts of every
// session (live source, fetcher, worker, timers); the orchestrator fills in
// the per-layer fields.
type Frames struct {
	Manager  *pipeline.Manager
	Base     pipeline.SessionConfig
	StillURL func(target string, w, h int) string
	Renderer string // "auto", "worker", "direct" or "still"
	Caps     pipeline.Caps
}

// Config wires an Orchestrator.
type Config struct {
	ProfileID string
	// Name distinguishes panes that share a session manager.
	Name     string
	ReadOnly bool

	Persister     Persister
	CommitTimeout time.Duration
	Undo          *undo.Manager
	Frames        *Frames

	Scheduler  anim.Scheduler
	Input      transform.InputBinder
	HandleSize float64
	// Dispatch runs persistence results on the UI goroutine; nil runs them inline.
	Dispatch func(func())

	OnChange func()
	OnError  func(error)
	OnSelect func(layerID string)

	Logger *slog.Logger
}

// LayerView is one visible layer as the canvas should draw it.
type LayerView struct {
	ID         string
	SourceID   string
	SourceName string
	Kind       domain.SourceKind
	Rect       domain.Rect // display space, including any pending gesture offset
	ZIndex     int
	Selected   bool
	Locked     bool
	Missing    bool
	Active     bool
	State      pipeline.State
	Frame      *image.RGBA
}

type layerState struct {
	layer   domain.Layer
	src     domain.Source
	missing bool
	eng     *transform.Engine
	key     string // session key; empty when no session is shown
}

// Orchestrator owns one scene canvas.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	scene    domain.Scene
	sources  map[string]domain.Source
	layers   map[string]*layerState
	tracker  *fit.Tracker
	availW   float64
	availH   float64
	size     fit.Size
	scale    float64
	selected string
	active   string
	closed   bool

	frames map[string]*image.RGBA
	states map[string]pipeline.State

	pending sync.WaitGroup
}

// New returns an empty orchestrator. Call SetScene and Resize to populate it.
func New(cfg Config) *Orchestrator {
	if cfg.Scheduler == nil {
		cfg.Scheduler = anim.NewTickerScheduler(cfg.Dispatch)
	}
	if cfg.HandleSize <= 0 {
		cfg.HandleSize = transform.HandleSize
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	l := cfg.Logger
	if l == nil {
		l = applog.WithComponent("scene")
	}
	if cfg.Name != "" {
		l = l.With(slog.String("pane", cfg.Name))
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     l,
		layers:  map[string]*layerState{},
		sources: map[string]domain.Source{},
		tracker: fit.NewTracker(0, 0),
		frames:  map[string]*image.RGBA{},
		states:  map[string]pipeline.State{},
	}
}

// ReadOnly reports whether the canvas refuses selection and gestures.
func (o *Orchestrator) ReadOnly() bool { return o.cfg.ReadOnly }

// Scene returns the scene with the locally known layer values.
func (o *Orchestrator) Scene() domain.Scene {
	o.mu.Lock()
	defer o.mu.Unlock()
	sc := o.scene
	sc.Layers = make([]domain.Layer, 0, len(o.scene.Layers))
	for _, l := range o.scene.Layers {
		if ls, ok := o.layers[l.ID]; ok {
			sc.Layers = append(sc.Layers, ls.layer)
		}
	}
	return sc
}

// SetScene installs the authoritative scene. Engines are kept for layers
// that survive; their transforms go through SetAuthoritative so pending
// offsets clear only once the accepted value arrives.
func (o *Orchestrator) SetScene(sc domain.Scene, sources []domain.Source) {
	var post []func()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	reset := sc.ID != o.scene.ID || sc.CanvasWidth != o.scene.CanvasWidth || sc.CanvasHeight != o.scene.CanvasHeight
	if reset {
		post = append(post, o.dropAllLocked()...)
		o.tracker.SetCanvas(sc.CanvasWidth, sc.CanvasHeight)
		o.size, o.scale = fit.Size{}, 0
	}
	o.scene = sc
	o.sources = make(map[string]domain.Source, len(sources))
	for _, s := range sources {
		o.sources[s.ID] = s
	}

	seen := make(map[string]bool, len(sc.Layers))
	for _, l := range sc.Layers {
		seen[l.ID] = true
		ls, ok := o.layers[l.ID]
		if !ok {
			ls = &layerState{layer: l}
			ls.eng = o.newEngineLocked(l)
			o.layers[l.ID] = ls
		}
		post = append(post, o.updateLayerLocked(ls, l)...)
	}
	for id, ls := range o.layers {
		if seen[id] {
			continue
		}
		post = append(post, o.removeLayerLocked(id, ls, true)...)
	}
	if reset && o.availW > 0 && o.availH > 0 {
		post = append(post, o.resizeLocked(o.availW, o.availH)...)
	}
	o.pruneFramesLocked()
	o.mu.Unlock()

	for _, fn := range post {
		fn()
	}
	o.changed()
}

func (o *Orchestrator) newEngineLocked(l domain.Layer) *transform.Engine {
	var in transform.InputBinder
	if o.cfg.Input != nil {
		in = boundInput{o: o, id: l.ID}
	}
	id := l.ID
	eng := transform.New(transform.Config{
		LayerID:   l.ID,
		CanvasW:   o.scene.CanvasWidth,
		CanvasH:   o.scene.CanvasHeight,
		Scheduler: o.cfg.Scheduler,
		Input:     in,
		OnChange:  func(domain.Rect) { o.changed() },
		OnCommit:  func(t domain.Transform) { o.onCommit(id, t) },
		Logger:    o.log,
	}, l.Transform)
	eng.SetReadOnly(o.cfg.ReadOnly)
	if o.scale > 0 {
		eng.SetDisplayScale(o.scale)
	}
	return eng
}

// updateLayerLocked installs l as the layer's authoritative value and
// returns the engine and session work to run unlocked.
func (o *Orchestrator) updateLayerLocked(ls *layerState, l domain.Layer) []func() {
	var post []func()
	ls.layer = l
	src, ok := o.sources[l.SourceID]
	ls.src, ls.missing = src, !ok
	if !ok {
		ls.src = domain.Source{ID: l.SourceID, Name: l.SourceID}
	}
	eng := ls.eng
	eng.SetLocked(l.Locked)
	post = append(post, func() { eng.SetAuthoritative(l.Transform) })

	if !l.Visible && o.selected == l.ID {
		o.selected = ""
		eng.SetSelected(false)
		post = append(post, o.selectNotice(""))
	}
	return append(post, o.syncSessionLocked(ls)...)
}

// sessionKey is stable per pane, scene, layer and source so a source swap
// opens a fresh session.
func (o *Orchestrator) sessionKey(ls *layerState) string {
	return fmt.Sprintf("%s/%s/%s@%s", o.cfg.Name, o.scene.ID, ls.layer.ID, ls.layer.SourceID)
}

func (o *Orchestrator) layerPixelsLocked(ls *layerState) (int, int) {
	r := ls.layer.Transform.Rect().Scale(o.scale)
	return max(int(math.Round(r.W)), 1), max(int(math.Round(r.H)), 1)
}

func (o *Orchestrator) syncSessionLocked(ls *layerState) []func() {
	fr := o.cfg.Frames
	if fr == nil || fr.Manager == nil {
		return nil
	}
	var post []func()
	want := ""
	if ls.layer.Visible && o.scale > 0 {
		want = o.sessionKey(ls)
	}
	if ls.key != "" && ls.key != want {
		old := ls.key
		post = append(post, func() { fr.Manager.Hide(old) })
		ls.key = ""
	}
	if want == "" {
		return post
	}
	w, h := o.layerPixelsLocked(ls)
	if ls.key == want {
		return append(post, func() {
			if s := fr.Manager.Get(want); s != nil {
				s.Resize(w, h)
			}
		})
	}
	ls.key = want
	cfg := fr.Base
	cfg.Source = ls.src
	cfg.Missing = ls.missing
	cfg.Mode = pipeline.Select(ls.src.Kind, fr.Caps, fr.Renderer)
	cfg.Width, cfg.Height = w, h
	if fr.StillURL != nil {
		srcID := ls.src.ID
		cfg.StillURL = func(w, h int) string { return fr.StillURL(srcID, w, h) }
	}
	cfg.Surface = pipeline.SurfaceFunc(func(img *image.RGBA) { o.present(want, img) })
	cfg.OnState = func(st pipeline.State) { o.sessionState(want, st) }
	if cfg.Logger == nil {
		cfg.Logger = o.log
	}
	return append(post, func() {
		s, created := fr.Manager.Show(want, cfg)
		if !created {
			s.Resize(w, h)
			o.sessionState(want, s.State())
		}
	})
}

// removeLayerLocked detaches a layer. forget drops its undo history, for
// layers deleted from the scene rather than left behind by a scene switch.
func (o *Orchestrator) removeLayerLocked(id string, ls *layerState, forget bool) []func() {
	delete(o.layers, id)
	var post []func()
	if o.selected == id {
		o.selected = ""
		post = append(post, o.selectNotice(""))
	}
	if o.active == id {
		o.active = ""
	}
	if ls.key != "" && o.cfg.Frames != nil && o.cfg.Frames.Manager != nil {
		key, m := ls.key, o.cfg.Frames.Manager
		post = append(post, func() { m.Hide(key) })
	}
	if forget && o.cfg.Undo != nil {
		sceneID, u := o.scene.ID, o.cfg.Undo
		post = append(post, func() { u.ForgetLayer(sceneID, id) })
	}
	eng := ls.eng
	return append(post, eng.Close)
}

func (o *Orchestrator) dropAllLocked() []func() {
	var post []func()
	for id, ls := range o.layers {
		post = append(post, o.removeLayerLocked(id, ls, false)...)
	}
	return post
}

func (o *Orchestrator) pruneFramesLocked() {
	live := map[string]bool{}
	for _, ls := range o.layers {
		if ls.key != "" {
			live[ls.key] = true
		}
	}
	for k := range o.frames {
		if !live[k] {
			delete(o.frames, k)
		}
	}
	for k := range o.states {
		if !live[k] {
			delete(o.states, k)
		}
	}
}

func (o *Orchestrator) present(key string, img *image.RGBA) {
	o.mu.Lock()
	o.frames[key] = img
	o.mu.Unlock()
	o.changed()
}

func (o *Orchestrator) sessionState(key string, st pipeline.State) {
	o.mu.Lock()
	o.states[key] = st
	o.mu.Unlock()
	o.changed()
}

// Resize fits the canvas into the available box. It reports the displayed
// size and whether it changed.
func (o *Orchestrator) Resize(availW, availH float64) (fit.Size, bool) {
	o.mu.Lock()
	before := o.size
	post := o.resizeLocked(availW, availH)
	size := o.size
	o.mu.Unlock()
	for _, fn := range post {
		fn()
	}
	changed := size != before
	if changed {
		o.changed()
	}
	return size, changed
}

func (o *Orchestrator) resizeLocked(availW, availH float64) []func() {
	o.availW, o.availH = availW, availH
	size, changed := o.tracker.Update(availW, availH)
	if !changed {
		return nil
	}
	return o.applySizeLocked(size)
}

// Estimate sizes a canvas that has not been measured yet from the viewport
// minus the surrounding chrome. A canvas that already has a size keeps it.
func (o *Orchestrator) Estimate(viewportW, viewportH, chromeW, chromeH float64) fit.Size {
	o.mu.Lock()
	if o.size.W > 0 || o.scene.CanvasWidth <= 0 {
		size := o.size
		o.mu.Unlock()
		return size
	}
	size := o.tracker.Estimate(viewportW, viewportH, chromeW, chromeH)
	o.availW, o.availH = math.Max(viewportW-chromeW, 1), math.Max(viewportH-chromeH, 1)
	post := o.applySizeLocked(size)
	o.mu.Unlock()
	for _, fn := range post {
		fn()
	}
	o.changed()
	return size
}

func (o *Orchestrator) applySizeLocked(size fit.Size) []func() {
	o.size = size
	o.scale = 0
	if o.scene.CanvasWidth > 0 && size.W > 0 {
		o.scale = float64(size.W) / float64(o.scene.CanvasWidth)
	}
	var post []func()
	for _, ls := range o.layers {
		ls.eng.SetDisplayScale(o.scale)
		post = append(post, o.syncSessionLocked(ls)...)
	}
	return post
}

// Size returns the displayed canvas size.
func (o *Orchestrator) Size() fit.Size {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Scale returns displayed width / canvas width, or 0 before the first fit.
func (o *Orchestrator) Scale() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.scale
}

// Selected returns the selected layer id.
func (o *Orchestrator) Selected() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selected
}

// Select selects a layer; an empty id clears the selection.
func (o *Orchestrator) Select(layerID string) error {
	if o.cfg.ReadOnly {
		return ErrReadOnly
	}
	o.mu.Lock()
	if layerID != "" {
		if ls, ok := o.layers[layerID]; !ok || !ls.layer.Visible {
			o.mu.Unlock()
			return fmt.Errorf("select %s: %w", layerID, ErrUnknownLayer)
		}
	}
	notice := o.selectLocked(layerID)
	o.mu.Unlock()
	if notice != nil {
		notice()
		o.changed()
	}
	return nil
}

func (o *Orchestrator) selectLocked(id string) func() {
	if o.selected == id {
		return nil
	}
	if ls, ok := o.layers[o.selected]; ok {
		ls.eng.SetSelected(false)
	}
	o.selected = id
	if ls, ok := o.layers[id]; ok {
		ls.eng.SetSelected(true)
	}
	return o.selectNotice(id)
}

func (o *Orchestrator) selectNotice(id string) func() {
	cb := o.cfg.OnSelect
	return func() {
		if cb != nil {
			cb(id)
		}
	}
}

// LayerAt returns the topmost visible layer under display-space point p.
func (o *Orchestrator) LayerAt(p domain.Point) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.layerAtLocked(p)
}

func (o *Orchestrator) layerAtLocked(p domain.Point) (string, bool) {
	if o.scale <= 0 || !p.Finite() {
		return "", false
	}
	cp := p.Scale(1 / o.scale)
	order := o.renderOrderLocked()
	for i := len(order) - 1; i >= 0; i-- {
		ls := order[i]
		if ls.eng.Visual().Contains(cp) {
			return ls.layer.ID, true
		}
	}
	return "", false
}

// renderOrderLocked returns visible layers ascending by z-index.
func (o *Orchestrator) renderOrderLocked() []*layerState {
	sc := domain.Scene{Layers: make([]domain.Layer, 0, len(o.layers))}
	for _, l := range o.scene.Layers {
		if ls, ok := o.layers[l.ID]; ok && ls.layer.Visible {
			sc.Layers = append(sc.Layers, ls.layer)
		}
	}
	order := sc.RenderOrder()
	out := make([]*layerState, 0, len(order))
	for _, l := range order {
		out = append(out, o.layers[l.ID])
	}
	return out
}

// BeginGesture starts a resize when p hits a handle of the selected layer,
// otherwise selects the topmost layer under p and starts dragging it.
func (o *Orchestrator) BeginGesture(p domain.Point) error {
	if o.cfg.ReadOnly {
		return ErrReadOnly
	}
	o.mu.Lock()
	if o.active != "" {
		o.mu.Unlock()
		return transform.ErrGestureActive
	}
	var (
		target *layerState
		corner transform.Corner
		resize bool
		notice func()
	)
	if ls, ok := o.layers[o.selected]; ok && ls.layer.Visible && o.scale > 0 {
		if c, hit := transform.HandleAt(ls.eng.Visual().Scale(o.scale), p, o.cfg.HandleSize); hit {
			target, corner, resize = ls, c, true
		}
	}
	if target == nil {
		id, ok := o.layerAtLocked(p)
		if !ok {
			notice = o.selectLocked("")
			o.mu.Unlock()
			if notice != nil {
				notice()
				o.changed()
			}
			return ErrNoLayer
		}
		notice = o.selectLocked(id)
		target = o.layers[id]
	}
	o.active = target.layer.ID
	eng := target.eng
	o.mu.Unlock()

	if notice != nil {
		notice()
	}
	var err error
	if resize {
		err = eng.BeginResize(corner, p)
	} else {
		err = eng.BeginDrag(p)
	}
	if err != nil {
		o.clearActive(target.layer.ID)
	}
	o.changed()
	return err
}

// Move forwards a display-space pointer position to the active gesture.
func (o *Orchestrator) Move(p domain.Point) {
	o.mu.Lock()
	ls := o.layers[o.active]
	o.mu.Unlock()
	if ls != nil {
		ls.eng.Move(p)
	}
}

// End finishes the active gesture. Pointer cancel and focus loss end it the
// same way, committing what was dragged so far.
func (o *Orchestrator) End() {
	o.mu.Lock()
	ls := o.layers[o.active]
	o.active = ""
	o.mu.Unlock()
	if ls != nil {
		ls.eng.End()
	}
}

func (o *Orchestrator) clearActive(id string) {
	o.mu.Lock()
	if o.active == id {
		o.active = ""
	}
	o.mu.Unlock()
}

// boundInput clears the orchestrator's active gesture when a window-wide
// release ends it.
type boundInput struct {
	o  *Orchestrator
	id string
}

func (b boundInput) Bind(onMove func(domain.Point), onUp func()) func() {
	return b.o.cfg.Input.Bind(onMove, func() {
		b.o.clearActive(b.id)
		onUp()
	})
}

func (o *Orchestrator) onCommit(id string, t domain.Transform) {
	o.mu.Lock()
	ls, ok := o.layers[id]
	if !ok || o.closed {
		o.mu.Unlock()
		return
	}
	before, sceneID := ls.layer.Transform, o.scene.ID
	o.mu.Unlock()
	o.persistTransform(sceneID, id, before, t, true)
}

// persistTransform sends t to the backend without blocking the caller. The
// accepted value is applied on success; failures are reported and the local
// optimistic state is kept.
func (o *Orchestrator) persistTransform(sceneID, id string, before, t domain.Transform, record bool) {
	if o.cfg.Persister == nil {
		return
	}
	l := applog.WithLayer(applog.WithScene(o.log, sceneID), id)
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommitTimeout)
		defer cancel()
		started := time.Now()
		accepted, err := o.cfg.Persister.UpdateLayerTransform(ctx, o.cfg.ProfileID, sceneID, id, t)
		o.dispatch(func() {
			if err != nil {
				l.Warn("transform commit failed", slog.Any("err", err))
				telemetry.Event(telemetry.EventCommitFailed, telemetry.Props{"layer": id})
				o.fail(fmt.Errorf("save layer %s: %w", id, err))
				return
			}
			telemetry.Event(telemetry.EventTransformCommit, telemetry.Props{"ms": time.Since(started).Milliseconds()})
			if record && o.cfg.Undo != nil {
				o.cfg.Undo.Push(undo.Entry{SceneID: sceneID, LayerID: id, Before: before, After: accepted.Transform, TS: time.Now()})
			}
			o.applyLayer(sceneID, accepted)
		})
	}()
}

func (o *Orchestrator) dispatch(fn func()) {
	if o.cfg.Dispatch != nil {
		o.cfg.Dispatch(fn)
		return
	}
	fn()
}

func (o *Orchestrator) fail(err error) {
	if o.cfg.OnError != nil {
		o.cfg.OnError(err)
	}
}

// ApplyLayer installs an accepted layer value for the current scene.
func (o *Orchestrator) ApplyLayer(l domain.Layer) {
	o.mu.Lock()
	sceneID := o.scene.ID
	o.mu.Unlock()
	o.applyLayer(sceneID, l)
}

func (o *Orchestrator) applyLayer(sceneID string, l domain.Layer) {
	o.mu.Lock()
	ls, ok := o.layers[l.ID]
	if !ok || o.closed || sceneID != o.scene.ID {
		o.mu.Unlock()
		return
	}
	post := o.updateLayerLocked(ls, l)
	o.pruneFramesLocked()
	o.mu.Unlock()
	for _, fn := range post {
		fn()
	}
	o.changed()
}

// ToggleVisible flips a layer's visibility optimistically and persists it.
func (o *Orchestrator) ToggleVisible(layerID string) error {
	return o.setFlags(layerID, func(l domain.Layer) domain.LayerFlags {
		v := !l.Visible
		return domain.LayerFlags{Visible: &v}
	})
}

// ToggleLocked flips a layer's lock optimistically and persists it.
func (o *Orchestrator) ToggleLocked(layerID string) error {
	return o.setFlags(layerID, func(l domain.Layer) domain.LayerFlags {
		v := !l.Locked
		return domain.LayerFlags{Locked: &v}
	})
}

func (o *Orchestrator) setFlags(layerID string, mk func(domain.Layer) domain.LayerFlags) error {
	if o.cfg.ReadOnly {
		return ErrReadOnly
	}
	o.mu.Lock()
	ls, ok := o.layers[layerID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("layer %s: %w", layerID, ErrUnknownLayer)
	}
	f := mk(ls.layer)
	sceneID := o.scene.ID
	post := o.updateLayerLocked(ls, f.Apply(ls.layer))
	o.pruneFramesLocked()
	o.mu.Unlock()
	for _, fn := range post {
		fn()
	}
	o.changed()

	if o.cfg.Persister == nil {
		return nil
	}
	l := applog.WithLayer(applog.WithScene(o.log, sceneID), layerID)
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommitTimeout)
		defer cancel()
		accepted, err := o.cfg.Persister.UpdateLayerFlags(ctx, o.cfg.ProfileID, sceneID, layerID, f)
		o.dispatch(func() {
			if err != nil {
				l.Warn("flag update failed", slog.Any("err", err))
				o.fail(fmt.Errorf("save layer %s: %w", layerID, err))
				return
			}
			o.applyLayer(sceneID, accepted)
		})
	}()
	return nil
}

// RemoveLayer deletes a layer from the scene optimistically and persists the
// removal. A failed removal is reported; the layer stays gone locally.
func (o *Orchestrator) RemoveLayer(layerID string) error {
	if o.cfg.ReadOnly {
		return ErrReadOnly
	}
	o.mu.Lock()
	ls, ok := o.layers[layerID]
	if !ok || o.closed {
		o.mu.Unlock()
		return fmt.Errorf("layer %s: %w", layerID, ErrUnknownLayer)
	}
	sceneID := o.scene.ID
	post := o.removeLayerLocked(layerID, ls, true)
	o.scene.Layers = slices.DeleteFunc(slices.Clone(o.scene.Layers), func(l domain.Layer) bool { return l.ID == layerID })
	o.pruneFramesLocked()
	o.mu.Unlock()
	for _, fn := range post {
		fn()
	}
	o.changed()

	if o.cfg.Persister == nil {
		return nil
	}
	l := applog.WithLayer(applog.WithScene(o.log, sceneID), layerID)
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommitTimeout)
		defer cancel()
		err := o.cfg.Persister.RemoveLayer(ctx, o.cfg.ProfileID, sceneID, layerID)
		o.dispatch(func() {
			if err != nil {
				l.Warn("layer removal failed", slog.Any("err", err))
				o.fail(fmt.Errorf("remove layer %s: %w", layerID, err))
			}
		})
	}()
	return nil
}

// Retry restarts a layer preview that halted or lost its live stream.
// Read-only panes allow it.
func (o *Orchestrator) Retry(layerID string) error {
	o.mu.Lock()
	ls, ok := o.layers[layerID]
	key := ""
	if ok {
		key = ls.key
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("layer %s: %w", layerID, ErrUnknownLayer)
	}
	fr := o.cfg.Frames
	if key == "" || fr == nil || fr.Manager == nil {
		return ErrNoPreview
	}
	s := fr.Manager.Get(key)
	if s == nil || !s.Retry() {
		return ErrNoPreview
	}
	o.log.Info("preview retry", slog.String("layer", layerID))
	return nil
}

// Undo reverts the newest committed transform of the current scene.
func (o *Orchestrator) Undo() error { return o.history(true) }

// Redo reapplies the newest undone transform.
func (o *Orchestrator) Redo() error { return o.history(false) }

func (o *Orchestrator) history(back bool) error {
	if o.cfg.ReadOnly {
		return ErrReadOnly
	}
	if o.cfg.Undo == nil {
		return ErrNothingToUndo
	}
	o.mu.Lock()
	sceneID := o.scene.ID
	o.mu.Unlock()
	var (
		e  undo.Entry
		ok bool
	)
	if back {
		e, ok = o.cfg.Undo.Undo(sceneID)
	} else {
		e, ok = o.cfg.Undo.Redo(sceneID)
	}
	if !ok {
		return ErrNothingToUndo
	}
	o.mu.Lock()
	_, known := o.layers[e.LayerID]
	o.mu.Unlock()
	if !known {
		return fmt.Errorf("layer %s: %w", e.LayerID, ErrUnknownLayer)
	}
	from, to := e.After, e.Before
	if !back {
		from, to = e.Before, e.After
	}
	o.persistTransform(sceneID, e.LayerID, from, to, false)
	return nil
}

// Flush waits for in-flight persistence calls.
func (o *Orchestrator) Flush() { o.pending.Wait() }

// RenderList returns the visible layers ascending by z-index in display space.
func (o *Orchestrator) RenderList() []LayerView {
	o.mu.Lock()
	defer o.mu.Unlock()
	order := o.renderOrderLocked()
	out := make([]LayerView, 0, len(order))
	for _, ls := range order {
		v := LayerView{
			ID:         ls.layer.ID,
			SourceID:   ls.layer.SourceID,
			SourceName: ls.src.Name,
			Kind:       ls.src.Kind,
			Rect:       ls.eng.Visual().Scale(o.scale),
			ZIndex:     ls.layer.ZIndex,
			Selected:   ls.layer.ID == o.selected,
			Locked:     ls.layer.Locked,
			Missing:    ls.missing,
			Active:     ls.eng.Active(),
		}
		if ls.key != "" {
			v.State = o.states[ls.key]
			v.Frame = o.frames[ls.key]
		}
		out = append(out, v)
	}
	return out
}

func (o *Orchestrator) changed() {
	if o.cfg.OnChange != nil {
		o.cfg.OnChange()
	}
}

// Close ends any gesture, closes the engines and hides every session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	post := o.dropAllLocked()
	o.closed = true
	o.mu.Unlock()
	for _, fn := range post {
		fn()
	}
}
