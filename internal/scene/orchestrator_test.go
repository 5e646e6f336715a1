/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package scene

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
	"livestudio/internal/pipeline"
	"livestudio/internal/transform"
	"livestudio/internal/undo"
)

type fakePersister struct {
	mu         sync.Mutex
	transforms []domain.Transform
	flags      []domain.LayerFlags
	removed    []string
	err        error
	// adjust lets a test mimic a backend that rewrites the accepted value.
	adjust func(domain.Transform) domain.Transform
}

func (f *fakePersister) UpdateLayerTransform(ctx context.Context, profileID, sceneID, layerID string, t domain.Transform) (domain.Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transforms = append(f.transforms, t)
	if f.err != nil {
		return domain.Layer{}, f.err
	}
	if f.adjust != nil {
		t = f.adjust(t)
	}
	return domain.Layer{ID: layerID, SourceID: "src-" + layerID, Transform: t, Visible: true}, nil
}

func (f *fakePersister) UpdateLayerFlags(ctx context.Context, profileID, sceneID, layerID string, fl domain.LayerFlags) (domain.Layer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, fl)
	if f.err != nil {
		return domain.Layer{}, f.err
	}
	l := domain.Layer{ID: layerID, SourceID: "src-" + layerID, Visible: true, Transform: domain.Transform{X: 100, Y: 100, Width: 200, Height: 200}}
	return fl.Apply(l), nil
}

func (f *fakePersister) RemoveLayer(ctx context.Context, profileID, sceneID, layerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, layerID)
	return f.err
}

func (f *fakePersister) lastTransform() (domain.Transform, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transforms) == 0 {
		return domain.Transform{}, 0
	}
	return f.transforms[len(f.transforms)-1], len(f.transforms)
}

func testScene() (domain.Scene, []domain.Source) {
	sc := domain.Scene{
		ID: "scene", Name: "Scene", CanvasWidth: 1920, CanvasHeight: 1080,
		Layers: []domain.Layer{
			{ID: "bg", SourceID: "src-bg", Visible: true, ZIndex: 0, Transform: domain.Transform{Width: 1920, Height: 1080}},
			{ID: "a", SourceID: "src-a", Visible: true, ZIndex: 2, Transform: domain.Transform{X: 100, Y: 100, Width: 200, Height: 200}},
			{ID: "b", SourceID: "src-b", Visible: true, ZIndex: 1, Transform: domain.Transform{X: 150, Y: 150, Width: 400, Height: 400}},
			{ID: "hidden", SourceID: "src-a", Visible: false, ZIndex: 9, Transform: domain.Transform{X: 0, Y: 0, Width: 1920, Height: 1080}},
			{ID: "ghost", SourceID: "src-gone", Visible: true, ZIndex: -1, Transform: domain.Transform{X: 1000, Y: 500, Width: 100, Height: 100}},
		},
	}
	srcs := []domain.Source{
		{ID: "src-bg", Name: "Background", Kind: domain.SourceColor, URI: "#000000"},
		{ID: "src-a", Name: "Cam A", Kind: domain.SourceCamera},
		{ID: "src-b", Name: "Cam B", Kind: domain.SourceCamera},
	}
	return sc, srcs
}

type harness struct {
	o      *Orchestrator
	p      *fakePersister
	sched  *anim.ManualScheduler
	undo   *undo.Manager
	mu     sync.Mutex
	errs   []error
	picked []string
}

func newHarness(t *testing.T, readOnly bool) *harness {
	t.Helper()
	h := &harness{p: &fakePersister{}, sched: &anim.ManualScheduler{}, undo: undo.NewManager(undo.Config{MinInterval: time.Nanosecond})}
	h.o = New(Config{
		ProfileID: "p",
		Name:      "preview",
		ReadOnly:  readOnly,
		Persister: h.p,
		Undo:      h.undo,
		Scheduler: h.sched,
		OnError: func(err error) {
			h.mu.Lock()
			h.errs = append(h.errs, err)
			h.mu.Unlock()
		},
		OnSelect: func(id string) {
			h.mu.Lock()
			h.picked = append(h.picked, id)
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.o.Close)
	sc, srcs := testScene()
	h.o.SetScene(sc, srcs)
	return h
}

func (h *harness) layerRect(t *testing.T, id string) domain.Rect {
	t.Helper()
	for _, v := range h.o.RenderList() {
		if v.ID == id {
			return v.Rect
		}
	}
	t.Fatalf("layer %s not in render list", id)
	return domain.Rect{}
}

func TestResize_UsesFitterAndScale(t *testing.T) {
	h := newHarness(t, false)
	size, changed := h.o.Resize(800, 300)
	if !changed || size.W != 533 || size.H != 300 {
		t.Fatalf("size = %+v changed=%v, want 533x300", size, changed)
	}
	if want := 533.0 / 1920.0; h.o.Scale() != want {
		t.Fatalf("scale = %v, want %v", h.o.Scale(), want)
	}
	if _, changed := h.o.Resize(800, 300); changed {
		t.Fatalf("same box reported as changed")
	}
	r := h.layerRect(t, "a")
	if r.X != 100*h.o.Scale() || r.W != 200*h.o.Scale() {
		t.Fatalf("display rect not scaled: %+v", r)
	}
}

func TestRenderList_OrderHiddenAndMissing(t *testing.T) {
	h := newHarness(t, false)
	h.o.Resize(1920, 1080)
	list := h.o.RenderList()
	var ids []string
	for _, v := range list {
		ids = append(ids, v.ID)
		if v.ID == "ghost" && !v.Missing {
			t.Fatalf("dangling source not flagged")
		}
		if v.ID == "a" && (v.Missing || v.SourceName != "Cam A") {
			t.Fatalf("layer a view = %+v", v)
		}
	}
	want := []string{"ghost", "bg", "b", "a"}
	if len(ids) != len(want) {
		t.Fatalf("render list = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("render list = %v, want %v", ids, want)
		}
	}
}

func TestLayerAt_TopmostByZ(t *testing.T) {
	h := newHarness(t, false)
	h.o.Resize(960, 540) // scale 0.5
	cases := []struct {
		p    domain.Point
		want string
	}{
		{domain.Point{X: 100, Y: 100}, "a"},  // canvas 200,200: a (z2) over b (z1)
		{domain.Point{X: 200, Y: 200}, "b"},  // canvas 400,400: only b
		{domain.Point{X: 900, Y: 500}, "bg"}, // background
		{domain.Point{X: 525, Y: 275}, "bg"}, // ghost z-1 sits under bg
	}
	for _, c := range cases {
		got, ok := h.o.LayerAt(c.p)
		if !ok || got != c.want {
			t.Fatalf("LayerAt(%v) = %q,%v want %q", c.p, got, ok, c.want)
		}
	}
	if _, ok := h.o.LayerAt(domain.Point{X: 2000, Y: 2000}); ok {
		t.Fatalf("hit outside canvas")
	}
}

func TestDrag_CommitsClampedAndClearsOffsetOnAccept(t *testing.T) {
	h := newHarness(t, false)
	h.o.Resize(1920, 1080)

	if err := h.o.BeginGesture(domain.Point{X: 150, Y: 150}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if h.o.Selected() != "a" {
		t.Fatalf("selected = %q", h.o.Selected())
	}
	h.o.Move(domain.Point{X: 2150, Y: 2150})
	h.sched.Step()
	if r := h.layerRect(t, "a"); r.X != 1720 || r.Y != 880 {
		t.Fatalf("visual during drag = %+v", r)
	}
	h.o.End()
	h.o.Flush()

	got, n := h.p.lastTransform()
	if n != 1 || got != (domain.Transform{X: 1720, Y: 880, Width: 200, Height: 200}) {
		t.Fatalf("commit = %+v (%d calls)", got, n)
	}
	sc := h.o.Scene()
	if l, _ := sc.LayerByID("a"); l.Transform != got {
		t.Fatalf("accepted value not applied: %+v", l.Transform)
	}
	if r := h.layerRect(t, "a"); r.X != 1720 || r.Y != 880 {
		t.Fatalf("visual after accept = %+v", r)
	}
	if !h.undo.CanUndo("scene") {
		t.Fatalf("commit not recorded for undo")
	}
}

func TestResizeHandle_SEMinimum(t *testing.T) {
	h := newHarness(t, false)
	h.o.Resize(1920, 1080)
	if err := h.o.Select("a"); err != nil {
		t.Fatalf("select: %v", err)
	}
	// se corner of a is at 300,300
	if err := h.o.BeginGesture(domain.Point{X: 300, Y: 300}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.o.Move(domain.Point{X: -700, Y: -700})
	h.o.End()
	h.o.Flush()
	got, _ := h.p.lastTransform()
	if got != (domain.Transform{X: 100, Y: 100, Width: 50, Height: 50}) {
		t.Fatalf("resize commit = %+v", got)
	}
}

func TestGestureWithoutMovementDoesNotCommit(t *testing.T) {
	h := newHarness(t, false)
	h.o.Resize(1920, 1080)
	if err := h.o.BeginGesture(domain.Point{X: 150, Y: 150}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	h.o.Move(domain.Point{X: 150, Y: 150})
	h.o.End()
	h.o.Flush()
	if _, n := h.p.lastTransform(); n != 0 {
		t.Fatalf("unexpected commit")
	}
}

func TestBeginGesture_EmptySpotClearsSelection(t *testing.T) {
	h := newHarness(t, false)
	h.o.SetScene(domain.Scene{ID: "scene", CanvasWidth: 1920, CanvasHeight: 1080, Layers: []domain.Layer{
		{ID: "a", SourceID: "src-a", Visible: true, Transform: domain.Transform{X: 100, Y: 100, Width: 200, Height: 200}},
	}}, nil)
	h.o.Resize(1920, 1080)
	_ = h.o.Select("a")
	if err := h.o.BeginGesture(domain.Point{X: 1000, Y: 1000}); !errors.Is(err, ErrNoLayer) {
		t.Fatalf("err = %v, want ErrNoLayer", err)
	}
	if h.o.Selected() != "" {
		t.Fatalf("selection not cleared")
	}
}

func TestLockedLayerRefusesGesture(t *testing.T) {
	h := newHarness(t, false)
	h.o.Resize(1920, 1080)
	if err := h.o.ToggleLocked("a"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	h.o.Flush()
	if err := h.o.BeginGesture(domain.Point{X: 150, Y: 150}); !errors.Is(err, transform.ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	// no stale active gesture
	if err := h.o.BeginGesture(domain.Point{X: 150, Y: 150}); !errors.Is(err, transform.ErrLocked) {
		t.Fatalf("second begin err = %v", err)
	}
}

func TestPersistFailureKeepsOptimisticState(t *testing.T) {
	h := newHarness(t, false)
	h.p.err = errors.New("backend down")
	h.o.Resize(1920, 1080)
	_ = h.o.BeginGesture(domain.Point{X: 150, Y: 150})
	h.o.Move(domain.Point{X: 250, Y: 150})
	h.o.End()
	h.o.Flush()

	h.mu.Lock()
	nerr := len(h.errs)
	h.mu.Unlock()
	if nerr != 1 {
		t.Fatalf("errors reported = %d, want 1", nerr)
	}
	if r := h.layerRect(t, "a"); r.X != 200 {
		t.Fatalf("optimistic position lost: %+v", r)
	}
	if h.undo.CanUndo("scene") {
		t.Fatalf("failed commit recorded for undo")
	}
}

func TestUndoRevertsCommit(t *testing.T) {
	h := newHarness(t, false)
	h.o.Resize(1920, 1080)
	_ = h.o.BeginGesture(domain.Point{X: 150, Y: 150})
	h.o.Move(domain.Point{X: 250, Y: 250})
	h.o.End()
	h.o.Flush()

	if err := h.o.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	h.o.Flush()
	got, n := h.p.lastTransform()
	if n != 2 || got != (domain.Transform{X: 100, Y: 100, Width: 200, Height: 200}) {
		t.Fatalf("undo commit = %+v (%d)", got, n)
	}
	if r := h.layerRect(t, "a"); r.X != 100 || r.Y != 100 {
		t.Fatalf("undo not applied: %+v", r)
	}
	if err := h.o.Redo(); err != nil {
		t.Fatalf("redo: %v", err)
	}
	h.o.Flush()
	if r := h.layerRect(t, "a"); r.X != 200 || r.Y != 200 {
		t.Fatalf("redo not applied: %+v", r)
	}
	if err := h.o.Redo(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("extra redo err = %v", err)
	}
}

func TestToggleVisibleIsOptimistic(t *testing.T) {
	h := newHarness(t, false)
	h.o.Resize(1920, 1080)
	_ = h.o.Select("b")
	if err := h.o.ToggleVisible("b"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	for _, v := range h.o.RenderList() {
		if v.ID == "b" {
			t.Fatalf("hidden layer still rendered")
		}
	}
	if h.o.Selected() != "" {
		t.Fatalf("hidden layer stays selected")
	}
	h.o.Flush()
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	if len(h.p.flags) != 1 || h.p.flags[0].Visible == nil || *h.p.flags[0].Visible {
		t.Fatalf("flags persisted = %+v", h.p.flags)
	}
	if err := h.o.ToggleVisible("nope"); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("unknown layer: %v", err)
	}
}

func TestReadOnlyRefusesInteraction(t *testing.T) {
	h := newHarness(t, true)
	h.o.Resize(1920, 1080)
	if err := h.o.Select("a"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("select: %v", err)
	}
	if err := h.o.BeginGesture(domain.Point{X: 150, Y: 150}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("gesture: %v", err)
	}
	if err := h.o.ToggleVisible("a"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("toggle: %v", err)
	}
	if err := h.o.Undo(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("undo: %v", err)
	}
	if len(h.o.RenderList()) == 0 {
		t.Fatalf("read-only canvas still renders")
	}
}

func TestSetScene_AuthoritativeUpdateAndRemoval(t *testing.T) {
	h := newHarness(t, false)
	h.o.Resize(1920, 1080)
	_ = h.o.Select("a")
	sc, srcs := testScene()
	sc.Layers[1].Transform = domain.Transform{X: 500, Y: 500, Width: 200, Height: 200}
	h.o.SetScene(sc, srcs)
	if r := h.layerRect(t, "a"); r.X != 500 {
		t.Fatalf("authoritative transform not applied: %+v", r)
	}
	sc.Layers = append(sc.Layers[:1], sc.Layers[2:]...)
	h.o.SetScene(sc, srcs)
	if h.o.Selected() != "" {
		t.Fatalf("removed layer still selected")
	}
	for _, v := range h.o.RenderList() {
		if v.ID == "a" {
			t.Fatalf("removed layer rendered")
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.picked); n < 2 || h.picked[n-1] != "" {
		t.Fatalf("selection notices = %v", h.picked)
	}
}

type stillFetcher struct{}

func (stillFetcher) FetchStill(ctx context.Context, url string) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	return img, nil
}

func TestFrames_SessionsFollowVisibility(t *testing.T) {
	ft := &anim.FakeTimers{}
	mgr := pipeline.NewManager(ft, 0)
	var urls []string
	var mu sync.Mutex
	o := New(Config{
		Name:      "preview",
		Scheduler: &anim.ManualScheduler{},
		Persister: &fakePersister{},
		Frames: &Frames{
			Manager:  mgr,
			Base:     pipeline.SessionConfig{Fetcher: stillFetcher{}, Timers: ft, Scheduler: &anim.ManualScheduler{}},
			Renderer: "still",
			StillURL: func(target string, w, h int) string {
				mu.Lock()
				urls = append(urls, target)
				mu.Unlock()
				return "local://still/" + target
			},
		},
	})
	defer o.Close()
	sc, srcs := testScene()
	o.SetScene(sc, srcs)
	if mgr.Len() != 0 {
		t.Fatalf("sessions opened before the first fit: %d", mgr.Len())
	}
	o.Resize(960, 540)
	if mgr.Len() != 4 {
		t.Fatalf("sessions = %d, want one per visible layer (4)", mgr.Len())
	}
	ft.Advance(0)
	var got *image.RGBA
	for _, v := range o.RenderList() {
		if v.ID == "a" {
			got = v.Frame
			if v.State.Status != pipeline.StatusPlaying && v.State.Status != pipeline.StatusLoading {
				t.Fatalf("layer a state = %v", v.State.Status)
			}
		}
		if v.ID == "ghost" && v.State.Status != pipeline.StatusUnavailable {
			t.Fatalf("missing source state = %v", v.State.Status)
		}
	}
	if got == nil {
		t.Fatalf("no frame presented for layer a")
	}
	if b := got.Bounds(); b.Dx() != 100 || b.Dy() != 100 {
		t.Fatalf("frame size %v, want layer display size 100x100", b)
	}

	if err := o.ToggleVisible("a"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	o.Flush()
	if mgr.Len() != 3 {
		t.Fatalf("sessions after hide = %d, want 3", mgr.Len())
	}
	o.Close()
	if mgr.Len() != 0 {
		t.Fatalf("sessions after close = %d", mgr.Len())
	}
}

type flakyFetcher struct {
	mu   sync.Mutex
	fail bool
}

func (f *flakyFetcher) FetchStill(ctx context.Context, url string) (image.Image, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("snapshot unavailable")
	}
	return stillFetcher{}.FetchStill(ctx, url)
}

func (f *flakyFetcher) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func framesHarness(t *testing.T, fetch pipeline.StillFetcher, p Persister) (*Orchestrator, *pipeline.Manager, *anim.FakeTimers) {
	t.Helper()
	ft := &anim.FakeTimers{}
	mgr := pipeline.NewManager(ft, 0)
	o := New(Config{
		ProfileID: "p",
		Name:      "preview",
		Scheduler: &anim.ManualScheduler{},
		Persister: p,
		Frames: &Frames{
			Manager:  mgr,
			Base:     pipeline.SessionConfig{Fetcher: fetch, Timers: ft, Scheduler: &anim.ManualScheduler{}},
			Renderer: "still",
			StillURL: func(target string, w, h int) string { return "local://still/" + target },
		},
	})
	t.Cleanup(o.Close)
	sc, srcs := testScene()
	o.SetScene(sc, srcs)
	o.Resize(960, 540)
	return o, mgr, ft
}

func viewOf(o *Orchestrator, id string) (LayerView, bool) {
	for _, v := range o.RenderList() {
		if v.ID == id {
			return v, true
		}
	}
	return LayerView{}, false
}

func TestRetryRestartsHaltedPreview(t *testing.T) {
	f := &flakyFetcher{fail: true}
	o, _, ft := framesHarness(t, f, &fakePersister{})
	ft.Advance(10 * time.Second)
	v, _ := viewOf(o, "a")
	if !v.State.Halted || v.State.Status != pipeline.StatusError {
		t.Fatalf("layer a state = %+v, want halted error", v.State)
	}

	f.setFail(false)
	if err := o.Retry("a"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	ft.Advance(0)
	v, _ = viewOf(o, "a")
	if v.State.Halted || v.State.Status != pipeline.StatusPlaying || v.Frame == nil {
		t.Fatalf("after retry state = %+v frame=%v", v.State, v.Frame != nil)
	}
	if err := o.Retry("a"); !errors.Is(err, ErrNoPreview) {
		t.Fatalf("retry of a healthy preview = %v, want ErrNoPreview", err)
	}
	if err := o.Retry("hidden"); !errors.Is(err, ErrNoPreview) {
		t.Fatalf("retry of a hidden layer = %v, want ErrNoPreview", err)
	}
	if err := o.Retry("nope"); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("retry of unknown layer = %v", err)
	}
}

func TestRetryAllowedOnReadOnlyPane(t *testing.T) {
	ft := &anim.FakeTimers{}
	mgr := pipeline.NewManager(ft, 0)
	f := &flakyFetcher{fail: true}
	o := New(Config{
		Name:      "program",
		ReadOnly:  true,
		Scheduler: &anim.ManualScheduler{},
		Frames: &Frames{
			Manager:  mgr,
			Base:     pipeline.SessionConfig{Fetcher: f, Timers: ft, Scheduler: &anim.ManualScheduler{}},
			Renderer: "still",
			StillURL: func(target string, w, h int) string { return "local://still/" + target },
		},
	})
	t.Cleanup(o.Close)
	sc, srcs := testScene()
	o.SetScene(sc, srcs)
	o.Resize(960, 540)
	ft.Advance(10 * time.Second)
	f.setFail(false)
	if err := o.Retry("b"); err != nil {
		t.Fatalf("retry on read-only pane: %v", err)
	}
}

func TestRemoveLayerWithMissingSource(t *testing.T) {
	p := &fakePersister{}
	o, mgr, _ := framesHarness(t, stillFetcher{}, p)
	if mgr.Len() != 4 {
		t.Fatalf("sessions = %d, want 4", mgr.Len())
	}
	if v, ok := viewOf(o, "ghost"); !ok || !v.Missing {
		t.Fatalf("ghost view = %+v", v)
	}
	if err := o.RemoveLayer("ghost"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	o.Flush()
	if mgr.Len() != 3 {
		t.Fatalf("sessions after remove = %d, want 3", mgr.Len())
	}
	if _, ok := viewOf(o, "ghost"); ok {
		t.Fatalf("removed layer still rendered")
	}
	for _, l := range o.Scene().Layers {
		if l.ID == "ghost" {
			t.Fatalf("removed layer still in scene")
		}
	}
	p.mu.Lock()
	removed := append([]string(nil), p.removed...)
	p.mu.Unlock()
	if len(removed) != 1 || removed[0] != "ghost" {
		t.Fatalf("persisted removals = %v", removed)
	}
	if err := o.RemoveLayer("ghost"); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("second remove = %v", err)
	}
}

func TestRemoveLayerFailureIsReported(t *testing.T) {
	h := newHarness(t, false)
	h.p.err = errors.New("backend down")
	if err := h.o.RemoveLayer("b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	h.o.Flush()
	h.mu.Lock()
	n := len(h.errs)
	h.mu.Unlock()
	if n != 1 {
		t.Fatalf("errors reported = %d, want 1", n)
	}
	if _, ok := viewOf(h.o, "b"); ok {
		t.Fatalf("failed removal must keep the optimistic state")
	}
}

func TestRemoveLayerReadOnly(t *testing.T) {
	h := newHarness(t, true)
	if err := h.o.RemoveLayer("a"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("remove on read-only = %v", err)
	}
}

func TestEstimateSizesBeforeFirstMeasurement(t *testing.T) {
	o := New(Config{Scheduler: &anim.ManualScheduler{}})
	t.Cleanup(o.Close)
	sc, srcs := testScene()
	o.SetScene(sc, srcs)
	size := o.Estimate(1200, 700, 240, 160)
	if size.W != 960 || size.H != 540 {
		t.Fatalf("estimate = %+v, want 960x540", size)
	}
	if o.Scale() != 0.5 {
		t.Fatalf("scale = %v", o.Scale())
	}
	if got := o.Estimate(400, 300, 0, 0); got != size {
		t.Fatalf("second estimate changed a measured canvas: %+v", got)
	}
	if s, changed := o.Resize(960, 540); changed || s != size {
		t.Fatalf("matching measurement should not re-layout: %+v %v", s, changed)
	}
}
