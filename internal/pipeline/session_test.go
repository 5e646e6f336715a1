/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordSurface struct {
	mu    sync.Mutex
	n     int
	last  color.RGBA
	sizes []image.Point
}

func (s *recordSurface) Present(img *image.RGBA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	s.sizes = append(s.sizes, img.Rect.Size())
	if !img.Rect.Empty() {
		s.last = img.RGBAAt(img.Rect.Dx()/2, img.Rect.Dy()/2)
	}
}

func (s *recordSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *recordSurface) center() color.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type fakeHandle struct {
	statuses chan Status
	frames   chan Frame
	closed   atomic.Bool

	mu     sync.Mutex
	latest Frame
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{statuses: make(chan Status), frames: make(chan Frame)}
}

func (h *fakeHandle) Statuses() <-chan Status { return h.statuses }
func (h *fakeHandle) Frames() <-chan Frame    { return h.frames }
func (h *fakeHandle) Close() error            { h.closed.Store(true); return nil }

type probingHandle struct{ *fakeHandle }

func (h probingHandle) LatestFrame() (Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.latest.Image != nil
}

type fakeLive struct {
	h   VideoHandle
	err error
}

func (l fakeLive) LiveVideo(context.Context, string) (VideoHandle, error) { return l.h, l.err }

var red = color.RGBA{R: 255, A: 255}

func cam() domain.Source { return domain.Source{ID: "cam-1", Kind: domain.SourceCamera} }

func TestSessionPlayingWaitsForPixels(t *testing.T) {
	h := newFakeHandle()
	surf := &recordSurface{}
	s := NewSession(SessionConfig{Key: "l1", Source: cam(), Mode: ModeDirect, Width: 16, Height: 9, Live: fakeLive{h: h}, Surface: surf})
	defer s.Close()
	s.Open()

	h.statuses <- StatusPlaying
	eventually(t, "connecting", func() bool { return s.State().Status == StatusConnecting })
	h.frames <- Frame{Seq: 1}
	if s.State().Status == StatusPlaying {
		t.Fatalf("an empty frame must not mark the session playing")
	}
	h.frames <- Frame{Image: solid(4, 4, red), Seq: 2}
	eventually(t, "playing", func() bool { return s.State().Status == StatusPlaying })
	if surf.center() != red {
		t.Fatalf("surface center = %v, want red", surf.center())
	}
}

func TestSessionFrameBeforePlayingStaysConnecting(t *testing.T) {
	h := newFakeHandle()
	s := NewSession(SessionConfig{Source: cam(), Mode: ModeDirect, Width: 8, Height: 8, Live: fakeLive{h: h}, Surface: &recordSurface{}})
	defer s.Close()
	s.Open()
	h.frames <- Frame{Image: solid(2, 2, red)}
	h.statuses <- StatusConnecting
	if st := s.State().Status; st == StatusPlaying {
		t.Fatalf("status = %v before the connection plays", st)
	}
	h.statuses <- StatusPlaying
	eventually(t, "playing", func() bool { return s.State().Status == StatusPlaying })
}

func TestSessionWorkerTransfersAndReleases(t *testing.T) {
	w := NewWorker(4)
	pool := NewBitmapPool()
	h := newFakeHandle()
	surf := &recordSurface{}
	s := NewSession(SessionConfig{Source: cam(), Mode: ModeWorker, Width: 32, Height: 18, Live: fakeLive{h: h}, Worker: w, Pool: pool, Surface: surf})
	s.Open()
	h.statuses <- StatusPlaying
	for i := 0; i < 5; i++ {
		h.frames <- Frame{Image: solid(8, 8, red), Seq: uint64(i)}
	}
	eventually(t, "worker presented", func() bool { return w.Stats().Presented > 0 })
	if s.State().Mode != ModeWorker {
		t.Fatalf("mode = %v, want worker", s.State().Mode)
	}
	s.Close()
	eventually(t, "unregistered", func() bool { return w.Stats().Surfaces == 0 })
	w.Close()
	eventually(t, "bitmaps released", func() bool { return pool.Outstanding() == 0 })
	if !h.closed.Load() {
		t.Fatalf("live handle must be closed")
	}
}

func TestSessionFallsBackToDirectWhenWorkerUnavailable(t *testing.T) {
	w := NewWorker(1)
	w.Close()
	h := newFakeHandle()
	surf := &recordSurface{}
	s := NewSession(SessionConfig{Source: cam(), Mode: ModeWorker, Width: 8, Height: 8, Live: fakeLive{h: h}, Worker: w, Surface: surf})
	defer s.Close()
	s.Open()
	h.statuses <- StatusPlaying
	h.frames <- Frame{Image: solid(4, 4, red)}
	eventually(t, "playing", func() bool { return s.State().Status == StatusPlaying })
	if s.State().Mode != ModeDirect {
		t.Fatalf("mode = %v, want direct", s.State().Mode)
	}
}

func TestSessionLiveErrorSwitchesToStill(t *testing.T) {
	timers := &anim.FakeTimers{}
	f := &stubFetcher{}
	surf := &recordSurface{}
	s := NewSession(SessionConfig{
		Source:   cam(),
		Mode:     ModeDirect,
		Width:    8,
		Height:   6,
		Live:     fakeLive{err: errors.New("no stream")},
		StillURL: func(w, h int) string { return "http://studio/snap" },
		Fetcher:  f,
		Surface:  surf,
		Timers:   timers,
	})
	defer s.Close()
	s.Open()
	eventually(t, "still poll scheduled", func() bool { return timers.Pending() == 1 })
	timers.FireNext()
	st := s.State()
	if st.Mode != ModeStill || st.Status != StatusPlaying {
		t.Fatalf("state = %+v, want still/playing", st)
	}
	if surf.center().R != 200 {
		t.Fatalf("still image not presented: %v", surf.center())
	}
}

func TestSessionLiveErrorWithoutStillShowsError(t *testing.T) {
	h := newFakeHandle()
	surf := &recordSurface{}
	s := NewSession(SessionConfig{Source: cam(), Mode: ModeDirect, Width: 8, Height: 8, Live: fakeLive{h: h}, Surface: surf})
	defer s.Close()
	s.Open()
	h.statuses <- StatusError
	eventually(t, "error", func() bool { return s.State().Status == StatusError })
	if !h.closed.Load() {
		t.Fatalf("failed handle must be closed")
	}
}

func TestSessionMissingSourceIsUnavailable(t *testing.T) {
	surf := &recordSurface{}
	s := NewSession(SessionConfig{Source: domain.Source{ID: "gone"}, Missing: true, Width: 10, Height: 10, Surface: surf})
	s.Open()
	if st := s.State(); st.Status != StatusUnavailable || st.Err == nil {
		t.Fatalf("state = %+v", st)
	}
	if surf.count() != 1 {
		t.Fatalf("placeholder presents = %d", surf.count())
	}
	s.Close()
	s.Close()
}

func TestSessionReadinessPollingFindsFirstFrame(t *testing.T) {
	timers := &anim.FakeTimers{}
	sched := &anim.ManualScheduler{}
	h := probingHandle{newFakeHandle()}
	s := NewSession(SessionConfig{
		Source: cam(), Mode: ModeDirect, Width: 8, Height: 8,
		Live: fakeLive{h: h}, Surface: &recordSurface{},
		Timers: timers, Scheduler: sched, ReadinessPoll: 300 * time.Millisecond,
	})
	defer s.Close()
	s.Open()
	h.statuses <- StatusPlaying
	eventually(t, "readiness timer", func() bool { return timers.Pending() == 1 })

	timers.FireNext()
	if sched.Step() != 1 {
		t.Fatalf("readiness check should run on the next frame")
	}
	if s.State().Status == StatusPlaying {
		t.Fatalf("no frame yet, must not be playing")
	}
	h.mu.Lock()
	h.latest = Frame{Image: solid(2, 2, red)}
	h.mu.Unlock()
	if d, _ := timers.FireNext(); d != 300*time.Millisecond {
		t.Fatalf("poll interval = %v", d)
	}
	sched.Step()
	if s.State().Status != StatusPlaying {
		t.Fatalf("status = %v after the readiness check found pixels", s.State().Status)
	}
	if timers.Pending() != 0 || sched.Pending() != 0 {
		t.Fatalf("polling must stop once ready")
	}
}

func TestSessionCloseCancelsPolling(t *testing.T) {
	timers := &anim.FakeTimers{}
	sched := &anim.ManualScheduler{}
	h := probingHandle{newFakeHandle()}
	s := NewSession(SessionConfig{Source: cam(), Mode: ModeDirect, Width: 8, Height: 8, Live: fakeLive{h: h}, Surface: &recordSurface{}, Timers: timers, Scheduler: sched})
	s.Open()
	h.statuses <- StatusPlaying
	eventually(t, "readiness timer", func() bool { return timers.Pending() == 1 })
	s.Close()
	if timers.Pending() != 0 {
		t.Fatalf("close must cancel readiness timers")
	}
	if !h.closed.Load() {
		t.Fatalf("close must close the handle")
	}
}

func TestWorkerOwnership(t *testing.T) {
	w := NewWorker(2)
	pool := NewBitmapPool()
	surf := &recordSurface{}
	h, err := w.Register(surf, 4, 4)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := w.Register(surf, 0, 4); !errors.Is(err, ErrBadSize) {
		t.Fatalf("zero size err = %v", err)
	}
	if err := w.Transfer(h, pool.Snapshot(solid(2, 2, red))); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// unknown handles are dropped by the worker, which still owns the bitmap
	if err := w.Transfer("nope", pool.Snapshot(solid(2, 2, red))); err != nil {
		t.Fatalf("transfer unknown: %v", err)
	}
	eventually(t, "frames handled", func() bool {
		st := w.Stats()
		return st.Presented == 1 && st.Dropped == 1
	})
	if err := w.Unregister("nope"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("unregister unknown err = %v", err)
	}
	w.Close()

	bm := pool.Snapshot(solid(2, 2, red))
	if err := w.Transfer(h, bm); !errors.Is(err, ErrWorkerClosed) {
		t.Fatalf("transfer after close err = %v", err)
	}
	if err := bm.Release(); err != nil {
		t.Fatalf("caller release: %v", err)
	}
	if err := bm.Release(); !errors.Is(err, ErrReleased) {
		t.Fatalf("double release err = %v", err)
	}
	if pool.Outstanding() != 0 {
		t.Fatalf("outstanding = %d", pool.Outstanding())
	}
	if surf.count() != 1 || surf.center() != red {
		t.Fatalf("surface presents=%d center=%v", surf.count(), surf.center())
	}
}

func TestManagerHideGraceAndCloseAll(t *testing.T) {
	timers := &anim.FakeTimers{}
	m := NewManager(timers, 3*time.Second)
	cfg := SessionConfig{Source: domain.Source{ID: "x"}, Missing: true, Width: 4, Height: 4, Surface: &recordSurface{}}

	s1, created := m.Show("a", cfg)
	if !created {
		t.Fatalf("first show should create")
	}
	m.Hide("a")
	timers.Advance(time.Second)
	s2, created := m.Show("a", cfg)
	if created || s2 != s1 {
		t.Fatalf("show within grace must reuse the session")
	}
	if timers.Pending() != 0 {
		t.Fatalf("reshow must cancel the hide timer")
	}
	m.Hide("a")
	timers.Advance(3 * time.Second)
	if m.Len() != 0 {
		t.Fatalf("hidden session should close after grace")
	}

	m.Show("b", cfg)
	m.Show("c", cfg)
	m.Retain(map[string]bool{"c": true})
	if keys := m.Keys(); len(keys) != 1 || keys[0] != "c" {
		t.Fatalf("keys = %v", keys)
	}
	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("len = %d", m.Len())
	}
}

type seqLive struct {
	mu sync.Mutex
	hs []*fakeHandle
	n  int
}

func (l *seqLive) LiveVideo(context.Context, string) (VideoHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.hs[l.n]
	l.n++
	return h, nil
}

func (l *seqLive) opened() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func TestSessionRetryRetiresPreviousHandle(t *testing.T) {
	w := NewWorker(4)
	defer w.Close()
	h1, h2 := newFakeHandle(), newFakeHandle()
	live := &seqLive{hs: []*fakeHandle{h1, h2}}
	s := NewSession(SessionConfig{Source: cam(), Mode: ModeWorker, Width: 16, Height: 9, Live: live, Worker: w, Surface: &recordSurface{}})
	s.Open()

	h1.statuses <- StatusUnavailable
	eventually(t, "unavailable", func() bool { return s.State().Status == StatusUnavailable })
	if !s.Retry() {
		t.Fatal("Retry refused an unavailable live session")
	}
	if !h1.closed.Load() {
		t.Fatal("retry must close the previous handle")
	}
	eventually(t, "second handle opened", func() bool { return live.opened() == 2 })
	h2.statuses <- StatusPlaying
	if got := w.Stats().Surfaces; got != 1 {
		t.Fatalf("worker surfaces after retry = %d, want 1", got)
	}

	s.Close()
	if !h2.closed.Load() {
		t.Fatal("close must close the current handle")
	}
	eventually(t, "no registrations left", func() bool { return w.Stats().Surfaces == 0 })
}
