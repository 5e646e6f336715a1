/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package studio

import (
	"context"
	"errors"
	"sync"
	"testing"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
)

type switcher struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{}
}

func (s *switcher) SetProgramScene(ctx context.Context, id string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	return s.err
}

func newMachine(t *testing.T) (*Machine, *switcher, *anim.ManualScheduler) {
	t.Helper()
	sw := &switcher{}
	sched := &anim.ManualScheduler{}
	return New(sw, sched), sw, sched
}

func TestTakeRejectedWhenScenesEqual(t *testing.T) {
	m, sw, _ := newMachine(t)
	if err := m.Take(context.Background()); !errors.Is(err, ErrStudioOff) {
		t.Fatalf("take with studio off: %v", err)
	}
	m.Enable("main")
	if m.Phase() != Idle || m.CanTake() {
		t.Fatalf("phase = %v, want idle", m.Phase())
	}
	if err := m.Take(context.Background()); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("take with equal scenes: %v", err)
	}
	if len(sw.calls) != 0 {
		t.Fatalf("switcher called for a rejected take")
	}
}

func TestTakePromotesPreview(t *testing.T) {
	m, sw, _ := newMachine(t)
	m.Enable("main")
	if err := m.SetPreviewScene("interview"); err != nil {
		t.Fatalf("SetPreviewScene: %v", err)
	}
	if st := m.State(); st.ProgramSceneID != "main" {
		t.Fatalf("preview selection changed program: %+v", st)
	}
	if m.Phase() != Armed {
		t.Fatalf("phase = %v, want armed", m.Phase())
	}
	if err := m.Take(context.Background()); err != nil {
		t.Fatalf("Take: %v", err)
	}
	st := m.State()
	if st.ProgramSceneID != "interview" {
		t.Fatalf("program = %q, want interview", st.ProgramSceneID)
	}
	if len(sw.calls) != 1 || sw.calls[0] != "interview" {
		t.Fatalf("switcher calls = %v", sw.calls)
	}
	if m.Phase() != Idle {
		t.Fatalf("after take phase = %v, want idle", m.Phase())
	}
	// the prior program scene can be picked for the next preview
	if err := m.SetPreviewScene("main"); err != nil || !m.CanTake() {
		t.Fatalf("re-arming with prior program failed: %v", err)
	}
}

func TestTakeFailureKeepsState(t *testing.T) {
	m, sw, _ := newMachine(t)
	sw.err = errors.New("backend down")
	m.Enable("a")
	_ = m.SetPreviewScene("b")
	if err := m.Take(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if st := m.State(); st.ProgramSceneID != "a" || st.PreviewSceneID != "b" || m.Phase() != Armed {
		t.Fatalf("state changed after failed take: %+v %v", st, m.Phase())
	}
}

func TestTakeWhileInFlightRejected(t *testing.T) {
	m, sw, _ := newMachine(t)
	sw.block = make(chan struct{})
	m.Enable("a")
	_ = m.SetPreviewScene("b")

	phases := make(chan Phase, 8)
	unsub := m.Subscribe(func(_ domain.StudioState, p Phase) { phases <- p })
	defer unsub()

	done := make(chan error, 1)
	go func() { done <- m.Take(context.Background()) }()
	if p := <-phases; p != Transitioning {
		t.Fatalf("first notification = %v, want transitioning", p)
	}
	if err := m.Take(context.Background()); !errors.Is(err, ErrTransitionInFlight) {
		t.Fatalf("second take: %v", err)
	}
	if err := m.BeginTBar(); !errors.Is(err, ErrTransitionInFlight) {
		t.Fatalf("tbar during transition: %v", err)
	}
	close(sw.block)
	if err := <-done; err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(sw.calls) != 1 {
		t.Fatalf("switcher calls = %v", sw.calls)
	}
}

func TestTBarOnlyWhenArmedAndThrottled(t *testing.T) {
	m, _, sched := newMachine(t)
	m.Enable("a")
	if err := m.BeginTBar(); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("tbar while idle: %v", err)
	}
	_ = m.SetPreviewScene("b")
	if err := m.BeginTBar(); err != nil {
		t.Fatalf("BeginTBar: %v", err)
	}
	if !m.State().TBarDragging {
		t.Fatalf("dragging flag not set")
	}
	notified := 0
	m.Subscribe(func(domain.StudioState, Phase) { notified++ })
	m.MoveTBar(0.1)
	m.MoveTBar(0.4)
	m.MoveTBar(1.7)
	sched.Step()
	if got := m.State().TBarProgress; got != 1 {
		t.Fatalf("progress = %v, want clamped 1", got)
	}
	if notified != 1 {
		t.Fatalf("notifications for one frame = %d", notified)
	}
	m.MoveTBar(0.63)
	m.EndTBar()
	st := m.State()
	if st.TBarProgress != 0.63 || st.TBarDragging {
		t.Fatalf("release must keep the final position: %+v", st)
	}
	if st.ProgramSceneID != "a" {
		t.Fatalf("full T-bar must not take automatically")
	}
}

func TestDisableResetsState(t *testing.T) {
	m, _, _ := newMachine(t)
	m.Enable("a")
	_ = m.SetPreviewScene("b")
	m.Disable()
	if st := m.State(); st != (domain.StudioState{}) {
		t.Fatalf("state after disable: %+v", st)
	}
	if err := m.SetPreviewScene("c"); err != nil {
		t.Fatalf("preview with studio off: %v", err)
	}
	if st := m.State(); st.Enabled || st.PreviewSceneID != "c" || m.Phase() != Idle || m.CanTake() {
		t.Fatalf("preview selection with studio off: %+v %v", st, m.Phase())
	}
	if err := m.Take(context.Background()); !errors.Is(err, ErrStudioOff) {
		t.Fatalf("take with studio off: %v", err)
	}
	m.Enable("a")
	if st := m.State(); st.PreviewSceneID != "a" || st.ProgramSceneID != "a" {
		t.Fatalf("enable must start from the program scene: %+v", st)
	}
	m.Disable()
	m.Restore(domain.StudioState{Enabled: true, PreviewSceneID: "x", ProgramSceneID: "y", TBarProgress: 3, TBarDragging: true})
	if st := m.State(); st.TBarProgress != 1 || st.TBarDragging || m.Phase() != Armed {
		t.Fatalf("restore: %+v %v", st, m.Phase())
	}
}
