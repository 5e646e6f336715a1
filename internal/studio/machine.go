/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package studio implements Studio Mode: a Preview scene being prepared, the
// Program scene on air, a manual T-bar crossfade and the Take operation that
// promotes Preview to Program.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
	applog "livestudio/internal/log"
	"livestudio/internal/telemetry"
)

// Phase is the derived state of the transition machine.
type Phase int

const (
	// Idle: Studio Mode is off or Preview equals Program.
	Idle Phase = iota
	// Armed: Preview and Program differ; Take and the T-bar are available.
	Armed
	// Transitioning: a Take is in flight.
	Transitioning
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Transitioning:
		return "transitioning"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var (
	ErrStudioOff          = errors.New("studio mode is off")
	ErrNotArmed           = errors.New("preview and program show the same scene")
	ErrTransitionInFlight = errors.New("a transition is already in progress")
)

// ProgramSwitcher puts a scene on air. Implemented by the backend.
type ProgramSwitcher interface {
	SetProgramScene(ctx context.Context, sceneID string) error
}

// Listener is notified after every state change.
type Listener func(domain.StudioState, Phase)

// Machine is safe for concurrent use; listeners run on the goroutine that
// caused the change.
type Machine struct {
	sw  ProgramSwitcher
	log *slog.Logger

	mu       sync.Mutex
	st       domain.StudioState
	inFlight bool
	subs     map[int]Listener
	nextSub  int

	tbar *anim.Throttle[float64]
}

// New creates a machine with Studio Mode off.
func New(sw ProgramSwitcher, sched anim.Scheduler) *Machine {
	if sched == nil {
		sched = anim.NewTickerScheduler(nil)
	}
	m := &Machine{sw: sw, log: applog.WithComponent("studio"), subs: map[int]Listener{}}
	m.tbar = anim.NewThrottle(sched, m.applyTBar)
	return m
}

// Enable turns Studio Mode on with both panes showing the current program scene.
// Enabling twice keeps the existing selection.
func (m *Machine) Enable(programSceneID string) {
	m.mu.Lock()
	if m.st.Enabled {
		m.mu.Unlock()
		return
	}
	m.st = domain.StudioState{Enabled: true, PreviewSceneID: programSceneID, ProgramSceneID: programSceneID}
	m.mu.Unlock()
	m.log.Info("studio mode enabled", slog.String("program", programSceneID))
	m.notify()
}

// Restore re-enters Studio Mode from persisted state.
func (m *Machine) Restore(st domain.StudioState) {
	m.mu.Lock()
	st.TBarDragging = false
	st.TBarProgress = clamp01(st.TBarProgress)
	m.st = st
	m.mu.Unlock()
	m.notify()
}

// Disable turns Studio Mode off and clears its state.
func (m *Machine) Disable() {
	m.tbar.Stop()
	m.mu.Lock()
	m.st = domain.StudioState{}
	m.mu.Unlock()
	m.log.Info("studio mode disabled")
	m.notify()
}

// State returns a copy of the current state.
func (m *Machine) State() domain.StudioState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Phase returns the derived phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phaseLocked()
}

func (m *Machine) phaseLocked() Phase {
	switch {
	case m.inFlight:
		return Transitioning
	case !m.st.Enabled || m.st.PreviewSceneID == m.st.ProgramSceneID:
		return Idle
	default:
		return Armed
	}
}

// CanTake reports whether Take would be accepted now.
func (m *Machine) CanTake() bool { return m.Phase() == Armed }

// SetPreviewScene selects the scene shown in the Preview pane. Program is
// untouched. It is accepted with Studio Mode off too; the selection is kept
// but the machine stays Idle, and Enable starts from the program scene.
func (m *Machine) SetPreviewScene(id string) error {
	m.mu.Lock()
	if m.st.PreviewSceneID == id {
		m.mu.Unlock()
		return nil
	}
	m.st.PreviewSceneID = id
	m.mu.Unlock()
	m.notify()
	return nil
}

// Take promotes Preview to Program. It is rejected unless the machine is Armed.
// A failed switch leaves the state as it was.
func (m *Machine) Take(ctx context.Context) error {
	m.mu.Lock()
	switch m.phaseLocked() {
	case Transitioning:
		m.mu.Unlock()
		return ErrTransitionInFlight
	case Idle:
		off := !m.st.Enabled
		m.mu.Unlock()
		if off {
			return ErrStudioOff
		}
		return ErrNotArmed
	}
	m.inFlight = true
	target := m.st.PreviewSceneID
	prior := m.st.ProgramSceneID
	m.mu.Unlock()
	m.notify()

	start := time.Now()
	var err error
	if m.sw != nil {
		err = m.sw.SetProgramScene(ctx, target)
	}

	m.mu.Lock()
	m.inFlight = false
	if err == nil {
		m.st.ProgramSceneID = target
		m.st.TBarProgress = 0
		m.st.TBarDragging = false
	}
	m.mu.Unlock()
	m.notify()

	if err != nil {
		m.log.Error("take failed", slog.String("preview", target), slog.Any("err", err))
		return fmt.Errorf("take %s: %w", target, err)
	}
	m.log.Info("take", slog.String("program", target), slog.String("prior", prior))
	telemetry.Event(telemetry.EventTake, telemetry.Props{"ms": time.Since(start).Milliseconds()})
	return nil
}

// BeginTBar starts a T-bar drag. Only available while Armed.
func (m *Machine) BeginTBar() error {
	m.mu.Lock()
	if p := m.phaseLocked(); p != Armed {
		m.mu.Unlock()
		if p == Transitioning {
			return ErrTransitionInFlight
		}
		return ErrNotArmed
	}
	m.st.TBarDragging = true
	m.mu.Unlock()
	m.notify()
	return nil
}

// MoveTBar records a new T-bar position; it is applied on the next frame.
func (m *Machine) MoveTBar(v float64) {
	if v != v { // NaN
		return
	}
	m.tbar.Push(v)
}

// EndTBar applies the final position and ends the drag. The bar stays where
// the operator released it.
func (m *Machine) EndTBar() {
	m.tbar.Flush()
	m.mu.Lock()
	was := m.st.TBarDragging
	m.st.TBarDragging = false
	m.mu.Unlock()
	if was {
		m.notify()
	}
}

func (m *Machine) applyTBar(v float64) {
	m.mu.Lock()
	if m.phaseLocked() != Armed {
		m.mu.Unlock()
		return
	}
	v = clamp01(v)
	if v == m.st.TBarProgress {
		m.mu.Unlock()
		return
	}
	m.st.TBarProgress = v
	m.mu.Unlock()
	m.notify()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Subscribe registers l and returns a function removing it.
func (m *Machine) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Machine) notify() {
	m.mu.Lock()
	st := m.st
	ph := m.phaseLocked()
	ls := make([]Listener, 0, len(m.subs))
	for _, l := range m.subs {
		ls = append(ls, l)
	}
	m.mu.Unlock()
	for _, l := range ls {
		l(st, ph)
	}
}
