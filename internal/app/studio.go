/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package app wires a backend, the frame pipeline, the studio transition
// machine and two scene canvases (edit/preview and program) into the studio
// the desktop UI and the CLI drive. It has no UI dependencies.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"livestudio/internal/anim"
	"livestudio/internal/backend"
	"livestudio/internal/config"
	"livestudio/internal/domain"
	applog "livestudio/internal/log"
	"livestudio/internal/pipeline"
	"livestudio/internal/scene"
	"livestudio/internal/studio"
	"livestudio/internal/transform"
	"livestudio/internal/undo"
)

var ErrUnknownScene = errors.New("unknown scene")

// Options configures a Studio. Zero values fall back to config.Defaults.
type Options struct {
	Pipeline      config.PipelineConfig
	StillQuality  int
	StudioOnStart bool

	Scheduler anim.Scheduler
	// Timers drive still polling and the hidden-session grace. Still fetches
	// run inside their callbacks, so they must not be dispatched to the UI.
	Timers anim.Timers
	// Dispatch runs callbacks on the UI goroutine; nil runs them inline.
	Dispatch func(func())
	Input    transform.InputBinder

	OnChange func()
	OnError  func(error)
	Logger   *slog.Logger
}

// OptionsFromConfig maps the user config onto Options.
func OptionsFromConfig(c config.AppConfig) Options {
	return Options{Pipeline: c.Pipeline, StillQuality: c.Studio.StillQuality, StudioOnStart: c.Studio.StudioModeOnStart}
}

// PolicyFromConfig builds the still-image backoff policy from pipeline tuning.
func PolicyFromConfig(p config.PipelineConfig) pipeline.BackoffPolicy {
	pol := pipeline.BackoffPolicy{Base: p.StillBase(), Factor: p.StillFactor, Max: p.StillMax(), MaxFailures: p.StillMaxFailures}
	if pol.Base <= 0 || pol.Factor <= 1 || pol.MaxFailures <= 0 {
		return pipeline.DefaultBackoffPolicy()
	}
	return pol
}

// Studio is one open profile.
type Studio struct {
	be  backend.Backend
	opt Options
	log *slog.Logger

	mgr     *pipeline.Manager
	worker  *pipeline.Worker
	undo    *undo.Manager
	machine *studio.Machine
	ticker  *anim.TickerScheduler // owned when no scheduler was supplied

	// Edit is the editable pane: the active scene, or Preview in Studio Mode.
	Edit *scene.Orchestrator
	// Program is the read-only on-air pane, populated in Studio Mode only.
	Program *scene.Orchestrator

	mu      sync.Mutex
	profile domain.Profile
	// gen counts profile loads; a pane showing the same scene at the same
	// gen already holds newer local state than the profile copy.
	gen       uint64
	editShown paneShown
	progShown paneShown
	thumbs    map[string]Thumbnail
	unsub     func()
	closed    bool
}

type paneShown struct {
	sceneID string
	gen     uint64
}

// New builds a studio on top of be. Call Load to fetch the profile.
func New(be backend.Backend, opt Options) *Studio {
	d := config.Defaults()
	if opt.Pipeline.Renderer == "" {
		opt.Pipeline = d.Pipeline
	}
	if opt.StillQuality <= 0 || opt.StillQuality > 100 {
		opt.StillQuality = d.Studio.StillQuality
	}
	var ticker *anim.TickerScheduler
	if opt.Scheduler == nil {
		ticker = anim.NewTickerScheduler(opt.Dispatch)
		opt.Scheduler = ticker
	}
	if opt.Timers == nil {
		opt.Timers = anim.RealTimers{}
	}
	l := opt.Logger
	if l == nil {
		l = applog.WithComponent("studio-app")
	}
	s := &Studio{
		be:     be,
		opt:    opt,
		log:    l,
		mgr:    pipeline.NewManager(opt.Timers, opt.Pipeline.HideGrace()),
		undo:   undo.NewManager(undo.Config{MaxPerScene: 100}),
		ticker: ticker,
	}
	caps := pipeline.Caps{LiveVideo: true}
	switch opt.Pipeline.Renderer {
	case "auto", "worker":
		s.worker = pipeline.NewWorker(opt.Pipeline.WorkerQueue)
		caps.Worker = true
	}
	frames := func() *scene.Frames {
		return &scene.Frames{
			Manager: s.mgr,
			Base: pipeline.SessionConfig{
				Live:          be,
				Fetcher:       be,
				Worker:        s.worker,
				Pool:          pipeline.NewBitmapPool(),
				Scheduler:     opt.Scheduler,
				Timers:        opt.Timers,
				Policy:        PolicyFromConfig(opt.Pipeline),
				ReadinessPoll: opt.Pipeline.ReadinessPoll(),
			},
			StillURL: func(target string, w, h int) string { return be.StillImageURL(target, w, h, opt.StillQuality) },
			Renderer: opt.Pipeline.Renderer,
			Caps:     caps,
		}
	}
	s.machine = studio.New(programSwitcher{s}, opt.Scheduler)
	s.Edit = scene.New(scene.Config{
		Name:      "edit",
		Persister: layerPersister{s},
		Undo:      s.undo,
		Frames:    frames(),
		Scheduler: opt.Scheduler,
		Input:     opt.Input,
		Dispatch:  opt.Dispatch,
		OnChange:  s.changed,
		OnError:   s.fail,
		Logger:    l,
	})
	s.Program = scene.New(scene.Config{
		Name:      "program",
		ReadOnly:  true,
		Frames:    frames(),
		Scheduler: opt.Scheduler,
		Dispatch:  opt.Dispatch,
		OnChange:  s.changed,
		Logger:    l,
	})
	s.unsub = s.machine.Subscribe(func(domain.StudioState, studio.Phase) {
		s.syncPanes()
		s.changed()
	})
	return s
}

// Load fetches the profile and restores Studio Mode from it.
func (s *Studio) Load(ctx context.Context) error {
	p, err := s.be.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	s.mu.Lock()
	s.profile = p
	s.gen++
	s.mu.Unlock()
	s.log.Info("profile loaded", slog.String("profile", p.ID), slog.Int("scenes", len(p.Scenes)))

	switch {
	case p.Studio != nil && p.Studio.Enabled:
		s.machine.Restore(*p.Studio)
	case s.opt.StudioOnStart:
		s.machine.Enable(s.programSceneID())
	default:
		s.syncPanes()
	}
	return nil
}

// Reload re-reads the profile, picking up changes made elsewhere.
func (s *Studio) Reload(ctx context.Context) error {
	p, err := s.be.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("reload profile: %w", err)
	}
	s.mu.Lock()
	s.profile = p
	s.gen++
	s.mu.Unlock()
	s.syncPanes()
	s.changed()
	return nil
}

// Profile returns the last known profile.
func (s *Studio) Profile() domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Backend returns the backend the studio talks to.
func (s *Studio) Backend() backend.Backend { return s.be }

// Machine exposes the transition machine for T-bar and Take controls.
func (s *Studio) Machine() *studio.Machine { return s.machine }

// Undo exposes the transform undo history.
func (s *Studio) Undo() *undo.Manager { return s.undo }

func (s *Studio) programSceneID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile.ActiveSceneID != "" {
		return s.profile.ActiveSceneID
	}
	if len(s.profile.Scenes) > 0 {
		return s.profile.Scenes[0].ID
	}
	return ""
}

// EditSceneID is the scene shown in the editable pane.
func (s *Studio) EditSceneID() string {
	if st := s.machine.State(); st.Enabled {
		return st.PreviewSceneID
	}
	return s.programSceneID()
}

// syncPanes shows the scenes the current studio state asks for. A pane that
// already shows the wanted scene of the current profile load is left alone,
// so T-bar moves and other notifications never overwrite optimistic edits.
func (s *Studio) syncPanes() {
	st := s.machine.State()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	p, gen := s.profile, s.gen
	s.mu.Unlock()

	editID := p.ActiveSceneID
	if st.Enabled {
		editID = st.PreviewSceneID
	}
	edit, ok := p.SceneByID(editID)
	if !ok && len(p.Scenes) > 0 {
		edit, ok = &p.Scenes[0], true
	}
	if ok && s.markShown(&s.editShown, edit.ID, gen) {
		s.Edit.SetScene(*edit, p.Sources)
	}

	if !st.Enabled {
		if s.markShown(&s.progShown, "", gen) {
			s.Program.SetScene(domain.Scene{}, nil)
		}
		return
	}
	if sc, ok := p.SceneByID(st.ProgramSceneID); ok && s.markShown(&s.progShown, sc.ID, gen) {
		s.Program.SetScene(*sc, p.Sources)
	}
}

// markShown records what a pane shows and reports whether it changed.
func (s *Studio) markShown(pane *paneShown, sceneID string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := paneShown{sceneID: sceneID, gen: gen}
	if *pane == want {
		return false
	}
	*pane = want
	return true
}

// SetStudioMode turns Studio Mode on or off and persists the result.
func (s *Studio) SetStudioMode(ctx context.Context, on bool) error {
	if on {
		s.machine.Enable(s.programSceneID())
	} else {
		s.machine.Disable()
	}
	return s.saveStudio(ctx)
}

// SelectScene puts a scene into Preview in Studio Mode, or on air otherwise.
func (s *Studio) SelectScene(ctx context.Context, id string) error {
	p := s.Profile()
	if _, ok := p.SceneByID(id); !ok {
		return fmt.Errorf("scene %s: %w", id, ErrUnknownScene)
	}
	if s.machine.State().Enabled {
		if err := s.machine.SetPreviewScene(id); err != nil {
			return err
		}
		return s.saveStudio(ctx)
	}
	if err := s.switchProgram(ctx, id); err != nil {
		s.fail(err)
		return err
	}
	s.syncPanes()
	s.changed()
	return nil
}

// Take promotes Preview to Program.
func (s *Studio) Take(ctx context.Context) error {
	if err := s.machine.Take(ctx); err != nil {
		return err
	}
	return s.saveStudio(ctx)
}

// BeginTBar, MoveTBar and EndTBar drive the manual transition bar.
func (s *Studio) BeginTBar() error   { return s.machine.BeginTBar() }
func (s *Studio) MoveTBar(v float64) { s.machine.MoveTBar(v) }

// EndTBar releases the bar and persists its position.
func (s *Studio) EndTBar(ctx context.Context) error {
	s.machine.EndTBar()
	return s.saveStudio(ctx)
}

func (s *Studio) saveStudio(ctx context.Context) error {
	st := s.machine.State()
	if !st.Enabled {
		p := s.Profile()
		st = domain.StudioState{PreviewSceneID: p.ActiveSceneID, ProgramSceneID: p.ActiveSceneID}
	}
	if err := s.be.SaveStudioState(ctx, st); err != nil {
		s.log.Warn("studio state not saved", slog.Any("err", err))
		return fmt.Errorf("save studio state: %w", err)
	}
	s.mu.Lock()
	s.profile.Studio = &st
	s.mu.Unlock()
	return nil
}

func (s *Studio) switchProgram(ctx context.Context, id string) error {
	if err := s.be.SetProgramScene(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.profile.ActiveSceneID = id
	if s.profile.Studio != nil {
		s.profile.Studio.ProgramSceneID = id
	}
	s.mu.Unlock()
	return nil
}

// programSwitcher lets the machine put scenes on air through the backend.
type programSwitcher struct{ s *Studio }

func (p programSwitcher) SetProgramScene(ctx context.Context, id string) error {
	return p.s.switchProgram(ctx, id)
}

// layerPersister forwards edits to the backend and mirrors accepted layers
// into the profile copy and the program pane.
type layerPersister struct{ s *Studio }

func (p layerPersister) UpdateLayerTransform(ctx context.Context, _, sceneID, layerID string, t domain.Transform) (domain.Layer, error) {
	l, err := p.s.be.UpdateLayerTransform(ctx, p.s.profileID(), sceneID, layerID, t)
	if err == nil {
		p.s.accepted(sceneID, l)
	}
	return l, err
}

// UpdateLayerFlags mirrors the optimistic flags into the profile copy before
// the backend answers; a rejected change is reported, not rolled back.
func (p layerPersister) UpdateLayerFlags(ctx context.Context, _, sceneID, layerID string, f domain.LayerFlags) (domain.Layer, error) {
	p.s.mirror(sceneID, func(sc *domain.Scene) {
		if cur, ok := sc.LayerByID(layerID); ok {
			*cur = f.Apply(*cur)
		}
	})
	l, err := p.s.be.UpdateLayerFlags(ctx, p.s.profileID(), sceneID, layerID, f)
	if err == nil {
		p.s.accepted(sceneID, l)
	}
	return l, err
}

func (p layerPersister) RemoveLayer(ctx context.Context, _, sceneID, layerID string) error {
	p.s.mirror(sceneID, func(sc *domain.Scene) {
		sc.Layers = slices.DeleteFunc(slices.Clone(sc.Layers), func(l domain.Layer) bool { return l.ID == layerID })
	})
	if err := p.s.be.RemoveLayer(ctx, p.s.profileID(), sceneID, layerID); err != nil {
		return err
	}
	if st := p.s.machine.State(); st.Enabled && st.ProgramSceneID == sceneID {
		prof := p.s.Profile()
		if sc, ok := prof.SceneByID(sceneID); ok {
			sc := *sc
			p.s.dispatch(func() { p.s.Program.SetScene(sc, prof.Sources) })
		}
	}
	return nil
}

// mirror edits a scene of the profile copy. Scenes and layers are copied
// first; the panes may still hold the previous slices.
func (s *Studio) mirror(sceneID string, fn func(sc *domain.Scene)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profile.SceneByID(sceneID); !ok {
		return
	}
	s.profile.Scenes = slices.Clone(s.profile.Scenes)
	sc, _ := s.profile.SceneByID(sceneID)
	sc.Layers = slices.Clone(sc.Layers)
	fn(sc)
}

func (s *Studio) profileID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.ID
}

func (s *Studio) accepted(sceneID string, l domain.Layer) {
	s.mirror(sceneID, func(sc *domain.Scene) {
		if cur, ok := sc.LayerByID(l.ID); ok {
			*cur = l
		}
	})
	if st := s.machine.State(); st.Enabled && st.ProgramSceneID == sceneID {
		s.dispatch(func() { s.Program.ApplyLayer(l) })
	}
}

func (s *Studio) dispatch(fn func()) {
	if s.opt.Dispatch != nil {
		s.opt.Dispatch(fn)
		return
	}
	fn()
}

func (s *Studio) changed() {
	if s.opt.OnChange != nil {
		s.opt.OnChange()
	}
}

func (s *Studio) fail(err error) {
	if s.opt.OnError != nil {
		s.opt.OnError(err)
	}
}

// Flush waits for pending edits to reach the backend.
func (s *Studio) Flush() { s.Edit.Flush() }

// Close tears down panes, sessions and the worker. The backend stays open.
func (s *Studio) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsub := s.unsub
	s.mu.Unlock()
	unsub()
	s.machine.Disable()
	s.Edit.Flush()
	s.Edit.Close()
	s.Program.Close()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.mgr.CloseAll(ctx)
	if s.worker != nil {
		s.worker.Close()
	}
	if s.ticker != nil {
		s.ticker.Close()
	}
	return err
}
