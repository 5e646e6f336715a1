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
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
	applog "livestudio/internal/log"
	"livestudio/internal/telemetry"
)

// maxReadinessPolls bounds the first-frame polling fallback.
const maxReadinessPolls = 40

// State is what a session reports to its viewer.
type State struct {
	Status Status
	Mode   Mode
	// Halted is set when still polling stopped and Retry is needed.
	Halted bool
	Err    error
}

// SessionConfig wires one rendering session.
type SessionConfig struct {
	Key    string
	Source domain.Source
	// Missing marks a layer whose source no longer exists.
	Missing bool
	Mode    Mode
	Width   int
	Height  int

	Live     LiveSource
	StillURL func(w, h int) string
	Fetcher  StillFetcher
	Worker   *Worker
	Pool     *BitmapPool
	Surface  Surface

	Scheduler     anim.Scheduler
	Timers        anim.Timers
	Policy        BackoffPolicy
	ReadinessPoll time.Duration

	OnState func(State)
	Logger  *slog.Logger
}

// Session renders one source onto one surface. It is created per visible
// layer instance and must be closed when the layer goes away.
type Session struct {
	cfg SessionConfig
	log *slog.Logger

	mu        sync.Mutex
	st        State
	conn      Status
	gotPixels bool
	closed    bool
	w, h      int
	ctx       context.Context
	cancel    context.CancelFunc

	handle VideoHandle
	wh     Handle
	direct *DirectRenderer
	still  *StillPoller
	// attempt is the live open in progress; cancelling it retires its
	// handle, pump and worker registration.
	attempt     context.Context
	stopAttempt context.CancelFunc

	readyStop   func() bool
	readyCancel func()
	readyPolls  int
}

// NewSession validates cfg. Call Open to start rendering.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Pool == nil {
		cfg.Pool = NewBitmapPool()
	}
	if cfg.Timers == nil {
		cfg.Timers = anim.RealTimers{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = anim.NewTickerScheduler(nil)
	}
	if cfg.ReadinessPoll <= 0 {
		cfg.ReadinessPoll = 300 * time.Millisecond
	}
	if cfg.Policy.Base <= 0 {
		cfg.Policy = DefaultBackoffPolicy()
	}
	l := cfg.Logger
	if l == nil {
		l = applog.WithComponent("pipeline")
	}
	l = l.With(slog.String("session", cfg.Key), slog.String("source", cfg.Source.ID))
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg: cfg, log: l,
		st:  State{Status: StatusIdle, Mode: cfg.Mode},
		w:   max(cfg.Width, 1), h: max(cfg.Height, 1),
		ctx: ctx, cancel: cancel,
	}
}

// State returns the current viewer state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Open starts the session. Live handles are opened asynchronously.
func (s *Session) Open() {
	s.mu.Lock()
	if s.closed || s.st.Status != StatusIdle {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch {
	case s.cfg.Missing:
		s.setState(State{Status: StatusUnavailable, Mode: s.cfg.Mode, Err: fmt.Errorf("source %q is missing", s.cfg.Source.ID)})
		s.presentCard(CardMissing, "missing source")
	case s.cfg.Mode == ModeStill:
		s.setState(State{Status: StatusLoading, Mode: ModeStill})
		s.startStill(nil)
	default:
		s.setState(State{Status: StatusLoading, Mode: s.cfg.Mode})
		s.presentCard(CardLoading, "")
		go s.openLive(s.newAttempt(), s.cfg.Mode)
	}
}

// newAttempt cancels the previous live attempt and starts a fresh one.
func (s *Session) newAttempt() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopAttempt != nil {
		s.stopAttempt()
	}
	s.attempt, s.stopAttempt = context.WithCancel(s.ctx)
	return s.attempt
}

func (s *Session) size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w, s.h
}

func (s *Session) openLive(ctx context.Context, mode Mode) {
	s.update(func(st *State) { st.Status = StatusConnecting; st.Mode = mode })
	if s.cfg.Live == nil {
		s.fallbackToStill(ctx, errors.New("no live video source"))
		return
	}
	h, err := s.cfg.Live.LiveVideo(ctx, s.cfg.Source.ID)
	if err != nil {
		s.log.Warn("live video unavailable", slog.Any("err", err))
		s.fallbackToStill(ctx, err)
		return
	}

	s.mu.Lock()
	if s.closed || ctx.Err() != nil {
		s.mu.Unlock()
		_ = h.Close()
		return
	}
	s.handle = h
	s.conn = StatusConnecting
	w, hh := s.w, s.h
	s.mu.Unlock()

	if mode == ModeWorker {
		wh, err := s.registerWorker(w, hh)
		if err != nil {
			s.log.Warn("worker registration failed, rendering directly", slog.Any("err", err))
			telemetry.Event(telemetry.EventPipelineFallback, telemetry.Props{"from": "worker", "to": "direct"})
			mode = ModeDirect
		} else {
			s.mu.Lock()
			if ctx.Err() != nil {
				s.mu.Unlock()
				_ = s.cfg.Worker.Unregister(wh)
				return
			}
			s.wh = wh
			s.mu.Unlock()
		}
	}
	if mode == ModeDirect {
		if err := s.ensureDirect(w, hh); err != nil {
			s.log.Error("direct renderer failed", slog.Any("err", err))
			telemetry.Event(telemetry.EventPipelineFallback, telemetry.Props{"from": "direct", "to": "placeholder"})
			if !s.releaseLive(ctx) {
				return
			}
			s.setState(State{Status: StatusUnavailable, Mode: ModeDirect, Err: err})
			s.presentCard(CardUnavailable, "no renderer")
			return
		}
	}
	s.update(func(st *State) { st.Mode = mode })
	s.pump(ctx, h, mode)
}

func (s *Session) registerWorker(w, h int) (Handle, error) {
	if s.cfg.Worker == nil {
		return "", errors.New("no render worker")
	}
	return s.cfg.Worker.Register(s.cfg.Surface, w, h)
}

func (s *Session) ensureDirect(w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.direct != nil {
		return s.direct.Resize(w, h)
	}
	d, err := NewDirectRenderer(s.cfg.Surface, w, h)
	if err != nil {
		return err
	}
	s.direct = d
	return nil
}

// pump consumes status and frame events until the handle ends or the
// session closes.
func (s *Session) pump(ctx context.Context, h VideoHandle, mode Mode) {
	statuses, frames := h.Statuses(), h.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				if frames == nil {
					s.liveEnded(ctx)
					return
				}
				continue
			}
			switch st {
			case StatusError:
				s.fallbackToStill(ctx, errors.New("live video reported an error"))
				return
			case StatusUnavailable:
				s.mu.Lock()
				s.conn = st
				s.mu.Unlock()
				s.refreshStatus()
				s.presentCard(CardUnavailable, "unavailable")
			default:
				s.mu.Lock()
				s.conn = st
				waiting := st == StatusPlaying && !s.gotPixels
				s.mu.Unlock()
				if waiting {
					s.startReadinessPoll()
				}
				s.refreshStatus()
			}
		case f, ok := <-frames:
			if !ok {
				frames = nil
				if statuses == nil {
					s.liveEnded(ctx)
					return
				}
				continue
			}
			if !f.HasPixels() {
				continue
			}
			if !s.deliver(ctx, f.Image, mode) {
				return
			}
			s.markPixels()
		}
	}
}

func (s *Session) liveEnded(ctx context.Context) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.fallbackToStill(ctx, errors.New("live video ended"))
	}
}

func (s *Session) markPixels() {
	s.mu.Lock()
	first := !s.gotPixels
	s.gotPixels = true
	s.stopReadinessLocked()
	s.mu.Unlock()
	if first {
		s.refreshStatus()
	}
}

// deliver renders one frame. It returns false when the session degraded
// and the pump must stop.
func (s *Session) deliver(ctx context.Context, img image.Image, mode Mode) bool {
	s.mu.Lock()
	wh, direct := s.wh, s.direct
	s.mu.Unlock()

	if mode == ModeWorker && wh != "" {
		bm := s.cfg.Pool.Snapshot(img)
		err := s.cfg.Worker.Transfer(wh, bm)
		if err == nil {
			return true
		}
		_ = bm.Release()
		if !errors.Is(err, ErrWorkerClosed) {
			// queue full: this frame is skipped, the next one will do
			return true
		}
		s.log.Warn("render worker gone, rendering directly")
		telemetry.Event(telemetry.EventPipelineFallback, telemetry.Props{"from": "worker", "to": "direct"})
		w, h := s.size()
		if err := s.ensureDirect(w, h); err != nil {
			s.degradeToPlaceholder(ctx, err)
			return false
		}
		s.mu.Lock()
		s.wh = ""
		direct = s.direct
		s.mu.Unlock()
		s.update(func(st *State) { st.Mode = ModeDirect })
		return s.deliver(ctx, img, ModeDirect)
	}
	if direct == nil {
		s.degradeToPlaceholder(ctx, errors.New("no renderer"))
		return false
	}
	if err := direct.Render(img); err != nil {
		s.degradeToPlaceholder(ctx, err)
		return false
	}
	return true
}

func (s *Session) degradeToPlaceholder(ctx context.Context, err error) {
	s.log.Error("rendering failed", slog.Any("err", err))
	telemetry.Event(telemetry.EventPipelineFallback, telemetry.Props{"to": "placeholder"})
	if !s.releaseLive(ctx) {
		return
	}
	s.setState(State{Status: StatusUnavailable, Mode: s.State().Mode, Err: err})
	s.presentCard(CardUnavailable, "unavailable")
}

// refreshStatus derives the viewer status: playing requires both a playing
// connection and at least one decoded frame with pixels.
func (s *Session) refreshStatus() {
	s.mu.Lock()
	st := s.conn
	if st == StatusPlaying && !s.gotPixels {
		st = StatusConnecting
	}
	changed := s.st.Status != st
	s.st.Status = st
	cur := s.st
	s.mu.Unlock()
	if changed && s.cfg.OnState != nil {
		s.cfg.OnState(cur)
	}
}

// startReadinessPoll checks the handle every ReadinessPoll, aligned to the
// next animation frame, for handles whose frame events may not arrive.
func (s *Session) startReadinessPoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readyStop != nil || s.gotPixels || s.closed {
		return
	}
	if _, ok := s.handle.(FrameSampler); !ok {
		return
	}
	s.readyPolls = 0
	s.scheduleReadinessLocked()
}

func (s *Session) scheduleReadinessLocked() {
	s.readyStop = s.cfg.Timers.AfterFunc(s.cfg.ReadinessPoll, func() {
		s.mu.Lock()
		if s.closed || s.gotPixels {
			s.mu.Unlock()
			return
		}
		s.readyCancel = s.cfg.Scheduler.RequestFrame(s.checkReadiness)
		s.mu.Unlock()
	})
}

func (s *Session) checkReadiness() {
	s.mu.Lock()
	s.readyCancel = nil
	if s.closed || s.gotPixels {
		s.mu.Unlock()
		return
	}
	sampler, _ := s.handle.(FrameSampler)
	mode := s.st.Mode
	ctx := s.attempt
	s.readyPolls++
	polls := s.readyPolls
	s.mu.Unlock()

	if sampler != nil {
		if f, ok := sampler.LatestFrame(); ok && f.HasPixels() {
			if s.deliver(ctx, f.Image, mode) {
				s.markPixels()
			}
			return
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gotPixels {
		return
	}
	if polls >= maxReadinessPolls {
		s.readyStop = nil
		s.log.Debug("first-frame polling gave up", slog.Int("polls", polls))
		return
	}
	s.scheduleReadinessLocked()
}

func (s *Session) stopReadinessLocked() {
	if s.readyStop != nil {
		s.readyStop()
		s.readyStop = nil
	}
	if s.readyCancel != nil {
		s.readyCancel()
		s.readyCancel = nil
	}
}

// fallbackToStill switches a failed live session to still-image polling, or
// to the error card when no snapshot endpoint exists.
func (s *Session) fallbackToStill(ctx context.Context, cause error) {
	if !s.releaseLive(ctx) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if s.cfg.StillURL == nil || s.cfg.Fetcher == nil {
		s.setState(State{Status: StatusError, Mode: s.State().Mode, Err: cause})
		s.presentCard(CardError, "no signal")
		return
	}
	telemetry.Event(telemetry.EventPipelineFallback, telemetry.Props{"from": "live", "to": "still"})
	s.setState(State{Status: StatusLoading, Mode: ModeStill, Err: cause})
	s.startStill(cause)
}

func (s *Session) startStill(cause error) {
	if s.cfg.StillURL == nil || s.cfg.Fetcher == nil {
		s.setState(State{Status: StatusUnavailable, Mode: ModeStill, Err: errors.New("no snapshot endpoint")})
		s.presentCard(CardUnavailable, "no preview")
		return
	}
	w, h := s.size()
	if err := s.ensureDirect(w, h); err != nil {
		s.degradeToPlaceholder(nil, err)
		return
	}
	p := NewStillPoller(StillConfig{
		URL: func() string {
			w, h := s.size()
			return s.cfg.StillURL(w, h)
		},
		Fetcher: s.cfg.Fetcher,
		Timers:  s.cfg.Timers,
		Policy:  s.cfg.Policy,
		Logger:  s.log,
		OnImage: func(img image.Image) {
			s.mu.Lock()
			d := s.direct
			s.mu.Unlock()
			if d != nil {
				_ = d.Render(img)
			}
		},
		OnState: func(st Status, halted bool, err error) {
			if err == nil {
				err = cause
			}
			s.setState(State{Status: st, Mode: ModeStill, Halted: halted, Err: err})
			if halted {
				s.presentCard(CardError, "preview failed")
			}
		},
	})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.Close()
		return
	}
	s.still = p
	s.mu.Unlock()
	p.Start()
}

// Retry restarts a halted still poller, or reopens live video after an error.
func (s *Session) Retry() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	still := s.still
	st := s.st
	s.mu.Unlock()
	if still != nil {
		return still.Retry()
	}
	if (st.Status == StatusError || st.Status == StatusUnavailable) && !s.cfg.Missing && s.cfg.Mode != ModeStill {
		ctx := s.newAttempt()
		s.releaseLive(nil)
		s.mu.Lock()
		s.gotPixels = false
		s.conn = StatusIdle
		s.mu.Unlock()
		go s.openLive(ctx, s.cfg.Mode)
		return true
	}
	return false
}

// Resize informs the renderer of a new surface size.
func (s *Session) Resize(w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	s.mu.Lock()
	if s.closed || (s.w == w && s.h == h) {
		s.mu.Unlock()
		return
	}
	s.w, s.h = w, h
	wh, direct := s.wh, s.direct
	s.mu.Unlock()
	if wh != "" {
		if err := s.cfg.Worker.Resize(wh, w, h); err != nil {
			s.log.Debug("worker resize failed", slog.Any("err", err))
		}
	}
	if direct != nil {
		_ = direct.Resize(w, h)
	}
}

// releaseLive closes the live handle and the worker registration. A non-nil
// ctx names the attempt asking; it reports false, releasing nothing, once a
// newer attempt has replaced it.
func (s *Session) releaseLive(ctx context.Context) bool {
	s.mu.Lock()
	if ctx != nil && ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	h, wh := s.handle, s.wh
	s.handle, s.wh = nil, ""
	s.stopReadinessLocked()
	s.mu.Unlock()
	if wh != "" && s.cfg.Worker != nil {
		if err := s.cfg.Worker.Unregister(wh); err != nil && !errors.Is(err, ErrWorkerClosed) {
			s.log.Debug("unregister failed", slog.Any("err", err))
		}
	}
	if h != nil {
		_ = h.Close()
	}
	return true
}

// Close tears the session down: worker registration, live handle, pending
// frame and polling callbacks. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	still := s.still
	s.still = nil
	s.mu.Unlock()

	s.cancel()
	if still != nil {
		still.Close()
	}
	s.releaseLive(nil)
	s.log.Debug("session closed")
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.st = st
	s.mu.Unlock()
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn(&s.st)
	st := s.st
	s.mu.Unlock()
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

func (s *Session) presentCard(c Card, label string) {
	w, h := s.size()
	s.cfg.Surface.Present(Placeholder(w, h, c, label))
}
