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
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"livestudio/internal/anim"
	applog "livestudio/internal/log"
	"livestudio/internal/telemetry"
)

// ErrPollingHalted is reported once the failure limit is reached.
var ErrPollingHalted = errors.New("still image polling halted")

// StillConfig wires a StillPoller.
type StillConfig struct {
	// URL returns the snapshot URL without cache-busting token.
	URL     func() string
	Fetcher StillFetcher
	Timers  anim.Timers
	Policy  BackoffPolicy

	OnImage func(image.Image)
	// OnState reports status changes. halted is true when polling stopped and
	// needs a manual Retry.
	OnState func(st Status, halted bool, err error)
	Logger  *slog.Logger
}

// StillPoller repeatedly fetches snapshot images for contexts that cannot
// stream live video. Failures back off exponentially; after the configured
// number of consecutive failures polling halts until Retry is called.
type StillPoller struct {
	cfg StillConfig
	log *slog.Logger

	mu        sync.Mutex
	bo        Backoff
	stop      func() bool
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	halted    bool
	closed    bool
	gen       uint64
	lastToken int64
	lastErr   error
	requests  int
}

func NewStillPoller(cfg StillConfig) *StillPoller {
	if cfg.Timers == nil {
		cfg.Timers = anim.RealTimers{}
	}
	if cfg.Policy.Base <= 0 {
		cfg.Policy = DefaultBackoffPolicy()
	}
	l := cfg.Logger
	if l == nil {
		l = applog.WithComponent("still-poller")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StillPoller{cfg: cfg, log: l, bo: NewBackoff(cfg.Policy), ctx: ctx, cancel: cancel}
}

// Start issues the first request immediately.
func (p *StillPoller) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.scheduleLocked(0)
	p.mu.Unlock()
	p.emit(StatusLoading, false, nil)
}

func (p *StillPoller) scheduleLocked(d time.Duration) {
	gen := p.gen
	p.stop = p.cfg.Timers.AfterFunc(d, func() { p.tick(gen) })
}

func (p *StillPoller) tick(gen uint64) {
	p.mu.Lock()
	if p.closed || p.halted || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.stop = nil
	u := CacheBust(p.cfg.URL(), p.tokenLocked())
	ctx := p.ctx
	p.requests++
	p.mu.Unlock()

	img, err := p.cfg.Fetcher.FetchStill(ctx, u)
	if err == nil && (img == nil || img.Bounds().Empty()) {
		err = errors.New("empty snapshot")
	}

	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		return
	}
	if err == nil {
		var d time.Duration
		p.bo, d = p.bo.OnSuccess()
		p.lastErr = nil
		p.scheduleLocked(d)
		p.mu.Unlock()
		if p.cfg.OnImage != nil {
			p.cfg.OnImage(img)
		}
		p.emit(StatusPlaying, false, nil)
		return
	}
	var d time.Duration
	var stop bool
	p.bo, d, stop = p.bo.OnFailure()
	p.lastErr = err
	failures := p.bo.Failures
	// With the default policy the first four failures schedule 150ms, 225ms,
	// 337.5ms and 506.25ms. The delay returned with the halting failure is
	// never scheduled; only Retry restarts polling.
	if stop {
		p.halted = true
		p.mu.Unlock()
		p.log.Warn("still polling halted", slog.Int("failures", failures), slog.Any("err", err))
		telemetry.Event(telemetry.EventStillHalted, telemetry.Props{"failures": failures})
		p.emit(StatusError, true, errors.Join(ErrPollingHalted, err))
		return
	}
	p.scheduleLocked(d)
	p.mu.Unlock()
	p.log.Debug("still fetch failed", slog.Int("failures", failures), slog.Duration("retry_in", d), slog.Any("err", err))
}

// Retry resumes a halted poller with a fresh backoff state.
func (p *StillPoller) Retry() bool {
	p.mu.Lock()
	if p.closed || !p.halted {
		p.mu.Unlock()
		return false
	}
	p.halted = false
	p.gen++
	p.bo = p.bo.Reset()
	p.lastErr = nil
	p.scheduleLocked(0)
	p.mu.Unlock()
	p.log.Info("still polling retried")
	p.emit(StatusLoading, false, nil)
	return true
}

// Halted reports whether polling stopped after too many failures.
func (p *StillPoller) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// Backoff returns the current backoff state.
func (p *StillPoller) Backoff() Backoff {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bo
}

// Requests returns how many snapshot requests were issued.
func (p *StillPoller) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// Close cancels the pending timer and any in-flight request.
func (p *StillPoller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
	p.cancel()
}

func (p *StillPoller) emit(st Status, halted bool, err error) {
	if p.cfg.OnState != nil {
		p.cfg.OnState(st, halted, err)
	}
}

// tokenLocked returns a strictly increasing cache-busting token.
func (p *StillPoller) tokenLocked() int64 {
	t := time.Now().UnixNano()
	if t <= p.lastToken {
		t = p.lastToken + 1
	}
	p.lastToken = t
	return t
}

// CacheBust sets the t query parameter of raw to token.
func CacheBust(raw string, token int64) string {
	tok := strconv.FormatInt(token, 10)
	u, err := url.Parse(raw)
	if err != nil {
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		return raw + sep + "t=" + tok
	}
	q := u.Query()
	q.Set("t", tok)
	u.RawQuery = q.Encode()
	return u.String()
}
