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
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"livestudio/internal/anim"
	applog "livestudio/internal/log"
)

// Manager owns the sessions of the visible layers, keyed by a stable layer
// key. Hidden sessions linger for a grace period so a quick toggle does not
// reconnect.
type Manager struct {
	Timers    anim.Timers
	HideGrace time.Duration

	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*managed
}

type managed struct {
	s       *Session
	stopTTL func() bool
}

// NewManager returns a manager with the given hide grace.
func NewManager(timers anim.Timers, grace time.Duration) *Manager {
	if timers == nil {
		timers = anim.RealTimers{}
	}
	return &Manager{
		Timers:    timers,
		HideGrace: grace,
		log:       applog.WithComponent("pipeline-manager"),
		sessions:  map[string]*managed{},
	}
}

// Show returns the session for key, creating and opening it with cfg when
// none exists. A pending hide for key is cancelled.
func (m *Manager) Show(key string, cfg SessionConfig) (*Session, bool) {
	m.mu.Lock()
	if e, ok := m.sessions[key]; ok {
		if e.stopTTL != nil {
			e.stopTTL()
			e.stopTTL = nil
		}
		m.mu.Unlock()
		return e.s, false
	}
	cfg.Key = key
	s := NewSession(cfg)
	m.sessions[key] = &managed{s: s}
	m.mu.Unlock()
	s.Open()
	m.log.Debug("session opened", slog.String("key", key), slog.String("mode", cfg.Mode.String()))
	return s, true
}

// Get returns the live session for key.
func (m *Manager) Get(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[key]; ok {
		return e.s
	}
	return nil
}

// Hide schedules the session for key to close after HideGrace.
func (m *Manager) Hide(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[key]
	if !ok || e.stopTTL != nil {
		return
	}
	if m.HideGrace <= 0 {
		delete(m.sessions, key)
		go e.s.Close()
		return
	}
	e.stopTTL = m.Timers.AfterFunc(m.HideGrace, func() {
		m.mu.Lock()
		cur, ok := m.sessions[key]
		if !ok || cur != e || e.stopTTL == nil {
			m.mu.Unlock()
			return
		}
		delete(m.sessions, key)
		m.mu.Unlock()
		e.s.Close()
	})
}

// Release closes the session for key immediately.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	e, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
		if e.stopTTL != nil {
			e.stopTTL()
		}
	}
	m.mu.Unlock()
	if ok {
		e.s.Close()
	}
}

// Retain releases every session whose key is not in keep.
func (m *Manager) Retain(keep map[string]bool) {
	for _, k := range m.Keys() {
		if !keep[k] {
			m.Release(k)
		}
	}
}

// Keys lists the managed keys in sorted order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of sessions, hidden ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every session concurrently.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	all := m.sessions
	m.sessions = map[string]*managed{}
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, e := range all {
		if e.stopTTL != nil {
			e.stopTTL()
		}
		g.Go(func() error {
			e.s.Close()
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
