/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package undo

import (
	"sync"
	"time"

	"livestudio/internal/domain"
)

// Entry is one committed layer transform: applying Before reverts it,
// applying After redoes it. TS is when the commit happened.
type Entry struct {
	SceneID string
	LayerID string
	Before  domain.Transform
	After   domain.Transform
	TS      time.Time
}

// Config controls depth caps and coalescing behavior.
type Config struct {
	// MaxEntries is a global cap; the oldest entries across scenes are pruned when exceeded.
	MaxEntries int
	// MaxPerScene limits the undo depth per scene (0 means unlimited).
	MaxPerScene int
	// MinInterval coalesces consecutive commits of the same layer captured
	// within the interval: the earlier Before is kept, After is replaced.
	MinInterval time.Duration
}

// Manager provides an in-memory undo/redo stack per scene.
// It is safe for concurrent use.
type Manager struct {
	cfg  Config
	mu   sync.Mutex
	undo map[string][]Entry
	redo map[string][]Entry
	n    int
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 500
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 250 * time.Millisecond
	}
	return &Manager{cfg: cfg, undo: make(map[string][]Entry), redo: make(map[string][]Entry)}
}

// Push records a commit and clears the scene's redo stack. No-op commits
// (Before == After) are ignored.
func (m *Manager) Push(e Entry) {
	if e.Before == e.After {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stack := m.undo[e.SceneID]
	m.redo[e.SceneID] = nil
	if n := len(stack); n > 0 {
		last := stack[n-1]
		if last.LayerID == e.LayerID && last.After == e.Before && e.TS.Sub(last.TS) < m.cfg.MinInterval {
			last.After, last.TS = e.After, e.TS
			if last.Before == last.After {
				m.undo[e.SceneID] = stack[:n-1]
				m.n--
				return
			}
			stack[n-1] = last
			return
		}
	}
	m.undo[e.SceneID] = append(stack, e)
	m.n++
	m.enforceCapsLocked(e.SceneID)
}

// Undo pops the newest entry of a scene onto its redo stack.
func (m *Manager) Undo(sceneID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stack := m.undo[sceneID]
	if len(stack) == 0 {
		return Entry{}, false
	}
	e := stack[len(stack)-1]
	m.undo[sceneID] = stack[:len(stack)-1]
	m.n--
	m.redo[sceneID] = append(m.redo[sceneID], e)
	return e, true
}

// Redo pops from redo and pushes back to undo.
func (m *Manager) Redo(sceneID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.redo[sceneID]
	if len(r) == 0 {
		return Entry{}, false
	}
	e := r[len(r)-1]
	m.redo[sceneID] = r[:len(r)-1]
	m.undo[sceneID] = append(m.undo[sceneID], e)
	m.n++
	m.enforceCapsLocked(sceneID)
	return e, true
}

// CanUndo reports whether the scene has an entry to revert.
func (m *Manager) CanUndo(sceneID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo[sceneID]) > 0
}

// ForgetLayer drops every entry of a layer, e.g. after it was removed.
func (m *Manager) ForgetLayer(sceneID, layerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := m.undo[sceneID][:0]
	for _, e := range m.undo[sceneID] {
		if e.LayerID == layerID {
			m.n--
			continue
		}
		keep = append(keep, e)
	}
	m.undo[sceneID] = keep
	r := m.redo[sceneID][:0]
	for _, e := range m.redo[sceneID] {
		if e.LayerID != layerID {
			r = append(r, e)
		}
	}
	m.redo[sceneID] = r
}

// ClearScene clears the undo/redo stacks for a scene.
func (m *Manager) ClearScene(sceneID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n -= len(m.undo[sceneID])
	delete(m.undo, sceneID)
	delete(m.redo, sceneID)
}

// Stats returns current sizes for diagnostics.
func (m *Manager) Stats() (scenes int, entries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.undo {
		if len(v) > 0 {
			scenes++
		}
	}
	return scenes, m.n
}

func (m *Manager) enforceCapsLocked(sceneID string) {
	if m.cfg.MaxPerScene > 0 {
		stack := m.undo[sceneID]
		if drop := len(stack) - m.cfg.MaxPerScene; drop > 0 {
			m.undo[sceneID] = append([]Entry{}, stack[drop:]...)
			m.n -= drop
		}
	}
	// Global cap: prune oldest across all scenes
	for m.n > m.cfg.MaxEntries {
		oldest := ""
		var oldestTS time.Time
		found := false
		for id, stack := range m.undo {
			if len(stack) == 0 {
				continue
			}
			if !found || stack[0].TS.Before(oldestTS) {
				oldest, oldestTS, found = id, stack[0].TS, true
			}
		}
		if !found {
			break
		}
		m.undo[oldest] = m.undo[oldest][1:]
		m.n--
		if len(m.undo[oldest]) == 0 {
			delete(m.undo, oldest)
		}
	}
}
