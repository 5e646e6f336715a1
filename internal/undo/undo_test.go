/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package undo

import (
	"testing"
	"time"

	"livestudio/internal/domain"
)

func tr(x float64) domain.Transform { return domain.Transform{X: x, Width: 100, Height: 100} }

func TestUndoRedoBasic(t *testing.T) {
	m := NewManager(Config{MaxPerScene: 10, MinInterval: 10 * time.Millisecond})
	t0 := time.Now()
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(0), After: tr(10), TS: t0})
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(10), After: tr(20), TS: t0.Add(20 * time.Millisecond)})
	if scenes, total := m.Stats(); scenes != 1 || total != 2 {
		t.Fatalf("expected 1 scene and 2 entries, got scenes=%d total=%d", scenes, total)
	}
	e, ok := m.Undo("s")
	if !ok || e.Before != tr(10) || e.After != tr(20) {
		t.Fatalf("undo returned %+v ok=%v", e, ok)
	}
	e, ok = m.Redo("s")
	if !ok || e.After != tr(20) {
		t.Fatalf("redo returned %+v ok=%v", e, ok)
	}
	if _, ok := m.Undo("other"); ok {
		t.Fatalf("undo on empty scene")
	}
}

func TestPushClearsRedo(t *testing.T) {
	m := NewManager(Config{MinInterval: time.Millisecond})
	t0 := time.Now()
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(0), After: tr(10), TS: t0})
	m.Undo("s")
	m.Push(Entry{SceneID: "s", LayerID: "b", Before: tr(0), After: tr(5), TS: t0.Add(time.Second)})
	if _, ok := m.Redo("s"); ok {
		t.Fatalf("redo should be cleared by a new commit")
	}
}

func TestCoalesceSameLayer(t *testing.T) {
	m := NewManager(Config{MinInterval: 50 * time.Millisecond})
	t0 := time.Now()
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(0), After: tr(10), TS: t0})
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(10), After: tr(30), TS: t0.Add(10 * time.Millisecond)})
	if _, total := m.Stats(); total != 1 {
		t.Fatalf("expected coalesced to 1 entry, got %d", total)
	}
	e, _ := m.Undo("s")
	if e.Before != tr(0) || e.After != tr(30) {
		t.Fatalf("coalesced entry = %+v", e)
	}

	// a different layer never coalesces
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(0), After: tr(10), TS: t0})
	m.Push(Entry{SceneID: "s", LayerID: "b", Before: tr(10), After: tr(30), TS: t0.Add(time.Millisecond)})
	if _, total := m.Stats(); total != 2 {
		t.Fatalf("expected 2 entries, got %d", total)
	}
}

func TestCoalesceBackToStartDropsEntry(t *testing.T) {
	m := NewManager(Config{MinInterval: time.Second})
	t0 := time.Now()
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(0), After: tr(10), TS: t0})
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(10), After: tr(0), TS: t0.Add(time.Millisecond)})
	if m.CanUndo("s") {
		t.Fatalf("round trip should leave nothing to undo")
	}
}

func TestNoOpIgnored(t *testing.T) {
	m := NewManager(Config{})
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(5), After: tr(5), TS: time.Now()})
	if m.CanUndo("s") {
		t.Fatalf("no-op commit recorded")
	}
}

func TestCaps(t *testing.T) {
	m := NewManager(Config{MaxPerScene: 2, MinInterval: time.Nanosecond})
	t0 := time.Now()
	for i := 0; i < 10; i++ {
		m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(float64(i)), After: tr(float64(i + 1)), TS: t0.Add(time.Duration(i) * time.Second)})
	}
	if _, total := m.Stats(); total != 2 {
		t.Fatalf("expected MaxPerScene cap to limit to 2, got %d", total)
	}
}

func TestGlobalPruneAcrossScenes(t *testing.T) {
	m := NewManager(Config{MaxEntries: 2, MinInterval: time.Nanosecond})
	t0 := time.Now()
	m.Push(Entry{SceneID: "old", LayerID: "a", Before: tr(0), After: tr(1), TS: t0})
	m.Push(Entry{SceneID: "new", LayerID: "a", Before: tr(0), After: tr(1), TS: t0.Add(time.Second)})
	m.Push(Entry{SceneID: "new", LayerID: "b", Before: tr(0), After: tr(1), TS: t0.Add(2 * time.Second)})
	if _, ok := m.Undo("old"); ok {
		t.Fatalf("expected the oldest scene entry to be pruned")
	}
	if _, ok := m.Undo("new"); !ok {
		t.Fatalf("expected scene new to keep entries")
	}
}

func TestForgetLayerAndClear(t *testing.T) {
	m := NewManager(Config{MinInterval: time.Nanosecond})
	t0 := time.Now()
	m.Push(Entry{SceneID: "s", LayerID: "a", Before: tr(0), After: tr(1), TS: t0})
	m.Push(Entry{SceneID: "s", LayerID: "b", Before: tr(0), After: tr(1), TS: t0.Add(time.Second)})
	m.ForgetLayer("s", "b")
	e, ok := m.Undo("s")
	if !ok || e.LayerID != "a" {
		t.Fatalf("expected layer a after forgetting b, got %+v", e)
	}
	m.Redo("s")
	m.ClearScene("s")
	if scenes, total := m.Stats(); scenes != 0 || total != 0 {
		t.Fatalf("expected empty stats, got %d/%d", scenes, total)
	}
}
