/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package app

import (
	"image"
	"log/slog"
	"strings"

	"livestudio/internal/domain"
	"livestudio/internal/pipeline"
)

const thumbPrefix = "thumb/"

// Thumbnail is the latest composed-scene still of one scene.
type Thumbnail struct {
	Frame *image.RGBA
	State pipeline.State
}

func thumbKey(sceneID string) string { return thumbPrefix + sceneID }

// SyncThumbnails keeps one still-polling session per scene of the profile at
// w x h pixels and closes the sessions of scenes that are gone.
func (s *Studio) SyncThumbnails(w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	p := s.Profile()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.thumbs == nil {
		s.thumbs = map[string]Thumbnail{}
	}
	keep := make(map[string]bool, len(p.Scenes))
	for _, sc := range p.Scenes {
		keep[sc.ID] = true
	}
	for id := range s.thumbs {
		if !keep[id] {
			delete(s.thumbs, id)
		}
	}
	s.mu.Unlock()

	for _, k := range s.mgr.Keys() {
		if id, ok := strings.CutPrefix(k, thumbPrefix); ok && !keep[id] {
			s.mgr.Release(k)
		}
	}
	for _, sc := range p.Scenes {
		s.showThumbnail(sc, w, h)
	}
}

func (s *Studio) showThumbnail(sc domain.Scene, w, h int) {
	key, id := thumbKey(sc.ID), sc.ID
	if cur := s.mgr.Get(key); cur != nil {
		cur.Resize(w, h)
		return
	}
	be, quality := s.be, s.opt.StillQuality
	s.mgr.Show(key, pipeline.SessionConfig{
		Source:    domain.Source{ID: sc.ID, Name: sc.Name},
		Mode:      pipeline.ModeStill,
		Width:     w,
		Height:    h,
		StillURL:  func(w, h int) string { return be.StillImageURL(id, w, h, quality) },
		Fetcher:   be,
		Scheduler: s.opt.Scheduler,
		Timers:    s.opt.Timers,
		Policy:    PolicyFromConfig(s.opt.Pipeline),
		Surface:   pipeline.SurfaceFunc(func(img *image.RGBA) { s.thumbUpdate(id, func(t *Thumbnail) { t.Frame = img }) }),
		OnState:   func(st pipeline.State) { s.thumbUpdate(id, func(t *Thumbnail) { t.State = st }) },
		Logger:    s.log.With(slog.String("thumb", id)),
	})
}

func (s *Studio) thumbUpdate(sceneID string, fn func(*Thumbnail)) {
	s.mu.Lock()
	if s.closed || s.thumbs == nil {
		s.mu.Unlock()
		return
	}
	t := s.thumbs[sceneID]
	fn(&t)
	s.thumbs[sceneID] = t
	s.mu.Unlock()
	s.changed()
}

// SceneThumbnail returns the latest still of sceneID.
func (s *Studio) SceneThumbnail(sceneID string) (Thumbnail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.thumbs[sceneID]
	return t, ok
}

// RetryThumbnail restarts a halted scene still. It reports false when the
// thumbnail is not halted.
func (s *Studio) RetryThumbnail(sceneID string) bool {
	sess := s.mgr.Get(thumbKey(sceneID))
	return sess != nil && sess.Retry()
}
