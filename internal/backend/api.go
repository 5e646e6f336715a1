/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package backend is the persistence and media surface of the studio: a local
// file-backed implementation, an HTTP client for a remote studio server and
// the server itself.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math"

	"livestudio/internal/domain"
	"livestudio/internal/pipeline"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidTransform = errors.New("invalid transform")
	ErrConflict         = errors.New("studio state conflict")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Backend is what the studio front end needs from a profile store.
type Backend interface {
	GetProfile(ctx context.Context) (domain.Profile, error)
	UpdateLayerTransform(ctx context.Context, profileID, sceneID, layerID string, t domain.Transform) (domain.Layer, error)
	UpdateLayerFlags(ctx context.Context, profileID, sceneID, layerID string, f domain.LayerFlags) (domain.Layer, error)
	RemoveLayer(ctx context.Context, profileID, sceneID, layerID string) error
	SetProgramScene(ctx context.Context, sceneID string) error
	SaveStudioState(ctx context.Context, st domain.StudioState) error
	// StillImageURL addresses a snapshot of a source or scene without the
	// cache-busting token, which the poller appends.
	StillImageURL(target string, w, h, quality int) string
	pipeline.StillFetcher
	pipeline.LiveSource
	Close() error
}

// applyTransform validates t against the layer's scene and stores it.
func applyTransform(p *domain.Profile, sceneID, layerID string, t domain.Transform) (domain.Layer, error) {
	sc, ok := p.SceneByID(sceneID)
	if !ok {
		return domain.Layer{}, fmt.Errorf("scene %s: %w", sceneID, ErrNotFound)
	}
	l, ok := sc.LayerByID(layerID)
	if !ok {
		return domain.Layer{}, fmt.Errorf("layer %s: %w", layerID, ErrNotFound)
	}
	if !t.Rect().Finite() || math.IsNaN(t.Rotation) || !t.Within(sc.CanvasWidth, sc.CanvasHeight) {
		return domain.Layer{}, fmt.Errorf("layer %s %+v on %dx%d: %w", layerID, t, sc.CanvasWidth, sc.CanvasHeight, ErrInvalidTransform)
	}
	l.Transform = t
	return *l, nil
}

func applyFlags(p *domain.Profile, sceneID, layerID string, f domain.LayerFlags) (domain.Layer, error) {
	sc, ok := p.SceneByID(sceneID)
	if !ok {
		return domain.Layer{}, fmt.Errorf("scene %s: %w", sceneID, ErrNotFound)
	}
	l, ok := sc.LayerByID(layerID)
	if !ok {
		return domain.Layer{}, fmt.Errorf("layer %s: %w", layerID, ErrNotFound)
	}
	*l = f.Apply(*l)
	return *l, nil
}

// applyRemove deletes a layer, dangling source or not.
func applyRemove(p *domain.Profile, sceneID, layerID string) error {
	sc, ok := p.SceneByID(sceneID)
	if !ok {
		return fmt.Errorf("scene %s: %w", sceneID, ErrNotFound)
	}
	for i, l := range sc.Layers {
		if l.ID == layerID {
			sc.Layers = append(sc.Layers[:i:i], sc.Layers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("layer %s: %w", layerID, ErrNotFound)
}

func applyProgram(p *domain.Profile, sceneID string) error {
	if _, ok := p.SceneByID(sceneID); !ok {
		return fmt.Errorf("scene %s: %w", sceneID, ErrNotFound)
	}
	if p.Studio == nil {
		p.Studio = &domain.StudioState{PreviewSceneID: sceneID}
	}
	p.Studio.ProgramSceneID = sceneID
	p.ActiveSceneID = sceneID
	return nil
}

func applyStudio(p *domain.Profile, st domain.StudioState) error {
	for _, id := range []string{st.PreviewSceneID, st.ProgramSceneID} {
		if id == "" {
			continue
		}
		if _, ok := p.SceneByID(id); !ok {
			return fmt.Errorf("scene %s: %w", id, ErrNotFound)
		}
	}
	st.TBarDragging = false
	st.TBarProgress = math.Max(0, math.Min(1, st.TBarProgress))
	p.Studio = &st
	return nil
}
