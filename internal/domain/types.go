/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

// This file defines the persisted studio model: a Profile owns Sources and
// Scenes, a Scene owns Layers, and a Layer references a Source by id.

import (
	"math"
	"sort"
)

// MinLayerSize is the smallest width/height a layer may have, in canvas pixels.
const MinLayerSize = 50

// Profile is the persisted aggregate served by the backend.
type Profile struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	ActiveSceneID string       `json:"activeSceneId,omitempty"`
	Sources       []Source     `json:"sources"`
	Scenes        []Scene      `json:"scenes"`
	Studio        *StudioState `json:"studio,omitempty"`
}

// SourceKind enumerates capture/media/graphic producers.
type SourceKind string

const (
	SourceCamera   SourceKind = "camera"
	SourceScreen   SourceKind = "screen"
	SourceMedia    SourceKind = "media"
	SourceRTMP     SourceKind = "rtmp"
	SourceColor    SourceKind = "color"
	SourceImage    SourceKind = "image"
	SourceText     SourceKind = "text"
	SourceBrowser  SourceKind = "browser"
	SourceScene    SourceKind = "scene"
	SourcePlaylist SourceKind = "playlist"
	SourceDocument SourceKind = "document"
)

// IsStatic reports whether the source never produces live video and is
// rendered from still images only.
func (k SourceKind) IsStatic() bool {
	switch k {
	case SourceColor, SourceImage, SourceText, SourceDocument:
		return true
	}
	return false
}

// Source is referenced by layers; layers do not own it.
type Source struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Kind SourceKind `json:"kind"`
	// URI is kind specific: a device path, a media file, a document path or a color hex.
	URI string `json:"uri,omitempty"`
}

// Scene is a canvas-resolution composition of layers. CanvasWidth and
// CanvasHeight are the native resolution and fix the aspect ratio.
type Scene struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	CanvasWidth  int     `json:"canvasWidth"`
	CanvasHeight int     `json:"canvasHeight"`
	Layers       []Layer `json:"layers"`
}

// Layer is a positioned, sized instance of a Source within a Scene.
type Layer struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"sourceId"`
	Transform Transform `json:"transform"`
	Visible   bool      `json:"visible"`
	Locked    bool      `json:"locked"`
	ZIndex    int       `json:"zIndex"`
}

// LayerFlags is a partial update of a layer's toggles; nil fields are left alone.
type LayerFlags struct {
	Visible *bool `json:"visible,omitempty"`
	Locked  *bool `json:"locked,omitempty"`
}

// Apply returns l with the non-nil flags applied.
func (f LayerFlags) Apply(l Layer) Layer {
	if f.Visible != nil {
		l.Visible = *f.Visible
	}
	if f.Locked != nil {
		l.Locked = *f.Locked
	}
	return l
}

// Transform is a layer's geometry in canvas pixels.
type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation,omitempty"`
}

// Rect returns the transform's bounding rectangle.
func (t Transform) Rect() Rect { return Rect{X: t.X, Y: t.Y, W: t.Width, H: t.Height} }

// WithRect returns t with its geometry replaced by r, keeping the rotation.
func (t Transform) WithRect(r Rect) Transform {
	t.X, t.Y, t.Width, t.Height = r.X, r.Y, r.W, r.H
	return t
}

// Within reports whether the transform satisfies the at-rest invariants on a
// canvas of the given size.
func (t Transform) Within(canvasW, canvasH int) bool {
	return t.X >= 0 && t.Y >= 0 &&
		t.Width >= MinLayerSize && t.Height >= MinLayerSize &&
		t.X+t.Width <= float64(canvasW) && t.Y+t.Height <= float64(canvasH)
}

// StudioState tracks Studio Mode selection. Equal scene ids disable Take and the T-bar.
type StudioState struct {
	Enabled        bool    `json:"enabled"`
	PreviewSceneID string  `json:"previewSceneId"`
	ProgramSceneID string  `json:"programSceneId"`
	TBarProgress   float64 `json:"tBarProgress"`
	TBarDragging   bool    `json:"-"`
}

// Point is a position or delta in either canvas or display space.
type Point struct{ X, Y float64 }

func (p Point) Add(q Point) Point     { return Point{p.X + q.X, p.Y + q.Y} }
func (p Point) Sub(q Point) Point     { return Point{p.X - q.X, p.Y - q.Y} }
func (p Point) Scale(f float64) Point { return Point{p.X * f, p.Y * f} }
func (p Point) IsZero() bool          { return p.X == 0 && p.Y == 0 }

// Finite reports whether neither coordinate is NaN or infinite.
func (p Point) Finite() bool { return finite(p.X) && finite(p.Y) }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Rect is an axis-aligned rectangle with its origin at the top-left.
type Rect struct{ X, Y, W, H float64 }

func (r Rect) Max() Point             { return Point{r.X + r.W, r.Y + r.H} }
func (r Rect) Scale(f float64) Rect   { return Rect{r.X * f, r.Y * f, r.W * f, r.H * f} }
func (r Rect) Translate(d Point) Rect { return Rect{r.X + d.X, r.Y + d.Y, r.W, r.H} }
func (r Rect) IsZero() bool           { return r == Rect{} }

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.W && p.Y >= r.Y && p.Y <= r.Y+r.H
}

// Finite reports whether every component is a finite number.
func (r Rect) Finite() bool { return finite(r.X) && finite(r.Y) && finite(r.W) && finite(r.H) }

// Sub returns the component-wise difference r - o.
func (r Rect) Sub(o Rect) Rect { return Rect{r.X - o.X, r.Y - o.Y, r.W - o.W, r.H - o.H} }

// Add returns the component-wise sum r + o.
func (r Rect) Add(o Rect) Rect { return Rect{r.X + o.X, r.Y + o.Y, r.W + o.W, r.H + o.H} }

// Round rounds every component to the nearest integer.
func (r Rect) Round() Rect {
	return Rect{math.Round(r.X), math.Round(r.Y), math.Round(r.W), math.Round(r.H)}
}

// SceneByID returns the scene with the given id.
func (p *Profile) SceneByID(id string) (*Scene, bool) {
	for i := range p.Scenes {
		if p.Scenes[i].ID == id {
			return &p.Scenes[i], true
		}
	}
	return nil, false
}

// SourceByID returns the source with the given id.
func (p *Profile) SourceByID(id string) (Source, bool) {
	for _, s := range p.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// LayerByID returns the layer with the given id.
func (s *Scene) LayerByID(id string) (*Layer, bool) {
	for i := range s.Layers {
		if s.Layers[i].ID == id {
			return &s.Layers[i], true
		}
	}
	return nil, false
}

// RenderOrder returns the layers sorted by ascending z-index; ties keep insertion order.
func (s Scene) RenderOrder() []Layer {
	out := append([]Layer(nil), s.Layers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ZIndex < out[j].ZIndex })
	return out
}

// Aspect returns the canvas aspect ratio (width/height), or 0 for an empty canvas.
func (s Scene) Aspect() float64 {
	if s.CanvasHeight <= 0 {
		return 0
	}
	return float64(s.CanvasWidth) / float64(s.CanvasHeight)
}
