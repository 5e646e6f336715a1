//go:build fyne && cgo

/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package ui

import (
	"errors"
	"fmt"
	"image/color"
	"log/slog"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/widget"

	"livestudio/internal/domain"
	applog "livestudio/internal/log"
	"livestudio/internal/scene"
	"livestudio/internal/transform"
)

var (
	colBackdrop  = color.RGBA{R: 30, G: 30, B: 34, A: 255}
	colCanvas    = color.RGBA{A: 255}
	colLayer     = color.RGBA{R: 60, G: 60, B: 66, A: 255}
	colOutline   = color.RGBA{R: 90, G: 90, B: 96, A: 255}
	colSelected  = color.RGBA{R: 0, G: 170, B: 255, A: 255}
	colLocked    = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	colMissing   = color.RGBA{R: 200, G: 60, B: 60, A: 255}
	colLabel     = color.RGBA{R: 230, G: 230, B: 230, A: 255}
	colProgramOn = color.RGBA{R: 220, G: 30, B: 30, A: 255}
)

// SceneCanvas draws one scene orchestrator letterboxed into the widget and
// forwards pointer input to it. Pointer positions are translated into the
// orchestrator's display space, whose origin is the canvas top-left.
type SceneCanvas struct {
	widget.BaseWidget

	o     *scene.Orchestrator
	title string
	// onAir draws the red program border.
	onAir bool

	origin  fyne.Position
	pressed bool

	// mixFrom is drawn over the scene at mix opacity while the T-bar is
	// partway; its rects are rescaled into this canvas.
	mixFrom *scene.Orchestrator
	mix     float64

	OnError func(error)
	log     *slog.Logger
}

// NewSceneCanvas wraps o.
func NewSceneCanvas(o *scene.Orchestrator, title string) *SceneCanvas {
	c := &SceneCanvas{o: o, title: title, log: applog.WithComponent("ui-canvas").With(slog.String("pane", title))}
	c.ExtendBaseWidget(c)
	return c
}

// SetOnAir toggles the program border.
func (c *SceneCanvas) SetOnAir(v bool) {
	if c.onAir == v {
		return
	}
	c.onAir = v
	c.Refresh()
}

// SetCrossfade overlays o at opacity mix; a nil o or mix of 0 removes it.
func (c *SceneCanvas) SetCrossfade(o *scene.Orchestrator, mix float64) {
	if mix <= 0 {
		o = nil
	}
	if c.mixFrom == o && c.mix == mix {
		return
	}
	c.mixFrom, c.mix = o, min(mix, 1)
	c.Refresh()
}

func (c *SceneCanvas) toDisplay(p fyne.Position) domain.Point {
	return domain.Point{X: float64(p.X - c.origin.X), Y: float64(p.Y - c.origin.Y)}
}

// MouseDown starts a gesture: a handle of the selected layer resizes it,
// anything else selects and drags the layer under the pointer.
func (c *SceneCanvas) MouseDown(e *desktop.MouseEvent) {
	if e.Button != desktop.MouseButtonPrimary || c.o.ReadOnly() {
		return
	}
	err := c.o.BeginGesture(c.toDisplay(e.Position))
	switch {
	case err == nil:
		c.pressed = true
	case errors.Is(err, scene.ErrNoLayer), errors.Is(err, transform.ErrLocked):
	default:
		c.log.Debug("gesture refused", slog.Any("err", err))
	}
	c.Refresh()
}

// MouseUp ends a press that never turned into a drag.
func (c *SceneCanvas) MouseUp(*desktop.MouseEvent) { c.end() }

func (c *SceneCanvas) Dragged(e *fyne.DragEvent) {
	if !c.pressed {
		return
	}
	c.o.Move(c.toDisplay(e.Position))
}

func (c *SceneCanvas) DragEnd() { c.end() }

func (c *SceneCanvas) end() {
	if !c.pressed {
		return
	}
	c.pressed = false
	c.o.End()
}

// Cancel ends a gesture the same way a release would, for focus loss.
func (c *SceneCanvas) Cancel() { c.end() }

// Tapped retries a failed preview under the pointer. Read-only panes allow it.
func (c *SceneCanvas) Tapped(e *fyne.PointEvent) {
	id, ok := c.o.LayerAt(c.toDisplay(e.Position))
	if !ok {
		return
	}
	switch err := c.o.Retry(id); {
	case err == nil:
		c.log.Info("preview retry", slog.String("layer", id))
		c.Refresh()
	case errors.Is(err, scene.ErrNoPreview):
	default:
		if c.OnError != nil {
			c.OnError(err)
		}
	}
}

func (c *SceneCanvas) MinSize() fyne.Size {
	c.ExtendBaseWidget(c)
	return fyne.NewSize(320, 180)
}

func (c *SceneCanvas) CreateRenderer() fyne.WidgetRenderer {
	bg := canvas.NewRectangle(colBackdrop)
	frame := canvas.NewRectangle(colCanvas)
	frame.StrokeWidth = 2
	title := canvas.NewText(c.title, colLabel)
	title.TextSize = 11
	return &sceneCanvasRenderer{c: c, bg: bg, frame: frame, title: title}
}

type sceneCanvasRenderer struct {
	c       *SceneCanvas
	bg      *canvas.Rectangle
	frame   *canvas.Rectangle
	title   *canvas.Text
	layers  []fyne.CanvasObject
	objects []fyne.CanvasObject
}

func (r *sceneCanvasRenderer) Destroy()                     {}
func (r *sceneCanvasRenderer) Objects() []fyne.CanvasObject { return r.objects }
func (r *sceneCanvasRenderer) MinSize() fyne.Size           { return r.c.MinSize() }
func (r *sceneCanvasRenderer) Refresh()                     { r.Layout(r.c.Size()) }

// Layout fits the scene into size and rebuilds the layer objects from the
// orchestrator's render list.
func (r *sceneCanvasRenderer) Layout(size fyne.Size) {
	r.bg.Resize(size)
	r.bg.Move(fyne.NewPos(0, 0))

	fitted, _ := r.c.o.Resize(float64(size.Width), float64(size.Height))
	w, h := float32(fitted.W), float32(fitted.H)
	r.c.origin = fyne.NewPos((size.Width-w)/2, (size.Height-h)/2)
	r.frame.Resize(fyne.NewSize(w, h))
	r.frame.Move(r.c.origin)
	r.frame.StrokeColor = colOutline
	if r.c.onAir {
		r.frame.StrokeColor = colProgramOn
	}
	r.title.Text = r.c.title
	r.title.Move(fyne.NewPos(6, 4))

	r.layers = r.layers[:0]
	for _, v := range r.c.o.RenderList() {
		r.layers = append(r.layers, r.layerObjects(v)...)
	}
	if from := r.c.mixFrom; from != nil {
		for _, v := range mixLayers(from.RenderList(), from.Scale(), r.c.o.Scale()) {
			r.layers = append(r.layers, r.mixObject(v))
		}
	}
	r.objects = append([]fyne.CanvasObject{r.bg, r.frame}, r.layers...)
	r.objects = append(r.objects, r.title)
	for _, o := range r.objects {
		canvas.Refresh(o)
	}
}

func (r *sceneCanvasRenderer) layerObjects(v scene.LayerView) []fyne.CanvasObject {
	pos := fyne.NewPos(r.c.origin.X+float32(v.Rect.X), r.c.origin.Y+float32(v.Rect.Y))
	size := fyne.NewSize(float32(v.Rect.W), float32(v.Rect.H))
	var out []fyne.CanvasObject

	if v.Frame != nil {
		img := canvas.NewImageFromImage(v.Frame)
		img.FillMode = canvas.ImageFillStretch
		img.ScaleMode = canvas.ImageScaleFastest
		img.Resize(size)
		img.Move(pos)
		out = append(out, img)
	} else {
		ph := canvas.NewRectangle(colLayer)
		ph.Resize(size)
		ph.Move(pos)
		out = append(out, ph)
	}

	outline := canvas.NewRectangle(color.Transparent)
	outline.StrokeWidth = 1
	switch {
	case v.Missing:
		outline.StrokeColor = colMissing
	case v.Selected:
		outline.StrokeColor = colSelected
		outline.StrokeWidth = 2
	case v.Locked:
		outline.StrokeColor = colLocked
	default:
		outline.StrokeColor = colOutline
	}
	outline.Resize(size)
	outline.Move(pos)
	out = append(out, outline)

	if label := layerLabel(v); label != "" {
		t := canvas.NewText(label, colLabel)
		t.TextSize = 10
		t.Move(fyne.NewPos(pos.X+4, pos.Y+2))
		out = append(out, t)
	}

	if v.Selected && !v.Locked && !r.c.o.ReadOnly() {
		for _, hr := range transform.Handles(v.Rect, transform.HandleSize) {
			hnd := canvas.NewRectangle(colSelected)
			hnd.Resize(fyne.NewSize(float32(hr.W), float32(hr.H)))
			hnd.Move(fyne.NewPos(r.c.origin.X+float32(hr.X), r.c.origin.Y+float32(hr.Y)))
			out = append(out, hnd)
		}
	}
	return out
}

// mixObject draws one crossfade layer without outline, label or handles.
func (r *sceneCanvasRenderer) mixObject(v scene.LayerView) fyne.CanvasObject {
	pos := fyne.NewPos(r.c.origin.X+float32(v.Rect.X), r.c.origin.Y+float32(v.Rect.Y))
	size := fyne.NewSize(float32(v.Rect.W), float32(v.Rect.H))
	if v.Frame == nil {
		c := colLayer
		c.A = uint8(float64(c.A) * r.c.mix)
		ph := canvas.NewRectangle(c)
		ph.Resize(size)
		ph.Move(pos)
		return ph
	}
	img := canvas.NewImageFromImage(v.Frame)
	img.FillMode = canvas.ImageFillStretch
	img.ScaleMode = canvas.ImageScaleFastest
	img.Translucency = 1 - r.c.mix
	img.Resize(size)
	img.Move(pos)
	return img
}

// mixLayers rescales layer views rendered at scale from into scale to.
func mixLayers(views []scene.LayerView, from, to float64) []scene.LayerView {
	if from <= 0 || to <= 0 {
		return nil
	}
	k := to / from
	out := make([]scene.LayerView, len(views))
	for i, v := range views {
		v.Rect = v.Rect.Scale(k)
		out[i] = v
	}
	return out
}

// layerLabel names the layer while it has no picture or a problem to report.
func layerLabel(v scene.LayerView) string {
	switch {
	case v.Missing:
		return fmt.Sprintf("missing source %s", v.SourceID)
	case v.State.Halted:
		return v.SourceName + ": preview failed, tap to retry"
	case v.Frame == nil:
		return fmt.Sprintf("%s: %s", v.SourceName, v.State.Status)
	case v.Locked:
		return v.SourceName + " (locked)"
	}
	return ""
}

var (
	_ desktop.Mouseable = (*SceneCanvas)(nil)
	_ fyne.Draggable    = (*SceneCanvas)(nil)
	_ fyne.Tappable     = (*SceneCanvas)(nil)
)
