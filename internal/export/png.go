/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/gogpu/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"livestudio/internal/domain"
	"livestudio/internal/pipeline"
)

// FrameFunc returns the current picture of a layer's source at w x h, or nil
// when none is available.
type FrameFunc func(l domain.Layer, src domain.Source, w, h int) image.Image

// SceneOptions controls scene rendering. Zero Width/Height mean the scene's
// native canvas size; a zero Height follows the canvas aspect.
type SceneOptions struct {
	Width, Height int
	Frames        FrameFunc
	Outlines      bool
	Labels        bool
	Background    string // hex, defaults to black
}

// RenderScene composites the visible layers of sc in z-order. Layers without
// a frame get a placeholder card; dangling sources get the missing card.
func RenderScene(p domain.Profile, sc domain.Scene, opt SceneOptions) (*image.RGBA, error) {
	if sc.CanvasWidth <= 0 || sc.CanvasHeight <= 0 {
		return nil, fmt.Errorf("scene %s has no canvas size", sc.ID)
	}
	w, h := opt.Width, opt.Height
	if w <= 0 {
		w = sc.CanvasWidth
	}
	if h <= 0 {
		h = int(float64(w)/sc.Aspect() + 0.5)
	}
	scale := float64(w) / float64(sc.CanvasWidth)
	bg := opt.Background
	if bg == "" {
		bg = "#000000"
	}

	dc := gg.NewContext(w, h)
	defer func() { _ = dc.Close() }()
	dc.ClearWithColor(gg.Hex(bg))

	type label struct {
		r    image.Rectangle
		text string
	}
	var labels []label
	for _, l := range sc.RenderOrder() {
		if !l.Visible {
			continue
		}
		r := l.Transform.Rect().Scale(scale).Round()
		lw, lh := int(r.W), int(r.H)
		if lw <= 0 || lh <= 0 {
			continue
		}
		src, ok := p.SourceByID(l.SourceID)
		var img image.Image
		switch {
		case !ok:
			img = pipeline.Placeholder(lw, lh, pipeline.CardMissing, "")
		case opt.Frames != nil:
			img = opt.Frames(l, src, lw, lh)
		}
		if img == nil || img.Bounds().Empty() {
			img = pipeline.Placeholder(lw, lh, pipeline.CardUnavailable, "")
		}
		dc.DrawImageEx(gg.ImageBufFromImage(img), gg.DrawImageOptions{X: r.X, Y: r.Y, DstWidth: r.W, DstHeight: r.H})
		if opt.Outlines {
			dc.SetColor(gg.Hex("#f0c040").Color())
			dc.SetLineWidth(1)
			dc.DrawRectangle(r.X+0.5, r.Y+0.5, r.W-1, r.H-1)
			_ = dc.Stroke()
		}
		if opt.Labels {
			name := src.Name
			if !ok {
				name = l.SourceID + " (missing)"
			}
			labels = append(labels, label{r: image.Rect(int(r.X), int(r.Y), int(r.X+r.W), int(r.Y+r.H)), text: name})
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	copyImage(out, dc.Image())
	for _, lb := range labels {
		drawText(out, lb.r, lb.text)
	}
	return out, nil
}

// WriteScenePNG renders sc and writes it to outPath. Relative paths land in
// the profile's exports folder.
func WriteScenePNG(root string, p domain.Profile, sc domain.Scene, outPath string, opt SceneOptions) (string, error) {
	img, err := RenderScene(p, sc, opt)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(outPath) {
		outPath = filepath.Join(root, "exports", outPath)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("ensure out dir: %w", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create png: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("encode png: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close png: %w", err)
	}
	return outPath, nil
}

func copyImage(dst *image.RGBA, src image.Image) {
	draw.Draw(dst, dst.Rect, src, src.Bounds().Min, draw.Src)
}

// drawText writes text in the top-left corner of r on a dark strip.
func drawText(dst *image.RGBA, r image.Rectangle, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(color.White), Face: face}
	strip := image.Rect(r.Min.X, r.Min.Y, min(r.Max.X, r.Min.X+d.MeasureString(text).Ceil()+6), r.Min.Y+16).Intersect(dst.Rect)
	for y := strip.Min.Y; y < strip.Max.Y; y++ {
		for x := strip.Min.X; x < strip.Max.X; x++ {
			dst.SetRGBA(x, y, color.RGBA{A: 255})
		}
	}
	d.Dot = fixed.P(r.Min.X+3, r.Min.Y+12)
	d.DrawString(text)
}
