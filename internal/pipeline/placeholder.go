/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package pipeline

import (
	"image"
	"image/draw"

	"github.com/gogpu/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Card selects the look of a placeholder.
type Card int

const (
	CardLoading Card = iota
	CardUnavailable
	CardError
	CardMissing
)

func (c Card) palette() (bg, fg gg.RGBA) {
	switch c {
	case CardUnavailable:
		return gg.Hex("#2b2b33"), gg.Hex("#8a8a99")
	case CardError:
		return gg.Hex("#3a1f22"), gg.Hex("#e0606a")
	case CardMissing:
		return gg.Hex("#3a2f12"), gg.Hex("#f0b429")
	default:
		return gg.Hex("#1c1c22"), gg.Hex("#5a5a66")
	}
}

// CardFor maps a session status to a placeholder card. Playing has none.
func CardFor(st Status) (Card, bool) {
	switch st {
	case StatusPlaying:
		return 0, false
	case StatusError:
		return CardError, true
	case StatusUnavailable:
		return CardUnavailable, true
	default:
		return CardLoading, true
	}
}

// Placeholder draws a w x h card with an optional label. Missing-source cards
// carry a diagonal cross so they read differently from loading ones.
func Placeholder(w, h int, c Card, label string) *image.RGBA {
	if w <= 0 || h <= 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	bg, fg := c.palette()
	dc := gg.NewContext(w, h)
	defer func() { _ = dc.Close() }()
	dc.ClearWithColor(bg)

	fw, fh := float64(w), float64(h)
	dc.SetColor(fg.Color())
	dc.SetLineWidth(2)
	dc.DrawRectangle(1, 1, fw-2, fh-2)
	_ = dc.Stroke()

	switch c {
	case CardMissing:
		dc.SetLineWidth(3)
		dc.DrawLine(0, 0, fw, fh)
		dc.DrawLine(fw, 0, 0, fh)
		_ = dc.Stroke()
	case CardError:
		r := min(fw, fh) / 6
		dc.DrawCircle(fw/2, fh/2, r)
		_ = dc.Stroke()
		dc.DrawLine(fw/2, fh/2-r/2, fw/2, fh/2+r/4)
		_ = dc.Stroke()
	case CardLoading:
		dc.SetDash(6, 6)
		dc.DrawRoundedRectangle(fw*0.1, fh*0.1, fw*0.8, fh*0.8, 8)
		_ = dc.Stroke()
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Rect, dc.Image(), image.Point{}, draw.Src)
	if label != "" {
		drawLabel(out, label, fg)
	}
	return out
}

// drawLabel centres label near the bottom edge using the built-in bitmap font.
func drawLabel(dst *image.RGBA, label string, col gg.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(col.Color()), Face: face}
	adv := d.MeasureString(label)
	x := (fixed.I(dst.Rect.Dx()) - adv) / 2
	if x < fixed.I(2) {
		x = fixed.I(2)
	}
	y := dst.Rect.Dy() - 8
	if y < face.Ascent {
		y = face.Ascent
	}
	d.Dot = fixed.Point26_6{X: x, Y: fixed.I(y)}
	d.DrawString(label)
}
