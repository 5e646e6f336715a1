/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package livevideo

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/gg"

	"livestudio/internal/domain"
	"livestudio/internal/pipeline"
)

// Pattern is a synthetic moving test card, used for sources that have no
// capture device in this build.
type Pattern struct {
	W, H  int
	Label string

	mu    sync.Mutex
	frame int
}

// NewPattern returns a w x h test card.
func NewPattern(w, h int, label string) *Pattern {
	return &Pattern{W: max(w, 16), H: max(h, 9), Label: label}
}

var barColors = []string{"#c0c0c0", "#c0c000", "#00c0c0", "#00c000", "#c000c0", "#c00000", "#0000c0"}

func (p *Pattern) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	n := p.frame
	p.frame++
	p.mu.Unlock()

	dc := gg.NewContext(p.W, p.H)
	defer func() { _ = dc.Close() }()
	fw, fh := float64(p.W), float64(p.H)
	bw := fw / float64(len(barColors))
	for i, hex := range barColors {
		dc.SetColor(gg.Hex(hex).Color())
		dc.DrawRectangle(float64(i)*bw, 0, bw+1, fh*0.75)
		_ = dc.Fill()
	}
	dc.SetRGB(0.1, 0.1, 0.12)
	dc.DrawRectangle(0, fh*0.75, fw, fh*0.25)
	_ = dc.Fill()
	// sweep marker so consecutive frames differ
	x := float64(n%60) / 60 * fw
	dc.SetRGB(1, 1, 1)
	dc.DrawRectangle(x, fh*0.8, fw/30+1, fh*0.15)
	_ = dc.Fill()

	out := image.NewRGBA(image.Rect(0, 0, p.W, p.H))
	draw.Draw(out, out.Rect, dc.Image(), image.Point{}, draw.Src)
	return out, nil
}

func (p *Pattern) Close() error { return nil }

// Solid is a single-colour source.
type Solid struct {
	W, H int
	C    color.RGBA
}

func (s Solid) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, max(s.W, 1), max(s.H, 1)))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = s.C.R, s.C.G, s.C.B, s.C.A
	}
	return img, nil
}

func (Solid) Close() error { return nil }

// ParseColor reads "#rrggbb" (or "rrggbb") into an opaque colour.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("bad colour %q", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("bad colour %q: %w", s, err)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// Open returns a FrameSource for src at roughly w x h. Cameras go through
// the capture backend when the build has one; documents render their first
// page; anything without a producer in this process gets a test card.
func Open(src domain.Source, w, h int) (FrameSource, error) {
	switch src.Kind {
	case domain.SourceColor:
		c, err := ParseColor(src.URI)
		if err != nil {
			return nil, err
		}
		return Solid{W: w, H: h, C: c}, nil
	case domain.SourceCamera:
		if src.URI != "" {
			fs, err := OpenCapture(src.URI)
			if err == nil {
				return fs, nil
			}
			if !errors.Is(err, ErrUnsupported) {
				return nil, err
			}
		}
	case domain.SourceDocument:
		fs, err := OpenDocument(src.URI, 0, 96)
		if !errors.Is(err, ErrUnsupported) {
			return fs, err
		}
	}
	return NewPattern(w, h, src.Name), nil
}

// Still renders a single frame of src, for snapshot endpoints.
func Still(ctx context.Context, src domain.Source, w, h int) (image.Image, error) {
	fs, err := Open(src, w, h)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fs.Close() }()
	return fs.Next(ctx)
}

// Local serves live video from in-process frame sources, for the local
// backend where there is no studio server to dial.
type Local struct {
	Lookup   func(sourceID string) (domain.Source, bool)
	Interval time.Duration
	W, H     int
}

func (l *Local) LiveVideo(ctx context.Context, sourceID string) (pipeline.VideoHandle, error) {
	src, ok := l.Lookup(sourceID)
	if !ok {
		return nil, fmt.Errorf("live video %s: unknown source", sourceID)
	}
	fs, err := Open(src, l.W, l.H)
	if err != nil {
		return nil, fmt.Errorf("live video %s: %w", sourceID, err)
	}
	iv := l.Interval
	if iv <= 0 {
		iv = time.Second / 30
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h := newHandle(func() error {
		cancel()
		return nil
	})
	go pumpLocal(runCtx, h, fs, iv)
	return h, nil
}

func pumpLocal(ctx context.Context, h *handle, fs FrameSource, iv time.Duration) {
	defer h.finish()
	defer func() { _ = fs.Close() }()
	if !h.sendStatus(pipeline.StatusConnecting) {
		return
	}
	t := time.NewTicker(iv)
	defer t.Stop()
	first := true
	for {
		img, err := fs.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.sendStatus(pipeline.StatusError)
			}
			return
		}
		if first {
			if !h.sendStatus(pipeline.StatusPlaying) {
				return
			}
			first = false
		}
		h.sendFrame(img)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
