/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package pipeline

import (
	"errors"
	"image"
	"sync"

	xdraw "golang.org/x/image/draw"
)

// DirectRenderer draws frames on the caller's goroutine. It is the fallback
// when no render worker is available.
type DirectRenderer struct {
	mu     sync.Mutex
	target Surface
	bufs   [2]*image.RGBA
	cur    int
}

// NewDirectRenderer prepares double buffers of the given size.
func NewDirectRenderer(target Surface, w, h int) (*DirectRenderer, error) {
	if target == nil {
		return nil, errors.New("nil surface")
	}
	if w <= 0 || h <= 0 {
		return nil, ErrBadSize
	}
	d := &DirectRenderer{target: target}
	d.alloc(w, h)
	return d, nil
}

func (d *DirectRenderer) alloc(w, h int) {
	d.bufs[0] = image.NewRGBA(image.Rect(0, 0, w, h))
	d.bufs[1] = image.NewRGBA(image.Rect(0, 0, w, h))
}

// Resize reallocates the buffers when the size changes.
func (d *DirectRenderer) Resize(w, h int) error {
	if w <= 0 || h <= 0 {
		return ErrBadSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.bufs[0].Rect; b.Dx() != w || b.Dy() != h {
		d.alloc(w, h)
	}
	return nil
}

// Render scales src to the surface and presents it.
func (d *DirectRenderer) Render(src image.Image) error {
	if src == nil || src.Bounds().Empty() {
		return errors.New("frame has no pixels")
	}
	d.mu.Lock()
	dst := d.bufs[d.cur]
	d.cur ^= 1
	xdraw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Bounds(), xdraw.Src, nil)
	d.mu.Unlock()
	d.target.Present(dst)
	return nil
}
