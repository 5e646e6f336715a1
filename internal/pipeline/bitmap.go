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
	"image/draw"
	"sync"
	"sync/atomic"
)

// ErrReleased is returned when a bitmap is used after release.
var ErrReleased = errors.New("bitmap already released")

// BitmapPool recycles RGBA buffers keyed by size so per-frame snapshots do
// not allocate. It counts outstanding bitmaps, which must drop back to zero
// once every session is torn down.
type BitmapPool struct {
	mu    sync.RWMutex
	pools map[image.Point]*sync.Pool

	outstanding atomic.Int64
	seq         atomic.Uint64
}

func NewBitmapPool() *BitmapPool {
	return &BitmapPool{pools: map[image.Point]*sync.Pool{}}
}

func (p *BitmapPool) poolFor(size image.Point) *sync.Pool {
	p.mu.RLock()
	sp, ok := p.pools[size]
	p.mu.RUnlock()
	if ok {
		return sp
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp, ok = p.pools[size]; ok {
		return sp
	}
	sp = &sync.Pool{New: func() any { return image.NewRGBA(image.Rectangle{Max: size}) }}
	p.pools[size] = sp
	return sp
}

// Get returns a bitmap of the given size. Its pixels are not cleared.
func (p *BitmapPool) Get(w, h int) *Bitmap {
	size := image.Pt(w, h)
	img := p.poolFor(size).Get().(*image.RGBA)
	p.outstanding.Add(1)
	return &Bitmap{img: img, pool: p, Seq: p.seq.Add(1)}
}

// Snapshot copies src into a pooled bitmap.
func (p *BitmapPool) Snapshot(src image.Image) *Bitmap {
	b := src.Bounds()
	bm := p.Get(b.Dx(), b.Dy())
	draw.Draw(bm.img, bm.img.Rect, src, b.Min, draw.Src)
	return bm
}

// Outstanding returns the number of bitmaps handed out and not yet released.
func (p *BitmapPool) Outstanding() int64 { return p.outstanding.Load() }

func (p *BitmapPool) put(img *image.RGBA) {
	p.outstanding.Add(-1)
	p.poolFor(img.Rect.Size()).Put(img)
}

// Bitmap is a frame snapshot. Exactly one party owns it at a time: the
// session until Transfer succeeds, the worker afterwards. The owner must call
// Release when done.
type Bitmap struct {
	img      *image.RGBA
	pool     *BitmapPool
	released atomic.Bool
	Seq      uint64
}

// Image returns the pixel buffer, or nil once released.
func (b *Bitmap) Image() *image.RGBA {
	if b == nil || b.released.Load() {
		return nil
	}
	return b.img
}

// Release returns the backing memory to the pool. Releasing twice is a no-op
// and reports ErrReleased.
func (b *Bitmap) Release() error {
	if b == nil {
		return nil
	}
	if !b.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	img := b.img
	b.img = nil
	if b.pool != nil {
		b.pool.put(img)
	}
	return nil
}
