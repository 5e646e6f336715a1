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
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"

	applog "livestudio/internal/log"
)

var (
	ErrWorkerClosed  = errors.New("render worker closed")
	ErrUnknownHandle = errors.New("unknown surface handle")
	ErrQueueFull     = errors.New("render worker queue full")
	ErrBadSize       = errors.New("surface size must be positive")
)

// Handle identifies a surface registered with a Worker.
type Handle string

// Worker is a render actor. One goroutine owns every registered surface and
// its buffers; callers talk to it only through messages. Frames are handed
// over by ownership transfer of pooled bitmaps, never by sharing.
type Worker struct {
	log    *slog.Logger
	scaler xdraw.Scaler

	cmds   chan command
	frames chan frameMsg
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex // guards closed for senders
	closed    bool

	// owned by the run goroutine
	surfaces map[Handle]*workerSurface
	stats    WorkerStats
}

// WorkerStats counts frames for diagnostics. Read through Stats.
type WorkerStats struct {
	Presented int
	Dropped   int
	Surfaces  int
}

type workerSurface struct {
	target      Surface
	front, back *image.RGBA
}

type cmdKind int

const (
	cmdRegister cmdKind = iota
	cmdResize
	cmdUnregister
	cmdStats
)

type command struct {
	kind   cmdKind
	handle Handle
	target Surface
	w, h   int
	reply  chan error
	stats  chan WorkerStats
}

type frameMsg struct {
	handle Handle
	bm     *Bitmap
}

// NewWorker starts a render worker. queue bounds the number of in-flight frames.
func NewWorker(queue int) *Worker {
	if queue <= 0 {
		queue = 4
	}
	w := &Worker{
		log:      applog.WithComponent("render-worker"),
		scaler:   xdraw.ApproxBiLinear,
		cmds:     make(chan command),
		frames:   make(chan frameMsg, queue),
		done:     make(chan struct{}),
		surfaces: map[Handle]*workerSurface{},
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Worker) send(c command) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkerClosed
	}
	w.cmds <- c
	if c.reply != nil {
		return <-c.reply
	}
	return nil
}

// Register attaches a display surface of w x h pixels and returns its handle.
func (w *Worker) Register(target Surface, width, height int) (Handle, error) {
	if target == nil {
		return "", errors.New("nil surface")
	}
	if width <= 0 || height <= 0 {
		return "", ErrBadSize
	}
	h := Handle(uuid.NewString())
	err := w.send(command{kind: cmdRegister, handle: h, target: target, w: width, h: height, reply: make(chan error, 1)})
	if err != nil {
		return "", err
	}
	return h, nil
}

// Resize changes the size of a registered surface without re-registering it.
func (w *Worker) Resize(h Handle, width, height int) error {
	if width <= 0 || height <= 0 {
		return ErrBadSize
	}
	return w.send(command{kind: cmdResize, handle: h, w: width, h: height, reply: make(chan error, 1)})
}

// Unregister detaches a surface and frees its buffers.
func (w *Worker) Unregister(h Handle) error {
	return w.send(command{kind: cmdUnregister, handle: h, reply: make(chan error, 1)})
}

// Transfer hands bm to the worker for presentation on h. On success the
// worker owns bm and releases it after drawing. On error ownership stays with
// the caller, who must Release it.
func (w *Worker) Transfer(h Handle, bm *Bitmap) error {
	if bm == nil || bm.Image() == nil {
		return ErrReleased
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkerClosed
	}
	select {
	case w.frames <- frameMsg{handle: h, bm: bm}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() WorkerStats {
	ch := make(chan WorkerStats, 1)
	if err := w.send(command{kind: cmdStats, stats: ch}); err != nil {
		return WorkerStats{}
	}
	return <-ch
}

// Close stops the worker. Queued frames are released; surfaces are dropped.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
		w.wg.Wait()
	})
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			w.drain()
			return
		case c := <-w.cmds:
			w.handle(c)
		case f := <-w.frames:
			w.present(f)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case f := <-w.frames:
			_ = f.bm.Release()
		default:
			if n := len(w.surfaces); n > 0 {
				w.log.Debug("worker closed with registered surfaces", slog.Int("surfaces", n))
			}
			w.surfaces = map[Handle]*workerSurface{}
			return
		}
	}
}

func (w *Worker) handle(c command) {
	var err error
	switch c.kind {
	case cmdRegister:
		w.surfaces[c.handle] = &workerSurface{
			target: c.target,
			front:  image.NewRGBA(image.Rect(0, 0, c.w, c.h)),
			back:   image.NewRGBA(image.Rect(0, 0, c.w, c.h)),
		}
	case cmdResize:
		s, ok := w.surfaces[c.handle]
		if !ok {
			err = fmt.Errorf("resize %s: %w", c.handle, ErrUnknownHandle)
			break
		}
		if s.back.Rect.Dx() != c.w || s.back.Rect.Dy() != c.h {
			s.front = image.NewRGBA(image.Rect(0, 0, c.w, c.h))
			s.back = image.NewRGBA(image.Rect(0, 0, c.w, c.h))
		}
	case cmdUnregister:
		if _, ok := w.surfaces[c.handle]; !ok {
			err = fmt.Errorf("unregister %s: %w", c.handle, ErrUnknownHandle)
			break
		}
		delete(w.surfaces, c.handle)
	case cmdStats:
		st := w.stats
		st.Surfaces = len(w.surfaces)
		c.stats <- st
	}
	if c.reply != nil {
		c.reply <- err
	}
}

// present scales the bitmap into the surface back buffer, presents it and
// swaps buffers. The bitmap is always released.
func (w *Worker) present(f frameMsg) {
	defer func() { _ = f.bm.Release() }()
	s, ok := w.surfaces[f.handle]
	if !ok {
		w.stats.Dropped++
		return
	}
	src := f.bm.Image()
	if src == nil {
		w.stats.Dropped++
		return
	}
	w.scaler.Scale(s.back, s.back.Rect, src, src.Rect, xdraw.Src, nil)
	s.target.Present(s.back)
	s.front, s.back = s.back, s.front
	w.stats.Presented++
}
