/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package livevideo delivers live frames to pipeline sessions. Frames travel
// over a websocket (JSON status text messages, JPEG binary messages) or, for
// the local backend, straight from an in-process FrameSource.
package livevideo

import (
	"context"
	"errors"
	"image"
	"sync"

	"livestudio/internal/pipeline"
)

// ErrUnsupported is returned for sources this build cannot open.
var ErrUnsupported = errors.New("source kind not supported in this build")

// FrameSource produces frames on demand.
type FrameSource interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// handle is the channel side shared by the websocket and local transports.
// Statuses are never dropped; frames are latest-wins.
type handle struct {
	statuses chan pipeline.Status
	frames   chan pipeline.Frame
	done     chan struct{}

	mu     sync.Mutex
	latest pipeline.Frame
	seq    uint64

	closeOnce sync.Once
	onClose   func() error
	closeErr  error
}

func newHandle(onClose func() error) *handle {
	return &handle{
		statuses: make(chan pipeline.Status, 8),
		frames:   make(chan pipeline.Frame, 1),
		done:     make(chan struct{}),
		onClose:  onClose,
	}
}

func (h *handle) Statuses() <-chan pipeline.Status { return h.statuses }
func (h *handle) Frames() <-chan pipeline.Frame    { return h.frames }

// LatestFrame implements pipeline.FrameSampler.
func (h *handle) LatestFrame() (pipeline.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.latest.HasPixels()
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		if h.onClose != nil {
			h.closeErr = h.onClose()
		}
	})
	return h.closeErr
}

func (h *handle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) sendStatus(st pipeline.Status) bool {
	select {
	case h.statuses <- st:
		return true
	case <-h.done:
		return false
	}
}

func (h *handle) sendFrame(img image.Image) {
	h.mu.Lock()
	h.seq++
	f := pipeline.Frame{Image: img, Seq: h.seq}
	h.latest = f
	h.mu.Unlock()
	for {
		select {
		case h.frames <- f:
			return
		case <-h.done:
			return
		default:
		}
		// drop the stale frame nobody picked up yet
		select {
		case <-h.frames:
		default:
		}
	}
}

// finish closes the channels. Only the producing goroutine calls it.
func (h *handle) finish() {
	close(h.statuses)
	close(h.frames)
}
