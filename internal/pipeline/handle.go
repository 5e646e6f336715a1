/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package pipeline

import (
	"context"
	"image"
	"time"
)

// Frame is one decoded video frame.
type Frame struct {
	Image image.Image
	Seq   uint64
	PTS   time.Duration
}

// HasPixels reports whether the frame carries decoded pixel data.
func (f Frame) HasPixels() bool {
	return f.Image != nil && !f.Image.Bounds().Empty()
}

// VideoHandle is a live video stream for one source. Status transitions
// follow idle -> loading -> connecting -> playing | error | unavailable.
// Both channels are closed when the handle is closed.
type VideoHandle interface {
	Statuses() <-chan Status
	Frames() <-chan Frame
	Close() error
}

// FrameSampler is implemented by handles whose frame signalling may be
// unreliable; the session polls LatestFrame to detect first-frame readiness.
type FrameSampler interface {
	LatestFrame() (Frame, bool)
}

// LiveSource opens live video handles.
type LiveSource interface {
	LiveVideo(ctx context.Context, sourceID string) (VideoHandle, error)
}

// StillFetcher downloads and decodes one snapshot image.
type StillFetcher interface {
	FetchStill(ctx context.Context, url string) (image.Image, error)
}

// Surface is a display target. Present hands over a fully drawn image; the
// pipeline does not touch img again until the next Present on the same surface
// has been issued with a different buffer.
type Surface interface {
	Present(img *image.RGBA)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(img *image.RGBA)

func (f SurfaceFunc) Present(img *image.RGBA) { f(img) }
