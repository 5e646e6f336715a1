/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package pipeline renders a layer's live video or still image content onto a
// display surface. Live frames are snapshotted into pooled bitmaps and handed
// to a worker goroutine by ownership transfer; when that is not possible the
// pipeline degrades to direct rendering, still-image polling with backoff, or
// a placeholder card.
package pipeline

import (
	"fmt"
	"strings"

	"livestudio/internal/domain"
)

// Status is the connection/render status of a session as shown to the viewer.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusConnecting
	StatusPlaying
	StatusError
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusConnecting:
		return "connecting"
	case StatusPlaying:
		return "playing"
	case StatusError:
		return "error"
	case StatusUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus maps a wire status name to a Status.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle":
		return StatusIdle, true
	case "loading":
		return StatusLoading, true
	case "connecting":
		return StatusConnecting, true
	case "playing":
		return StatusPlaying, true
	case "error":
		return StatusError, true
	case "unavailable":
		return StatusUnavailable, true
	}
	return StatusIdle, false
}

// Mode is the rendering strategy of a session.
type Mode int

const (
	ModeWorker Mode = iota
	ModeDirect
	ModeStill
)

func (m Mode) String() string {
	switch m {
	case ModeWorker:
		return "worker"
	case ModeDirect:
		return "direct"
	case ModeStill:
		return "still"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Caps describes what the host can offer a session.
type Caps struct {
	Worker    bool // an off-thread worker is running
	LiveVideo bool // live video handles can be obtained
}

// Select picks the renderer for a source. forced is the configured override
// ("auto", "worker", "direct", "still"); an override the host cannot honour
// falls back to the next tier. Static sources always use still images.
func Select(kind domain.SourceKind, caps Caps, forced string) Mode {
	if kind.IsStatic() || !caps.LiveVideo || forced == "still" {
		return ModeStill
	}
	switch forced {
	case "direct":
		return ModeDirect
	}
	if caps.Worker {
		return ModeWorker
	}
	return ModeDirect
}
