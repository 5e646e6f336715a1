/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"time"

	"livestudio/internal/domain"
	"livestudio/internal/export"
	"livestudio/internal/storage"
)

func exportScene(root string, p domain.Profile, sc domain.Scene, out string, frames export.FrameFunc) (string, error) {
	return export.WriteScenePNG(root, p, sc, out, export.SceneOptions{Frames: frames, Labels: true})
}

func exportRundown(h *storage.ProfileHandle, out string) (string, error) {
	return export.WriteRundownPDF(h.Root, h.Profile, out, export.RundownOptions{Generated: time.Now()})
}
