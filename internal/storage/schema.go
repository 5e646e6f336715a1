/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	gojsonschema "github.com/xeipuuv/gojsonschema"

	"livestudio/internal/domain"
)

//go:embed profile.schema.json
var profileSchema []byte

// ProfileSchema returns the JSON schema of profile.json.
func ProfileSchema() []byte { return profileSchema }

// ValidateManifest checks manifest bytes against the profile schema.
func ValidateManifest(data []byte) error {
	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(profileSchema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validate: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New("profile schema: " + strings.Join(msgs, "; "))
}

// DefaultProfile is the profile written by `livestudio init`: two 1080p
// scenes sharing a camera, a screen capture and a colour background.
func DefaultProfile(name string) domain.Profile {
	if strings.TrimSpace(name) == "" {
		name = "Studio"
	}
	sources := []domain.Source{
		{ID: "src-bg", Name: "Background", Kind: domain.SourceColor, URI: "#1d2733"},
		{ID: "src-cam", Name: "Camera", Kind: domain.SourceCamera, URI: "0"},
		{ID: "src-screen", Name: "Screen", Kind: domain.SourceScreen},
	}
	full := func(id, src string, z int, t domain.Transform) domain.Layer {
		return domain.Layer{ID: id, SourceID: src, Transform: t, Visible: true, ZIndex: z}
	}
	return domain.Profile{
		ID:            "profile-1",
		Name:          name,
		ActiveSceneID: "scene-main",
		Sources:       sources,
		Scenes: []domain.Scene{
			{
				ID: "scene-main", Name: "Main", CanvasWidth: 1920, CanvasHeight: 1080,
				Layers: []domain.Layer{
					full("layer-bg", "src-bg", 0, domain.Transform{Width: 1920, Height: 1080}),
					full("layer-screen", "src-screen", 1, domain.Transform{X: 80, Y: 80, Width: 1280, Height: 720}),
					full("layer-cam", "src-cam", 2, domain.Transform{X: 1400, Y: 620, Width: 440, Height: 380}),
				},
			},
			{
				ID: "scene-cam", Name: "Camera", CanvasWidth: 1920, CanvasHeight: 1080,
				Layers: []domain.Layer{
					full("layer-bg2", "src-bg", 0, domain.Transform{Width: 1920, Height: 1080}),
					full("layer-cam2", "src-cam", 1, domain.Transform{X: 240, Y: 135, Width: 1440, Height: 810}),
				},
			},
		},
		Studio: &domain.StudioState{PreviewSceneID: "scene-main", ProgramSceneID: "scene-main"},
	}
}
