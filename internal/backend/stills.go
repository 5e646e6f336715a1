/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package backend

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"

	"livestudio/internal/domain"
	"livestudio/internal/export"
	"livestudio/internal/livevideo"
	"livestudio/internal/storage"
)

// DefaultStillQuality is the JPEG quality used when a request names none.
const DefaultStillQuality = 70

// stillRenderer produces snapshot JPEGs for sources and scenes. Static
// sources are cached when a cache is present.
type stillRenderer struct {
	cache *storage.Cache
	log   *slog.Logger
}

// render resolves target as a source id first, then as a scene id.
func (r stillRenderer) render(ctx context.Context, p domain.Profile, target string, w, h, q int) ([]byte, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("still %s: bad size %dx%d", target, w, h)
	}
	if q <= 0 || q > 100 {
		q = DefaultStillQuality
	}
	if src, ok := p.SourceByID(target); ok {
		gen := func(ctx context.Context) ([]byte, error) {
			img, err := livevideo.Still(ctx, src, w, h)
			if err != nil {
				return nil, err
			}
			return encodeJPEG(img, q)
		}
		if r.cache != nil && src.Kind.IsStatic() {
			key := fmt.Sprintf("%s|%s|%s|q%d", src.ID, src.Kind, src.URI, q)
			return r.cache.GetOrCreateStill(ctx, key, w, h, gen)
		}
		return gen(ctx)
	}
	sc, ok := p.SceneByID(target)
	if !ok {
		return nil, fmt.Errorf("still %s: %w", target, ErrNotFound)
	}
	img, err := export.RenderScene(p, *sc, export.SceneOptions{
		Width:  w,
		Height: h,
		Frames: func(l domain.Layer, src domain.Source, lw, lh int) image.Image {
			img, err := livevideo.Still(ctx, src, lw, lh)
			if err != nil {
				if r.log != nil {
					r.log.Debug("layer still failed", slog.String("layer", l.ID), slog.Any("err", err))
				}
				return nil
			}
			return img
		},
	})
	if err != nil {
		return nil, fmt.Errorf("still %s: %w", target, err)
	}
	return encodeJPEG(img, q)
}

func encodeJPEG(img image.Image, q int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode still: %w", err)
	}
	return img, nil
}
