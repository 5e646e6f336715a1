/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

//go:build fitz

package livevideo

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
)

// document renders one page of a PDF (or any MuPDF-readable file) as a still.
type document struct {
	mu   sync.Mutex
	doc  *fitz.Document
	page int
	dpi  float64
	img  image.Image
}

// OpenDocument opens path and renders page at dpi on the first Next call.
func OpenDocument(path string, page int, dpi float64) (FrameSource, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open document %q: %w", path, err)
	}
	if page < 0 || page >= doc.NumPage() {
		_ = doc.Close()
		return nil, fmt.Errorf("document %q: page %d out of range (%d pages)", path, page, doc.NumPage())
	}
	return &document{doc: doc, page: page, dpi: dpi}, nil
}

// DocumentPages returns the page count of path.
func DocumentPages(path string) (int, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = doc.Close() }()
	return doc.NumPage(), nil
}

func (d *document) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.img != nil {
		return d.img, nil
	}
	if d.doc == nil {
		return nil, fmt.Errorf("document closed")
	}
	img, err := d.doc.ImageDPI(d.page, d.dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", d.page, err)
	}
	d.img = img
	return img, nil
}

func (d *document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil
	}
	err := d.doc.Close()
	d.doc = nil
	return err
}
