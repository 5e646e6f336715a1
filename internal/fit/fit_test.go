/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package fit

import (
	"math"
	"testing"
)

func TestFitHeightConstrained(t *testing.T) {
	if got := Fit(1920, 1080, 800, 300); got != (Size{533, 300}) {
		t.Fatalf("Fit = %+v, want 533x300", got)
	}
}

func TestFitTable(t *testing.T) {
	cases := []struct {
		name             string
		cw, ch           int
		aw, ah           float64
		want             Size
	}{
		{"width constrained", 1920, 1080, 800, 900, Size{800, 450}},
		{"clamped to native", 1280, 720, 4000, 4000, Size{1280, 720}},
		{"exact native", 1920, 1080, 1920, 1080, Size{1920, 1080}},
		{"portrait canvas", 1080, 1920, 500, 500, Size{281, 500}},
		{"fractional avail floored", 1920, 1080, 800.9, 300.99, Size{533, 300}},
		{"zero avail", 1920, 1080, 0, 300, Size{}},
		{"nan avail", 1920, 1080, math.NaN(), 300, Size{}},
		{"inf avail", 1920, 1080, math.Inf(1), 300, Size{}},
		{"bad canvas", 0, 1080, 800, 300, Size{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Fit(c.cw, c.ch, c.aw, c.ah); got != c.want {
				t.Fatalf("Fit(%d,%d,%v,%v) = %+v, want %+v", c.cw, c.ch, c.aw, c.ah, got, c.want)
			}
		})
	}
}

func TestFitIdempotentAndAspectPreserved(t *testing.T) {
	canvases := [][2]int{{1920, 1080}, {1280, 720}, {1080, 1920}, {1000, 1000}, {2560, 1080}, {720, 576}}
	for _, cv := range canvases {
		aspect := float64(cv[0]) / float64(cv[1])
		for aw := 37; aw < 2600; aw += 61 {
			for ah := 23; ah < 2200; ah += 47 {
				s := Fit(cv[0], cv[1], float64(aw), float64(ah))
				if s.W > aw || s.H > ah {
					t.Fatalf("%v in %dx%d: %+v exceeds box", cv, aw, ah, s)
				}
				if s.W > cv[0] || s.H > cv[1] {
					t.Fatalf("%v in %dx%d: %+v exceeds native", cv, aw, ah, s)
				}
				again := Fit(cv[0], cv[1], float64(s.W), float64(s.H))
				if again != s {
					t.Fatalf("%v: Fit not idempotent: %+v -> %+v", cv, s, again)
				}
				if s.H > 0 {
					// rounding one side to whole pixels bounds the error by half a pixel
					if d := math.Abs(float64(s.W) - float64(s.H)*aspect); d > aspect/2+0.5 {
						t.Fatalf("%v: %+v drifts from aspect by %v", cv, s, d)
					}
				}
			}
		}
	}
}

func TestTrackerSkipsUnchanged(t *testing.T) {
	tr := NewTracker(1920, 1080)
	s, changed := tr.Update(800, 300)
	if !changed || s != (Size{533, 300}) {
		t.Fatalf("first update = %+v, %v", s, changed)
	}
	// a different box that fits to the same size is not a change
	if _, changed := tr.Update(810, 300.5); changed {
		t.Fatalf("unchanged fitted size reported as change")
	}
	if s, changed := tr.Update(800, 900); !changed || s != (Size{800, 450}) {
		t.Fatalf("resize = %+v, %v", s, changed)
	}
	tr.SetCanvas(1280, 720)
	if _, changed := tr.Update(800, 900); !changed {
		t.Fatalf("canvas change must force an update")
	}
}

func TestTrackerEstimateNeverZero(t *testing.T) {
	tr := NewTracker(1920, 1080)
	s := tr.Estimate(1024, 768, 300, 200)
	if s.IsZero() {
		t.Fatalf("estimate should not be zero: %+v", s)
	}
	if tr.Last() != s {
		t.Fatalf("estimate must seed the tracker")
	}
	if s := tr.Estimate(100, 100, 500, 500); s.IsZero() {
		t.Fatalf("estimate with oversized chrome = %+v", s)
	}
}
