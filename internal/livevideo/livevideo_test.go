/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package livevideo

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livestudio/internal/domain"
	"livestudio/internal/pipeline"
)

func nextStatus(t *testing.T, h pipeline.VideoHandle) pipeline.Status {
	t.Helper()
	select {
	case st, ok := <-h.Statuses():
		if !ok {
			t.Fatalf("status channel closed")
		}
		return st
	case <-time.After(3 * time.Second):
		t.Fatalf("no status")
	}
	return pipeline.StatusIdle
}

func nextFrame(t *testing.T, h pipeline.VideoHandle) pipeline.Frame {
	t.Helper()
	select {
	case f, ok := <-h.Frames():
		if !ok {
			t.Fatalf("frame channel closed")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("no frame")
	}
	return pipeline.Frame{}
}

func waitClosed(t *testing.T, h pipeline.VideoHandle) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	st, fr := h.Statuses(), h.Frames()
	for st != nil || fr != nil {
		select {
		case _, ok := <-st:
			if !ok {
				st = nil
			}
		case _, ok := <-fr:
			if !ok {
				fr = nil
			}
		case <-deadline:
			t.Fatalf("channels not closed")
		}
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/live/") {
			http.NotFound(w, r)
			return
		}
		src := Solid{W: 32, H: 18, C: mustColor("#ff0000")}
		_ = Serve(w, r, src, ServeOptions{Interval: 10 * time.Millisecond, Quality: 90})
	}))
	defer srv.Close()

	d := &Dialer{URL: func(id string) string { return srv.URL + "/live/" + id }}
	h, err := d.LiveVideo(context.Background(), "cam-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if st := nextStatus(t, h); st != pipeline.StatusConnecting {
		t.Fatalf("first status = %v", st)
	}
	if st := nextStatus(t, h); st != pipeline.StatusPlaying {
		t.Fatalf("second status = %v", st)
	}
	f := nextFrame(t, h)
	if !f.HasPixels() || f.Image.Bounds().Dx() != 32 {
		t.Fatalf("frame = %+v", f)
	}
	r, g, _, _ := f.Image.At(16, 9).RGBA()
	if r>>8 < 200 || g>>8 > 60 {
		t.Fatalf("decoded colour r=%d g=%d", r>>8, g>>8)
	}
	if _, ok := h.(pipeline.FrameSampler).LatestFrame(); !ok {
		t.Fatalf("latest frame should be available")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitClosed(t, h)
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	d := &Dialer{URL: func(id string) string { return srv.URL + "/live/" + id }}
	if _, err := d.LiveVideo(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v", err)
	}
}

func TestLocalSourceStreams(t *testing.T) {
	l := &Local{
		Lookup: func(id string) (domain.Source, bool) {
			return domain.Source{ID: id, Kind: domain.SourceColor, URI: "#00ff00"}, id == "green"
		},
		Interval: 5 * time.Millisecond, W: 8, H: 8,
	}
	if _, err := l.LiveVideo(context.Background(), "nope"); err == nil {
		t.Fatalf("unknown source should fail")
	}
	h, err := l.LiveVideo(context.Background(), "green")
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if nextStatus(t, h) != pipeline.StatusConnecting || nextStatus(t, h) != pipeline.StatusPlaying {
		t.Fatalf("unexpected status order")
	}
	f := nextFrame(t, h)
	if c := f.Image.At(4, 4); c != mustColor("#00ff00") {
		t.Fatalf("pixel = %v", c)
	}
	_ = h.Close()
	waitClosed(t, h)
}

func TestPatternFramesMove(t *testing.T) {
	p := NewPattern(120, 68, "cam")
	a, _ := p.Next(context.Background())
	b, _ := p.Next(context.Background())
	if a.Bounds() != b.Bounds() {
		t.Fatalf("bounds differ")
	}
	same := true
	for x := 0; x < 120 && same; x++ {
		if a.At(x, 60) != b.At(x, 60) {
			same = false
		}
	}
	if same {
		t.Fatalf("consecutive pattern frames should differ")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Next(ctx); err == nil {
		t.Fatalf("cancelled context should fail")
	}
}

func TestParseColor(t *testing.T) {
	for _, bad := range []string{"", "#fff", "zzzzzz"} {
		if _, err := ParseColor(bad); err == nil {
			t.Fatalf("ParseColor(%q) should fail", bad)
		}
	}
	c, err := ParseColor("#102030")
	if err != nil || c.R != 0x10 || c.G != 0x20 || c.B != 0x30 || c.A != 255 {
		t.Fatalf("ParseColor = %v %v", c, err)
	}
}

func TestWSURL(t *testing.T) {
	if WSURL("https://a/b") != "wss://a/b" || WSURL("http://a") != "ws://a" || WSURL("ws://x") != "ws://x" {
		t.Fatalf("WSURL mapping wrong")
	}
}

func mustColor(s string) color.RGBA {
	c, err := ParseColor(s)
	if err != nil {
		panic(err)
	}
	return c
}
