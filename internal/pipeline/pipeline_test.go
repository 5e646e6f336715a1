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
	"errors"
	"image"
	"image/color"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
)

func TestBackoffSequenceAndHalt(t *testing.T) {
	b := NewBackoff(DefaultBackoffPolicy())
	want := []time.Duration{
		150 * time.Millisecond,
		225 * time.Millisecond,
		337500 * time.Microsecond,
		506250 * time.Microsecond,
		759375 * time.Microsecond,
	}
	for i, w := range want {
		var d time.Duration
		var stop bool
		b, d, stop = b.OnFailure()
		if d != w {
			t.Fatalf("failure %d: delay %v, want %v", i+1, d, w)
		}
		if stop != (i == len(want)-1) {
			t.Fatalf("failure %d: stop = %v", i+1, stop)
		}
	}
	b, d := b.OnSuccess()
	if b.Failures != 0 || d != 150*time.Millisecond {
		t.Fatalf("success should reset: %+v %v", b, d)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(BackoffPolicy{Base: time.Second, Factor: 10, Max: 2 * time.Second})
	var d time.Duration
	for i := 0; i < 4; i++ {
		b, d, _ = b.OnFailure()
	}
	if d != 2*time.Second {
		t.Fatalf("delay = %v, want cap 2s", d)
	}
}

type stubFetcher struct {
	mu   sync.Mutex
	fail bool
	urls []string
}

func (f *stubFetcher) FetchStill(_ context.Context, u string) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, u)
	if f.fail {
		return nil, errors.New("boom")
	}
	return solid(8, 6, color.RGBA{R: 200, A: 255}), nil
}

func (f *stubFetcher) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestStillPollerHaltsAfterFiveFailuresAndRetries(t *testing.T) {
	timers := &anim.FakeTimers{}
	f := &stubFetcher{fail: true}
	var mu sync.Mutex
	var last Status
	var halted bool
	var lastErr error
	p := NewStillPoller(StillConfig{
		URL:     func() string { return "http://studio/snap?w=8" },
		Fetcher: f,
		Timers:  timers,
		OnState: func(st Status, h bool, err error) {
			mu.Lock()
			last, halted, lastErr = st, h, err
			mu.Unlock()
		},
	})
	p.Start()

	var delays []time.Duration
	for timers.Pending() > 0 {
		d, _ := timers.FireNext()
		delays = append(delays, d)
	}
	wantDelays := []time.Duration{0, 150 * time.Millisecond, 225 * time.Millisecond, 337500 * time.Microsecond, 506250 * time.Microsecond}
	if len(delays) != len(wantDelays) {
		t.Fatalf("timers fired %v, want %v", delays, wantDelays)
	}
	for i := range wantDelays {
		if delays[i] != wantDelays[i] {
			t.Fatalf("delay %d = %v, want %v", i, delays[i], wantDelays[i])
		}
	}
	if p.Requests() != 5 || !p.Halted() {
		t.Fatalf("requests=%d halted=%v", p.Requests(), p.Halted())
	}
	mu.Lock()
	if last != StatusError || !halted || !errors.Is(lastErr, ErrPollingHalted) {
		t.Fatalf("state = %v halted=%v err=%v", last, halted, lastErr)
	}
	mu.Unlock()

	f.setFail(false)
	if !p.Retry() {
		t.Fatalf("retry should resume a halted poller")
	}
	if p.Retry() {
		t.Fatalf("retry on a running poller must be a no-op")
	}
	timers.FireNext()
	mu.Lock()
	if last != StatusPlaying || halted {
		t.Fatalf("after retry state = %v halted=%v", last, halted)
	}
	mu.Unlock()
	if b := p.Backoff(); b.Failures != 0 {
		t.Fatalf("failures = %d after success", b.Failures)
	}
	if d, ok := timers.Next(); !ok || d != 150*time.Millisecond {
		t.Fatalf("next poll in %v, want 150ms", d)
	}

	p.Close()
	if timers.Pending() != 0 {
		t.Fatalf("close must cancel the pending timer")
	}
}

func TestStillPollerTokensIncrease(t *testing.T) {
	timers := &anim.FakeTimers{}
	f := &stubFetcher{}
	p := NewStillPoller(StillConfig{URL: func() string { return "http://studio/snap" }, Fetcher: f, Timers: timers})
	p.Start()
	for i := 0; i < 4; i++ {
		timers.FireNext()
	}
	p.Close()
	var prev int64
	for _, raw := range f.urls {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		tok, err := strconv.ParseInt(u.Query().Get("t"), 10, 64)
		if err != nil || tok <= prev {
			t.Fatalf("token %q not increasing after %d", u.Query().Get("t"), prev)
		}
		prev = tok
	}
}

func TestCacheBustReplacesToken(t *testing.T) {
	got := CacheBust("http://h/snap?w=10&t=1", 42)
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("t") != "42" || u.Query().Get("w") != "10" {
		t.Fatalf("CacheBust = %q", got)
	}
}

func TestSelectMode(t *testing.T) {
	all := Caps{Worker: true, LiveVideo: true}
	cases := []struct {
		kind   domain.SourceKind
		caps   Caps
		forced string
		want   Mode
	}{
		{domain.SourceCamera, all, "auto", ModeWorker},
		{domain.SourceCamera, Caps{LiveVideo: true}, "auto", ModeDirect},
		{domain.SourceCamera, all, "direct", ModeDirect},
		{domain.SourceCamera, all, "still", ModeStill},
		{domain.SourceCamera, Caps{Worker: true}, "auto", ModeStill},
		{domain.SourceImage, all, "worker", ModeStill},
	}
	for _, c := range cases {
		if got := Select(c.kind, c.caps, c.forced); got != c.want {
			t.Fatalf("Select(%s,%+v,%q) = %v, want %v", c.kind, c.caps, c.forced, got, c.want)
		}
	}
}

func TestPlaceholderCards(t *testing.T) {
	if _, ok := CardFor(StatusPlaying); ok {
		t.Fatalf("playing has no placeholder")
	}
	if c, _ := CardFor(StatusConnecting); c != CardLoading {
		t.Fatalf("connecting card = %v", c)
	}
	a := Placeholder(64, 36, CardMissing, "missing")
	b := Placeholder(64, 36, CardLoading, "")
	if a.Rect.Dx() != 64 || a.Rect.Dy() != 36 {
		t.Fatalf("size = %v", a.Rect)
	}
	if a.RGBAAt(32, 18) == b.RGBAAt(32, 18) && a.RGBAAt(2, 2) == b.RGBAAt(2, 2) {
		t.Fatalf("missing and loading cards should differ")
	}
	if z := Placeholder(0, 10, CardError, ""); !z.Rect.Empty() {
		t.Fatalf("zero size should produce an empty image")
	}
}

func TestStillPollerHaltingFailureSchedulesNothing(t *testing.T) {
	timers := &anim.FakeTimers{}
	p := NewStillPoller(StillConfig{
		URL:     func() string { return "http://studio/snap" },
		Fetcher: &stubFetcher{fail: true},
		Timers:  timers,
	})
	defer p.Close()
	p.Start()
	for i := 0; i < 4; i++ {
		timers.FireNext()
	}
	if d, ok := timers.Next(); !ok || d != 506250*time.Microsecond {
		t.Fatalf("before the fifth request next delay = %v, want 506.25ms", d)
	}
	timers.FireNext()
	if !p.Halted() {
		t.Fatalf("fifth failure should halt")
	}
	if d, ok := timers.Next(); ok {
		t.Fatalf("halted poller scheduled %v", d)
	}
	if b := p.Backoff(); b.Failures != 5 {
		t.Fatalf("backoff after halt = %+v", b)
	}
}
