/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeReader struct {
	cpu   float64
	used  uint64
	total uint64
	err   error
}

func (f fakeReader) CPUPercent(context.Context) (float64, error) { return f.cpu, f.err }
func (f fakeReader) Memory(context.Context) (uint64, uint64, float64, error) {
	if f.err != nil {
		return 0, 0, 0, f.err
	}
	return f.used, f.total, float64(f.used) / float64(f.total) * 100, nil
}

func TestRead_Levels(t *testing.T) {
	cases := []struct {
		cpu  float64
		used uint64
		want Level
	}{
		{10, 10, LevelOK},
		{80, 10, LevelBusy},
		{10, 95, LevelCritical},
	}
	for _, c := range cases {
		s, err := Read(context.Background(), fakeReader{cpu: c.cpu, used: c.used, total: 100})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := s.Level(); got != c.want {
			t.Fatalf("cpu=%v mem=%v level = %v, want %v", c.cpu, c.used, got, c.want)
		}
	}
}

func TestRead_Error(t *testing.T) {
	if _, err := Read(context.Background(), fakeReader{err: errors.New("boom")}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSampleString(t *testing.T) {
	s := Sample{CPUPercent: 12.4, MemPercent: 50, MemUsed: 512 << 20, MemTotal: 1 << 30}
	if got, want := s.String(), "CPU 12%  RAM 50% (512.0 MiB / 1.0 GiB)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestSampler_PublishesAndStops(t *testing.T) {
	var mu sync.Mutex
	var n int
	got := make(chan struct{}, 1)
	s := NewSampler(fakeReader{cpu: 5, used: 1, total: 4}, 5*time.Millisecond, func(Sample) {
		mu.Lock()
		n++
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	})
	s.Start(context.Background())
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("no sample published")
	}
	s.Stop()
	if l, ok := s.Latest(); !ok || l.MemPercent != 25 {
		t.Fatalf("latest = %+v ok=%v", l, ok)
	}
	mu.Lock()
	after := n
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if n != after {
		t.Fatalf("sampler kept running after Stop")
	}
	s.Stop()
}

func TestHostReader(t *testing.T) {
	s, err := Read(context.Background(), HostReader{})
	if err != nil {
		t.Skipf("host counters unavailable: %v", err)
	}
	if s.MemTotal == 0 || s.MemPercent < 0 || s.MemPercent > 100 {
		t.Fatalf("implausible sample %+v", s)
	}
}
