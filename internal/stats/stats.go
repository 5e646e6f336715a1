/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package stats samples host CPU and memory load for the studio status bar.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	applog "livestudio/internal/log"
)

// Sample is one host load reading.
type Sample struct {
	At         time.Time
	CPUPercent float64
	MemPercent float64
	MemUsed    uint64
	MemTotal   uint64
}

// String renders the sample for a status line.
func (s Sample) String() string {
	return fmt.Sprintf("CPU %.0f%%  RAM %.0f%% (%s / %s)", s.CPUPercent, s.MemPercent, humanBytes(s.MemUsed), humanBytes(s.MemTotal))
}

// Level grades the heavier of CPU and memory load.
type Level int

const (
	LevelOK Level = iota
	LevelBusy
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelBusy:
		return "busy"
	case LevelCritical:
		return "critical"
	}
	return "ok"
}

// Level returns LevelBusy from 75% and LevelCritical from 90%.
func (s Sample) Level() Level {
	p := max(s.CPUPercent, s.MemPercent)
	switch {
	case p >= 90:
		return LevelCritical
	case p >= 75:
		return LevelBusy
	}
	return LevelOK
}

// Reader reads host counters.
type Reader interface {
	CPUPercent(ctx context.Context) (float64, error)
	Memory(ctx context.Context) (used, total uint64, percent float64, err error)
}

// HostReader reads counters through gopsutil.
type HostReader struct {
	// Window is the CPU measuring interval; zero compares with the previous call.
	Window time.Duration
}

func (r HostReader) CPUPercent(ctx context.Context) (float64, error) {
	v, err := cpu.PercentWithContext(ctx, r.Window, false)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("cpu: no reading")
	}
	return v[0], nil
}

func (HostReader) Memory(ctx context.Context) (uint64, uint64, float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	return vm.Used, vm.Total, vm.UsedPercent, nil
}

// Read takes one sample.
func Read(ctx context.Context, r Reader) (Sample, error) {
	c, err := r.CPUPercent(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read cpu: %w", err)
	}
	used, total, pct, err := r.Memory(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read memory: %w", err)
	}
	return Sample{At: time.Now(), CPUPercent: c, MemPercent: pct, MemUsed: used, MemTotal: total}, nil
}

// Sampler polls a Reader on an interval and keeps the latest sample.
type Sampler struct {
	r        Reader
	interval time.Duration
	onSample func(Sample)
	log      *slog.Logger

	mu     sync.Mutex
	last   Sample
	ok     bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler returns a stopped sampler. onSample may be nil.
func NewSampler(r Reader, interval time.Duration, onSample func(Sample)) *Sampler {
	if r == nil {
		r = HostReader{}
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sampler{r: r, interval: interval, onSample: onSample, log: applog.WithComponent("stats")}
}

// Start begins polling until ctx ends or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			s.poll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}

func (s *Sampler) poll(ctx context.Context) {
	smp, err := Read(ctx, s.r)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Debug("host sample failed", slog.Any("err", err))
		}
		return
	}
	s.mu.Lock()
	s.last, s.ok = smp, true
	s.mu.Unlock()
	if s.onSample != nil {
		s.onSample(smp)
	}
}

// Latest returns the newest sample, if any.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.ok
}

// Stop ends polling and waits for the loop to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func humanBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
