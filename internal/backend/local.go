/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"livestudio/internal/anim"
	"livestudio/internal/domain"
	"livestudio/internal/livevideo"
	applog "livestudio/internal/log"
	"livestudio/internal/pipeline"
	"livestudio/internal/storage"
)

const stillScheme = "local"

// LocalOptions tunes OpenLocal. Zero values pick defaults.
type LocalOptions struct {
	Timers       anim.Timers
	SaveDelay    time.Duration // debounce for manifest writes
	LiveInterval time.Duration
	LiveW, LiveH int
	JournalKeep  int
}

// Local keeps a profile in a directory on disk. Layer commits update memory
// at once and reach profile.json after SaveDelay; every commit is journaled
// in the studio cache.
type Local struct {
	mu      sync.Mutex
	ph      *storage.ProfileHandle
	cache   *storage.Cache
	timers  anim.Timers
	delay   time.Duration
	stopSav func() bool
	saveErr error
	keep    int
	stills  stillRenderer
	live    *livevideo.Local
	log     *slog.Logger
	closed  bool
}

// OpenLocal opens the profile at root together with its cache. A Studio Mode
// state saved in the cache wins over the one in the manifest.
func OpenLocal(root string, opt LocalOptions) (*Local, error) {
	ph, err := storage.Open(root)
	if err != nil {
		return nil, err
	}
	cache, rebuilt, err := storage.OpenCacheOrRebuild(root)
	if err != nil {
		return nil, err
	}
	l := &Local{
		ph:     ph,
		cache:  cache,
		timers: opt.Timers,
		delay:  opt.SaveDelay,
		keep:   opt.JournalKeep,
		log:    applog.WithComponent("backend.local").With(slog.String("root", root)),
	}
	if l.timers == nil {
		l.timers = anim.RealTimers{}
	}
	if l.delay <= 0 {
		l.delay = 500 * time.Millisecond
	}
	if l.keep <= 0 {
		l.keep = 1000
	}
	if rebuilt {
		l.log.Warn("studio cache was rebuilt")
	}
	l.stills = stillRenderer{cache: cache, log: l.log}
	w, h := opt.LiveW, opt.LiveH
	if w <= 0 || h <= 0 {
		w, h = 640, 360
	}
	l.live = &livevideo.Local{Lookup: l.source, Interval: opt.LiveInterval, W: w, H: h}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if st, err := cache.LoadStudioState(ctx); err != nil {
		l.log.Warn("studio state not restored", slog.Any("err", err))
	} else if st != nil {
		if err := applyStudio(&l.ph.Profile, *st); err != nil {
			l.log.Warn("cached studio state rejected", slog.Any("err", err))
		}
	}
	return l, nil
}

// Handle exposes the underlying profile handle, for crash recovery.
func (l *Local) Handle() *storage.ProfileHandle { return l.ph }

// Cache exposes the studio cache.
func (l *Local) Cache() *storage.Cache { return l.cache }

func (l *Local) source(id string) (domain.Source, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ph.Profile.SourceByID(id)
}

// snapshot deep-copies the profile through JSON so callers never share slices.
func (l *Local) snapshot() (domain.Profile, error) {
	b, err := json.Marshal(l.ph.Profile)
	if err != nil {
		return domain.Profile{}, err
	}
	var p domain.Profile
	err = json.Unmarshal(b, &p)
	return p, err
}

func (l *Local) GetProfile(ctx context.Context) (domain.Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *Local) checkProfile(id string) error {
	if id != "" && id != l.ph.Profile.ID {
		return fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	return nil
}

func (l *Local) UpdateLayerTransform(ctx context.Context, profileID, sceneID, layerID string, t domain.Transform) (domain.Layer, error) {
	l.mu.Lock()
	if err := l.checkProfile(profileID); err != nil {
		l.mu.Unlock()
		return domain.Layer{}, err
	}
	var before domain.Transform
	if sc, ok := l.ph.Profile.SceneByID(sceneID); ok {
		if ly, ok := sc.LayerByID(layerID); ok {
			before = ly.Transform
		}
	}
	layer, err := applyTransform(&l.ph.Profile, sceneID, layerID, t)
	if err == nil {
		l.scheduleSaveLocked()
	}
	l.mu.Unlock()
	l.journal(ctx, sceneID, layerID, "transform", before, t, err)
	return layer, err
}

func (l *Local) UpdateLayerFlags(ctx context.Context, profileID, sceneID, layerID string, f domain.LayerFlags) (domain.Layer, error) {
	l.mu.Lock()
	if err := l.checkProfile(profileID); err != nil {
		l.mu.Unlock()
		return domain.Layer{}, err
	}
	layer, err := applyFlags(&l.ph.Profile, sceneID, layerID, f)
	if err == nil {
		l.scheduleSaveLocked()
	}
	l.mu.Unlock()
	l.journal(ctx, sceneID, layerID, "flags", nil, f, err)
	return layer, err
}

func (l *Local) RemoveLayer(ctx context.Context, profileID, sceneID, layerID string) error {
	l.mu.Lock()
	if err := l.checkProfile(profileID); err != nil {
		l.mu.Unlock()
		return err
	}
	var before any
	if sc, ok := l.ph.Profile.SceneByID(sceneID); ok {
		if ly, ok := sc.LayerByID(layerID); ok {
			before = *ly
		}
	}
	err := applyRemove(&l.ph.Profile, sceneID, layerID)
	if err == nil {
		l.scheduleSaveLocked()
	}
	l.mu.Unlock()
	l.journal(ctx, sceneID, layerID, "remove", before, nil, err)
	return err
}

func (l *Local) journal(ctx context.Context, sceneID, layerID, kind string, before, after any, cerr error) {
	e := storage.JournalEntry{SceneID: sceneID, LayerID: layerID, Kind: kind}
	if before != nil {
		b, _ := json.Marshal(before)
		e.Before = string(b)
	}
	a, _ := json.Marshal(after)
	e.After = string(a)
	if cerr != nil {
		e.Err = cerr.Error()
	}
	if err := l.cache.AppendJournal(ctx, e); err != nil {
		l.log.Warn("journal append failed", slog.Any("err", err))
	}
}

// Journal returns the newest commit records.
func (l *Local) Journal(ctx context.Context, limit int) ([]storage.JournalEntry, error) {
	return l.cache.ListJournal(ctx, limit)
}

func (l *Local) SetProgramScene(ctx context.Context, sceneID string) error {
	l.mu.Lock()
	err := applyProgram(&l.ph.Profile, sceneID)
	var st domain.StudioState
	if err == nil {
		st = *l.ph.Profile.Studio
		l.scheduleSaveLocked()
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.cache.SaveStudioState(ctx, st)
}

func (l *Local) SaveStudioState(ctx context.Context, st domain.StudioState) error {
	l.mu.Lock()
	err := applyStudio(&l.ph.Profile, st)
	if err == nil {
		st = *l.ph.Profile.Studio
		l.scheduleSaveLocked()
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.cache.SaveStudioState(ctx, st)
}

func (l *Local) scheduleSaveLocked() {
	if l.closed {
		return
	}
	if l.stopSav != nil {
		l.stopSav()
	}
	l.stopSav = l.timers.AfterFunc(l.delay, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.stopSav = nil
		l.saveLocked()
	})
}

func (l *Local) saveLocked() {
	if err := storage.Save(l.ph); err != nil {
		l.saveErr = err
		l.log.Error("profile save failed", slog.Any("err", err))
		return
	}
	l.saveErr = nil
	if _, err := storage.PruneBackups(l.ph, 20); err != nil {
		l.log.Warn("prune backups", slog.Any("err", err))
	}
}

// Flush writes pending changes now and returns the last save error.
func (l *Local) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopSav != nil {
		l.stopSav()
		l.stopSav = nil
		l.saveLocked()
	}
	return l.saveErr
}

func (l *Local) StillImageURL(target string, w, h, quality int) string {
	q := url.Values{}
	q.Set("w", strconv.Itoa(w))
	q.Set("h", strconv.Itoa(h))
	if quality > 0 {
		q.Set("q", strconv.Itoa(quality))
	}
	return stillScheme + "://still/" + url.PathEscape(target) + "?" + q.Encode()
}

// parseStillURL reverses StillImageURL, ignoring any cache-busting token.
func parseStillURL(raw string) (target string, w, h, q int, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, 0, 0, err
	}
	if u.Scheme != stillScheme || u.Host != "still" {
		return "", 0, 0, 0, fmt.Errorf("not a local still url: %s", raw)
	}
	target, err = url.PathUnescape(strings.TrimPrefix(u.EscapedPath(), "/"))
	if err != nil {
		return "", 0, 0, 0, err
	}
	vals := u.Query()
	w, _ = strconv.Atoi(vals.Get("w"))
	h, _ = strconv.Atoi(vals.Get("h"))
	q, _ = strconv.Atoi(vals.Get("q"))
	return target, w, h, q, nil
}

func (l *Local) FetchStill(ctx context.Context, raw string) (image.Image, error) {
	target, w, h, q, err := parseStillURL(raw)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	p, err := l.snapshot()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	data, err := l.stills.render(ctx, p, target, w, h, q)
	if err != nil {
		return nil, err
	}
	return decodeImage(data)
}

func (l *Local) LiveVideo(ctx context.Context, sourceID string) (pipeline.VideoHandle, error) {
	return l.live.LiveVideo(ctx, sourceID)
}

// Close flushes pending saves and closes the cache.
func (l *Local) Close() error {
	err := l.Flush()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	if l.cache != nil {
		if _, perr := l.cache.PruneJournal(context.Background(), l.keep); perr != nil {
			l.log.Warn("prune journal", slog.Any("err", perr))
		}
		err = errors.Join(err, l.cache.Close())
	}
	return err
}

var _ Backend = (*Local)(nil)
