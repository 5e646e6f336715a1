//go:build fyne && cgo

/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"fyne.io/fyne/v2"
	fyneapp "fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/driver/desktop"
	fstorage "fyne.io/fyne/v2/storage"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"

	"livestudio/internal/app"
	"livestudio/internal/backend"
	"livestudio/internal/config"
	"livestudio/internal/crash"
	"livestudio/internal/domain"
	"livestudio/internal/export"
	applog "livestudio/internal/log"
	"livestudio/internal/scene"
	"livestudio/internal/stats"
	"livestudio/internal/storage"
	"livestudio/internal/telemetry"
	"livestudio/internal/version"
)

// Run starts the desktop studio. target is a profile directory in local
// mode or a profile id in remote mode; empty shows the start page.
func Run(target string) error {
	applog.Init(applog.FromEnv())
	l := applog.WithComponent("ui")
	l.Info("starting UI", slog.String("version", version.String()))

	cfg, token, err := config.Load()
	if err != nil {
		l.Warn("config not fully loaded, using defaults", slog.Any("err", err))
	}

	fa := fyneapp.NewWithID("livestudio")
	sh := &shell{cfg: cfg, token: token, fa: fa, prefs: fa.Preferences(), log: l}
	defer func() {
		if r := recover(); r != nil {
			crash.Report(sh.handle(), "ui", r)
		}
	}()
	sh.build()

	if target != "" {
		sh.open(target)
	} else if sh.cfg.Backend.Remote() {
		sh.open("")
	}
	sh.w.ShowAndRun()
	return nil
}

type shell struct {
	cfg   config.AppConfig
	token string
	fa    fyne.App
	w     fyne.Window
	prefs fyne.Preferences
	log   *slog.Logger

	be     backend.Backend
	st     *app.Studio
	view   *StudioView
	target string

	body    *fyne.Container
	status  *widget.Label
	host    *widget.Label
	sampler *stats.Sampler

	sceneList *widget.List
	scenes    []domain.Scene
	layerList *widget.List
	layers    []domain.Layer

	refreshPending atomic.Bool
}

func (s *shell) handle() *storage.ProfileHandle {
	if s.be == nil {
		return nil
	}
	return app.Handle(s.be)
}

func (s *shell) build() {
	s.w = s.fa.NewWindow("Live Studio")
	winW := max(s.prefs.IntWithFallback("window.width", 1400), 960)
	winH := max(s.prefs.IntWithFallback("window.height", 820), 600)
	s.w.Resize(fyne.NewSize(float32(winW), float32(winH)))

	s.status = widget.NewLabel("Ready")
	s.host = widget.NewLabel("")
	s.body = container.NewStack()
	s.w.SetContent(container.NewBorder(nil, container.NewBorder(nil, nil, nil, s.host, s.status), nil, nil, s.body))
	s.w.SetMainMenu(s.menu())
	s.shortcuts()

	if s.cfg.Studio.ShowHostStats {
		s.sampler = stats.NewSampler(stats.HostReader{}, 2*time.Second, func(smp stats.Sample) {
			fyne.Do(func() { s.host.SetText(smp.String()) })
		})
		s.sampler.Start(context.Background())
	}

	s.fa.Lifecycle().SetOnExitedForeground(func() {
		if s.view != nil {
			s.view.CancelGestures()
		}
	})
	s.w.SetCloseIntercept(func() {
		if s.view != nil {
			s.view.CancelGestures()
		}
		sz := s.w.Canvas().Size()
		s.prefs.SetInt("window.width", int(sz.Width))
		s.prefs.SetInt("window.height", int(sz.Height))
		s.closeProfile()
		if s.sampler != nil {
			s.sampler.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		telemetry.Default().Flush(ctx)
		cancel()
		telemetry.Default().Close()
		s.w.Close()
	})
	s.showStart()
}

func (s *shell) menu() *fyne.MainMenu {
	openItem := fyne.NewMenuItem("Open Profile…", s.chooseProfile)
	newItem := fyne.NewMenuItem("New Profile…", s.newProfile)
	reloadItem := fyne.NewMenuItem("Reload", func() {
		if s.st == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.st.Reload(ctx); err != nil {
			s.showError(err)
		}
	})
	snapItem := fyne.NewMenuItem("Export Snapshot PNG…", s.exportSnapshot)
	rundownItem := fyne.NewMenuItem("Export Rundown PDF…", s.exportRundown)
	closeItem := fyne.NewMenuItem("Close Profile", func() {
		s.closeProfile()
		s.showStart()
	})
	fileMenu := fyne.NewMenu("File", openItem, newItem, reloadItem, fyne.NewMenuItemSeparator(), snapItem, rundownItem, fyne.NewMenuItemSeparator(), closeItem)

	undoItem := fyne.NewMenuItem("Undo", s.undo)
	undoItem.Shortcut = &desktop.CustomShortcut{KeyName: fyne.KeyZ, Modifier: fyne.KeyModifierShortcutDefault}
	redoItem := fyne.NewMenuItem("Redo", s.redo)
	redoItem.Shortcut = &desktop.CustomShortcut{KeyName: fyne.KeyZ, Modifier: fyne.KeyModifierShortcutDefault | fyne.KeyModifierShift}
	visItem := fyne.NewMenuItem("Toggle Layer Visibility", func() { s.toggleSelected(false) })
	lockItem := fyne.NewMenuItem("Toggle Layer Lock", func() { s.toggleSelected(true) })
	removeItem := fyne.NewMenuItem("Remove Layer…", func() {
		if s.st != nil && s.st.Edit.Selected() != "" {
			s.confirmRemove(s.st.Edit.Selected())
		}
	})
	editMenu := fyne.NewMenu("Edit", undoItem, redoItem, fyne.NewMenuItemSeparator(), visItem, lockItem, removeItem)

	modeItem := fyne.NewMenuItem("Studio Mode", func() {
		if s.view != nil {
			s.view.Mode.SetChecked(!s.view.Mode.Checked)
		}
	})
	takeItem := fyne.NewMenuItem("Take", func() {
		if s.view != nil {
			s.view.take()
		}
	})
	takeItem.Shortcut = &desktop.CustomShortcut{KeyName: fyne.KeyT, Modifier: fyne.KeyModifierShortcutDefault}
	studioMenu := fyne.NewMenu("Studio", modeItem, takeItem)

	aboutItem := fyne.NewMenuItem("About Live Studio", func() {
		exe, _ := os.Executable()
		info := fmt.Sprintf("Live Studio\nVersion: %s\nOS: %s\nArch: %s\nGo: %s\nExecutable: %s\nBackend: %s",
			version.String(), runtime.GOOS, runtime.GOARCH, runtime.Version(), exe, s.cfg.Backend.Mode)
		dialog.ShowInformation("About", info, s.w)
	})
	return fyne.NewMainMenu(fileMenu, editMenu, studioMenu, fyne.NewMenu("Help", aboutItem))
}

func (s *shell) shortcuts() {
	c := s.w.Canvas()
	c.AddShortcut(&desktop.CustomShortcut{KeyName: fyne.KeyZ, Modifier: fyne.KeyModifierShortcutDefault}, func(fyne.Shortcut) { s.undo() })
	c.AddShortcut(&desktop.CustomShortcut{KeyName: fyne.KeyZ, Modifier: fyne.KeyModifierShortcutDefault | fyne.KeyModifierShift}, func(fyne.Shortcut) { s.redo() })
	c.AddShortcut(&desktop.CustomShortcut{KeyName: fyne.KeyT, Modifier: fyne.KeyModifierShortcutDefault}, func(fyne.Shortcut) {
		if s.view != nil {
			s.view.take()
		}
	})
}

// showStart lists recent profiles.
func (s *shell) showStart() {
	s.w.SetTitle("Live Studio")
	recent := loadRecentProfiles(s.prefs)
	list := widget.NewList(
		func() int { return len(recent) },
		func() fyne.CanvasObject { return widget.NewLabel("") },
		func(i widget.ListItemID, o fyne.CanvasObject) { o.(*widget.Label).SetText(recent[i]) },
	)
	list.OnSelected = func(i widget.ListItemID) {
		list.UnselectAll()
		s.open(recent[i])
	}
	buttons := container.NewHBox(
		widget.NewButtonWithIcon("Open Profile…", theme.FolderOpenIcon(), s.chooseProfile),
		widget.NewButtonWithIcon("New Profile…", theme.ContentAddIcon(), s.newProfile),
	)
	if s.cfg.Backend.Remote() {
		buttons.Add(widget.NewButtonWithIcon("Connect to Studio Server", theme.MediaPlayIcon(), func() { s.open("") }))
	}
	s.body.Objects = []fyne.CanvasObject{container.NewBorder(
		container.NewVBox(widget.NewLabelWithStyle("Live Studio", fyne.TextAlignLeading, fyne.TextStyle{Bold: true}), buttons, widget.NewSeparator(), widget.NewLabel("Recent profiles")),
		nil, nil, nil, list)}
	s.body.Refresh()
}

func (s *shell) chooseProfile() {
	dialog.ShowFolderOpen(func(u fyne.ListableURI, err error) {
		if err != nil {
			s.showError(err)
			return
		}
		if u != nil {
			s.open(u.Path())
		}
	}, s.w)
}

func (s *shell) newProfile() {
	dialog.ShowFolderOpen(func(u fyne.ListableURI, err error) {
		if err != nil || u == nil {
			return
		}
		root := u.Path()
		if _, err := storage.InitProfile(root, storage.DefaultProfile(filepath.Base(root))); err != nil {
			s.showError(err)
			return
		}
		s.open(root)
	}, s.w)
}

// open replaces the current profile with target.
func (s *shell) open(target string) {
	s.closeProfile()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	be, err := app.OpenBackend(ctx, s.cfg, s.token, target)
	if err != nil {
		s.showError(err)
		return
	}
	opt := app.OptionsFromConfig(s.cfg)
	opt.Dispatch = fyne.Do
	opt.OnChange = s.requestSync
	opt.OnError = func(err error) { fyne.Do(func() { s.showError(err) }) }
	st := app.New(be, opt)
	if err := st.Load(ctx); err != nil {
		_ = st.Close(ctx)
		_ = be.Close()
		s.showError(err)
		return
	}
	s.be, s.st, s.target = be, st, target
	s.view = NewStudioView(st, s.showError)
	s.view.Estimate(s.w.Canvas().Size())
	s.body.Objects = []fyne.CanvasObject{s.studioLayout()}
	s.body.Refresh()

	p := st.Profile()
	s.w.SetTitle(fmt.Sprintf("Live Studio - %s", p.Name))
	s.status.SetText(fmt.Sprintf("Opened %s (%d scenes, %d sources)", p.Name, len(p.Scenes), len(p.Sources)))
	if !s.cfg.Backend.Remote() {
		addRecentProfile(s.prefs, target)
	}
	s.sync()
}

func (s *shell) closeProfile() {
	if s.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.st.Close(ctx); err != nil {
		s.log.Warn("studio close", slog.Any("err", err))
	}
	if err := s.be.Close(); err != nil {
		s.log.Warn("backend close", slog.Any("err", err))
	}
	s.st, s.be, s.view = nil, nil, nil
	s.scenes, s.layers = nil, nil
}

func (s *shell) studioLayout() fyne.CanvasObject {
	s.sceneList = widget.NewList(
		func() int { return len(s.scenes) },
		func() fyne.CanvasObject {
			thumb := canvas.NewImageFromImage(nil)
			thumb.FillMode = canvas.ImageFillContain
			thumb.SetMinSize(fyne.NewSize(thumbW/2, thumbH/2))
			retry := widget.NewButtonWithIcon("", theme.ViewRefreshIcon(), nil)
			return container.NewBorder(nil, nil, thumb, retry, widget.NewLabel(""))
		},
		func(i widget.ListItemID, o fyne.CanvasObject) {
			if i < 0 || i >= len(s.scenes) {
				return
			}
			s.bindSceneRow(s.scenes[i], o.(*fyne.Container))
		},
	)
	s.sceneList.OnSelected = func(i widget.ListItemID) {
		s.sceneList.UnselectAll()
		if i < 0 || i >= len(s.scenes) || s.st == nil {
			return
		}
		id := s.scenes[i].ID
		st := s.st
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := st.SelectScene(ctx, id); err != nil {
				fyne.Do(func() { s.showError(err) })
			}
		}()
	}

	s.layerList = widget.NewList(
		func() int { return len(s.layers) },
		func() fyne.CanvasObject {
			return container.NewBorder(nil, nil, nil,
				container.NewHBox(
					widget.NewButtonWithIcon("", theme.VisibilityIcon(), nil),
					widget.NewButtonWithIcon("", theme.ConfirmIcon(), nil),
					widget.NewButtonWithIcon("", theme.DeleteIcon(), nil)),
				widget.NewLabel(""))
		},
		func(i widget.ListItemID, o fyne.CanvasObject) {
			if i < 0 || i >= len(s.layers) {
				return
			}
			s.bindLayerRow(s.layers[i], o.(*fyne.Container))
		},
	)
	s.layerList.OnSelected = func(i widget.ListItemID) {
		if i < 0 || i >= len(s.layers) || s.st == nil {
			return
		}
		if err := s.st.Edit.Select(s.layers[i].ID); err != nil && !errors.Is(err, scene.ErrUnknownLayer) {
			s.showError(err)
		}
	}

	left := container.NewBorder(widget.NewLabelWithStyle("Scenes", fyne.TextAlignLeading, fyne.TextStyle{Bold: true}), nil, nil, nil, s.sceneList)
	right := container.NewBorder(widget.NewLabelWithStyle("Layers", fyne.TextAlignLeading, fyne.TextStyle{Bold: true}), nil, nil, nil, s.layerList)
	top := container.NewHBox(s.view.Mode)
	center := container.NewBorder(top, nil, nil, nil, s.view.Object())
	split := container.NewHSplit(left, container.NewHSplit(center, right))
	split.SetOffset(sceneListShare)
	split.Trailing.(*container.Split).SetOffset(1 - layerListShare)
	return split
}

// Scene thumbnails are polled at this size and drawn at half of it.
const (
	thumbW = 160
	thumbH = 90
)

func (s *shell) bindSceneRow(sc domain.Scene, row *fyne.Container) {
	label := row.Objects[0].(*widget.Label)
	thumb := row.Objects[1].(*canvas.Image)
	retry := row.Objects[2].(*widget.Button)

	text := s.sceneLabel(sc)
	var th app.Thumbnail
	if s.st != nil {
		th, _ = s.st.SceneThumbnail(sc.ID)
	}
	if th.Frame != nil {
		thumb.Image = th.Frame
	} else {
		thumb.Image = nil
	}
	thumb.Refresh()
	if th.State.Halted {
		text += "  (preview failed)"
		retry.Show()
	} else {
		retry.Hide()
	}
	label.SetText(text)
	id := sc.ID
	retry.OnTapped = func() {
		if s.st != nil && s.st.RetryThumbnail(id) {
			s.status.SetText("Retrying preview of " + sc.Name)
		}
	}
}

func (s *shell) bindLayerRow(l domain.Layer, row *fyne.Container) {
	label := row.Objects[0].(*widget.Label)
	btns := row.Objects[1].(*fyne.Container)
	vis := btns.Objects[0].(*widget.Button)
	lock := btns.Objects[1].(*widget.Button)
	remove := btns.Objects[2].(*widget.Button)

	name := l.ID
	if s.st != nil {
		p := s.st.Profile()
		if src, ok := p.SourceByID(l.SourceID); ok {
			name = src.Name
		} else {
			name = l.ID + " (missing source)"
		}
	}
	label.SetText(name)
	if l.Visible {
		vis.SetIcon(theme.VisibilityIcon())
	} else {
		vis.SetIcon(theme.VisibilityOffIcon())
	}
	if l.Locked {
		lock.SetIcon(theme.CancelIcon())
	} else {
		lock.SetIcon(theme.ConfirmIcon())
	}
	id := l.ID
	vis.OnTapped = func() { s.toggle(id, false) }
	lock.OnTapped = func() { s.toggle(id, true) }
	remove.OnTapped = func() { s.confirmRemove(id) }
}

func (s *shell) confirmRemove(id string) {
	dialog.ShowConfirm("Remove Layer", fmt.Sprintf("Remove layer %s from the scene?", id), func(ok bool) {
		if ok {
			s.removeLayer(id)
		}
	}, s.w)
}

func (s *shell) removeLayer(id string) {
	if s.st == nil {
		return
	}
	if err := s.st.Edit.RemoveLayer(id); err != nil {
		s.showError(err)
		return
	}
	s.status.SetText("Removed layer " + id)
}

func (s *shell) sceneLabel(sc domain.Scene) string {
	if s.st == nil {
		return sc.Name
	}
	st := s.st.Machine().State()
	p := s.st.Profile()
	var tags []string
	if (st.Enabled && st.ProgramSceneID == sc.ID) || (!st.Enabled && p.ActiveSceneID == sc.ID) {
		tags = append(tags, "on air")
	}
	if st.Enabled && st.PreviewSceneID == sc.ID {
		tags = append(tags, "preview")
	}
	if len(tags) == 0 {
		return sc.Name
	}
	return fmt.Sprintf("%s  [%s]", sc.Name, strings.Join(tags, ", "))
}

// requestSync coalesces change notifications into one UI update.
func (s *shell) requestSync() {
	if s.refreshPending.CompareAndSwap(false, true) {
		fyne.Do(func() {
			s.refreshPending.Store(false)
			s.sync()
		})
	}
}

func (s *shell) sync() {
	if s.st == nil || s.view == nil {
		return
	}
	s.view.Sync()
	s.st.SyncThumbnails(thumbW, thumbH)
	s.scenes = s.st.Profile().Scenes
	sc := s.st.Edit.Scene()
	s.layers = append(s.layers[:0], sc.Layers...)
	sort.SliceStable(s.layers, func(i, j int) bool { return s.layers[i].ZIndex > s.layers[j].ZIndex })
	if s.sceneList != nil {
		s.sceneList.Refresh()
	}
	if s.layerList != nil {
		s.layerList.Refresh()
	}
}

func (s *shell) toggle(id string, lock bool) {
	if s.st == nil {
		return
	}
	var err error
	if lock {
		err = s.st.Edit.ToggleLocked(id)
	} else {
		err = s.st.Edit.ToggleVisible(id)
	}
	if err != nil {
		s.showError(err)
	}
}

func (s *shell) toggleSelected(lock bool) {
	if s.st == nil {
		return
	}
	if id := s.st.Edit.Selected(); id != "" {
		s.toggle(id, lock)
	}
}

func (s *shell) undo() {
	if s.st == nil {
		return
	}
	if err := s.st.Edit.Undo(); err != nil && !errors.Is(err, scene.ErrNothingToUndo) {
		s.showError(err)
	}
}

func (s *shell) redo() {
	if s.st == nil {
		return
	}
	if err := s.st.Edit.Redo(); err != nil && !errors.Is(err, scene.ErrNothingToUndo) {
		s.showError(err)
	}
}

func (s *shell) exportSnapshot() {
	if s.st == nil {
		return
	}
	sc := s.st.Edit.Scene()
	be := s.be
	save := dialog.NewFileSave(func(uc fyne.URIWriteCloser, err error) {
		if err != nil || uc == nil {
			return
		}
		defer func() { _ = uc.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		img, err := be.FetchStill(ctx, be.StillImageURL(sc.ID, sc.CanvasWidth, sc.CanvasHeight, 95))
		if err == nil {
			err = png.Encode(uc, img)
		}
		if err != nil {
			s.showError(fmt.Errorf("export snapshot: %w", err))
			return
		}
		s.status.SetText("Snapshot written: " + uc.URI().Path())
	}, s.w)
	save.SetFileName(sc.ID + ".png")
	save.SetFilter(fstorage.NewExtensionFileFilter([]string{".png"}))
	save.Show()
}

func (s *shell) exportRundown() {
	if s.st == nil {
		return
	}
	p := s.st.Profile()
	save := dialog.NewFileSave(func(uc fyne.URIWriteCloser, err error) {
		if err != nil || uc == nil {
			return
		}
		path := uc.URI().Path()
		_ = uc.Close()
		out, err := export.WriteRundownPDF("", p, path, export.RundownOptions{Generated: time.Now()})
		if err != nil {
			s.showError(fmt.Errorf("export rundown: %w", err))
			return
		}
		s.status.SetText("Rundown written: " + out)
	}, s.w)
	save.SetFileName("rundown.pdf")
	save.SetFilter(fstorage.NewExtensionFileFilter([]string{".pdf"}))
	save.Show()
}

// showError reports err in the status bar; persistence errors are not modal.
func (s *shell) showError(err error) {
	if err == nil {
		return
	}
	s.log.Warn("ui error", slog.Any("err", err))
	s.status.SetText("Error: " + err.Error())
}

const recentPrefsKey = "recent.profiles"
const recentMax = 10

func loadRecentProfiles(p fyne.Preferences) []string {
	raw := p.StringWithFallback(recentPrefsKey, "")
	var items []string
	if strings.TrimSpace(raw) != "" {
		_ = json.Unmarshal([]byte(raw), &items)
	}
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(s, storage.ManifestFileName)); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func saveRecentProfiles(p fyne.Preferences, items []string) {
	if len(items) > recentMax {
		items = items[:recentMax]
	}
	b, _ := json.Marshal(items)
	p.SetString(recentPrefsKey, string(b))
}

func addRecentProfile(p fyne.Preferences, path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	abs, _ := filepath.Abs(path)
	out := []string{abs}
	for _, s := range loadRecentProfiles(p) {
		if !strings.EqualFold(s, abs) {
			out = append(out, s)
		}
	}
	saveRecentProfiles(p, out)
}
