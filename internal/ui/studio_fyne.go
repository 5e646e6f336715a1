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
	"errors"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"

	"livestudio/internal/app"
	"livestudio/internal/studio"
)

// TBar is the manual transition bar. It never takes on release; Take does.
type TBar struct {
	*widget.Slider
	s        *app.Studio
	syncing  bool
	dragging bool
	OnError  func(error)
}

// NewTBar returns a vertical 0..1 slider bound to s.
func NewTBar(s *app.Studio) *TBar {
	t := &TBar{s: s}
	sl := widget.NewSlider(0, 1)
	sl.Step = 0.01
	sl.Orientation = widget.Vertical
	sl.OnChanged = t.changed
	sl.OnChangeEnded = t.ended
	t.Slider = sl
	return t
}

func (t *TBar) changed(v float64) {
	if t.syncing {
		return
	}
	if !t.dragging {
		if err := t.s.BeginTBar(); err != nil {
			t.Sync()
			return
		}
		t.dragging = true
	}
	t.s.MoveTBar(v)
}

func (t *TBar) ended(float64) {
	if !t.dragging {
		return
	}
	t.dragging = false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.s.EndTBar(ctx); err != nil && t.OnError != nil {
		t.OnError(err)
	}
}

// Sync mirrors the machine's T-bar position and availability.
func (t *TBar) Sync() {
	m := t.s.Machine()
	st := m.State()
	if !t.dragging && t.Slider.Value != st.TBarProgress {
		t.syncing = true
		t.Slider.SetValue(st.TBarProgress)
		t.syncing = false
	}
	if m.Phase() == studio.Armed || t.dragging {
		t.Slider.Enable()
	} else {
		t.Slider.Disable()
	}
}

// StudioView lays out the edit pane alone, or Preview, transition controls
// and Program side by side in Studio Mode.
type StudioView struct {
	s       *app.Studio
	Edit    *SceneCanvas
	Program *SceneCanvas
	TBar    *TBar
	Take    *widget.Button
	Mode    *widget.Check

	root     *fyne.Container
	controls *fyne.Container
	layout   *paneLayout
	syncing  bool

	OnError func(error)
}

// NewStudioView builds the view; call Sync after every studio change.
func NewStudioView(s *app.Studio, onErr func(error)) *StudioView {
	v := &StudioView{s: s, OnError: onErr}
	v.Edit = NewSceneCanvas(s.Edit, "Scene")
	v.Edit.OnError = onErr
	v.Program = NewSceneCanvas(s.Program, "Program")
	v.Program.SetOnAir(true)
	v.TBar = NewTBar(s)
	v.TBar.OnError = onErr
	v.Take = widget.NewButtonWithIcon("Take", theme.MediaSkipNextIcon(), v.take)
	v.Take.Importance = widget.HighImportance
	v.Mode = widget.NewCheck("Studio Mode", func(on bool) {
		if v.syncing {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SetStudioMode(ctx, on); err != nil {
			v.report(err)
		}
		v.Sync()
	})

	v.controls = container.NewBorder(nil, v.Take, nil, nil, container.NewCenter(v.TBar))
	v.layout = &paneLayout{}
	v.root = container.New(v.layout, v.Edit, v.controls, v.Program)
	v.Sync()
	return v
}

// Object returns the view's root object.
func (v *StudioView) Object() fyne.CanvasObject { return v.root }

func (v *StudioView) take() {
	v.Take.Disable()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := v.s.Take(ctx)
		fyne.Do(func() {
			if err != nil && !errors.Is(err, studio.ErrNotArmed) {
				v.report(err)
			}
			v.Sync()
		})
	}()
}

func (v *StudioView) report(err error) {
	if v.OnError != nil {
		v.OnError(err)
	}
}

// Sync updates layout, titles and control availability from the machine.
func (v *StudioView) Sync() {
	m := v.s.Machine()
	on := m.State().Enabled
	v.syncing = true
	v.Mode.SetChecked(on)
	v.syncing = false

	if v.layout.studio != on {
		v.layout.studio = on
		v.Edit.title = "Scene"
		if on {
			v.Edit.title = "Preview"
		}
		v.root.Refresh()
	}
	if m.CanTake() {
		v.Take.Enable()
	} else {
		v.Take.Disable()
	}
	v.TBar.Sync()
	v.syncCrossfade()
	v.RefreshCanvases()
}

// syncCrossfade shows Preview over Program in proportion to the T-bar.
func (v *StudioView) syncCrossfade() {
	m := v.s.Machine()
	st := m.State()
	if !st.Enabled || m.Phase() != studio.Armed {
		v.Program.SetCrossfade(nil, 0)
		return
	}
	v.Program.SetCrossfade(v.s.Edit, st.TBarProgress)
}

// CancelGestures ends pointer gestures on both panes, for focus loss and
// window close.
func (v *StudioView) CancelGestures() {
	v.Edit.Cancel()
	v.Program.Cancel()
}

// Estimate sizes the panes from the window before the first layout pass.
func (v *StudioView) Estimate(win fyne.Size) {
	center := win.Width * (1 - sceneListShare) * (1 - layerListShare)
	pane := center
	on := v.s.Machine().State().Enabled
	if on {
		pane = max((center-controlsWidth)/2, 1)
	}
	vw, vh := float64(win.Width), float64(win.Height)
	chromeW := float64(win.Width - pane)
	v.s.Edit.Estimate(vw, vh, chromeW, chromeHeight)
	if on {
		v.s.Program.Estimate(vw, vh, chromeW, chromeHeight)
	}
}

// RefreshCanvases redraws both panes.
func (v *StudioView) RefreshCanvases() {
	v.Edit.Refresh()
	if v.s.Machine().State().Enabled {
		v.Program.Refresh()
	}
}

// paneLayout places objects[0] (edit) alone, or edit, controls and program
// side by side with equal pane widths.
type paneLayout struct {
	studio bool
}

const (
	controlsWidth = 90
	// sceneListShare and layerListShare are the split offsets of the side
	// lists; chromeHeight covers the mode bar and status line.
	sceneListShare = 0.15
	layerListShare = 0.2
	chromeHeight   = 80
)

func (l *paneLayout) Layout(objects []fyne.CanvasObject, size fyne.Size) {
	if len(objects) != 3 {
		return
	}
	edit, controls, program := objects[0], objects[1], objects[2]
	if !l.studio {
		controls.Hide()
		program.Hide()
		edit.Move(fyne.NewPos(0, 0))
		edit.Resize(size)
		return
	}
	controls.Show()
	program.Show()
	pane := (size.Width - controlsWidth) / 2
	if pane < 0 {
		pane = 0
	}
	edit.Move(fyne.NewPos(0, 0))
	edit.Resize(fyne.NewSize(pane, size.Height))
	controls.Move(fyne.NewPos(pane, 0))
	controls.Resize(fyne.NewSize(controlsWidth, size.Height))
	program.Move(fyne.NewPos(pane+controlsWidth, 0))
	program.Resize(fyne.NewSize(pane, size.Height))
}

func (l *paneLayout) MinSize(objects []fyne.CanvasObject) fyne.Size {
	if len(objects) != 3 {
		return fyne.NewSize(0, 0)
	}
	em := objects[0].MinSize()
	if !l.studio {
		return em
	}
	pm := objects[2].MinSize()
	cm := objects[1].MinSize()
	return fyne.NewSize(em.Width+controlsWidth+pm.Width, max(em.Height, cm.Height, pm.Height))
}
