/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jung-kurt/gofpdf"

	"livestudio/internal/domain"
)

// RundownOptions controls the rundown PDF. Units are points.
//
// Page layout:
//   - A cover page lists the profile, its sources and the Studio Mode state.
//   - Every scene gets a page with a canvas diagram on top and a layer table below.
//
// Built-in Helvetica keeps text vector without font embedding.
type RundownOptions struct {
	Scenes     []string // scene ids; empty exports all scenes
	Generated  time.Time
	GuideColor [3]int
	PageWidth  float64 // defaults to A4 landscape
	PageHeight float64
}

const (
	rundownMargin = 36.0
	rowHeight     = 16.0
)

// WriteRundownPDF writes a printable rundown of p to outPath. Relative paths
// land in the profile's exports folder. It returns the final path.
func WriteRundownPDF(root string, p domain.Profile, outPath string, opt RundownOptions) (string, error) {
	pw, ph := opt.PageWidth, opt.PageHeight
	if pw <= 0 || ph <= 0 {
		pw, ph = 842, 595
	}
	guide := opt.GuideColor
	if guide == [3]int{} {
		guide = [3]int{200, 40, 40}
	}
	when := opt.Generated
	if when.IsZero() {
		when = time.Now()
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: pw, Ht: ph},
	})
	pdf.SetTitle(fmt.Sprintf("%s rundown", p.Name), false)
	pdf.SetAuthor("livestudio", false)
	pdf.SetAutoPageBreak(false, rundownMargin)

	cover(pdf, p, when)

	scenes := selectScenes(p, opt.Scenes)
	if len(opt.Scenes) > 0 && len(scenes) == 0 {
		return "", fmt.Errorf("no matching scenes")
	}
	for _, sc := range scenes {
		scenePage(pdf, p, sc, pw, ph, guide)
	}
	if err := pdf.Error(); err != nil {
		return "", fmt.Errorf("build pdf: %w", err)
	}

	if !filepath.IsAbs(outPath) {
		outPath = filepath.Join(root, "exports", outPath)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("ensure out dir: %w", err)
	}
	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}
	return outPath, nil
}

func selectScenes(p domain.Profile, ids []string) []domain.Scene {
	if len(ids) == 0 {
		return p.Scenes
	}
	var out []domain.Scene
	for _, id := range ids {
		if sc, ok := p.SceneByID(id); ok {
			out = append(out, *sc)
		}
	}
	return out
}

func cover(pdf *gofpdf.Fpdf, p domain.Profile, when time.Time) {
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 22)
	pdf.Text(rundownMargin, rundownMargin+22, p.Name)
	pdf.SetFont("Helvetica", "", 10)
	pdf.Text(rundownMargin, rundownMargin+40, fmt.Sprintf("Profile %s, generated %s", p.ID, when.Format("2006-01-02 15:04")))

	y := rundownMargin + 70
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(rundownMargin, y, "Studio")
	y += rowHeight
	pdf.SetFont("Helvetica", "", 10)
	if st := p.Studio; st != nil && st.Enabled {
		pdf.Text(rundownMargin, y, fmt.Sprintf("Studio Mode on. Preview: %s. Program: %s.", sceneName(p, st.PreviewSceneID), sceneName(p, st.ProgramSceneID)))
	} else {
		pdf.Text(rundownMargin, y, fmt.Sprintf("Studio Mode off. Active scene: %s.", sceneName(p, p.ActiveSceneID)))
	}

	y += 2 * rowHeight
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(rundownMargin, y, fmt.Sprintf("Sources (%d)", len(p.Sources)))
	pdf.SetFont("Helvetica", "", 10)
	for _, s := range p.Sources {
		y += rowHeight
		pdf.Text(rundownMargin, y, fmt.Sprintf("%s  %s  [%s]  %s", s.ID, s.Name, s.Kind, s.URI))
	}
}

func sceneName(p domain.Profile, id string) string {
	if sc, ok := p.SceneByID(id); ok {
		return sc.Name
	}
	if id == "" {
		return "none"
	}
	return id + " (missing)"
}

func scenePage(pdf *gofpdf.Fpdf, p domain.Profile, sc domain.Scene, pw, ph float64, guide [3]int) {
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Text(rundownMargin, rundownMargin+16, sc.Name)
	pdf.SetFont("Helvetica", "", 9)
	pdf.Text(rundownMargin, rundownMargin+30, fmt.Sprintf("%s  %dx%d  %d layers", sc.ID, sc.CanvasWidth, sc.CanvasHeight, len(sc.Layers)))

	// Canvas diagram, letterboxed into the upper half.
	boxW := pw - 2*rundownMargin
	boxH := ph/2 - rundownMargin
	top := rundownMargin + 40
	if sc.CanvasWidth <= 0 || sc.CanvasHeight <= 0 {
		return
	}
	scale := min(boxW/float64(sc.CanvasWidth), boxH/float64(sc.CanvasHeight))
	cw, ch := float64(sc.CanvasWidth)*scale, float64(sc.CanvasHeight)*scale
	left := rundownMargin + (boxW-cw)/2

	pdf.SetDrawColor(guide[0], guide[1], guide[2])
	pdf.SetLineWidth(0.5)
	pdf.Rect(left, top, cw, ch, "D")

	pdf.SetDrawColor(0, 0, 0)
	pdf.SetFillColor(235, 235, 235)
	pdf.SetFont("Helvetica", "", 7)
	for _, l := range sc.RenderOrder() {
		r := l.Transform.Rect().Scale(scale)
		style := "FD"
		if !l.Visible {
			style = "D"
			pdf.SetDashPattern([]float64{3, 2}, 0)
		}
		pdf.Rect(left+r.X, top+r.Y, r.W, r.H, style)
		pdf.SetDashPattern(nil, 0)
		pdf.Text(left+r.X+2, top+r.Y+8, l.ID)
	}

	// Layer table, top of the z-order first.
	y := top + ch + 24
	cols := []struct {
		title string
		w     float64
	}{{"Layer", 110}, {"Source", 160}, {"Kind", 70}, {"Rect", 200}, {"Z", 30}, {"Flags", 90}}
	pdf.SetFont("Helvetica", "B", 9)
	x := rundownMargin
	for _, c := range cols {
		pdf.Text(x, y, c.title)
		x += c.w
	}
	pdf.SetFont("Helvetica", "", 9)
	order := sc.RenderOrder()
	for i := len(order) - 1; i >= 0; i-- {
		y += rowHeight
		if y > ph-rundownMargin {
			pdf.AddPage()
			y = rundownMargin + rowHeight
		}
		l := order[i]
		src, ok := p.SourceByID(l.SourceID)
		srcName, kind := src.Name, string(src.Kind)
		if !ok {
			srcName, kind = l.SourceID+" (missing)", "-"
		}
		t := l.Transform
		cells := []string{
			l.ID,
			srcName,
			kind,
			fmt.Sprintf("%.0f,%.0f %.0fx%.0f", t.X, t.Y, t.Width, t.Height),
			fmt.Sprint(l.ZIndex),
			flags(l),
		}
		x = rundownMargin
		for j, c := range cells {
			pdf.Text(x, y, c)
			x += cols[j].w
		}
	}
}

func flags(l domain.Layer) string {
	s := "visible"
	if !l.Visible {
		s = "hidden"
	}
	if l.Locked {
		s += ", locked"
	}
	return s
}
