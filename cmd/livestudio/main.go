/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"livestudio/internal/backend"
	"livestudio/internal/config"
	"livestudio/internal/crash"
	"livestudio/internal/domain"
	applog "livestudio/internal/log"
	"livestudio/internal/stats"
	"livestudio/internal/storage"
	"livestudio/internal/ui"
	"livestudio/internal/version"
)

func usage() {
	fmt.Println("Live Studio")
	fmt.Printf("Version: %s\n", version.String())
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  livestudio version|-v|--version               Show version")
	fmt.Println("  livestudio init <dir> [name]                   Create a profile with the default scenes")
	fmt.Println("  livestudio open <dir>                          Print a profile summary")
	fmt.Println("  livestudio journal <dir> [n]                   Show the last n layer commits")
	fmt.Println("  livestudio snapshot <dir> <scene> <out.png>    Render a scene to PNG")
	fmt.Println("  livestudio rundown <dir> <out.pdf>             Export a printable rundown")
	fmt.Println("  livestudio stats                               Print one host CPU/RAM sample")
	fmt.Println("  livestudio serve                               Run the studio server (Postgres)")
	fmt.Println("  livestudio login <url> [subject]               Get a server token (needs LST_ADMIN_KEY)")
	fmt.Println("  livestudio ui [<dir>]                          Launch the studio (build with -tags fyne)")
}

func fail(l *slog.Logger, msg string, err error) {
	l.Error(msg, slog.Any("err", err))
	fmt.Println("Error:", err)
	os.Exit(1)
}

func need(args []string, n int, what string) {
	if len(args) < n {
		fmt.Println(what)
		usage()
		os.Exit(2)
	}
}

func main() {
	applog.Init(applog.FromEnv())
	defer applog.Close()
	l := applog.WithComponent("cli")
	var ph *storage.ProfileHandle
	defer func() {
		if r := recover(); r != nil {
			crash.Report(ph, "cli", r)
		}
	}()

	args := os.Args
	l.Debug("start", slog.Int("args", len(args)))
	if len(args) < 2 {
		usage()
		return
	}
	switch args[1] {
	case "version", "--version", "-v":
		fmt.Println("Live Studio")
		fmt.Println(version.String())
	case "init":
		need(args, 3, "init requires <dir>")
		abs, _ := filepath.Abs(args[2])
		name := filepath.Base(abs)
		if len(args) > 3 {
			name = args[3]
		}
		l.Info("init profile", slog.String("root", abs), slog.String("name", name))
		h, err := storage.InitProfile(abs, storage.DefaultProfile(name))
		if err != nil {
			fail(l, "init failed", err)
		}
		ph = h
		fmt.Println("Created profile at", abs)
	case "open":
		need(args, 3, "open requires <dir>")
		abs, _ := filepath.Abs(args[2])
		h, err := storage.Open(abs)
		if err != nil {
			fail(l, "open failed", err)
		}
		ph = h
		printSummary(h.Profile)
		fmt.Println("Root:", h.Root)
	case "journal":
		need(args, 3, "journal requires <dir>")
		n := 20
		if len(args) > 3 {
			_, _ = fmt.Sscanf(args[3], "%d", &n)
		}
		lb := openLocal(l, args[2])
		ph = lb.Handle()
		defer func() { _ = lb.Close() }()
		entries, err := lb.Journal(context.Background(), n)
		if err != nil {
			fail(l, "journal failed", err)
		}
		for _, e := range entries {
			status := "ok"
			if e.Err != "" {
				status = "error: " + e.Err
			}
			fmt.Printf("%s  %-9s %s/%s  %s -> %s  (%s)\n", e.TS.Format(time.RFC3339), e.Kind, e.SceneID, e.LayerID, e.Before, e.After, status)
		}
	case "snapshot":
		need(args, 5, "snapshot requires <dir> <scene> <out.png>")
		lb := openLocal(l, args[2])
		ph = lb.Handle()
		defer func() { _ = lb.Close() }()
		out, err := snapshot(lb, args[3], args[4])
		if err != nil {
			fail(l, "snapshot failed", err)
		}
		fmt.Println("Wrote", out)
	case "rundown":
		need(args, 4, "rundown requires <dir> <out.pdf>")
		abs, _ := filepath.Abs(args[2])
		h, err := storage.Open(abs)
		if err != nil {
			fail(l, "open failed", err)
		}
		ph = h
		out, err := exportRundown(h, args[3])
		if err != nil {
			fail(l, "rundown failed", err)
		}
		fmt.Println("Wrote", out)
	case "stats":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		smp, err := stats.Read(ctx, stats.HostReader{})
		if err != nil {
			fail(l, "stats failed", err)
		}
		fmt.Printf("%s  [%s]\n", smp, smp.Level())
	case "serve":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := backend.Start(ctx, backend.LoadServerConfig()); err != nil {
			fail(l, "server stopped", err)
		}
	case "login":
		need(args, 3, "login requires <url>")
		subject := "desktop"
		if len(args) > 3 {
			subject = args[3]
		}
		if err := login(args[2], subject, os.Getenv("LST_ADMIN_KEY")); err != nil {
			fail(l, "login failed", err)
		}
		fmt.Println("Token stored; backend set to", args[2])
	case "ui":
		var dir string
		if len(args) >= 3 {
			dir = args[2]
		}
		if err := ui.Run(dir); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	default:
		usage()
	}
}

func openLocal(l *slog.Logger, dir string) *backend.Local {
	abs, _ := filepath.Abs(dir)
	lb, err := backend.OpenLocal(abs, backend.LocalOptions{})
	if err != nil {
		fail(l, "open failed", err)
	}
	return lb
}

// login mints a token with the server's admin key and stores it in the
// keyring alongside a remote backend config.
func login(baseURL, subject, adminKey string) error {
	if adminKey == "" {
		return fmt.Errorf("LST_ADMIN_KEY is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c := backend.NewClient(baseURL, "", backend.DefaultProfileID, backend.ClientOptions{})
	tok, exp, err := c.RequestToken(ctx, adminKey, subject, 24*time.Hour)
	if err != nil {
		return err
	}
	cfg, _, _ := config.Load()
	cfg.Backend.Mode = "remote"
	cfg.Backend.BaseURL = baseURL
	if err := config.Save(cfg, tok); err != nil {
		return err
	}
	applog.WithComponent("cli").Info("token stored", slog.String("subject", subject), slog.Time("expires", exp))
	return nil
}

func printSummary(p domain.Profile) {
	fmt.Printf("Profile: %s (%s)\n", p.Name, p.ID)
	fmt.Printf("Sources: %d\n", len(p.Sources))
	for _, sc := range p.Scenes {
		marker := ""
		if sc.ID == p.ActiveSceneID {
			marker = "  [active]"
		}
		fmt.Printf("  %-14s %-20s %dx%d  %d layers%s\n", sc.ID, sc.Name, sc.CanvasWidth, sc.CanvasHeight, len(sc.Layers), marker)
	}
	if st := p.Studio; st != nil {
		fmt.Printf("Studio mode: %v  preview=%s program=%s\n", st.Enabled, st.PreviewSceneID, st.ProgramSceneID)
	}
}

// snapshot composites sceneID from per-source stills of lb.
func snapshot(lb *backend.Local, sceneID, out string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, err := lb.GetProfile(ctx)
	if err != nil {
		return "", err
	}
	sc, ok := p.SceneByID(sceneID)
	if !ok {
		return "", fmt.Errorf("scene %s: %w", sceneID, backend.ErrNotFound)
	}
	frames := func(_ domain.Layer, src domain.Source, w, h int) image.Image {
		img, err := lb.FetchStill(ctx, lb.StillImageURL(src.ID, w, h, 95))
		if err != nil {
			return nil
		}
		return img
	}
	return exportScene(lb.Handle().Root, p, *sc, out, frames)
}
