/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package crash turns a panic into a report file, a profile snapshot and a
// non-zero exit.
package crash

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	applog "livestudio/internal/log"
	"livestudio/internal/storage"
	"livestudio/internal/telemetry"
	"livestudio/internal/version"
)

// exitFn is replaced in tests.
var exitFn = os.Exit

// Recover captures a panic, logs it with its stack, writes a crash report and
// a snapshot of the in-memory profile, then exits with status 2.
//
// Usage: defer crash.Recover(ph)
func Recover(ph *storage.ProfileHandle) {
	if r := recover(); r != nil {
		handle(ph, "main", r, debug.Stack())
	}
}

// Report handles a value already taken from recover, for deferred closures
// that resolve the profile handle late:
//
//	defer func() {
//		if r := recover(); r != nil {
//			crash.Report(current(), "ui", r)
//		}
//	}()
func Report(ph *storage.ProfileHandle, where string, r any) {
	handle(ph, where, r, debug.Stack())
}

// Go runs fn on a new goroutine with the same panic handling as Recover.
// The name ends up in the report.
func Go(ph *storage.ProfileHandle, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				handle(ph, name, r, debug.Stack())
			}
		}()
		fn()
	}()
}

func handle(ph *storage.ProfileHandle, where string, r any, stack []byte) {
	l := applog.WithComponent("crash")
	l.Error("panic recovered", slog.String("goroutine", where), slog.Any("panic", r), slog.String("stack", string(stack)))

	reportPath, err := writeReport(ph, where, r, stack)
	if err != nil {
		l.Error("crash report not written", slog.Any("err", err))
	}
	if ph != nil {
		if path, err := storage.AutosaveCrashSnapshot(ph); err != nil {
			l.Error("profile crash snapshot failed", slog.Any("err", err))
		} else {
			l.Info("profile crash snapshot written", slog.String("path", path))
		}
	}

	if _, err := fmt.Fprintf(os.Stderr, "A fatal error occurred. A crash report was saved to: %s\n", reportPath); err != nil {
		l.Error("failed to write crash message to stderr", slog.Any("err", err))
	}
	if _, err := fmt.Fprintf(os.Stderr, "Version: %s\nOS/Arch: %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH); err != nil {
		l.Error("failed to write version info to stderr", slog.Any("err", err))
	}
	exitFn(2)
}

// reportDir is backups/crash inside the profile, or the temp dir without one.
func reportDir(ph *storage.ProfileHandle) string {
	if ph == nil || ph.Root == "" {
		return os.TempDir()
	}
	dir := filepath.Join(ph.Root, storage.BackupsDirName, storage.CrashDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.TempDir()
	}
	return dir
}

func writeReport(ph *storage.ProfileHandle, where string, panicVal any, stack []byte) (string, error) {
	path := filepath.Join(reportDir(ph), fmt.Sprintf("crash-%s.log", time.Now().Format("20060102-150405")))

	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "Live Studio Crash Report\n")
	_, _ = fmt.Fprintf(&buf, "Timestamp: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(&buf, "Version: %s\n", version.String())
	_, _ = fmt.Fprintf(&buf, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(&buf, "Goroutine: %s\n", where)
	if ph != nil {
		p := ph.Profile
		_, _ = fmt.Fprintf(&buf, "ProfileRoot: %s\n", ph.Root)
		_, _ = fmt.Fprintf(&buf, "Profile: %s (%s), %d scenes, %d sources, active %s\n",
			p.Name, p.ID, len(p.Scenes), len(p.Sources), p.ActiveSceneID)
		if p.Studio != nil {
			_, _ = fmt.Fprintf(&buf, "Studio: enabled=%v preview=%s program=%s\n", p.Studio.Enabled, p.Studio.PreviewSceneID, p.Studio.ProgramSceneID)
		}
	}
	_, _ = fmt.Fprintf(&buf, "\nPanic: %v\n\n", panicVal)
	_, _ = fmt.Fprintf(&buf, "Stack:\n%s\n", stack)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return path, err
	}
	telemetry.UploadCrash(buf.Bytes())
	return path, nil
}
