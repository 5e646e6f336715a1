/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"livestudio/internal/domain"
	applog "livestudio/internal/log"
)

const (
	ManifestFileName = "profile.json"
	BackupsDirName   = "backups"
	CrashDirName     = "crash"
)

var standardSubDirs = []string{
	"media",
	"exports",
	BackupsDirName,
}

// ProfileHandle tracks a studio profile loaded from or saved to disk.
// Root is the profile directory containing profile.json and subfolders.
type ProfileHandle struct {
	Root         string
	ManifestPath string
	Profile      domain.Profile
}

// InitProfile creates a profile directory at root, scaffolds the standard
// subfolders and writes the manifest transactionally.
func InitProfile(root string, p domain.Profile) (*ProfileHandle, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("root path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create profile root: %w", err)
	}
	for _, d := range standardSubDirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create subdir %s: %w", d, err)
		}
	}
	ph := &ProfileHandle{
		Root:         root,
		ManifestPath: filepath.Join(root, ManifestFileName),
		Profile:      p,
	}
	if err := Save(ph); err != nil {
		return nil, err
	}
	return ph, nil
}

// Open loads a profile from root. An unreadable or unparsable manifest falls
// back to the latest backup.
func Open(root string) (*ProfileHandle, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "open").With(slog.String("root", root))
	mpath := filepath.Join(root, ManifestFileName)
	b, err := os.ReadFile(mpath)
	if err != nil {
		p, berr := openFromLatestBackup(root)
		if berr != nil {
			return nil, fmt.Errorf("open manifest: %w; backup attempt: %v", err, berr)
		}
		l.Warn("manifest unreadable, opened latest backup", slog.Any("err", err))
		return &ProfileHandle{Root: root, ManifestPath: mpath, Profile: *p}, nil
	}
	var p domain.Profile
	if uerr := json.Unmarshal(b, &p); uerr != nil {
		bp, berr := openFromLatestBackup(root)
		if berr != nil {
			return nil, fmt.Errorf("parse manifest: %w; backup attempt: %v", uerr, berr)
		}
		l.Warn("manifest corrupt, opened latest backup", slog.Any("err", uerr))
		return &ProfileHandle{Root: root, ManifestPath: mpath, Profile: *bp}, nil
	}
	if verr := ValidateManifest(b); verr != nil {
		l.Warn("manifest does not match schema", slog.Any("err", verr))
	}
	return &ProfileHandle{Root: root, ManifestPath: mpath, Profile: p}, nil
}

// Save writes the profile with a timestamped backup of the previous manifest.
func Save(ph *ProfileHandle) error {
	if ph == nil {
		return errors.New("nil ProfileHandle")
	}
	if ph.Root == "" || ph.ManifestPath == "" {
		return errors.New("invalid ProfileHandle: missing paths")
	}
	data, err := json.MarshalIndent(ph.Profile, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	data = append(data, '\n')

	bdir := filepath.Join(ph.Root, BackupsDirName)
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		return fmt.Errorf("ensure backups dir: %w", err)
	}
	if _, statErr := os.Stat(ph.ManifestPath); statErr == nil {
		stamp := time.Now().Format("20060102-150405.000")
		bpath := filepath.Join(bdir, fmt.Sprintf("%s.%s.bak", ManifestFileName, stamp))
		if cerr := copyFile(ph.ManifestPath, bpath); cerr != nil {
			return fmt.Errorf("backup current manifest: %w", cerr)
		}
	}
	return replaceFile(ph.ManifestPath, data)
}

// PruneBackups keeps the newest keep manifest backups.
func PruneBackups(ph *ProfileHandle, keep int) (int, error) {
	names, err := backupNames(ph.Root)
	if err != nil || len(names) <= keep {
		return 0, err
	}
	n := 0
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(name); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// AutosaveCrashSnapshot writes the in-memory profile next to the manifest
// without touching it, for use from a panic handler.
func AutosaveCrashSnapshot(ph *ProfileHandle) (string, error) {
	if ph == nil {
		return "", errors.New("nil ProfileHandle")
	}
	data, err := json.MarshalIndent(ph.Profile, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Join(ph.Root, BackupsDirName, CrashDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure crash dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.%s.crash", ManifestFileName, time.Now().Format("20060102-150405")))
	if err := writeFileSync(path, data); err != nil {
		return "", fmt.Errorf("write crash snapshot: %w", err)
	}
	return path, nil
}

// replaceFile writes data to a temp file in the same directory and renames
// it over path.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	temp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", filepath.Base(path), os.Getpid(), rand.Int()))
	if err := writeFileSync(temp, data); err != nil {
		return fmt.Errorf("write temp manifest: %w", err)
	}
	// Windows cannot rename over an existing file
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	if err := os.Rename(temp, path); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func copyFile(src, dst string) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sf.Close(); err == nil {
			err = cerr
		}
	}()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := df.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(df, sf); err != nil {
		return err
	}
	return df.Sync()
}

func backupNames(root string) ([]string, error) {
	bdir := filepath.Join(root, BackupsDirName)
	ents, err := os.ReadDir(bdir)
	if err != nil {
		return nil, fmt.Errorf("read backups dir: %w", err)
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, ManifestFileName+".") && strings.HasSuffix(name, ".bak") {
			out = append(out, filepath.Join(bdir, name))
		}
	}
	// the timestamp in the name sorts lexicographically
	sort.Strings(out)
	return out, nil
}

func openFromLatestBackup(root string) (*domain.Profile, error) {
	names, err := backupNames(root)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errors.New("no backups found")
	}
	b, err := os.ReadFile(names[len(names)-1])
	if err != nil {
		return nil, fmt.Errorf("read latest backup: %w", err)
	}
	var p domain.Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse latest backup: %w", err)
	}
	return &p, nil
}
