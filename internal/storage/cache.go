/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"livestudio/internal/domain"
	applog "livestudio/internal/log"
	"livestudio/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	// CacheDirName holds per-profile disposable data under the profile root.
	CacheDirName  = ".studio"
	CacheFileName = "cache.sqlite"

	// schemaVersion tracks the cache schema; bump it and add a migration step
	// for breaking changes.
	schemaVersion = 2

	EnvStillCacheMaxBytes = "LST_STILL_CACHE_MAX_BYTES"
)

// CachePath returns the path of the profile's cache database.
func CachePath(root string) string {
	return filepath.Join(root, CacheDirName, CacheFileName)
}

// Cache is the profile's local SQLite cache: still-image snapshots with LRU
// eviction, the last Studio Mode state and a journal of transform commits.
// Everything in it can be rebuilt; deleting the file loses nothing important.
type Cache struct {
	db  *sql.DB
	log *slog.Logger
	// MaxStillBytes caps the snapshot cache; <= 0 disables eviction.
	MaxStillBytes int64
}

// OpenCache creates or opens the cache under root and brings its schema up
// to date.
func OpenCache(root string) (*Cache, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "cache_open").With(slog.String("root", root))
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("profile root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, CacheDirName), 0o755); err != nil {
		l.Error("create cache dir failed", slog.Any("err", err))
		return nil, fmt.Errorf("create %s dir: %w", CacheDirName, err)
	}
	path := CachePath(root)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := ensureMetaAndVersion(ctx, db); err != nil {
		_ = db.Close()
		l.Error("ensure meta/version failed", slog.Any("err", err))
		return nil, err
	}
	if err := ensureCacheSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		l.Error("run migrations failed", slog.Any("err", err))
		return nil, err
	}
	l.Debug("cache ready", slog.String("path", path))
	return &Cache{db: db, log: l, MaxStillBytes: maxStillBytesFromEnv()}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func ensureMetaAndVersion(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var cur int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// a fresh database starts at schema 1 and migrates forward
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, 1, ?, ?, ?)`, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

func ensureCacheSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS stills (
			id          INTEGER PRIMARY KEY,
			key         TEXT    NOT NULL,
			w           INTEGER NOT NULL,
			h           INTEGER NOT NULL,
			blob        BLOB    NOT NULL,
			size        INTEGER NOT NULL,
			updated_at  TEXT    NOT NULL,
			last_access TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_stills_variant ON stills(key, w, h);`,
		`CREATE TABLE IF NOT EXISTS studio_state (
			id         INTEGER PRIMARY KEY CHECK(id=1),
			state      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS journal (
			id        INTEGER PRIMARY KEY,
			ts        TEXT NOT NULL,
			scene_id  TEXT NOT NULL,
			layer_id  TEXT NOT NULL,
			kind      TEXT NOT NULL,
			before    TEXT,
			after     TEXT,
			error     TEXT
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure cache schema: %w", err)
		}
	}
	return nil
}

// runMigrations applies incremental schema migrations up to schemaVersion.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for cur < schemaVersion {
		next := cur + 1
		var stmts []string
		switch next {
		case 2:
			stmts = []string{
				`CREATE INDEX IF NOT EXISTS idx_stills_access ON stills(last_access);`,
				`CREATE INDEX IF NOT EXISTS idx_journal_layer ON journal(scene_id, layer_id);`,
			}
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", next, err)
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d stmt failed: %w", next, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d update version: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", next, err)
		}
		cur = next
	}
	return nil
}

// SchemaVersion returns the schema version recorded in the database.
func (c *Cache) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := c.db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&v)
	return v, err
}

// GetStill returns a cached snapshot or nil, touching its access time.
func (c *Cache) GetStill(ctx context.Context, key string, w, h int) ([]byte, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT blob FROM stills WHERE key=? AND w=? AND h=?`, key, w, h).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query still: %w", err)
	}
	_, _ = c.db.ExecContext(ctx, `UPDATE stills SET last_access=? WHERE key=? AND w=? AND h=?`, nowStamp(), key, w, h)
	return blob, nil
}

// PutStill upserts a snapshot and enforces MaxStillBytes by LRU eviction.
func (c *Cache) PutStill(ctx context.Context, key string, w, h int, blob []byte) error {
	if len(blob) == 0 {
		return errors.New("empty still")
	}
	now := nowStamp()
	_, err := c.db.ExecContext(ctx, `INSERT INTO stills(key,w,h,blob,size,updated_at,last_access)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(key,w,h) DO UPDATE SET blob=excluded.blob, size=excluded.size, updated_at=excluded.updated_at, last_access=excluded.last_access`,
		key, w, h, blob, len(blob), now, now)
	if err != nil {
		return fmt.Errorf("upsert still: %w", err)
	}
	if c.MaxStillBytes > 0 {
		return c.evictToFit(ctx, c.MaxStillBytes)
	}
	return nil
}

// TotalStillBytes returns the bytes held by the snapshot cache.
func (c *Cache) TotalStillBytes(ctx context.Context) (int64, error) {
	var total int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size),0) FROM stills`).Scan(&total)
	return total, err
}

// evictToFit deletes least-recently-used stills until the total fits.
func (c *Cache) evictToFit(ctx context.Context, capBytes int64) error {
	total, err := c.TotalStillBytes(ctx)
	if err != nil {
		return fmt.Errorf("sum stills size: %w", err)
	}
	if total <= capBytes {
		return nil
	}
	rows, err := c.db.QueryContext(ctx, `SELECT id, size FROM stills ORDER BY
		CASE WHEN last_access IS NULL THEN 0 ELSE 1 END ASC, last_access ASC, id ASC`)
	if err != nil {
		return fmt.Errorf("select victims: %w", err)
	}
	var victims []any
	cur := total
	for rows.Next() {
		var id, sz int64
		if err := rows.Scan(&id, &sz); err != nil {
			_ = rows.Close()
			return err
		}
		victims = append(victims, id)
		cur -= sz
		if cur <= capBytes {
			break
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	// the cursor must be closed before writing on a single connection
	if err := rows.Close(); err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}
	q := `DELETE FROM stills WHERE id IN (?` + strings.Repeat(",?", len(victims)-1) + `)`
	if _, err := c.db.ExecContext(ctx, q, victims...); err != nil {
		return fmt.Errorf("evict delete: %w", err)
	}
	c.log.Debug("stills evicted", slog.Int("count", len(victims)), slog.Int64("cap", capBytes))
	return nil
}

// SaveStudioState remembers Studio Mode across restarts.
func (c *Cache) SaveStudioState(ctx context.Context, st domain.StudioState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO studio_state(id,state,updated_at) VALUES(1,?,?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`, string(b), nowStamp())
	if err != nil {
		return fmt.Errorf("save studio state: %w", err)
	}
	return nil
}

// LoadStudioState returns the remembered state, or nil when none was saved.
func (c *Cache) LoadStudioState(ctx context.Context) (*domain.StudioState, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT state FROM studio_state WHERE id=1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load studio state: %w", err)
	}
	var st domain.StudioState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("parse studio state: %w", err)
	}
	return &st, nil
}

// JournalEntry records one layer commit and its outcome.
type JournalEntry struct {
	TS      time.Time
	SceneID string
	LayerID string
	Kind    string // "transform" or "flags"
	Before  string
	After   string
	Err     string
}

// AppendJournal records a commit.
func (c *Cache) AppendJournal(ctx context.Context, e JournalEntry) error {
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	var errCol any
	if e.Err != "" {
		errCol = e.Err
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO journal(ts,scene_id,layer_id,kind,before,after,error) VALUES(?,?,?,?,?,?,?)`,
		e.TS.UTC().Format(stampLayout), e.SceneID, e.LayerID, e.Kind, e.Before, e.After, errCol)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// ListJournal returns up to limit most recent entries, newest first.
func (c *Cache) ListJournal(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `SELECT ts,scene_id,layer_id,kind,COALESCE(before,''),COALESCE(after,''),COALESCE(error,'')
		FROM journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var ts string
		if err := rows.Scan(&ts, &e.SceneID, &e.LayerID, &e.Kind, &e.Before, &e.After, &e.Err); err != nil {
			return nil, err
		}
		e.TS, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneJournal keeps the newest keep entries.
func (c *Cache) PruneJournal(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := c.db.ExecContext(ctx, `DELETE FROM journal WHERE id NOT IN (SELECT id FROM journal ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// stampLayout is fixed width so stamps order lexicographically.
const stampLayout = "2006-01-02T15:04:05.000000000Z"

func nowStamp() string { return time.Now().UTC().Format(stampLayout) }

// maxStillBytesFromEnv reads LST_STILL_CACHE_MAX_BYTES, defaulting to 64MB.
func maxStillBytesFromEnv() int64 {
	const def = 64 << 20
	v := os.Getenv(EnvStillCacheMaxBytes)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// GetOrCreateStill returns a cached snapshot or generates, stores and returns one.
func (c *Cache) GetOrCreateStill(ctx context.Context, key string, w, h int, gen func(context.Context) ([]byte, error)) ([]byte, error) {
	if b, err := c.GetStill(ctx, key, w, h); err != nil {
		return nil, err
	} else if b != nil {
		return b, nil
	}
	if gen == nil {
		return nil, nil
	}
	data, err := gen(ctx)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	if err := c.PutStill(ctx, key, w, h, data); err != nil {
		return nil, err
	}
	return data, nil
}

// OpenCacheOrRebuild opens the cache, moving an unusable database aside to
// .studio/backups and starting fresh. rebuilt reports whether that happened.
func OpenCacheOrRebuild(root string) (c *Cache, rebuilt bool, err error) {
	c, err = OpenCache(root)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var res string
		if qerr := c.db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&res); qerr == nil && res == "ok" {
			return c, false, nil
		}
		_ = c.Close()
	}
	l := applog.WithOperation(applog.WithComponent("storage"), "cache_rebuild").With(slog.String("root", root))
	l.Warn("cache unusable, rebuilding", slog.Any("err", err))
	bdir := filepath.Join(root, CacheDirName, BackupsDirName)
	if mkErr := os.MkdirAll(bdir, 0o755); mkErr != nil {
		return nil, false, fmt.Errorf("create cache backups dir: %w", mkErr)
	}
	path := CachePath(root)
	stamp := time.Now().Format("20060102-150405")
	if mvErr := os.Rename(path, filepath.Join(bdir, CacheFileName+"."+stamp+".corrupt")); mvErr != nil && !os.IsNotExist(mvErr) {
		return nil, false, fmt.Errorf("move corrupt cache: %w", mvErr)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	c, err = OpenCache(root)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}
