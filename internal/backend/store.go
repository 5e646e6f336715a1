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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"livestudio/internal/domain"
)

// CommitRecord is one accepted mutation, kept for audit.
type CommitRecord struct {
	ProfileID string
	Subject   string
	Kind      string
	SceneID   string
	LayerID   string
	Payload   any
}

// ProfileStore persists whole profiles with optimistic versioning. Store
// with expect == 0 inserts; otherwise the stored version must equal expect.
type ProfileStore interface {
	List(ctx context.Context) ([]ProfileSummary, error)
	Load(ctx context.Context, id string) (domain.Profile, int64, error)
	Store(ctx context.Context, p domain.Profile, expect int64) (int64, error)
	Record(ctx context.Context, rec CommitRecord) error
	Ping(ctx context.Context) error
}

// MemStore is an in-memory ProfileStore for tests and single-process demos.
type MemStore struct {
	mu      sync.Mutex
	docs    map[string]memDoc
	Records []CommitRecord
}

type memDoc struct {
	raw     []byte
	version int64
	updated time.Time
	name    string
}

func NewMemStore() *MemStore { return &MemStore{docs: map[string]memDoc{}} }

func (m *MemStore) List(ctx context.Context) ([]ProfileSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProfileSummary, 0, len(m.docs))
	for id, d := range m.docs {
		out = append(out, ProfileSummary{ID: id, Name: d.name, UpdatedAt: d.updated, Version: d.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemStore) Load(ctx context.Context, id string) (domain.Profile, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return domain.Profile{}, 0, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	var p domain.Profile
	if err := json.Unmarshal(d.raw, &p); err != nil {
		return domain.Profile{}, 0, err
	}
	return p, d.version, nil
}

func (m *MemStore) Store(ctx context.Context, p domain.Profile, expect int64) (int64, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[p.ID]
	if (expect == 0 && ok) || (expect != 0 && (!ok || cur.version != expect)) {
		return 0, fmt.Errorf("profile %s at version %d: %w", p.ID, expect, ErrConflict)
	}
	d := memDoc{raw: raw, version: cur.version + 1, updated: time.Now(), name: p.Name}
	m.docs[p.ID] = d
	return d.version, nil
}

func (m *MemStore) Record(ctx context.Context, rec CommitRecord) error {
	m.mu.Lock()
	m.Records = append(m.Records, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Ping(ctx context.Context) error { return nil }

// PGStore keeps profiles as JSONB documents in Postgres.
type PGStore struct {
	DB *sql.DB
}

func (s *PGStore) List(ctx context.Context) ([]ProfileSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, updated_at, version FROM profiles ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []ProfileSummary
	for rows.Next() {
		var p ProfileSummary
		if err := rows.Scan(&p.ID, &p.Name, &p.UpdatedAt, &p.Version); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (s *PGStore) Load(ctx context.Context, id string) (domain.Profile, int64, error) {
	var (
		raw     []byte
		version int64
	)
	err := s.DB.QueryRowContext(ctx, `SELECT doc, version FROM profiles WHERE id = $1`, id).Scan(&raw, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.Profile{}, 0, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	case err != nil:
		return domain.Profile{}, 0, err
	}
	var p domain.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Profile{}, 0, fmt.Errorf("profile %s doc: %w", id, err)
	}
	return p, version, nil
}

func (s *PGStore) Store(ctx context.Context, p domain.Profile, expect int64) (int64, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	var version int64
	if expect == 0 {
		err = s.DB.QueryRowContext(ctx,
			`INSERT INTO profiles(id, name, doc) VALUES($1, $2, $3) ON CONFLICT (id) DO NOTHING RETURNING version`,
			p.ID, p.Name, string(raw)).Scan(&version)
	} else {
		err = s.DB.QueryRowContext(ctx,
			`UPDATE profiles SET doc = $1, name = $2, version = version + 1, updated_at = now()
			 WHERE id = $3 AND version = $4 RETURNING version`,
			string(raw), p.Name, p.ID, expect).Scan(&version)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("profile %s at version %d: %w", p.ID, expect, ErrConflict)
	}
	return version, err
}

func (s *PGStore) Record(ctx context.Context, rec CommitRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO commit_log(profile_id, subject, kind, scene_id, layer_id, payload) VALUES($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6)`,
		rec.ProfileID, rec.Subject, rec.Kind, rec.SceneID, rec.LayerID, string(payload))
	return err
}

func (s *PGStore) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }
