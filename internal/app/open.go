/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"livestudio/internal/backend"
	"livestudio/internal/config"
	applog "livestudio/internal/log"
	"livestudio/internal/storage"
)

// OpenBackend connects to the profile named by target. In local mode target
// is a profile directory; in remote mode it is a profile id on the configured
// studio server, defaulting to backend.DefaultProfileID.
func OpenBackend(ctx context.Context, cfg config.AppConfig, token, target string) (backend.Backend, error) {
	l := applog.WithOperation(applog.WithComponent("app"), "open-backend")
	if cfg.Backend.Remote() {
		if target == "" {
			target = backend.DefaultProfileID
		}
		c := backend.NewClient(cfg.Backend.BaseURL, token, target, backend.ClientOptions{
			Timeout:     cfg.Backend.Timeout(),
			TLSInsecure: cfg.Backend.TLSInsecure,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.Ping(pctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("studio server %s: %w", cfg.Backend.BaseURL, err)
		}
		l.Info("remote backend", slog.String("url", cfg.Backend.BaseURL), slog.String("profile", target))
		return c, nil
	}
	if target == "" {
		return nil, errors.New("no profile directory given")
	}
	lb, err := backend.OpenLocal(target, backend.LocalOptions{})
	if err != nil {
		return nil, fmt.Errorf("open profile %s: %w", target, err)
	}
	l.Info("local backend", slog.String("root", target))
	return lb, nil
}

// Handle returns the on-disk profile behind be, for crash snapshots. Remote
// backends have none.
func Handle(be backend.Backend) *storage.ProfileHandle {
	if lb, ok := be.(*backend.Local); ok {
		return lb.Handle()
	}
	return nil
}
