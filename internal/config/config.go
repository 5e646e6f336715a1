/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables are treated as read-only overrides at runtime.
//
// config_version: bump when the structure changes in a backward-incompatible way.
type AppConfig struct {
	ConfigVersion int            `yaml:"config_version"`
	General       GeneralConfig  `yaml:"general"`
	Backend       BackendConfig  `yaml:"backend"`
	Studio        StudioConfig   `yaml:"studio"`
	Pipeline      PipelineConfig `yaml:"pipeline"`
	Logging       LoggingConfig  `yaml:"logging"`
}

type GeneralConfig struct {
	TelemetryOptIn bool   `yaml:"telemetry_opt_in"`
	Theme          string `yaml:"theme"` // "system" | "light" | "dark"
}

// BackendConfig selects where profiles live. Mode "local" keeps the profile in a
// directory on disk; "remote" talks to a studio server at BaseURL.
type BackendConfig struct {
	Mode        string `yaml:"mode"`
	BaseURL     string `yaml:"base_url"`
	TimeoutMs   int    `yaml:"timeout_ms"`
	TLSInsecure bool   `yaml:"tls_insecure"`
	// Token is not stored on disk; it lives in the OS keychain.
}

type StudioConfig struct {
	StudioModeOnStart bool `yaml:"studio_mode_on_start"`
	StillQuality      int  `yaml:"still_quality"` // 1..100, JPEG quality requested for snapshots
	ShowHostStats     bool `yaml:"show_host_stats"`
}

// PipelineConfig tunes the frame pipeline. Durations are in milliseconds.
type PipelineConfig struct {
	Renderer         string  `yaml:"renderer"` // "auto" | "worker" | "direct" | "still"
	StillBaseMs      int     `yaml:"still_base_ms"`
	StillFactor      float64 `yaml:"still_factor"`
	StillMaxMs       int     `yaml:"still_max_ms"`
	StillMaxFailures int     `yaml:"still_max_failures"`
	ReadinessPollMs  int     `yaml:"readiness_poll_ms"`
	HideGraceMs      int     `yaml:"hide_grace_ms"`
	WorkerQueue      int     `yaml:"worker_queue"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		General:       GeneralConfig{Theme: "system"},
		Backend:       BackendConfig{Mode: "local", BaseURL: "http://localhost:8080", TimeoutMs: 15000},
		Studio:        StudioConfig{StillQuality: 70, ShowHostStats: true},
		Pipeline: PipelineConfig{
			Renderer:         "auto",
			StillBaseMs:      150,
			StillFactor:      1.5,
			StillMaxMs:       5000,
			StillMaxFailures: 5,
			ReadinessPollMs:  300,
			HideGraceMs:      3000,
			WorkerQueue:      4,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Env var names used as overrides.
const (
	EnvConfigDir        = "LST_CONFIG_DIR"
	EnvBackendMode      = "LST_BACKEND_MODE"
	EnvBackendURL       = "LST_BACKEND_URL"
	EnvBackendTimeoutMs = "LST_BACKEND_TIMEOUT_MS"
	EnvBackendTLSInsec  = "LST_TLS_INSECURE"
	EnvTelemetryOptIn   = "LST_TELEMETRY_OPT_IN"
	EnvStudioMode       = "LST_STUDIO_MODE"
	EnvRenderer         = "LST_RENDERER"
	EnvStillBaseMs      = "LST_STILL_BASE_MS"
	EnvStillMaxMs       = "LST_STILL_MAX_MS"
	EnvLogLevel         = "LST_LOG_LEVEL"
	EnvLogFormat        = "LST_LOG_FORMAT"
	EnvLogSource        = "LST_LOG_SOURCE"
	EnvLogFile          = "LST_LOG_FILE"
)

// Service/keys for OS keyring.
const (
	keyringService = "LiveStudio"
	keyringToken   = "backend_token"
)

// TokenStore abstracts the keyring so tests can swap it out.
type TokenStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

var tokenStore TokenStore = osKeyring{}

// ConfigPath returns the per-user config file path.
func ConfigPath() (string, error) {
	if d := strings.TrimSpace(os.Getenv(EnvConfigDir)); d != "" {
		return filepath.Join(d, "config.yaml"), nil
	}
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "LiveStudio")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "LiveStudio")
	default:
		if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
			base = filepath.Join(x, "livestudio")
		} else if h := os.Getenv("HOME"); h != "" {
			base = filepath.Join(h, ".config", "livestudio")
		}
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults, and merges environment overrides.
// The backend token comes from the keyring and is returned separately.
// A malformed file is reported but the defaults plus env overrides are still returned.
func Load() (AppConfig, string, error) {
	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		applyEnvOverrides(&cfg)
		return cfg, "", err
	}
	var loadErr error
	if data, err := os.ReadFile(path); err == nil {
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			loadErr = fmt.Errorf("parse %s: %w", path, err)
		} else {
			mergeInto(&cfg, &fileCfg)
		}
	}
	applyEnvOverrides(&cfg)
	cfg.Pipeline = cfg.Pipeline.normalized()
	tok, _ := tokenStore.Get(keyringService, keyringToken)
	return cfg, tok, loadErr
}

// Save writes the user config YAML and persists the token into the OS keyring (if non-empty).
func Save(cfg AppConfig, token string) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if token != "" {
		if err := tokenStore.Set(keyringService, keyringToken, token); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
	}
	return nil
}

// ClearToken removes the backend token from the keyring.
func ClearToken() error {
	err := tokenStore.Delete(keyringService, keyringToken)
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	return err
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if src.General.Theme != "" {
		dst.General.Theme = src.General.Theme
	}
	dst.General.TelemetryOptIn = src.General.TelemetryOptIn

	if m := strings.ToLower(strings.TrimSpace(src.Backend.Mode)); m != "" {
		dst.Backend.Mode = m
	}
	if src.Backend.BaseURL != "" {
		dst.Backend.BaseURL = src.Backend.BaseURL
	}
	if src.Backend.TimeoutMs != 0 {
		dst.Backend.TimeoutMs = src.Backend.TimeoutMs
	}
	dst.Backend.TLSInsecure = src.Backend.TLSInsecure

	dst.Studio.StudioModeOnStart = src.Studio.StudioModeOnStart
	dst.Studio.ShowHostStats = src.Studio.ShowHostStats
	if src.Studio.StillQuality != 0 {
		dst.Studio.StillQuality = src.Studio.StillQuality
	}

	p := &dst.Pipeline
	if r := strings.ToLower(strings.TrimSpace(src.Pipeline.Renderer)); r != "" {
		p.Renderer = r
	}
	setInt(&p.StillBaseMs, src.Pipeline.StillBaseMs)
	setInt(&p.StillMaxMs, src.Pipeline.StillMaxMs)
	setInt(&p.StillMaxFailures, src.Pipeline.StillMaxFailures)
	setInt(&p.ReadinessPollMs, src.Pipeline.ReadinessPollMs)
	setInt(&p.HideGraceMs, src.Pipeline.HideGraceMs)
	setInt(&p.WorkerQueue, src.Pipeline.WorkerQueue)
	if src.Pipeline.StillFactor != 0 {
		p.StillFactor = src.Pipeline.StillFactor
	}

	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = strings.TrimSpace(src.Logging.File)
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvBackendMode)); v != "" {
		cfg.Backend.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackendTimeoutMs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.TimeoutMs = n
		}
	}
	if v := os.Getenv(EnvBackendTLSInsec); v != "" {
		cfg.Backend.TLSInsecure = parseBool(v)
	}
	if v := os.Getenv(EnvTelemetryOptIn); v != "" {
		cfg.General.TelemetryOptIn = parseBool(v)
	}
	if v := os.Getenv(EnvStudioMode); v != "" {
		cfg.Studio.StudioModeOnStart = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvRenderer)); v != "" {
		cfg.Pipeline.Renderer = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvStillBaseMs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.StillBaseMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvStillMaxMs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.StillMaxMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogSource); v != "" {
		cfg.Logging.Source = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	names := map[string]string{
		"backend.mode":                EnvBackendMode,
		"backend.base_url":            EnvBackendURL,
		"backend.timeout_ms":          EnvBackendTimeoutMs,
		"backend.tls_insecure":        EnvBackendTLSInsec,
		"general.telemetry_opt_in":    EnvTelemetryOptIn,
		"studio.studio_mode_on_start": EnvStudioMode,
		"pipeline.renderer":           EnvRenderer,
		"pipeline.still_base_ms":      EnvStillBaseMs,
		"pipeline.still_max_ms":       EnvStillMaxMs,
		"logging.level":               EnvLogLevel,
		"logging.format":              EnvLogFormat,
		"logging.source":              EnvLogSource,
		"logging.file":                EnvLogFile,
	}
	env, ok := names[key]
	if !ok || os.Getenv(env) == "" {
		return "", false
	}
	return env, true
}

// Timeout returns the backend timeout, falling back to the default for non-positive values.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return time.Duration(Defaults().Backend.TimeoutMs) * time.Millisecond
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// Remote reports whether profiles are served by a studio server.
func (b BackendConfig) Remote() bool { return b.Mode == "remote" }

// normalized replaces out-of-range tuning values with defaults.
func (p PipelineConfig) normalized() PipelineConfig {
	d := Defaults().Pipeline
	switch p.Renderer {
	case "auto", "worker", "direct", "still":
	default:
		p.Renderer = d.Renderer
	}
	if p.StillBaseMs <= 0 {
		p.StillBaseMs = d.StillBaseMs
	}
	if p.StillFactor <= 1 {
		p.StillFactor = d.StillFactor
	}
	if p.StillMaxMs < p.StillBaseMs {
		p.StillMaxMs = p.StillBaseMs
	}
	if p.StillMaxFailures <= 0 {
		p.StillMaxFailures = d.StillMaxFailures
	}
	if p.ReadinessPollMs <= 0 {
		p.ReadinessPollMs = d.ReadinessPollMs
	}
	if p.HideGraceMs < 0 {
		p.HideGraceMs = 0
	}
	if p.WorkerQueue <= 0 {
		p.WorkerQueue = d.WorkerQueue
	}
	return p
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// StillBase is the delay between successful still-image requests.
func (p PipelineConfig) StillBase() time.Duration { return ms(p.StillBaseMs) }

// StillMax caps the still-image backoff delay.
func (p PipelineConfig) StillMax() time.Duration { return ms(p.StillMaxMs) }

// ReadinessPoll is the polling fallback interval for first-frame detection.
func (p PipelineConfig) ReadinessPoll() time.Duration { return ms(p.ReadinessPollMs) }

// HideGrace is how long a hidden layer keeps its session before teardown.
func (p PipelineConfig) HideGrace() time.Duration { return ms(p.HideGraceMs) }
