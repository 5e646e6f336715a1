/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"livestudio/internal/domain"
	"livestudio/internal/livevideo"
	applog "livestudio/internal/log"
	"livestudio/internal/pipeline"
)

// Client talks to a studio server over HTTP and websockets.
type Client struct {
	BaseURL   string
	Token     string // bearer token
	ProfileID string
	client    *http.Client
	live      *livevideo.Dialer
	log       *slog.Logger
}

// ClientOptions tunes NewClient. Zero values pick defaults.
type ClientOptions struct {
	Timeout     time.Duration
	TLSInsecure bool
}

// NewClient creates a backend client for profileID. baseURL may include a
// trailing slash; it will be normalized.
func NewClient(baseURL, token, profileID string, opt ClientOptions) *Client {
	b := strings.TrimRight(baseURL, "/")
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	ws := *websocket.DefaultDialer
	if opt.TLSInsecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed studio servers
		ws.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	c := &Client{
		BaseURL:   b,
		Token:     token,
		ProfileID: profileID,
		client:    &http.Client{Timeout: opt.Timeout, Transport: tr},
		log:       applog.WithComponent("backend.client"),
	}
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	c.live = &livevideo.Dialer{
		URL: func(sourceID string) string {
			return c.BaseURL + c.profilePath("sources", url.PathEscape(sourceID), "live")
		},
		Header: hdr,
		WS:     &ws,
		Logger: c.log,
	}
	return c
}

func (c *Client) profilePath(parts ...string) string {
	return "/api/profiles/" + url.PathEscape(c.ProfileID) + "/" + strings.Join(parts, "/")
}

// apiError maps HTTP statuses onto the package sentinels.
func apiError(method, path string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(b, &body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}
	var base error
	switch resp.StatusCode {
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusUnprocessableEntity:
		base = ErrInvalidTransform
	case http.StatusConflict:
		base = ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		base = ErrUnauthorized
	default:
		return fmt.Errorf("server %s %s: %s", method, path, msg)
	}
	return fmt.Errorf("server %s %s: %s: %w", method, path, msg, base)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, dest any) error {
	return c.send(ctx, method, path, nil, body, dest)
}

func (c *Client) send(ctx context.Context, method, path string, hdr http.Header, body, dest any) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(method, u.Path, resp)
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// ProfileSummary is a minimal projection for listing.
type ProfileSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// ListProfiles returns the profiles the server holds.
func (c *Client) ListProfiles(ctx context.Context) ([]ProfileSummary, error) {
	var list []ProfileSummary
	if err := c.doJSON(ctx, http.MethodGet, "/api/profiles", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// RequestToken asks the server for a bearer token for subject, authorized
// by the server's admin key.
func (c *Client) RequestToken(ctx context.Context, adminKey, subject string, ttl time.Duration) (string, time.Time, error) {
	req := map[string]any{"subject": subject, "ttl_seconds": int64(ttl / time.Second)}
	var resp struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	hdr := http.Header{AdminKeyHeader: []string{adminKey}}
	if err := c.send(ctx, http.MethodPost, "/api/auth/token", hdr, req, &resp); err != nil {
		return "", time.Time{}, err
	}
	exp, _ := time.Parse(time.RFC3339, resp.ExpiresAt)
	return resp.Token, exp, nil
}

func (c *Client) GetProfile(ctx context.Context) (domain.Profile, error) {
	var p domain.Profile
	err := c.doJSON(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(c.ProfileID), nil, &p)
	return p, err
}

func (c *Client) UpdateLayerTransform(ctx context.Context, profileID, sceneID, layerID string, t domain.Transform) (domain.Layer, error) {
	var l domain.Layer
	path := c.layerPath(profileID, sceneID, layerID) + "/transform"
	err := c.doJSON(ctx, http.MethodPut, path, t, &l)
	return l, err
}

func (c *Client) UpdateLayerFlags(ctx context.Context, profileID, sceneID, layerID string, f domain.LayerFlags) (domain.Layer, error) {
	var l domain.Layer
	err := c.doJSON(ctx, http.MethodPatch, c.layerPath(profileID, sceneID, layerID), f, &l)
	return l, err
}

func (c *Client) RemoveLayer(ctx context.Context, profileID, sceneID, layerID string) error {
	return c.doJSON(ctx, http.MethodDelete, c.layerPath(profileID, sceneID, layerID), nil, nil)
}

func (c *Client) layerPath(profileID, sceneID, layerID string) string {
	if profileID == "" {
		profileID = c.ProfileID
	}
	return "/api/profiles/" + url.PathEscape(profileID) + "/scenes/" + url.PathEscape(sceneID) + "/layers/" + url.PathEscape(layerID)
}

func (c *Client) SetProgramScene(ctx context.Context, sceneID string) error {
	return c.doJSON(ctx, http.MethodPut, c.profilePath("program"), map[string]string{"sceneId": sceneID}, nil)
}

func (c *Client) SaveStudioState(ctx context.Context, st domain.StudioState) error {
	return c.doJSON(ctx, http.MethodPut, c.profilePath("studio"), st, nil)
}

func (c *Client) StillImageURL(target string, w, h, quality int) string {
	q := url.Values{}
	q.Set("w", strconv.Itoa(w))
	q.Set("h", strconv.Itoa(h))
	if quality > 0 {
		q.Set("q", strconv.Itoa(quality))
	}
	return c.BaseURL + c.profilePath("stills", url.PathEscape(target)) + "?" + q.Encode()
}

// FetchStill downloads and decodes one snapshot.
func (c *Client) FetchStill(ctx context.Context, raw string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(http.MethodGet, req.URL.Path, resp)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode still: %w", err)
	}
	return img, nil
}

func (c *Client) LiveVideo(ctx context.Context, sourceID string) (pipeline.VideoHandle, error) {
	return c.live.LiveVideo(ctx, sourceID)
}

// Ping checks /readyz.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/readyz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("server not ready: " + resp.Status)
	}
	return nil
}

func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

var _ Backend = (*Client)(nil)
