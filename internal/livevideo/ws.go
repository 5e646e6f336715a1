/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package livevideo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	applog "livestudio/internal/log"
	"livestudio/internal/pipeline"
)

// statusMessage is the JSON text message on the live video socket.
type statusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Dialer opens live video handles over websockets.
type Dialer struct {
	// URL maps a source ID to its http(s) or ws(s) live video URL.
	URL    func(sourceID string) string
	Header http.Header
	WS     *websocket.Dialer
	Logger *slog.Logger
}

// WSURL rewrites an http(s) URL to the matching ws(s) scheme.
func WSURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// LiveVideo dials the source's socket and starts reading it.
func (d *Dialer) LiveVideo(ctx context.Context, sourceID string) (pipeline.VideoHandle, error) {
	if d.URL == nil {
		return nil, fmt.Errorf("live video %s: no url", sourceID)
	}
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	conn, resp, err := ws.DialContext(ctx, WSURL(d.URL(sourceID)), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("live video %s: %w (http %d)", sourceID, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("live video %s: %w", sourceID, err)
	}
	l := d.Logger
	if l == nil {
		l = applog.WithComponent("livevideo")
	}
	h := newHandle(func() error {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	})
	go readLoop(conn, h, l.With(slog.String("source", sourceID)))
	return h, nil
}

func readLoop(conn *websocket.Conn, h *handle, l *slog.Logger) {
	defer h.finish()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !h.closed() {
				l.Warn("live video socket ended", slog.Any("err", err))
				h.sendStatus(pipeline.StatusError)
			}
			return
		}
		switch mt {
		case websocket.TextMessage:
			var m statusMessage
			if err := json.Unmarshal(data, &m); err != nil || m.Type != "status" {
				l.Debug("ignoring text message", slog.Int("bytes", len(data)))
				continue
			}
			st, ok := pipeline.ParseStatus(m.Status)
			if !ok {
				continue
			}
			if m.Error != "" {
				l.Warn("live video error", slog.String("err", m.Error))
			}
			if !h.sendStatus(st) {
				return
			}
		case websocket.BinaryMessage:
			img, _, err := image.Decode(bytes.NewReader(data))
			if err != nil {
				l.Debug("undecodable frame", slog.Any("err", err))
				continue
			}
			h.sendFrame(img)
		}
	}
}

// ServeOptions tunes Serve.
type ServeOptions struct {
	Interval time.Duration
	Quality  int
	Logger   *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 << 10,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Serve upgrades the request and streams src until either side goes away.
// src is closed on return.
func Serve(w http.ResponseWriter, r *http.Request, src FrameSource, opts ServeOptions) error {
	defer func() { _ = src.Close() }()
	if opts.Interval <= 0 {
		opts.Interval = time.Second / 30
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 75
	}
	l := opts.Logger
	if l == nil {
		l = applog.WithComponent("livevideo-server")
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := writeStatus(conn, pipeline.StatusConnecting, nil); err != nil {
		return err
	}
	t := time.NewTicker(opts.Interval)
	defer t.Stop()
	var buf bytes.Buffer
	first := true
	for {
		img, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Warn("frame source failed", slog.Any("err", err))
			_ = writeStatus(conn, pipeline.StatusError, err)
			return err
		}
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		if first {
			if err := writeStatus(conn, pipeline.StatusPlaying, nil); err != nil {
				return err
			}
			first = false
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func writeStatus(conn *websocket.Conn, st pipeline.Status, err error) error {
	m := statusMessage{Type: "status", Status: st.String()}
	if err != nil {
		m.Error = err.Error()
	}
	return conn.WriteJSON(m)
}
