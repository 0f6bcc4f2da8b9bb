// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/overseerhq/overseer/internal/logbuffer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS middleware config upstream;
	// the dev default allows all.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleLogWebsocket mirrors the SSE stream over a websocket for clients
// that cannot consume SSE. Entries are sent as JSON text messages.
func (s *Server) handleLogWebsocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		getLog().Warn().Err(err).Msg("websocket_upgrade_failed")
		return
	}
	defer conn.Close()

	getLog().Debug().Str("work_order_id", id).Msg("log_websocket_opened")

	// Drain client frames so close handshakes and pings are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(entries []logbuffer.Entry) (time.Time, bool) {
		var last time.Time
		for _, entry := range entries {
			if err := conn.WriteJSON(entry); err != nil {
				return last, false
			}
			last = entry.Timestamp
		}
		return last, true
	}

	var watermark time.Time
	if last, ok := send(s.buffer.Get(id, logbuffer.Filter{})); !ok {
		return
	} else if !last.IsZero() {
		watermark = last
	}

	ticker := time.NewTicker(s.ssePollInterval)
	defer ticker.Stop()
	pinger := time.NewTicker(15 * time.Second)
	defer pinger.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			getLog().Debug().Str("work_order_id", id).Msg("log_websocket_closed")
			return
		case <-pinger.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ticker.C:
			last, ok := send(s.buffer.GetSince(id, watermark, "", ""))
			if !ok {
				return
			}
			if !last.IsZero() {
				watermark = last
			}
		}
	}
}
