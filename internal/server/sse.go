// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/overseerhq/overseer/internal/logbuffer"
)

// keepAliveEvery is the number of poll iterations between keep-alive
// comments; at the production poll interval this is 15 seconds.
const keepAliveEvery = 30

// handleLogStream streams buffered log entries for a work order as SSE:
// replay of everything already buffered, then a tail loop polling for
// entries newer than the high-watermark. Client disconnect ends the stream
// cleanly.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	query := r.URL.Query()
	level := query.Get("level")
	step := query.Get("step")

	var since time.Time
	if raw := query.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	getLog().Debug().Str("work_order_id", id).Msg("log_stream_started")

	watermark := since
	send := func(entries []logbuffer.Entry) bool {
		for _, entry := range entries {
			raw, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
				return false
			}
			watermark = entry.Timestamp
		}
		flusher.Flush()
		return true
	}

	if !send(s.buffer.Get(id, logbuffer.Filter{Level: level, Step: step, Since: since})) {
		return
	}

	ticker := time.NewTicker(s.ssePollInterval)
	defer ticker.Stop()

	iterations := 0
	for {
		select {
		case <-r.Context().Done():
			getLog().Debug().Str("work_order_id", id).Msg("log_stream_closed")
			return
		case <-ticker.C:
			if !send(s.buffer.GetSince(id, watermark, level, step)) {
				return
			}
			iterations++
			if iterations%keepAliveEvery == 0 {
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
