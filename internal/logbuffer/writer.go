// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package logbuffer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/overseerhq/overseer/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger().With().Str("component", "logbuffer").Logger()
		log = &l
	})
	return log
}

// SinkWriter is an io.Writer that decodes zerolog's JSON output and forwards
// every record carrying a work_order_id into the buffer. Install it as an
// additional logger writer; records without a work_order_id are ignored.
// Write never returns an error: a malformed record must not break logging.
type SinkWriter struct {
	buf *Buffer
}

// NewSinkWriter creates a sink forwarding into buf.
func NewSinkWriter(buf *Buffer) *SinkWriter {
	return &SinkWriter{buf: buf}
}

func (w *SinkWriter) Write(p []byte) (int, error) {
	var record map[string]any
	if err := json.Unmarshal(p, &record); err != nil {
		return len(p), nil
	}

	workOrderID, _ := record["work_order_id"].(string)
	if workOrderID == "" {
		return len(p), nil
	}

	level, _ := record[zerolog.LevelFieldName].(string)
	event, _ := record[zerolog.MessageFieldName].(string)

	var timestamp time.Time
	if raw, ok := record[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			timestamp = t
		}
	}

	fields := make(map[string]any, len(record))
	for k, v := range record {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "work_order_id":
		default:
			fields[k] = v
		}
	}

	w.buf.Add(workOrderID, level, event, timestamp, fields)
	return len(p), nil
}
