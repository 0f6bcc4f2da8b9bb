// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package logbuffer

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AddAndGet(t *testing.T) {
	b := New()
	b.Add("wo-11112222", "INFO", "step_started", time.Time{}, map[string]any{"step": "planning"})
	b.Add("wo-11112222", "error", "step_failed", time.Time{}, map[string]any{"step": "execute"})
	b.Add("wo-33334444", "info", "workflow_started", time.Time{}, nil)

	entries := b.Get("wo-11112222", Filter{})
	require.Len(t, entries, 2)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "step_started", entries[0].Event)
	assert.False(t, entries[0].Timestamp.IsZero())

	assert.Len(t, b.Get("wo-33334444", Filter{}), 1)
	assert.Empty(t, b.Get("wo-99990000", Filter{}))
}

func TestBuffer_RingEviction(t *testing.T) {
	b := New()
	for i := 0; i < MaxEntriesPerWorkOrder+50; i++ {
		b.Add("wo-aaaa0000", "info", fmt.Sprintf("event_%d", i), time.Time{}, nil)
	}

	entries := b.Get("wo-aaaa0000", Filter{})
	require.Len(t, entries, MaxEntriesPerWorkOrder)
	assert.Equal(t, "event_50", entries[0].Event)
}

func TestBuffer_Filters(t *testing.T) {
	b := New()
	base := time.Now().UTC()
	b.Add("wo-f1f1f1f1", "info", "one", base, map[string]any{"step": "planning"})
	b.Add("wo-f1f1f1f1", "error", "two", base.Add(time.Second), map[string]any{"step": "execute"})
	b.Add("wo-f1f1f1f1", "info", "three", base.Add(2*time.Second), map[string]any{"step": "execute"})

	assert.Len(t, b.Get("wo-f1f1f1f1", Filter{Level: "ERROR"}), 1)
	assert.Len(t, b.Get("wo-f1f1f1f1", Filter{Step: "execute"}), 2)

	since := b.Get("wo-f1f1f1f1", Filter{Since: base.Add(time.Second)})
	require.Len(t, since, 1)
	assert.Equal(t, "three", since[0].Event)

	paged := b.Get("wo-f1f1f1f1", Filter{Offset: 1, Limit: 1})
	require.Len(t, paged, 1)
	assert.Equal(t, "two", paged[0].Event)

	assert.Empty(t, b.Get("wo-f1f1f1f1", Filter{Offset: 10}))
}

func TestBuffer_CleanupOld(t *testing.T) {
	b := New()
	b.Add("wo-01010101", "info", "stale", time.Time{}, nil)
	b.mu.Lock()
	b.lastActivity["wo-01010101"] = time.Now().Add(-2 * time.Hour)
	b.mu.Unlock()
	b.Add("wo-02020202", "info", "fresh", time.Time{}, nil)

	removed := b.CleanupOld(DefaultRetention)
	assert.Equal(t, 1, removed)
	assert.Empty(t, b.Get("wo-01010101", Filter{}))
	assert.Len(t, b.Get("wo-02020202", Filter{}), 1)
}

func TestEntry_MarshalJSON_Flattens(t *testing.T) {
	e := Entry{
		WorkOrderID: "wo-deadbeef",
		Level:       "info",
		Event:       "step_completed",
		Timestamp:   time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Fields:      map[string]any{"step": "commit", "duration_seconds": 1.5},
	}

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "wo-deadbeef", out["work_order_id"])
	assert.Equal(t, "step_completed", out["event"])
	assert.Equal(t, "commit", out["step"])
	assert.Equal(t, 1.5, out["duration_seconds"])
	assert.Equal(t, "2026-08-24T12:00:00Z", out["timestamp"])
}

func TestSinkWriter_ForwardsWorkOrderRecords(t *testing.T) {
	b := New()
	w := NewSinkWriter(b)

	line := []byte(`{"level":"info","time":"2026-08-24T12:00:00.5Z","message":"step_started","work_order_id":"wo-cafe0123","step":"planning","pkg":"workflow"}`)
	n, err := w.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)

	entries := b.Get("wo-cafe0123", Filter{})
	require.Len(t, entries, 1)
	assert.Equal(t, "step_started", entries[0].Event)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "planning", entries[0].Fields["step"])
	assert.Equal(t, "workflow", entries[0].Fields["pkg"])
	assert.Equal(t, 2026, entries[0].Timestamp.Year())
}

func TestSinkWriter_IgnoresUnrelatedRecords(t *testing.T) {
	b := New()
	w := NewSinkWriter(b)

	_, err := w.Write([]byte(`{"level":"info","message":"server_started"}`))
	require.NoError(t, err)
	_, err = w.Write([]byte(`not json at all`))
	require.NoError(t, err)

	assert.Empty(t, b.Get("", Filter{}))
}
