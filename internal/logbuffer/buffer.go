// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logbuffer keeps a bounded, per-work-order ring of structured log
// entries for replay and tail streaming over the API.
package logbuffer

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const (
	// MaxEntriesPerWorkOrder bounds each ring; oldest entries are evicted.
	MaxEntriesPerWorkOrder = 1000

	// DefaultRetention is how long an idle work order keeps its entries.
	DefaultRetention = time.Hour

	// CleanupInterval is how often the background loop evicts idle rings.
	CleanupInterval = 5 * time.Minute
)

// Entry is one buffered log record.
type Entry struct {
	WorkOrderID string
	Level       string
	Event       string
	Timestamp   time.Time
	Fields      map[string]any
}

// MarshalJSON flattens Fields into the top-level object so streamed entries
// look like {"work_order_id":..., "level":..., "event":..., "timestamp":..., ...}.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["work_order_id"] = e.WorkOrderID
	out["level"] = e.Level
	out["event"] = e.Event
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// Filter narrows Get results. Zero values mean "no constraint".
type Filter struct {
	Level  string
	Step   string
	Since  time.Time // strictly newer than
	Limit  int
	Offset int
}

// Buffer is a process-wide, thread-safe map of work-order id to a bounded
// FIFO of entries. A single mutex covers the outer map and every ring; all
// critical sections are short.
type Buffer struct {
	mu           sync.Mutex
	entries      map[string][]Entry
	lastActivity map[string]time.Time
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{
		entries:      make(map[string][]Entry),
		lastActivity: make(map[string]time.Time),
	}
}

// Add records an entry for a work order. A zero timestamp defaults to the
// current UTC time. The oldest entry is evicted once the ring is full.
func (b *Buffer) Add(workOrderID, level, event string, timestamp time.Time, fields map[string]any) {
	if workOrderID == "" {
		return
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	entry := Entry{
		WorkOrderID: workOrderID,
		Level:       strings.ToLower(level),
		Event:       event,
		Timestamp:   timestamp.UTC(),
		Fields:      fields,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ring := append(b.entries[workOrderID], entry)
	if len(ring) > MaxEntriesPerWorkOrder {
		ring = ring[len(ring)-MaxEntriesPerWorkOrder:]
	}
	b.entries[workOrderID] = ring
	b.lastActivity[workOrderID] = time.Now()
}

// Get returns a filtered snapshot of the entries for a work order, in
// chronological (insertion) order.
func (b *Buffer) Get(workOrderID string, f Filter) []Entry {
	b.mu.Lock()
	ring := b.entries[workOrderID]
	snapshot := make([]Entry, len(ring))
	copy(snapshot, ring)
	b.mu.Unlock()

	filtered := snapshot[:0:0]
	level := strings.ToLower(f.Level)
	for _, e := range snapshot {
		if level != "" && e.Level != level {
			continue
		}
		if f.Step != "" && !matchesStep(e, f.Step) {
			continue
		}
		if !f.Since.IsZero() && !e.Timestamp.After(f.Since) {
			continue
		}
		filtered = append(filtered, e)
	}

	if f.Offset > 0 {
		if f.Offset >= len(filtered) {
			return nil
		}
		filtered = filtered[f.Offset:]
	}
	if f.Limit > 0 && len(filtered) > f.Limit {
		filtered = filtered[:f.Limit]
	}
	return filtered
}

// GetSince is a tail shortcut: entries strictly newer than since.
func (b *Buffer) GetSince(workOrderID string, since time.Time, level, step string) []Entry {
	return b.Get(workOrderID, Filter{Level: level, Step: step, Since: since})
}

// Clear drops all entries and activity for a work order.
func (b *Buffer) Clear(workOrderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, workOrderID)
	delete(b.lastActivity, workOrderID)
}

// CleanupOld evicts work orders whose last activity is older than threshold.
// Returns the number of work orders removed.
func (b *Buffer) CleanupOld(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, last := range b.lastActivity {
		if last.Before(cutoff) {
			delete(b.entries, id)
			delete(b.lastActivity, id)
			removed++
		}
	}
	return removed
}

// RunCleanup evicts idle work orders every interval until ctx is cancelled.
func (b *Buffer) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.CleanupOld(DefaultRetention); n > 0 {
				getLog().Debug().Int("removed", n).Msg("log_buffer_cleanup_completed")
			}
		}
	}
}

func matchesStep(e Entry, step string) bool {
	v, ok := e.Fields["step"]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == step
}
