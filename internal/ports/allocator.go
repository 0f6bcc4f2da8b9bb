// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ports partitions a contiguous TCP port space into fixed-size
// ranges, one per concurrent work order, using deterministic hash slotting
// plus liveness probing.
package ports

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/overseerhq/overseer/internal/logger"
)

const (
	// BasePort is the start of the managed port space.
	BasePort = 9000

	// RangeSize is the number of consecutive ports per slot.
	RangeSize = 10

	// SlotCount is the number of slots in the managed space.
	SlotCount = 20

	// MinAvailable is the minimum number of free ports for a range to qualify.
	MinAvailable = RangeSize / 2
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetSandboxLogger().With().Str("component", "ports").Logger()
		log = &l
	})
	return log
}

// Range is an allocated block of consecutive ports. Available lists the
// subset that bound successfully during probing, in ascending order.
type Range struct {
	Start     int
	End       int
	Available []int
}

// ErrNoRangeAvailable is returned when no slot has enough free ports.
var ErrNoRangeAvailable = fmt.Errorf("no port range available: all %d slots have fewer than %d free ports", SlotCount, MinAvailable)

// SlotFor returns the deterministic initial slot for a work order id: the
// first up-to-8 alphanumeric characters interpreted base 36, mod SlotCount.
// Ids with no alphanumeric characters fall back to an FNV hash.
func SlotFor(workOrderID string) int {
	var b strings.Builder
	for _, r := range workOrderID {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
			if b.Len() == 8 {
				break
			}
		}
	}

	if b.Len() > 0 {
		if v, err := strconv.ParseUint(strings.ToLower(b.String()), 36, 64); err == nil {
			return int(v % SlotCount)
		}
	}

	h := fnv.New32a()
	h.Write([]byte(workOrderID))
	return int(h.Sum32() % SlotCount)
}

// RangeForSlot returns the port block for a slot without probing.
func RangeForSlot(slot int) (start, end int) {
	start = BasePort + slot*RangeSize
	return start, start + RangeSize - 1
}

// FindAvailableRange probes slots starting at the work order's deterministic
// slot, in modular order, and returns the first range with at least
// MinAvailable free ports.
func FindAvailableRange(workOrderID string) (*Range, error) {
	initial := SlotFor(workOrderID)

	for i := 0; i < SlotCount; i++ {
		slot := (initial + i) % SlotCount
		start, end := RangeForSlot(slot)

		var available []int
		for port := start; port <= end; port++ {
			if portFree(port) {
				available = append(available, port)
			}
		}

		if len(available) >= MinAvailable {
			getLog().Debug().
				Str("work_order_id", workOrderID).
				Int("slot", slot).
				Int("start_port", start).
				Int("available", len(available)).
				Msg("port_range_allocated")
			return &Range{Start: start, End: end, Available: available}, nil
		}

		getLog().Debug().
			Str("work_order_id", workOrderID).
			Int("slot", slot).
			Int("available", len(available)).
			Msg("port_range_skipped")
	}

	return nil, ErrNoRangeAvailable
}

// portFree reports whether a TCP port on localhost can be bound right now.
func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// WriteEnvFile writes a .ports.env file into dir exporting the range. The
// BACKEND_PORT/FRONTEND_PORT/VITE_BACKEND_URL keys are kept for projects
// whose dev tooling expects them.
func (r *Range) WriteEnvFile(dir string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "PORT_RANGE_START=%d\n", r.Start)
	fmt.Fprintf(&b, "PORT_RANGE_END=%d\n", r.End)
	fmt.Fprintf(&b, "PORT_RANGE_SIZE=%d\n", RangeSize)
	for i, port := range r.Available {
		fmt.Fprintf(&b, "PORT_%d=%d\n", i, port)
	}
	if len(r.Available) > 0 {
		fmt.Fprintf(&b, "BACKEND_PORT=%d\n", r.Available[0])
	}
	if len(r.Available) > 1 {
		fmt.Fprintf(&b, "FRONTEND_PORT=%d\n", r.Available[1])
	}
	if len(r.Available) > 0 {
		fmt.Fprintf(&b, "VITE_BACKEND_URL=http://localhost:%d\n", r.Available[0])
	}

	path := filepath.Join(dir, ".ports.env")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
