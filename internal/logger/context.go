// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey int

const workOrderIDKey ctxKey = iota

// WithWorkOrderID returns a context carrying the work order id, so loggers
// derived later can tag every record with it.
func WithWorkOrderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workOrderIDKey, id)
}

// WorkOrderIDFromContext extracts the work order id, or "" if absent.
func WorkOrderIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(workOrderIDKey).(string)
	return id
}

// ForWorkOrder binds the work_order_id field onto a logger. Records written
// through the returned logger are picked up by the log-buffer sink.
func ForWorkOrder(l zerolog.Logger, id string) zerolog.Logger {
	return l.With().Str("work_order_id", id).Logger()
}

// FromContext binds the context's work order id (if any) onto a logger.
func FromContext(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	if id := WorkOrderIDFromContext(ctx); id != "" {
		return ForWorkOrder(l, id)
	}
	return l
}
