// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"fmt"

	"github.com/overseerhq/overseer/internal/config"
)

// NewRepository resolves the configured state backend. Credential problems
// for the relational backends already failed config validation; this only
// handles connection and migration errors.
func NewRepository(cfg *config.AppConfig) (Repository, error) {
	switch cfg.State.Backend {
	case "memory":
		return NewMemoryRepository(), nil
	case "file":
		return NewFileRepository(cfg.State.Dir)
	case "postgres":
		return NewGormRepository("postgres", cfg.Database.GetDSN())
	case "sqlite":
		return NewGormRepository("sqlite", cfg.Database.GetDSN())
	default:
		return nil, fmt.Errorf("unknown state backend: %q", cfg.State.Backend)
	}
}
