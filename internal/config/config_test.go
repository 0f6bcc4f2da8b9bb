// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := NewConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	// A named-but-missing config file is an error; fall back to search mode.
	if err != nil {
		cfg, err = NewConfig("")
	}
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.State.Backend)
	assert.Equal(t, "/tmp/agent-work-orders", cfg.Git.TempBase)
	assert.Equal(t, time.Hour, cfg.CLI.Timeout)
	assert.Equal(t, 0, cfg.CLI.MaxTurns)
	assert.True(t, cfg.CLI.Verbose)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestNewConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: 9090
state:
  backend: file
  dir: ` + dir + `
cli:
  path: /usr/local/bin/claude
  timeout: 120s
  max_turns: 40
git:
  temp_base: ` + dir + `
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "file", cfg.State.Backend)
	assert.Equal(t, "/usr/local/bin/claude", cfg.CLI.Path)
	assert.Equal(t, 2*time.Minute, cfg.CLI.Timeout)
	assert.Equal(t, 40, cfg.CLI.MaxTurns)
}

func TestNewConfig_PostgresBackendRequiresCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
state:
  backend: postgres
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	_, err := NewConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres backend")
}

func TestNewConfig_UnknownBackendRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state:\n  backend: redis\n"), 0644))

	_, err := NewConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state backend")
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, Username: "u", Password: "p", Database: "overseer", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=overseer sslmode=disable", pg.GetDSN())

	mem := DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	assert.Equal(t, "file::memory:?cache=shared", mem.GetDSN())
}
