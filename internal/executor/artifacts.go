// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/overseerhq/overseer/internal/config"
)

// ArtifactWriter captures prompts and raw/parsed CLI output under a
// per-work-order directory. Every write failure is logged and swallowed:
// artifact capture must never fail an execution.
type ArtifactWriter struct {
	cfg config.ArtifactsConfig
}

// NewArtifactWriter returns nil when capture is disabled.
func NewArtifactWriter(cfg config.ArtifactsConfig) *ArtifactWriter {
	if !cfg.Enabled {
		return nil
	}
	return &ArtifactWriter{cfg: cfg}
}

func (w *ArtifactWriter) dir(workOrderID string) (string, bool) {
	if workOrderID == "" {
		return "", false
	}
	dir := filepath.Join(w.cfg.Dir, workOrderID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		getLog().Warn().Err(err).Str("dir", dir).Msg("artifact_dir_create_failed")
		return "", false
	}
	return dir, true
}

func (w *ArtifactWriter) stamp() string {
	return time.Now().UTC().Format("20060102T150405")
}

// SavePrompt writes the prompt text, if prompt capture is enabled.
func (w *ArtifactWriter) SavePrompt(workOrderID, prompt string) {
	if !w.cfg.LogPrompts {
		return
	}
	dir, ok := w.dir(workOrderID)
	if !ok {
		return
	}
	path := filepath.Join(dir, w.stamp()+"-prompt.md")
	if err := os.WriteFile(path, []byte(prompt), 0644); err != nil {
		getLog().Warn().Err(err).Str("path", path).Msg("artifact_write_failed")
	}
}

// SaveOutput writes the raw JSONL stream and the parsed message vector.
func (w *ArtifactWriter) SaveOutput(workOrderID, rawStdout string, parsed *StreamResult) {
	dir, ok := w.dir(workOrderID)
	if !ok {
		return
	}
	stamp := w.stamp()

	rawPath := filepath.Join(dir, stamp+"-output.jsonl")
	if err := os.WriteFile(rawPath, []byte(rawStdout), 0644); err != nil {
		getLog().Warn().Err(err).Str("path", rawPath).Msg("artifact_write_failed")
	}

	if parsed == nil || len(parsed.Messages) == 0 {
		return
	}
	pretty, err := json.MarshalIndent(parsed.Messages, "", "  ")
	if err != nil {
		return
	}
	parsedPath := filepath.Join(dir, stamp+"-messages.json")
	if err := os.WriteFile(parsedPath, pretty, 0644); err != nil {
		getLog().Warn().Err(err).Str("path", parsedPath).Msg("artifact_write_failed")
	}
}
