// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import "github.com/rs/zerolog"

// GetWorkflowLogger returns the logger for workflow orchestration.
func GetWorkflowLogger() zerolog.Logger {
	return GetLogger("workflow")
}

// GetSandboxLogger returns the logger for sandbox lifecycle operations.
func GetSandboxLogger() zerolog.Logger {
	return GetLogger("sandbox")
}

// GetGitLogger returns the logger for git operations.
func GetGitLogger() zerolog.Logger {
	return GetLogger("git")
}

// GetExecutorLogger returns the logger for CLI execution.
func GetExecutorLogger() zerolog.Logger {
	return GetLogger("executor")
}

// GetStoreLogger returns the logger for the state repository.
func GetStoreLogger() zerolog.Logger {
	return GetLogger("store")
}

// GetAPILogger returns the logger for the HTTP API.
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}
