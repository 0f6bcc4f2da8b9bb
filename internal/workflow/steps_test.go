// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseerhq/overseer/internal/config"
	"github.com/overseerhq/overseer/internal/executor"
	"github.com/overseerhq/overseer/internal/workorder"
)

func TestCommandLoader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planning.md"), []byte("plan"), 0644))

	loader := &CommandLoader{Dir: dir}

	path, err := loader.Resolve("planning")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "planning.md"), path)

	_, err = loader.Resolve("missing")
	require.Error(t, err)
	var notFound *CommandNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Command)
}

func TestStepArgs(t *testing.T) {
	sc := NewStepContext("fix the bug", 42)
	assert.Equal(t, "fix the bug", sc["user_request"])
	assert.Equal(t, "42", sc["github_issue_number"])

	args, err := stepDefs[workorder.StepCreateBranch].args(sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"fix the bug"}, args)

	args, err = stepDefs[workorder.StepPlanning].args(sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"fix the bug", "42"}, args)

	args, err = stepDefs[workorder.StepCommit].args(sc)
	require.NoError(t, err)
	assert.Empty(t, args)

	// execute and create-pr require upstream outputs.
	_, err = stepDefs[workorder.StepExecute].args(sc)
	require.ErrorContains(t, err, "requires planning output")
	_, err = stepDefs[workorder.StepCreatePR].args(sc)
	require.ErrorContains(t, err, "requires create-branch output")

	sc[string(workorder.StepPlanning)] = "plans/x.md"
	sc[string(workorder.StepCreateBranch)] = "feat-x"

	args, err = stepDefs[workorder.StepExecute].args(sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"plans/x.md"}, args)

	args, err = stepDefs[workorder.StepCreatePR].args(sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"feat-x", "plans/x.md"}, args)

	args, err = stepDefs[workorder.StepPRPReview].args(sc)
	require.NoError(t, err)
	assert.Equal(t, []string{"plans/x.md"}, args)
}

func TestStepRunner_FailuresBecomeResults(t *testing.T) {
	exec := executor.New(config.CLIConfig{Path: "claude", Timeout: time.Second}, nil)
	runner := &StepRunner{Executor: exec, Loader: &CommandLoader{Dir: t.TempDir()}}
	ctx := context.Background()

	t.Run("unknown step", func(t *testing.T) {
		res := runner.Run(ctx, "bogus", "wo-00000000", t.TempDir(), StepContext{})
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "unknown command")
	})

	t.Run("missing command file", func(t *testing.T) {
		res := runner.Run(ctx, workorder.StepPlanning, "wo-00000000", t.TempDir(), NewStepContext("x", 0))
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "command not found")
		assert.Equal(t, "planner", res.AgentName)
	})

	t.Run("missing required context", func(t *testing.T) {
		res := runner.Run(ctx, workorder.StepExecute, "wo-00000000", t.TempDir(), NewStepContext("x", 0))
		assert.False(t, res.Success)
		assert.Contains(t, res.ErrorMessage, "requires planning output")
	})
}

func TestKnownStep(t *testing.T) {
	for _, step := range workorder.DefaultSequence() {
		assert.True(t, KnownStep(step))
	}
	assert.True(t, KnownStep(workorder.StepPRPReview))
	assert.False(t, KnownStep("deploy"))
}
