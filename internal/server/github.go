// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/overseerhq/overseer/internal/workorder"
)

// VerifyResult is the repository accessibility report.
type VerifyResult struct {
	IsAccessible    bool   `json:"is_accessible"`
	RepositoryName  string `json:"repository_name,omitempty"`
	RepositoryOwner string `json:"repository_owner,omitempty"`
	DefaultBranch   string `json:"default_branch,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// GitHubClient shells out to the gh CLI for repository checks.
type GitHubClient struct {
	// ghPath allows tests to point at a stub binary.
	ghPath  string
	timeout time.Duration
}

// NewGitHubClient uses gh from PATH.
func NewGitHubClient() *GitHubClient {
	return &GitHubClient{ghPath: "gh", timeout: 30 * time.Second}
}

// VerifyRepository checks that the URL parses and that gh can see the repo.
// Failures come back in the result, never as an error.
func (c *GitHubClient) VerifyRepository(ctx context.Context, repositoryURL string) *VerifyResult {
	owner, name, err := workorder.ParseGitHubURL(repositoryURL)
	if err != nil {
		return &VerifyResult{ErrorMessage: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.ghPath, "repo", "view",
		fmt.Sprintf("%s/%s", owner, name),
		"--json", "name,owner,defaultBranchRef")
	out, err := cmd.Output()
	if err != nil {
		msg := err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			msg = strings.TrimSpace(string(exitErr.Stderr))
		}
		getLog().Warn().Str("repository_url", repositoryURL).Str("error", msg).Msg("repository_verify_failed")
		return &VerifyResult{
			RepositoryName:  name,
			RepositoryOwner: owner,
			ErrorMessage:    msg,
		}
	}

	var payload struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		DefaultBranchRef struct {
			Name string `json:"name"`
		} `json:"defaultBranchRef"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return &VerifyResult{
			RepositoryName:  name,
			RepositoryOwner: owner,
			ErrorMessage:    fmt.Sprintf("failed to parse gh output: %v", err),
		}
	}

	return &VerifyResult{
		IsAccessible:    true,
		RepositoryName:  payload.Name,
		RepositoryOwner: payload.Owner.Login,
		DefaultBranch:   payload.DefaultBranchRef.Name,
	}
}
