// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package workorder

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// IDPrefix prefixes every generated work-order id.
const IDPrefix = "wo-"

var workOrderIDPattern = regexp.MustCompile(`^wo-[0-9a-f]{8}$`)

// NewWorkOrderID returns a fresh id of the form "wo-<8 hex>". The hex chars
// come from crypto/rand, so collisions within a process are negligible.
func NewWorkOrderID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; treat failure
		// as unrecoverable rather than silently degrading to weak ids.
		panic(fmt.Sprintf("workorder: crypto/rand unavailable: %v", err))
	}
	return IDPrefix + hex.EncodeToString(b[:])
}

// ValidID reports whether id matches the canonical work-order id format.
func ValidID(id string) bool {
	return workOrderIDPattern.MatchString(id)
}

// InvalidRepositoryURLError is returned when a repository URL cannot be
// parsed into an owner/repo pair.
type InvalidRepositoryURLError struct {
	URL string
}

func (e *InvalidRepositoryURLError) Error() string {
	return fmt.Sprintf("invalid GitHub repository URL: %q", e.URL)
}

var bareRepoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ParseGitHubURL extracts (owner, repo) from the supported URL shapes:
// https://github.com/OWNER/REPO[.git], git@github.com:OWNER/REPO[.git], or a
// bare OWNER/REPO. Anything else fails; unknown formats are never coerced.
func ParseGitHubURL(url string) (owner, repo string, err error) {
	raw := strings.TrimSpace(url)
	var path string
	switch {
	case strings.HasPrefix(raw, "https://github.com/"):
		path = strings.TrimPrefix(raw, "https://github.com/")
	case strings.HasPrefix(raw, "git@github.com:"):
		path = strings.TrimPrefix(raw, "git@github.com:")
	case bareRepoPattern.MatchString(raw):
		path = raw
	default:
		return "", "", &InvalidRepositoryURLError{URL: url}
	}

	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &InvalidRepositoryURLError{URL: url}
	}
	return parts[0], parts[1], nil
}

// RepoHash returns the first 8 hex chars of SHA-256 over the URL string.
// Used as the directory key for cached base clones.
func RepoHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:8]
}
