// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// appDir is the subdirectory of the user cache directory that holds one
// cache file per repository.
const appDir = "resticdu"

// DefaultPath returns the cache file location for a repository, named by
// its stable identifier: <user-cache-dir>/resticdu/<repo-id>.db.
func DefaultPath(repoID string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cache: locate user cache directory: %w", err)
	}
	return filepath.Join(base, appDir, repoID+".db"), nil
}

// FallbackID derives a stable repository identifier from the repository
// location when the repository's own id cannot be queried. BLAKE3 keeps it
// short, collision-free, and filesystem-safe.
func FallbackID(repoLocation string) string {
	sum := blake3.Sum256([]byte(repoLocation))
	return hex.EncodeToString(sum[:16])
}
