// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// distFingerprint is a stat-only summary of a plugin tree. Two trees with
// the same fingerprint are assumed unchanged, so a cached content hash can
// be reused without re-reading file contents.
type distFingerprint struct {
	entries string
}

type cachedHash struct {
	fingerprint distFingerprint
	hash        string
}

// hashCache memoizes content hashes per plugin directory, keyed by the
// stat fingerprint of the tree.
type hashCache struct {
	mu    sync.Mutex
	dirs  map[string]cachedHash
	stats struct {
		hits, misses int
	}
}

func newHashCache() *hashCache {
	return &hashCache{dirs: map[string]cachedHash{}}
}

// distFiles walks the plugin directory and returns every regular file,
// excluding the manifest itself, sorted by slash-separated relative path.
func distFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFileName {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking plugin tree: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// fingerprint stats every dist file without reading contents.
func fingerprint(dir string, files []string) (distFingerprint, error) {
	var b strings.Builder
	for _, rel := range files {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return distFingerprint{}, err
		}
		fmt.Fprintf(&b, "%s\x00%d\x00%d\n", rel, info.Size(), info.ModTime().UnixNano())
	}
	return distFingerprint{entries: b.String()}, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ContentHash computes the deterministic content hash of a plugin
// directory: sha256 over the concatenation of "path\x00size\x00filehash"
// entries in sorted path order, excluding manifest.json. Repeated calls
// over an unchanged tree are served from a stat-validated cache without
// re-reading file contents.
func (c *hashCache) ContentHash(dir string) (string, error) {
	files, err := distFiles(dir)
	if err != nil {
		return "", err
	}
	fp, err := fingerprint(dir, files)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if cached, ok := c.dirs[dir]; ok && cached.fingerprint == fp {
		c.stats.hits++
		c.mu.Unlock()
		return cached.hash, nil
	}
	c.stats.misses++
	c.mu.Unlock()

	h := sha256.New()
	for _, rel := range files {
		fileHash, size, err := hashFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("hashing %s: %w", rel, err)
		}
		fmt.Fprintf(h, "%s\x00%d\x00%s", rel, size, fileHash)
	}
	sum := "sha256:" + hex.EncodeToString(h.Sum(nil))

	c.mu.Lock()
	c.dirs[dir] = cachedHash{fingerprint: fp, hash: sum}
	c.mu.Unlock()
	return sum, nil
}

// Invalidate drops the cached hash for a directory.
func (c *hashCache) Invalidate(dir string) {
	c.mu.Lock()
	delete(c.dirs, dir)
	c.mu.Unlock()
}

// verifyChecksums checks every declared per-file checksum against the
// tree, rejecting duplicate paths and missing or mismatched files.
func verifyChecksums(dir, plugin string, checks []FileChecksum) error {
	seen := map[string]bool{}
	for _, fc := range checks {
		if seen[fc.Path] {
			return &IntegrityError{Plugin: plugin, Reason: fmt.Sprintf("duplicate checksum entry for %s", fc.Path)}
		}
		seen[fc.Path] = true

		got, _, err := hashFile(filepath.Join(dir, filepath.FromSlash(fc.Path)))
		if err != nil {
			return &IntegrityError{Plugin: plugin, Reason: fmt.Sprintf("checksum file %s: %v", fc.Path, err)}
		}
		if got != fc.SHA256 {
			return &IntegrityError{Plugin: plugin, Reason: fmt.Sprintf("checksum mismatch for %s", fc.Path)}
		}
	}
	return nil
}
