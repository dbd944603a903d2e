// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package cmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/infrascope/infrascope/pkg/logger"
)

// legacyItem is the on-disk shape of the old filesystem CMDB: one JSON
// file per CI under a directory tree mirroring the key hierarchy.
type legacyItem struct {
	Key        string         `json:"key"`
	Type       string         `json:"type"`
	ParentKey  string         `json:"parent_key"`
	Attributes map[string]any `json:"attributes"`
}

// MigrateFromFilesystem imports CIs from a legacy filesystem tree. Files
// that fail to parse are skipped with a warning; parents are imported
// before children so the foreign key constraint holds.
func (s *Store) MigrateFromFilesystem(ctx context.Context, root string) (int, error) {
	if _, err := os.Stat(root); err != nil {
		return 0, fmt.Errorf("legacy CMDB directory: %w", err)
	}

	var items []legacyItem
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warnf("skipping unreadable legacy item %s: %v", path, err)
			return nil
		}
		var item legacyItem
		if err := json.Unmarshal(data, &item); err != nil {
			logger.Warnf("skipping malformed legacy item %s: %v", path, err)
			return nil
		}
		if item.Key == "" {
			item.Key = keyFromPath(root, path)
		}
		if item.Type == "" {
			item.Type = inferType(item.Key)
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking legacy CMDB: %w", err)
	}

	// Parents first: items without a parent, then the rest. Children
	// whose parents never materialize are imported detached.
	imported := 0
	for _, withParent := range []bool{false, true} {
		for _, item := range items {
			if (item.ParentKey != "") != withParent {
				continue
			}
			ci := CI{
				Key:        item.Key,
				Type:       item.Type,
				ParentKey:  item.ParentKey,
				Attributes: item.Attributes,
			}
			if err := s.Set(ctx, ci); err != nil {
				if item.ParentKey != "" {
					ci.ParentKey = ""
					err = s.Set(ctx, ci)
				}
				if err != nil {
					logger.Warnf("skipping legacy item %s: %v", item.Key, err)
					continue
				}
			}
			imported++
		}
	}

	logger.Infof("migrated %d legacy CIs from %s", imported, root)
	return imported, nil
}

// keyFromPath derives a CI key from the file location relative to the
// legacy root, e.g. host/10.0.0.5.json -> ci:host:10.0.0.5.
func keyFromPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, ".json")
	return "ci:" + strings.ReplaceAll(rel, string(filepath.Separator), ":")
}
