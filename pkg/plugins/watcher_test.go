// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatcherPluginID(t *testing.T) {
	t.Parallel()

	loader, _, root := newTestLoader(t, FactoryTable{})
	w := NewWatcher(loader)

	assert.Equal(t, "net", w.pluginID(filepath.Join(root, "net", "manifest.json")))
	assert.Equal(t, "net", w.pluginID(filepath.Join(root, "net", "sub", "file.txt")))
	assert.Equal(t, "net", w.pluginID(filepath.Join(root, "net")))
	assert.Equal(t, "", w.pluginID(root))
	assert.Equal(t, "", w.pluginID("/elsewhere/file.txt"))
}
