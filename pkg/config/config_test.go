// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) { //nolint:paralleltest // uses t.Setenv
	t.Setenv("TRANSPORT_MODE", "stdio")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, TransportStdio, cfg.Mode)
	assert.Equal(t, "0.0.0.0", cfg.HTTPHost)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.Equal(t, DefaultSSERetry, cfg.SSERetry)
	assert.Equal(t, DefaultAMQPQueuePrefix, cfg.AMQPQueuePrefix)
	assert.Equal(t, DefaultAMQPExchange, cfg.AMQPExchange)
	assert.Equal(t, DefaultSubprocessTimeout, cfg.SubprocessTimeout)
	assert.True(t, cfg.StrictCapabilities)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.NotEmpty(t, cfg.CMDBPath)
	assert.NotEmpty(t, cfg.CMDBKeyFile)
	assert.NotEmpty(t, cfg.PluginsDir)
}

func TestFromEnvOverrides(t *testing.T) { //nolint:paralleltest // uses t.Setenv
	t.Setenv("TRANSPORT_MODE", "all")
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("HTTP_SESSION_TTL_SECONDS", "60")
	t.Setenv("HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STRICT_CAPABILITIES", "0")
	t.Setenv("CMDB_PATH", "/tmp/test-cmdb.db")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, TransportAll, cfg.Mode)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, time.Minute, cfg.SessionTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.StrictCapabilities)
	assert.Equal(t, "/tmp/test-cmdb.db", cfg.CMDBPath)
}

func TestFromEnvPortFallback(t *testing.T) { //nolint:paralleltest // uses t.Setenv
	t.Setenv("TRANSPORT_MODE", "http")
	t.Setenv("HTTP_PORT", "")
	t.Setenv("PORT", "9999")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.HTTPPort)
}

func TestFromEnvRejectsUnknownMode(t *testing.T) { //nolint:paralleltest // uses t.Setenv
	t.Setenv("TRANSPORT_MODE", "carrier-pigeon")

	_, err := FromEnv()
	assert.ErrorContains(t, err, "unsupported TRANSPORT_MODE")
}

func TestResolveModeExplicit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want TransportMode
	}{
		{"stdio", TransportStdio},
		{"STDIO", TransportStdio},
		{"http", TransportHTTP},
		{"amqp", TransportAMQP},
		{"all", TransportAll},
	}
	for _, tt := range tests {
		got, err := resolveMode(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
