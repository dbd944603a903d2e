// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the runtime configuration for the discovery server
// from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// TransportMode selects which transport adapters the server starts.
type TransportMode string

const (
	// TransportStdio runs only the stdio transport.
	TransportStdio TransportMode = "stdio"
	// TransportHTTP runs only the streamable HTTP transport.
	TransportHTTP TransportMode = "http"
	// TransportAMQP runs only the AMQP transport.
	TransportAMQP TransportMode = "amqp"
	// TransportAll runs every transport that is configured.
	TransportAll TransportMode = "all"
)

// Default values for configuration knobs that are not set in the environment.
const (
	// DefaultHTTPPort is the port used by the streamable HTTP transport.
	DefaultHTTPPort = 3000

	// DefaultSessionTTL is how long an idle session is retained.
	DefaultSessionTTL = 30 * time.Minute

	// DefaultSSERetry is the retry hint sent on SSE streams.
	DefaultSSERetry = 3 * time.Second

	// DefaultAMQPQueuePrefix is the prefix for AMQP request queues.
	DefaultAMQPQueuePrefix = "mcp.discovery"

	// DefaultAMQPExchange is the topic exchange for notifications.
	DefaultAMQPExchange = "mcp.notifications"

	// DefaultAMQPResponseTimeout bounds the wait for an AMQP reply.
	DefaultAMQPResponseTimeout = 30 * time.Second

	// DefaultSubprocessTimeout bounds subprocess-backed tool calls.
	// The legacy servers disagreed on this value (30s vs 300s); the
	// subprocess default is 300s, in-process tools use
	// DefaultInProcessTimeout.
	DefaultSubprocessTimeout = 300 * time.Second

	// DefaultInProcessTimeout bounds in-process tool calls.
	DefaultInProcessTimeout = 30 * time.Second
)

// Config holds the full runtime configuration of the server.
type Config struct {
	// Mode selects which transports to start.
	Mode TransportMode

	// HTTPHost is the bind address for the HTTP transport.
	HTTPHost string

	// HTTPPort is the bind port for the HTTP transport.
	HTTPPort int

	// SessionTTL is the idle TTL applied to every session.
	SessionTTL time.Duration

	// SSERetry is the retry interval hint sent on SSE streams.
	SSERetry time.Duration

	// AllowedOrigins lists HTTP Origin values accepted in addition to
	// localhost. Empty means only localhost origins are accepted.
	AllowedOrigins []string

	// AMQPURL is the broker URL. The AMQP transport is only started
	// when this is non-empty.
	AMQPURL string

	// AMQPQueuePrefix prefixes the request queue name.
	AMQPQueuePrefix string

	// AMQPExchange is the topic exchange used for notifications.
	AMQPExchange string

	// AMQPResponseTimeout bounds how long a request may stay in flight
	// before it is failed with a timeout error.
	AMQPResponseTimeout time.Duration

	// StrictCapabilities makes the plugin loader reject plugins whose
	// registered tools are not declared in their manifest capabilities.
	StrictCapabilities bool

	// CMDBPath is the path of the embedded CMDB database file.
	CMDBPath string

	// CMDBKeyFile is the path of the 32-byte master key file.
	CMDBKeyFile string

	// PluginsDir is the plugin install directory.
	PluginsDir string

	// SubprocessTimeout is the default deadline for subprocess-backed
	// tools.
	SubprocessTimeout time.Duration
}

// FromEnv builds a Config from the process environment, applying defaults
// for anything unset.
func FromEnv() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_SESSION_TTL_SECONDS", int(DefaultSessionTTL.Seconds()))
	v.SetDefault("HTTP_SSE_RETRY_MS", int(DefaultSSERetry.Milliseconds()))
	v.SetDefault("AMQP_QUEUE_PREFIX", DefaultAMQPQueuePrefix)
	v.SetDefault("AMQP_EXCHANGE", DefaultAMQPExchange)
	v.SetDefault("AMQP_RESPONSE_TIMEOUT_MS", int(DefaultAMQPResponseTimeout.Milliseconds()))
	v.SetDefault("COMMAND_TIMEOUT_SECONDS", int(DefaultSubprocessTimeout.Seconds()))
	v.SetDefault("STRICT_CAPABILITIES", "1")

	mode, err := resolveMode(v.GetString("TRANSPORT_MODE"))
	if err != nil {
		return nil, err
	}

	port := v.GetInt("HTTP_PORT")
	if port == 0 {
		port = v.GetInt("PORT")
	}
	if port == 0 {
		port = DefaultHTTPPort
	}

	dataDir, err := xdg.DataFile("infrascope")
	if err != nil {
		dataDir = "."
	}

	cmdbPath := v.GetString("CMDB_PATH")
	if cmdbPath == "" {
		cmdbPath = filepath.Join(dataDir, "cmdb.db")
	}
	keyFile := v.GetString("CMDB_KEY_FILE")
	if keyFile == "" {
		keyFile = filepath.Join(dataDir, "cmdb_key")
	}
	pluginsDir := v.GetString("PLUGINS_DIR")
	if pluginsDir == "" {
		pluginsDir = filepath.Join(dataDir, "plugins")
	}

	var origins []string
	if raw := v.GetString("HTTP_ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	return &Config{
		Mode:                mode,
		HTTPHost:            v.GetString("HTTP_HOST"),
		HTTPPort:            port,
		SessionTTL:          time.Duration(v.GetInt("HTTP_SESSION_TTL_SECONDS")) * time.Second,
		SSERetry:            time.Duration(v.GetInt("HTTP_SSE_RETRY_MS")) * time.Millisecond,
		AllowedOrigins:      origins,
		AMQPURL:             v.GetString("AMQP_URL"),
		AMQPQueuePrefix:     v.GetString("AMQP_QUEUE_PREFIX"),
		AMQPExchange:        v.GetString("AMQP_EXCHANGE"),
		AMQPResponseTimeout: time.Duration(v.GetInt("AMQP_RESPONSE_TIMEOUT_MS")) * time.Millisecond,
		StrictCapabilities:  v.GetString("STRICT_CAPABILITIES") != "0",
		CMDBPath:            cmdbPath,
		CMDBKeyFile:         keyFile,
		PluginsDir:          pluginsDir,
		SubprocessTimeout:   time.Duration(v.GetInt("COMMAND_TIMEOUT_SECONDS")) * time.Second,
	}, nil
}

func resolveMode(raw string) (TransportMode, error) {
	switch raw {
	case "":
		// Auto mode: stdio for interactive use, http+stdio inside a
		// container.
		if insideContainer() {
			return TransportAll, nil
		}
		return TransportStdio, nil
	case "stdio", "STDIO":
		return TransportStdio, nil
	case "http", "HTTP":
		return TransportHTTP, nil
	case "amqp", "AMQP":
		return TransportAMQP, nil
	case "all", "ALL":
		return TransportAll, nil
	default:
		return "", fmt.Errorf("unsupported TRANSPORT_MODE %q", raw)
	}
}

func insideContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("container") != ""
}

// String returns the string representation of the transport mode.
func (m TransportMode) String() string {
	return string(m)
}
