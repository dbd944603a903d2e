// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the discovery server: storage, registry,
// built-in toolsets, plugin loading, the protocol engine, and the
// configured transports.
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/infrascope/infrascope/pkg/cmdb"
	"github.com/infrascope/infrascope/pkg/config"
	"github.com/infrascope/infrascope/pkg/crypto"
	"github.com/infrascope/infrascope/pkg/logger"
	"github.com/infrascope/infrascope/pkg/mcp/engine"
	"github.com/infrascope/infrascope/pkg/plugins"
	"github.com/infrascope/infrascope/pkg/registry"
	"github.com/infrascope/infrascope/pkg/runtime"
	"github.com/infrascope/infrascope/pkg/session"
	"github.com/infrascope/infrascope/pkg/telemetry"
	"github.com/infrascope/infrascope/pkg/tools/inventory"
	"github.com/infrascope/infrascope/pkg/tools/netscan"
	"github.com/infrascope/infrascope/pkg/transport"
	amqptransport "github.com/infrascope/infrascope/pkg/transport/amqp"
	"github.com/infrascope/infrascope/pkg/transport/streamable"
	"github.com/infrascope/infrascope/pkg/versions"
)

// shutdownTimeout bounds the graceful drain of transports and storage.
const shutdownTimeout = 10 * time.Second

// Options carries construction-time extras beyond the Config.
type Options struct {
	// Factories resolves plugin manifest entries to compiled-in
	// plugin factories.
	Factories plugins.FactoryTable

	// Name and Instructions are advertised in initialize results.
	Name         string
	Instructions string
}

// Server is the assembled discovery server.
type Server struct {
	cfg      *config.Config
	store    *cmdb.Store
	reg      *registry.Registry
	loader   *plugins.Loader
	watcher  *plugins.Watcher
	sessions *session.Manager
	engine   *engine.Engine
	bc       *transport.Broadcaster

	transports []transport.Transport
}

// New wires every component. Nothing is listening until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	if opts.Name == "" {
		opts.Name = "infrascope"
	}

	masterKey, err := crypto.LoadOrCreateMasterKey(cfg.CMDBKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading master key: %w", err)
	}

	store, err := cmdb.Open(ctx, cfg.CMDBPath, masterKey)
	if err != nil {
		return nil, fmt.Errorf("opening CMDB: %w", err)
	}

	reg := registry.New()
	if err := netscan.Register(reg); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := inventory.Register(reg, store); err != nil {
		_ = store.Close()
		return nil, err
	}

	loader := plugins.NewLoader(cfg.PluginsDir, reg, opts.Factories)
	loader.SetStrict(cfg.StrictCapabilities)
	if err := loader.LoadAll(); err != nil {
		logger.Warnw("plugin loading incomplete", "error", err)
	}

	sessions := session.NewManager(cfg.SessionTTL)
	rt := runtime.New(reg, runtime.Options{
		SubprocessTimeout: cfg.SubprocessTimeout,
		InProcessTimeout:  config.DefaultInProcessTimeout,
	})
	eng := engine.New(reg, rt, sessions, engine.Options{
		ServerName:    opts.Name,
		ServerVersion: versions.GetVersionInfo().Version,
		Instructions:  opts.Instructions,
	})

	bc := transport.NewBroadcaster()
	eng.SetNotifier(bc)
	telemetry.SetRegisteredTools(reg.ToolCount())

	s := &Server{
		cfg:      cfg,
		store:    store,
		reg:      reg,
		loader:   loader,
		watcher:  plugins.NewWatcher(loader),
		sessions: sessions,
		engine:   eng,
		bc:       bc,
	}
	s.buildTransports()
	return s, nil
}

// Engine exposes the protocol engine, mainly for tests.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Registry exposes the tool registry.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Store exposes the CMDB.
func (s *Server) Store() *cmdb.Store { return s.store }

func (s *Server) buildTransports() {
	mode := s.cfg.Mode

	if mode == config.TransportStdio || mode == config.TransportAll {
		s.transports = append(s.transports,
			transport.NewStdio(s.engine, s.bc, os.Stdin, os.Stdout))
	}
	if mode == config.TransportHTTP || mode == config.TransportAll {
		s.transports = append(s.transports, streamable.New(s.engine, s.bc, streamable.Options{
			Host:           s.cfg.HTTPHost,
			Port:           s.cfg.HTTPPort,
			AllowedOrigins: s.cfg.AllowedOrigins,
			SSERetry:       s.cfg.SSERetry,
			PluginFailures: func() int { return len(s.loader.Failures()) },
		}))
	}
	if (mode == config.TransportAMQP || mode == config.TransportAll) && s.cfg.AMQPURL != "" {
		s.transports = append(s.transports, amqptransport.New(s.engine, s.bc, amqptransport.Options{
			URL:                  s.cfg.AMQPURL,
			QueuePrefix:          s.cfg.AMQPQueuePrefix,
			NotificationExchange: s.cfg.AMQPExchange,
			ResponseTimeout:      s.cfg.AMQPResponseTimeout,
		}))
	}
}

// Run starts every transport and the plugin watcher, then blocks until
// ctx is cancelled and the server has drained.
func (s *Server) Run(ctx context.Context) error {
	if len(s.transports) == 0 {
		return fmt.Errorf("no transports configured for mode %q", s.cfg.Mode)
	}

	go func() {
		if err := s.watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Errorw("plugin watcher stopped", "error", err)
		}
	}()

	for _, t := range s.transports {
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("starting %s transport: %w", t.Mode(), err)
		}
		logger.Infow("transport running", "mode", t.Mode())
	}

	logger.Infow("discovery server ready",
		"tools", s.reg.ToolCount(),
		"plugins", len(s.loader.Loaded()),
		"mode", s.cfg.Mode.String())

	<-ctx.Done()
	return s.shutdown()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	for _, t := range s.transports {
		if err := t.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping %s transport: %w", t.Mode(), err)
		}
	}

	s.sessions.Stop()
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing CMDB: %w", err)
	}

	logger.Info("discovery server stopped")
	return firstErr
}
