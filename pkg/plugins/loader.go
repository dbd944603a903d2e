// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/infrascope/infrascope/pkg/logger"
	"github.com/infrascope/infrascope/pkg/registry"
	"github.com/infrascope/infrascope/pkg/telemetry"
)

// Host is the surface a plugin factory uses to register capabilities.
// Registrations are attributed to the owning plugin and, when the
// manifest declares capabilities, checked against the declaration.
type Host interface {
	RegisterTool(tool *registry.Tool) error
	RegisterResource(res *registry.Resource) error
	RegisterPrompt(p *registry.Prompt) error
}

// Factory is a plugin entry point. It registers the plugin's tools,
// resources, and prompts against the host.
type Factory func(host Host) error

// Resolver maps a manifest entry string to a compiled-in factory.
// Plugins link statically, so the entry names code already present in
// the binary rather than a shared object on disk.
type Resolver interface {
	Resolve(entry string) (Factory, error)
}

// FactoryTable is the default Resolver: a fixed entry-to-factory map.
type FactoryTable map[string]Factory

// Resolve implements Resolver.
func (t FactoryTable) Resolve(entry string) (Factory, error) {
	f, ok := t[entry]
	if !ok {
		return nil, fmt.Errorf("no factory registered for entry %q", entry)
	}
	return f, nil
}

// LoadedPlugin records one successfully loaded plugin.
type LoadedPlugin struct {
	ID       string
	Manifest *Manifest
	Hash     string
	LoadedAt time.Time

	factory Factory
}

// LoadFailure records the most recent load or reload failure per plugin,
// surfaced through health reporting.
type LoadFailure struct {
	ID    string
	Err   error
	Time  time.Time
	Stage string
}

// Loader discovers, verifies, and loads plugins from a root directory,
// one plugin per subdirectory.
type Loader struct {
	root     string
	reg      *registry.Registry
	resolver Resolver
	hashes   *hashCache

	// strict rejects plugins that register tools their manifest did
	// not declare. On by default.
	strict bool

	mu       sync.RWMutex
	loaded   map[string]*LoadedPlugin
	failures map[string]*LoadFailure
}

// NewLoader returns a Loader rooted at dir with strict capability
// checking enabled.
func NewLoader(dir string, reg *registry.Registry, resolver Resolver) *Loader {
	return &Loader{
		root:     dir,
		reg:      reg,
		resolver: resolver,
		hashes:   newHashCache(),
		strict:   true,
		loaded:   map[string]*LoadedPlugin{},
		failures: map[string]*LoadFailure{},
	}
}

// SetStrict toggles capability mismatch enforcement.
func (l *Loader) SetStrict(strict bool) {
	l.strict = strict
}

// Root returns the plugin root directory.
func (l *Loader) Root() string { return l.root }

// pluginDir returns the directory for a plugin id.
func (l *Loader) pluginDir(id string) string {
	return filepath.Join(l.root, id)
}

// verify runs every pre-registration check for a plugin directory and
// returns the validated manifest, content hash, and resolved factory.
// No plugin code runs here.
func (l *Loader) verify(id string) (*Manifest, string, Factory, error) {
	dir := l.pluginDir(id)

	m, err := ReadManifest(dir)
	if err != nil {
		return nil, "", nil, &LoadError{Plugin: id, Err: err}
	}

	hash, err := l.hashes.ContentHash(dir)
	if err != nil {
		return nil, "", nil, &LoadError{Plugin: id, Err: err}
	}
	if hash != m.Dist.Hash {
		return nil, "", nil, &IntegrityError{
			Plugin: id,
			Reason: fmt.Sprintf("dist hash mismatch: manifest declares %s, computed %s", m.Dist.Hash, hash),
		}
	}

	if m.Dist.Checksums != nil {
		if err := verifyChecksums(dir, id, m.Dist.Checksums.Files); err != nil {
			return nil, "", nil, err
		}
	}

	if m.DependenciesPolicy == PolicyBundledOnly && len(m.ExternalDependencies) > 0 {
		return nil, "", nil, &PolicyError{
			Plugin: id,
			Reason: fmt.Sprintf("policy is %s but %d external dependencies are declared", PolicyBundledOnly, len(m.ExternalDependencies)),
		}
	}

	factory, err := l.resolver.Resolve(m.Entry)
	if err != nil {
		return nil, "", nil, &LoadError{Plugin: id, Err: err}
	}
	return m, hash, factory, nil
}

// register invokes the factory against a scoped host and enforces the
// declared capabilities. On any failure every registration made by the
// plugin is rolled back.
func (l *Loader) register(id string, m *Manifest, factory Factory) error {
	host := &scopedHost{loader: l, plugin: id, manifest: m}
	if err := factory(host); err != nil {
		l.reg.UnregisterPlugin(id)
		return &LoadError{Plugin: id, Err: err}
	}
	if len(host.undeclared) > 0 {
		sort.Strings(host.undeclared)
		if l.strict {
			l.reg.UnregisterPlugin(id)
			return &CapabilityMismatchError{Plugin: id, Undeclared: host.undeclared}
		}
		logger.Warnw("plugin registered undeclared tools", "plugin", id, "tools", host.undeclared)
	}
	return nil
}

// Load verifies and loads a single plugin by directory name. A plugin
// that fails any check is recorded as a failure and registers nothing.
func (l *Loader) Load(id string) error {
	m, hash, factory, err := l.verify(id)
	if err != nil {
		l.recordFailure(id, "verify", err)
		return err
	}

	l.mu.Lock()
	if _, ok := l.loaded[id]; ok {
		l.mu.Unlock()
		return &LoadError{Plugin: id, Err: fmt.Errorf("already loaded")}
	}
	l.mu.Unlock()

	if err := l.register(id, m, factory); err != nil {
		l.recordFailure(id, "register", err)
		return err
	}

	l.mu.Lock()
	l.loaded[id] = &LoadedPlugin{ID: id, Manifest: m, Hash: hash, LoadedAt: time.Now(), factory: factory}
	delete(l.failures, id)
	l.mu.Unlock()

	logger.Infow("plugin loaded", "plugin", id, "version", m.Version, "hash", hash)
	return nil
}

// LoadAll loads every subdirectory of the plugin root. Individual
// failures are logged and recorded without aborting the rest.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading plugin root: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := l.Load(e.Name()); err != nil {
			logger.Errorw("plugin load failed", "plugin", e.Name(), "error", err)
		}
	}
	return nil
}

// Unload removes a plugin and all its registrations.
func (l *Loader) Unload(id string) error {
	l.mu.Lock()
	_, ok := l.loaded[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("plugin %s is not loaded", id)
	}
	delete(l.loaded, id)
	l.mu.Unlock()

	removed := l.reg.UnregisterPlugin(id)
	l.hashes.Invalidate(l.pluginDir(id))
	logger.Infow("plugin unloaded", "plugin", id, "removed", removed)
	return nil
}

// Reload replaces a loaded plugin with the current on-disk version.
// Every verification check runs before the old version is touched, so a
// failed reload leaves the previous version serving.
func (l *Loader) Reload(id string) error {
	l.mu.RLock()
	prev, wasLoaded := l.loaded[id]
	l.mu.RUnlock()

	if !wasLoaded {
		return l.Load(id)
	}

	l.hashes.Invalidate(l.pluginDir(id))
	m, hash, factory, err := l.verify(id)
	if err != nil {
		l.recordFailure(id, "verify", err)
		telemetry.ObservePluginReload(true)
		logger.Warnw("plugin reload rejected, previous version kept", "plugin", id, "error", err)
		return err
	}
	if hash == prev.Hash {
		logger.Debugw("plugin unchanged, skipping reload", "plugin", id)
		return nil
	}

	l.reg.UnregisterPlugin(id)
	if err := l.register(id, m, factory); err != nil {
		// Registration of the new version failed after the old one was
		// removed. Restore the previous factory so the plugin keeps
		// serving its last good version.
		if restoreErr := l.register(id, prev.Manifest, prev.factory); restoreErr != nil {
			logger.Errorw("plugin restore after failed reload also failed",
				"plugin", id, "error", restoreErr)
		}
		l.recordFailure(id, "register", err)
		telemetry.ObservePluginReload(true)
		return err
	}

	l.mu.Lock()
	l.loaded[id] = &LoadedPlugin{ID: id, Manifest: m, Hash: hash, LoadedAt: time.Now(), factory: factory}
	delete(l.failures, id)
	l.mu.Unlock()

	telemetry.ObservePluginReload(false)
	logger.Infow("plugin reloaded", "plugin", id, "version", m.Version, "hash", hash)
	return nil
}

// Loaded returns the loaded plugins sorted by id.
func (l *Loader) Loaded() []*LoadedPlugin {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*LoadedPlugin, 0, len(l.loaded))
	for _, p := range l.loaded {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Failures returns the most recent failure per plugin, sorted by id.
func (l *Loader) Failures() []*LoadFailure {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*LoadFailure, 0, len(l.failures))
	for _, f := range l.failures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Loader) recordFailure(id, stage string, err error) {
	l.mu.Lock()
	l.failures[id] = &LoadFailure{ID: id, Err: err, Time: time.Now(), Stage: stage}
	l.mu.Unlock()
}

// scopedHost attributes registrations to one plugin and tracks tool
// registrations that the manifest did not declare.
type scopedHost struct {
	loader     *Loader
	plugin     string
	manifest   *Manifest
	undeclared []string
}

func (h *scopedHost) RegisterTool(tool *registry.Tool) error {
	tool.Plugin = h.plugin
	if h.manifest.Capabilities != nil && !h.manifest.DeclaredToolNames()[tool.Name] {
		h.undeclared = append(h.undeclared, tool.Name)
	}
	return h.loader.reg.RegisterTool(tool)
}

func (h *scopedHost) RegisterResource(res *registry.Resource) error {
	res.Plugin = h.plugin
	return h.loader.reg.RegisterResource(res)
}

func (h *scopedHost) RegisterPrompt(p *registry.Prompt) error {
	p.Plugin = h.plugin
	return h.loader.reg.RegisterPrompt(p)
}
