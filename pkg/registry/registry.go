// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the authoritative in-memory catalog of tools,
// resources, and prompts. The plugin loader is the only writer; the
// protocol engine and tool runtime are readers.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/schema"
)

// ErrNameCollision indicates a tool/resource/prompt name is already taken.
var ErrNameCollision = errors.New("name already registered")

// ErrNotFound indicates a lookup for an unregistered name.
var ErrNotFound = errors.New("not registered")

// Kind discriminates change events.
type Kind string

// Change event kinds.
const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Tool is a fully registered tool: the client-visible description plus
// the validation and execution machinery.
type Tool struct {
	// Name is globally unique; by convention it carries a category
	// prefix (e.g. "nmap_tcp_syn_scan").
	Name        string
	Description string
	Category    string

	// Descriptor is the rich parameter description the schema pipeline
	// compiles.
	Descriptor *schema.Descriptor

	// Handler executes the call with validated arguments.
	Handler mcp.ToolHandler

	// Subprocess marks tools that shell out; they get the longer
	// default timeout and signal-based cancellation.
	Subprocess bool

	// Timeout overrides the default deadline when positive.
	Timeout time.Duration

	// Plugin is the id of the owning plugin, or "builtin".
	Plugin string

	// validator is compiled at registration.
	validator *schema.Validator
}

// Validate runs the tool's compiled argument validator.
func (t *Tool) Validate(args map[string]any) (map[string]any, error) {
	return t.validator.Validate(args)
}

// Resource pairs a resource description with its reader.
type Resource struct {
	mcp.Resource
	Reader mcp.ResourceReader
	Plugin string
}

// Prompt pairs a prompt description with its renderer and argument
// descriptor.
type Prompt struct {
	mcp.Prompt
	Descriptor *schema.Descriptor
	Renderer   mcp.PromptRenderer
	Plugin     string

	validator *schema.Validator
}

// Validate runs the prompt's compiled argument validator.
func (p *Prompt) Validate(args map[string]any) (map[string]any, error) {
	if p.validator == nil {
		return args, nil
	}
	return p.validator.Validate(args)
}

// ChangeListener receives a notification after the registry mutates.
type ChangeListener func(kind Kind)

// Registry is safe for concurrent use: readers take a shared lock,
// writers take exclusive.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Tool
	resources map[string]*Resource
	prompts   map[string]*Prompt
	listeners []ChangeListener

	// registrations counts every successful tool registration over the
	// process lifetime, for runtime stats.
	registrations int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]*Tool),
		resources: make(map[string]*Resource),
		prompts:   make(map[string]*Prompt),
	}
}

// RegisterTool adds a tool, compiling its argument validator. Name
// collisions are fatal registration errors.
func (r *Registry) RegisterTool(t *Tool) error {
	if t.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	if t.Descriptor == nil {
		t.Descriptor = &schema.Descriptor{Properties: map[string]*schema.Property{}}
	}

	v, err := schema.NewValidator(t.Descriptor)
	if err != nil {
		return fmt.Errorf("compiling schema for tool %s: %w", t.Name, err)
	}
	t.validator = v

	r.mu.Lock()
	if _, exists := r.tools[t.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: tool %s", ErrNameCollision, t.Name)
	}
	r.tools[t.Name] = t
	r.registrations++
	r.mu.Unlock()

	r.notify(KindTool)
	return nil
}

// UnregisterTool removes a tool by name.
func (r *Registry) UnregisterTool(name string) error {
	r.mu.Lock()
	if _, exists := r.tools[name]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: tool %s", ErrNotFound, name)
	}
	delete(r.tools, name)
	r.mu.Unlock()

	r.notify(KindTool)
	return nil
}

// UnregisterPlugin removes everything owned by a plugin id and reports
// what was removed per kind.
func (r *Registry) UnregisterPlugin(pluginID string) map[Kind]int {
	removed := map[Kind]int{}

	r.mu.Lock()
	for name, t := range r.tools {
		if t.Plugin == pluginID {
			delete(r.tools, name)
			removed[KindTool]++
		}
	}
	for uri, res := range r.resources {
		if res.Plugin == pluginID {
			delete(r.resources, uri)
			removed[KindResource]++
		}
	}
	for name, p := range r.prompts {
		if p.Plugin == pluginID {
			delete(r.prompts, name)
			removed[KindPrompt]++
		}
	}
	r.mu.Unlock()

	for kind := range removed {
		r.notify(kind)
	}
	return removed
}

// LookupTool returns a tool by name.
func (r *Registry) LookupTool(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: tool %s", ErrNotFound, name)
	}
	return t, nil
}

// ListTools returns tools sorted by name, optionally filtered by
// category ("" lists all).
func (r *Registry) ListTools(category string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if category == "" || t.Category == category {
			tools = append(tools, t)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// ToolCount returns the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Registrations returns the lifetime registration count.
func (r *Registry) Registrations() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registrations
}

// RegisterResource adds a readable resource.
func (r *Registry) RegisterResource(res *Resource) error {
	if res.URI == "" {
		return errors.New("resource URI cannot be empty")
	}
	if res.Reader == nil {
		return fmt.Errorf("resource %s has no reader", res.URI)
	}

	r.mu.Lock()
	if _, exists := r.resources[res.URI]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: resource %s", ErrNameCollision, res.URI)
	}
	r.resources[res.URI] = res
	r.mu.Unlock()

	r.notify(KindResource)
	return nil
}

// LookupResource returns a resource by URI.
func (r *Registry) LookupResource(uri string) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[uri]
	if !ok {
		return nil, fmt.Errorf("%w: resource %s", ErrNotFound, uri)
	}
	return res, nil
}

// ListResources returns resources sorted by URI.
func (r *Registry) ListResources() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resources := make([]*Resource, 0, len(r.resources))
	for _, res := range r.resources {
		resources = append(resources, res)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return resources
}

// RegisterPrompt adds a prompt, compiling its argument validator when a
// descriptor is present.
func (r *Registry) RegisterPrompt(p *Prompt) error {
	if p.Name == "" {
		return errors.New("prompt name cannot be empty")
	}
	if p.Renderer == nil {
		return fmt.Errorf("prompt %s has no renderer", p.Name)
	}
	if p.Descriptor != nil {
		v, err := schema.NewValidator(p.Descriptor)
		if err != nil {
			return fmt.Errorf("compiling schema for prompt %s: %w", p.Name, err)
		}
		p.validator = v
	}

	r.mu.Lock()
	if _, exists := r.prompts[p.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: prompt %s", ErrNameCollision, p.Name)
	}
	r.prompts[p.Name] = p
	r.mu.Unlock()

	r.notify(KindPrompt)
	return nil
}

// LookupPrompt returns a prompt by name.
func (r *Registry) LookupPrompt(name string) (*Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	if !ok {
		return nil, fmt.Errorf("%w: prompt %s", ErrNotFound, name)
	}
	return p, nil
}

// ListPrompts returns prompts sorted by name.
func (r *Registry) ListPrompts() []*Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prompts := make([]*Prompt, 0, len(r.prompts))
	for _, p := range r.prompts {
		prompts = append(prompts, p)
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts
}

// OnChange registers a listener invoked after every registry mutation.
// Listeners must not call back into the registry's write methods.
func (r *Registry) OnChange(l ChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) notify(kind Kind) {
	r.mu.RLock()
	listeners := make([]ChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, l := range listeners {
		l(kind)
	}
}
