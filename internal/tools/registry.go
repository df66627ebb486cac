// Package tools materializes the tool surface of an MCP server slug:
// the enabled proxy and workflow tools, resolved against their backing
// entities, with a short-lived per-slug cache.
package tools

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentgate/backend/internal/store"
)

const defaultTTL = 60 * time.Second

// ProxyTool is an enabled proxy binding with its resolved proxy.
type ProxyTool struct {
	Name        string
	Description string
	Binding     *store.ProxyToolBinding
	Proxy       *store.ApiProxy
}

// WorkflowTool is an enabled workflow binding with its resolved template.
type WorkflowTool struct {
	Name        string
	Description string
	Binding     *store.WorkflowToolBinding
	Workflow    *store.WorkflowTemplate
}

// McpServerConfig is the materialized tool surface for one slug.
type McpServerConfig struct {
	Server        *store.McpServer
	ProxyTools    []ProxyTool
	WorkflowTools []WorkflowTool
}

// Listener is notified when a slug's tool config is refreshed.
type Listener func(slug string)

type cacheEntry struct {
	config *McpServerConfig
	timer  *time.Timer
}

type listenerEntry struct {
	id int
	fn Listener
}

// Registry caches per-slug tool configs with a TTL and fans out refresh
// notifications to subscribed listeners.
type Registry struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	cache     map[string]*cacheEntry
	listeners []listenerEntry
	nextID    int
}

func NewRegistry(st store.Store, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		ttl:    ttl,
		logger: logger,
		cache:  map[string]*cacheEntry{},
	}
}

// LoadToolsForSlug returns the tool config for slug, or nil when no MCP
// server exists under that slug. Hits are served from the cache; a miss
// loads from the store and caches the result for the TTL.
func (r *Registry) LoadToolsForSlug(ctx context.Context, slug string) (*McpServerConfig, error) {
	r.mu.Lock()
	if entry, ok := r.cache[slug]; ok {
		cfg := entry.config
		r.mu.Unlock()
		return cfg, nil
	}
	r.mu.Unlock()

	cfg, err := r.loadConfig(ctx, slug)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cache[slug]; ok {
		// Another request loaded it first; keep the existing entry.
		return existing.config, nil
	}
	entry := &cacheEntry{config: cfg}
	entry.timer = time.AfterFunc(r.ttl, func() { r.expire(slug, entry) })
	r.cache[slug] = entry
	return cfg, nil
}

// RefreshTools drops the cached config for slug and notifies listeners
// exactly once. The next load hits the store.
func (r *Registry) RefreshTools(slug string) {
	r.mu.Lock()
	if entry, ok := r.cache[slug]; ok {
		entry.timer.Stop()
		delete(r.cache, slug)
	}
	// Snapshot so a listener unsubscribing mid-dispatch cannot skip
	// listeners registered after it.
	snapshot := make([]listenerEntry, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.Unlock()

	for _, l := range snapshot {
		l.fn(slug)
	}
	r.logger.Info("tool config refreshed", "slug", slug, "listeners", len(snapshot))
}

// Subscribe registers a refresh listener. Listeners are invoked in
// registration order. The returned function unsubscribes.
func (r *Registry) Subscribe(fn Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners = append(r.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l.id == id {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// Close stops all pending expiry timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for slug, entry := range r.cache {
		entry.timer.Stop()
		delete(r.cache, slug)
	}
}

// expire removes the entry only if it is still the one the timer was
// armed for; a refresh may have replaced it in the meantime.
func (r *Registry) expire(slug string, armed *cacheEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.cache[slug]; ok && entry == armed {
		delete(r.cache, slug)
	}
}

func (r *Registry) loadConfig(ctx context.Context, slug string) (*McpServerConfig, error) {
	server, err := r.store.GetMcpServerBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if server == nil || !server.IsActive {
		return nil, nil
	}

	proxyBindings, err := r.store.ListProxyToolBindings(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	cfg := &McpServerConfig{Server: server}
	for _, b := range proxyBindings {
		proxy, err := r.store.GetProxy(ctx, b.ProxyID)
		if err != nil {
			r.logger.Warn("skipping proxy tool with unresolvable proxy",
				"slug", slug, "proxyId", b.ProxyID, "error", err)
			continue
		}
		name := b.Name
		if name == "" {
			name = ToolName(proxy.Name)
		}
		desc := b.Description
		if desc == "" {
			desc = proxy.Description
		}
		cfg.ProxyTools = append(cfg.ProxyTools, ProxyTool{
			Name:        name,
			Description: desc,
			Binding:     b,
			Proxy:       proxy,
		})
	}

	workflowBindings, err := r.store.ListWorkflowToolBindings(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	for _, b := range workflowBindings {
		wf, err := r.store.GetWorkflowTemplate(ctx, b.WorkflowID)
		if err != nil {
			r.logger.Warn("skipping workflow tool with unresolvable template",
				"slug", slug, "workflowId", b.WorkflowID, "error", err)
			continue
		}
		name := b.Name
		if name == "" {
			name = ToolName(wf.Name)
		}
		desc := b.Description
		if desc == "" {
			desc = wf.Description
		}
		cfg.WorkflowTools = append(cfg.WorkflowTools, WorkflowTool{
			Name:        name,
			Description: desc,
			Binding:     b,
			Workflow:    wf,
		})
	}
	return cfg, nil
}

// ToolName derives an MCP tool identifier from a display name: lowercase,
// runs of non-alphanumerics collapse to a single underscore, trimmed.
func ToolName(display string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(display) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
