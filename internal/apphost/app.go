// Package apphost runs mesh apps: named groups of broker-facing
// components (agents, gateways, sandbox workers, services) with a
// shared lifecycle and app-level configuration overrides.
package apphost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Component is one startable unit inside an app.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// ManagementHandler serves one custom management endpoint of an app.
type ManagementHandler func(ctx context.Context, method string, body json.RawMessage) (any, error)

// AppSpec is the declarative form used to create or replace an app.
type AppSpec struct {
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Config  map[string]any `json:"config,omitempty"`
}

// App is a named group of components. Config lookups check the app's
// own config first, then the caller-supplied default.
type App struct {
	name string

	mu         sync.RWMutex
	enabled    bool
	running    bool
	config     map[string]any
	components []Component
	mgmtRoutes map[string]ManagementHandler
	logger     *logger.Logger
}

// NewApp creates a stopped app from a spec.
func NewApp(spec AppSpec, log *logger.Logger) *App {
	cfg := spec.Config
	if cfg == nil {
		cfg = make(map[string]any)
	}
	return &App{
		name:       spec.Name,
		enabled:    spec.Enabled,
		config:     cfg,
		mgmtRoutes: make(map[string]ManagementHandler),
		logger:     log.WithComponent("app-" + spec.Name),
	}
}

// Name returns the app name.
func (a *App) Name() string { return a.name }

// Enabled reports whether the app should be running.
func (a *App) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// Running reports whether the app's components are started.
func (a *App) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// AddComponent registers a component. Components added while running
// are not started retroactively.
func (a *App) AddComponent(c Component) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.components = append(a.components, c)
}

// RegisterManagementRoute binds a handler for a custom management path.
func (a *App) RegisterManagementRoute(path string, h ManagementHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mgmtRoutes[strings.Trim(path, "/")] = h
}

// ManagementEndpoints lists the registered custom paths, sorted.
func (a *App) ManagementEndpoints() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.mgmtRoutes))
	for path := range a.mgmtRoutes {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// HandleManagementRequest dispatches a custom management request.
func (a *App) HandleManagementRequest(ctx context.Context, method, path string, body json.RawMessage) (any, error) {
	a.mu.RLock()
	h, ok := a.mgmtRoutes[strings.Trim(path, "/")]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("app %s has no management endpoint %q", a.name, path)
	}
	return h(ctx, method, body)
}

// GetConfig returns the app-level value for a dotted key, or def when
// the app config does not carry it.
func (a *App) GetConfig(key string, def any) any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var current any = a.config
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return def
		}
		current, ok = m[part]
		if !ok {
			return def
		}
	}
	return current
}

// Start starts every component in registration order. A component
// failure stops the already-started ones and returns the error.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if !a.enabled {
		return fmt.Errorf("app %s is disabled", a.name)
	}
	for i, c := range a.components {
		if err := c.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				a.components[j].Stop()
			}
			return fmt.Errorf("starting component %s: %w", c.Name(), err)
		}
	}
	a.running = true
	a.logger.Info("app started", "components", len(a.components))
	return nil
}

// Stop stops every component in reverse order.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	for i := len(a.components) - 1; i >= 0; i-- {
		a.components[i].Stop()
	}
	a.running = false
	a.logger.Info("app stopped")
}

// SetEnabled toggles the app; disabling stops it, enabling starts it.
func (a *App) SetEnabled(ctx context.Context, enabled bool) error {
	if enabled == a.Enabled() {
		return nil
	}
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
	if enabled {
		return a.Start(ctx)
	}
	a.Stop()
	return nil
}

// ApplyPatch merges partial spec fields. Only config keys present in
// patch.Config are touched.
func (a *App) ApplyPatch(patch map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg, ok := patch["config"].(map[string]any); ok {
		for k, v := range cfg {
			a.config[k] = v
		}
	}
}

// Info is the control-plane projection of an app.
type Info struct {
	Name                string   `json:"name"`
	Enabled             bool     `json:"enabled"`
	Running             bool     `json:"running"`
	Components          []string `json:"components"`
	ManagementEndpoints []string `json:"management_endpoints,omitempty"`
}

// Info projects the app's current state.
func (a *App) Info(withEndpoints bool) Info {
	a.mu.RLock()
	names := make([]string, 0, len(a.components))
	for _, c := range a.components {
		names = append(names, c.Name())
	}
	info := Info{
		Name:       a.name,
		Enabled:    a.enabled,
		Running:    a.running,
		Components: names,
	}
	a.mu.RUnlock()
	if withEndpoints {
		info.ManagementEndpoints = a.ManagementEndpoints()
	}
	return info
}
