package apphost

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/middleware"
)

// AppFactory builds an app's components from its spec. The control
// plane uses it to create and recreate apps at runtime.
type AppFactory func(spec AppSpec, app *App) error

// Host owns the broker connection and the set of apps.
type Host struct {
	bus     broker.Broker
	factory AppFactory
	logger  *logger.Logger

	mu   sync.RWMutex
	apps map[string]*App
}

// NewHost creates an empty host. factory may be nil when apps are
// assembled by the caller via AddApp.
func NewHost(bus broker.Broker, factory AppFactory, log *logger.Logger) *Host {
	return &Host{
		bus:     bus,
		factory: factory,
		logger:  log.WithComponent("apphost"),
		apps:    make(map[string]*App),
	}
}

/// IsReady reports whether the host can serve: the broker is connected.
func (h *Host) IsReady() bool {
	return h.bus.IsConnected()
}

// Bus returns the host's broker.
func (h *Host) Bus() broker.Broker {
	return h.bus
}

// AddApp registers a pre-assembled app. Duplicate names are rejected.
func (h *Host) AddApp(app *App) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.apps[app.Name()]; exists {
		return fmt.Errorf("app %s already exists", app.Name())
	}
	h.apps[app.Name()] = app
	return nil
}

// CreateApp builds an app from spec via the factory and registers it.
func (h *Host) CreateApp(ctx context.Context, spec AppSpec) (*App, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("app spec has no name")
	}
	h.mu.Lock()
	if _, exists := h.apps[spec.Name]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("app %s already exists", spec.Name)
	}
	h.mu.Unlock()

	app := NewApp(spec, h.logger)
	if h.factory != nil {
		if err := h.factory(spec, app); err != nil {
			return nil, fmt.Errorf("building app %s: %w", spec.Name, err)
		}
	}
	if err := h.AddApp(app); err != nil {
		return nil, err
	}
	if spec.Enabled {
		if err := app.Start(ctx); err != nil {
			h.removeLocked(spec.Name)
			return nil, err
		}
	}
	h.logger.Info("app created", "app", spec.Name, "enabled", spec.Enabled)
	return app, nil
}

// ReplaceApp stops and removes the named app, then recreates it from
// spec under the same name.
func (h *Host) ReplaceApp(ctx context.Context, name string, spec AppSpec) (*App, error) {
	app, ok := h.GetApp(name)
	if !ok {
		return nil, fmt.Errorf("app %s not found", name)
	}
	app.Stop()
	h.removeLocked(name)
	spec.Name = name
	return h.CreateApp(ctx, spec)
}

// RemoveApp stops and deletes an app.
func (h *Host) RemoveApp(name string) error {
	app, ok := h.GetApp(name)
	if !ok {
		return fmt.Errorf("app %s not found", name)
	}
	app.Stop()
	h.removeLocked(name)
	h.logger.Info("app removed", "app", name)
	return nil
}

func (h *Host) removeLocked(name string) {
	h.mu.Lock()
	delete(h.apps, name)
	h.mu.Unlock()
}

// GetApp returns the named app.
func (h *Host) GetApp(name string) (*App, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	app, ok := h.apps[name]
	return app, ok
}

// ListApps returns all apps sorted by name.
func (h *Host) ListApps() []*App {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*App, 0, len(h.apps))
	for _, app := range h.apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Start runs the registry's initialization callbacks and starts every
// enabled app.
func (h *Host) Start(ctx context.Context) error {
	if err := middleware.Get().RunInitializationCallbacks(ctx); err != nil {
		return fmt.Errorf("initialization callbacks: %w", err)
	}
	for _, app := range h.ListApps() {
		if !app.Enabled() {
			continue
		}
		if err := app.Start(ctx); err != nil {
			return err
		}
	}
	h.logger.Info("host started", "apps", len(h.ListApps()))
	return nil
}

// Stop stops every app and closes the broker.
func (h *Host) Stop() {
	for _, app := range h.ListApps() {
		app.Stop()
	}
	h.bus.Close()
	h.logger.Info("host stopped")
}
