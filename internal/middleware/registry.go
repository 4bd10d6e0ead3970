// Package middleware holds process-wide binding points for pluggable
// services: config resolution/authorization, resource sharing, token
// minting, and startup/migration hooks. Defaults are permissive
// pass-throughs; tests rebind and reset.
package middleware

import (
	"context"
	"sync"
)

// UserConfig is the resolved free-form user configuration carried in the
// a2aUserConfig user property.
type UserConfig map[string]any

// OperationSpec describes an operation being authorized.
type OperationSpec struct {
	OperationType string
	Method        string
	AppName       string
	CustomPath    string
}

// ValidationContext names the resource and component performing validation.
type ValidationContext struct {
	Resource      string
	ComponentType string
}

// ConfigResolver resolves per-user configuration and authorizes operations.
type ConfigResolver interface {
	// ResolveUserConfig returns the effective configuration for a user.
	ResolveUserConfig(ctx context.Context, userID string, baseConfig UserConfig) (UserConfig, error)

	// ValidateAgentAccess reports whether the user may target the agent.
	ValidateAgentAccess(ctx context.Context, targetAgent string, userConfig UserConfig, vctx ValidationContext) error

	// ValidateOperationConfig reports whether the operation is permitted.
	ValidateOperationConfig(ctx context.Context, userConfig UserConfig, op OperationSpec, vctx ValidationContext) error
}

// ResourceSharingService controls shared-resource visibility across users.
type ResourceSharingService interface {
	IsSharedWith(ctx context.Context, resourceID, ownerID, userID string) (bool, error)
}

// TokenService mints and validates identity tokens.
type TokenService interface {
	Mint(ctx context.Context, userID string, claims map[string]any) (string, error)
	Validate(ctx context.Context, token string) (string, map[string]any, error)
}

// InitializationCallback runs at process startup.
type InitializationCallback func(ctx context.Context) error

// PostMigrationHook runs after session-store migrations with the DB URL.
type PostMigrationHook func(ctx context.Context, dbURL string) error

// Registry is the process-scoped binding table.
type Registry struct {
	mu              sync.RWMutex
	configResolver  ConfigResolver
	resourceSharing ResourceSharingService
	tokenService    TokenService
	initCallbacks   []InitializationCallback
	migrationHooks  []PostMigrationHook
}

var processRegistry = newRegistry()

func newRegistry() *Registry {
	return &Registry{
		configResolver:  defaultConfigResolver{},
		resourceSharing: defaultResourceSharing{},
		tokenService:    defaultTokenService{},
	}
}

// Get returns the process registry.
func Get() *Registry {
	return processRegistry
}

// BindConfigResolver binds a config resolver.
func (r *Registry) BindConfigResolver(cr ConfigResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configResolver = cr
}

// ConfigResolver returns the bound config resolver.
func (r *Registry) ConfigResolver() ConfigResolver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configResolver
}

// BindResourceSharing binds a resource sharing service.
func (r *Registry) BindResourceSharing(s ResourceSharingService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resourceSharing = s
}

// ResourceSharing returns the bound resource sharing service.
func (r *Registry) ResourceSharing() ResourceSharingService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resourceSharing
}

// BindTokenService binds a token service.
func (r *Registry) BindTokenService(s TokenService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenService = s
}

// TokenService returns the bound token service.
func (r *Registry) TokenService() TokenService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokenService
}

// AddInitializationCallback registers a startup callback.
func (r *Registry) AddInitializationCallback(cb InitializationCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initCallbacks = append(r.initCallbacks, cb)
}

// RunInitializationCallbacks runs all registered startup callbacks in order.
func (r *Registry) RunInitializationCallbacks(ctx context.Context) error {
	r.mu.RLock()
	cbs := append([]InitializationCallback(nil), r.initCallbacks...)
	r.mu.RUnlock()
	for _, cb := range cbs {
		if err := cb(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AddPostMigrationHook registers a post-migration hook.
func (r *Registry) AddPostMigrationHook(h PostMigrationHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrationHooks = append(r.migrationHooks, h)
}

// RunPostMigrationHooks runs all registered hooks with the DB URL.
func (r *Registry) RunPostMigrationHooks(ctx context.Context, dbURL string) error {
	r.mu.RLock()
	hooks := append([]PostMigrationHook(nil), r.migrationHooks...)
	r.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, dbURL); err != nil {
			return err
		}
	}
	return nil
}

// ResetBindings restores all defaults. Test-only.
func (r *Registry) ResetBindings() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configResolver = defaultConfigResolver{}
	r.resourceSharing = defaultResourceSharing{}
	r.tokenService = defaultTokenService{}
	r.initCallbacks = nil
	r.migrationHooks = nil
}

// Status reports which implementations are currently bound.
func (r *Registry) Status() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name := func(v any) string {
		switch v.(type) {
		case defaultConfigResolver, defaultResourceSharing, defaultTokenService:
			return "default"
		default:
			return "custom"
		}
	}
	return map[string]string{
		"config_resolver":          name(r.configResolver),
		"resource_sharing_service": name(r.resourceSharing),
		"token_service":            name(r.tokenService),
	}
}
