package artifact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Scope modes. The namespace scope shares artifacts mesh-wide; the app
// scope keeps them per agent or gateway.
const (
	ScopeNamespace = "namespace"
	ScopeApp       = "app"
)

// ScopeOverrideKey is the runtime override that flips the scope mode.
const ScopeOverrideKey = "artifact.scope"

// Service fronts a Store with scope selection and agent-default
// read-through. The scope flag is read per call so runtime overrides
// take effect immediately.
type Service struct {
	store     Store
	namespace string
	appName   string
	scopeMode string
	overrides *config.Overrides
	logger    *logger.Logger
}

// NewService wraps store for the app appName inside namespace. scopeMode
// is ScopeNamespace or ScopeApp; overrides may be nil.
func NewService(store Store, namespace, appName, scopeMode string, overrides *config.Overrides, log *logger.Logger) *Service {
	if scopeMode == "" {
		scopeMode = ScopeNamespace
	}
	return &Service{
		store:     store,
		namespace: strings.TrimSuffix(namespace, "/"),
		appName:   appName,
		scopeMode: scopeMode,
		overrides: overrides,
		logger:    log.WithComponent("artifact"),
	}
}

// Scope returns the effective scope value for the next operation.
func (s *Service) Scope() string {
	mode := s.scopeMode
	if s.overrides != nil {
		if v := s.overrides.GetString(ScopeOverrideKey, ""); v != "" {
			mode = v
		}
	}
	if mode == ScopeApp {
		return s.appName
	}
	return s.namespace
}

// Save stores data as a new version of filename for (user, session).
func (s *Service) Save(ctx context.Context, user, session, filename string, data []byte, mimeType string) (int, error) {
	version, err := s.store.Save(ctx, s.Scope(), user, session, filename, data, mimeType)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("saved artifact",
		"filename", filename, "version", version, "user", user, "size", len(data))
	return version, nil
}

// Load returns one version of filename, falling back to the
// agent-defaults user when the per-user lookup misses.
func (s *Service) Load(ctx context.Context, user, session, filename string, version *int) ([]byte, *Metadata, error) {
	data, meta, err := s.store.Load(ctx, s.Scope(), user, session, filename, version)
	if err == nil || !errors.Is(err, ErrNotFound) || user == AgentDefaultsUser {
		return data, meta, err
	}
	return s.store.Load(ctx, s.Scope(), AgentDefaultsUser, session, filename, version)
}

// ListKeys merges the user's filenames with the agent defaults.
func (s *Service) ListKeys(ctx context.Context, user, session string) ([]string, error) {
	own, err := s.store.ListKeys(ctx, s.Scope(), user, session)
	if err != nil {
		return nil, err
	}
	if user == AgentDefaultsUser {
		return own, nil
	}
	defaults, err := s.store.ListKeys(ctx, s.Scope(), AgentDefaultsUser, session)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(own))
	for _, name := range own {
		seen[name] = struct{}{}
	}
	merged := append([]string(nil), own...)
	for _, name := range defaults {
		if _, ok := seen[name]; !ok {
			merged = append(merged, name)
		}
	}
	sort.Strings(merged)
	return merged, nil
}

// ListVersions lists the stored versions of filename for the user.
func (s *Service) ListVersions(ctx context.Context, user, session, filename string) ([]int, error) {
	return s.store.ListVersions(ctx, s.Scope(), user, session, filename)
}

// GetVersionMetadata returns version metadata without the bytes.
func (s *Service) GetVersionMetadata(ctx context.Context, user, session, filename string, version *int) (*Metadata, error) {
	return s.store.GetMetadata(ctx, s.Scope(), user, session, filename, version)
}

// Delete removes the user's own copy of filename. When only an
// agent-default copy exists the delete is rejected; users shadow
// defaults with their own saves instead.
func (s *Service) Delete(ctx context.Context, user, session, filename string) error {
	err := s.store.Delete(ctx, s.Scope(), user, session, filename)
	if err == nil || !errors.Is(err, ErrNotFound) || user == AgentDefaultsUser {
		return err
	}
	if _, merr := s.store.GetMetadata(ctx, s.Scope(), AgentDefaultsUser, session, filename, nil); merr == nil {
		return fmt.Errorf("%w: %s", ErrDefaultProtected, filename)
	}
	return err
}

// URIFor builds the canonical URI of one stored version.
func (s *Service) URIFor(user, session, filename string, version *int) string {
	return URI{Scope: s.Scope(), User: user, Session: session, Filename: filename, Version: version}.String()
}

// ResolveURI loads the artifact a URI points at, honouring the scope
// embedded in the URI rather than the service's own scope.
func (s *Service) ResolveURI(ctx context.Context, raw string) ([]byte, *Metadata, error) {
	uri, err := ParseURI(raw)
	if err != nil {
		return nil, nil, err
	}
	data, meta, err := s.store.Load(ctx, uri.Scope, uri.User, uri.Session, uri.Filename, uri.Version)
	if err == nil || !errors.Is(err, ErrNotFound) || uri.User == AgentDefaultsUser {
		return data, meta, err
	}
	return s.store.Load(ctx, uri.Scope, AgentDefaultsUser, uri.Session, uri.Filename, uri.Version)
}
