package sandbox

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// ToolSpec is one manifest entry after validation.
type ToolSpec struct {
	Name           string `yaml:"-"`
	Runtime        string `yaml:"runtime"`
	Module         string `yaml:"module"`
	Function       string `yaml:"function"`
	Package        string `yaml:"package,omitempty"`
	Version        string `yaml:"version,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	SandboxProfile string `yaml:"sandbox_profile,omitempty"`
}

type manifestFile struct {
	Version int                  `yaml:"version"`
	Tools   map[string]*ToolSpec `yaml:"tools"`
}

// Manifest loads the tool manifest and reloads it when the file's
// mtime changes. Reads are cheap; the stat happens on every Resolve.
type Manifest struct {
	path   string
	logger *logger.Logger

	mu      sync.Mutex
	tools   map[string]*ToolSpec
	modTime time.Time
	loaded  bool
}

// NewManifest creates a lazy-loading manifest for path. The first
// Resolve triggers the initial load.
func NewManifest(path string, log *logger.Logger) *Manifest {
	return &Manifest{
		path:   path,
		logger: log.WithComponent("sandbox-manifest"),
	}
}

// Resolve returns the spec for toolName, reloading the manifest first
// if the file changed.
func (m *Manifest) Resolve(toolName string) (*ToolSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reloadIfChanged(); err != nil {
		return nil, err
	}
	spec, ok := m.tools[toolName]
	if !ok {
		return nil, fmt.Errorf("tool %q is not in the manifest", toolName)
	}
	copied := *spec
	return &copied, nil
}

// Tools returns the current tool names, reloading if needed.
func (m *Manifest) Tools() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reloadIfChanged(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.tools))
	for name := range m.tools {
		out = append(out, name)
	}
	return out, nil
}

func (m *Manifest) reloadIfChanged() error {
	info, err := os.Stat(m.path)
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}
	if m.loaded && info.ModTime().Equal(m.modTime) {
		return nil
	}

	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	var file manifestFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	if file.Version != 1 {
		return fmt.Errorf("unsupported manifest version %d", file.Version)
	}

	tools := make(map[string]*ToolSpec, len(file.Tools))
	for name, spec := range file.Tools {
		if spec == nil {
			continue
		}
		spec.Name = name
		if spec.Runtime == "python" && (spec.Module == "" || spec.Function == "") {
			m.logger.Error("skipping tool with missing module or function", "tool", name)
			continue
		}
		tools[name] = spec
	}

	m.tools = tools
	m.modTime = info.ModTime()
	m.loaded = true
	m.logger.Info("manifest loaded", "path", m.path, "tools", len(tools))
	return nil
}
