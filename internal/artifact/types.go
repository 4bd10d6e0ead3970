// Package artifact implements the versioned blob store shared by agents,
// gateways, and the sandbox engine. Blobs are keyed by
// (scope, user, session, filename, version); versions are immutable and
// allocated monotonically starting at 0.
package artifact

import (
	"context"
	"errors"
	"time"
)

// AgentDefaultsUser is the reserved user id holding agent-default
// artifacts. Loads fall back to it when a per-user lookup misses.
const AgentDefaultsUser = "_agent_defaults_"

// ErrNotFound is returned when no matching artifact version exists.
var ErrNotFound = errors.New("artifact not found")

// ErrDefaultProtected is returned when a normal user tries to delete an
// agent-default artifact. Users may shadow defaults, never remove them.
var ErrDefaultProtected = errors.New("agent-default artifact cannot be deleted")

// Metadata describes one stored version.
type Metadata struct {
	Filename  string    `json:"filename"`
	Version   int       `json:"version"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the backend contract. Version pointers follow the convention
// nil means latest.
type Store interface {
	// Save writes data as a new version of filename and returns the
	// allocated version number.
	Save(ctx context.Context, scope, user, session, filename string, data []byte, mimeType string) (int, error)

	// Load returns the bytes and metadata of one version.
	Load(ctx context.Context, scope, user, session, filename string, version *int) ([]byte, *Metadata, error)

	// ListKeys returns the distinct filenames under (scope, user, session).
	ListKeys(ctx context.Context, scope, user, session string) ([]string, error)

	// ListVersions returns the version numbers of filename, ascending.
	ListVersions(ctx context.Context, scope, user, session, filename string) ([]int, error)

	// GetMetadata returns the metadata of one version without its bytes.
	GetMetadata(ctx context.Context, scope, user, session, filename string, version *int) (*Metadata, error)

	// Delete removes every version of filename.
	Delete(ctx context.Context, scope, user, session, filename string) error
}
