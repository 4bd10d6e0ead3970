package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process memory. Dev mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]memVersion
	now     func() time.Time
}

type memVersion struct {
	data []byte
	meta Metadata
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]memVersion),
		now:     time.Now,
	}
}

func artifactKey(scope, user, session, filename string) string {
	return scope + "\x00" + user + "\x00" + session + "\x00" + filename
}

func (s *MemoryStore) Save(_ context.Context, scope, user, session, filename string, data []byte, mimeType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := artifactKey(scope, user, session, filename)
	version := len(s.entries[key])
	s.entries[key] = append(s.entries[key], memVersion{
		data: append([]byte(nil), data...),
		meta: Metadata{
			Filename:  filename,
			Version:   version,
			MimeType:  mimeType,
			Size:      int64(len(data)),
			CreatedAt: s.now(),
		},
	})
	return version, nil
}

func (s *MemoryStore) Load(_ context.Context, scope, user, session, filename string, version *int) ([]byte, *Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.pick(scope, user, session, filename, version)
	if err != nil {
		return nil, nil, err
	}
	meta := v.meta
	return append([]byte(nil), v.data...), &meta, nil
}

func (s *MemoryStore) ListKeys(_ context.Context, scope, user, session string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := scope + "\x00" + user + "\x00" + session + "\x00"
	var out []string
	for key, versions := range s.entries {
		if len(versions) > 0 && len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key[len(prefix):])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ListVersions(_ context.Context, scope, user, session, filename string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.entries[artifactKey(scope, user, session, filename)]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	out := make([]int, len(versions))
	for i := range versions {
		out[i] = versions[i].meta.Version
	}
	return out, nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, scope, user, session, filename string, version *int) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.pick(scope, user, session, filename, version)
	if err != nil {
		return nil, err
	}
	meta := v.meta
	return &meta, nil
}

func (s *MemoryStore) Delete(_ context.Context, scope, user, session, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := artifactKey(scope, user, session, filename)
	if len(s.entries[key]) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) pick(scope, user, session, filename string, version *int) (*memVersion, error) {
	versions := s.entries[artifactKey(scope, user, session, filename)]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	idx := len(versions) - 1
	if version != nil {
		idx = *version
		if idx < 0 || idx >= len(versions) {
			return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, filename, idx)
		}
	}
	return &versions[idx], nil
}
