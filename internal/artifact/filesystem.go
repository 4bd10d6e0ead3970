package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FilesystemStore persists artifacts under a base directory as
// {base}/{scope}/{user}/{session}/{filename}/{version}.bin with a JSON
// metadata sidecar per version. Path segments are escaped so arbitrary
// filenames cannot traverse outside the base.
type FilesystemStore struct {
	base string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFilesystemStore creates the store rooted at base, creating it if
// needed.
func NewFilesystemStore(base string) (*FilesystemStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &FilesystemStore{base: base, now: time.Now}, nil
}

func (s *FilesystemStore) dir(scope, user, session, filename string) string {
	parts := []string{s.base}
	for _, seg := range []string{scope, user, session, filename} {
		parts = append(parts, url.PathEscape(seg))
	}
	return filepath.Join(parts...)
}

func (s *FilesystemStore) Save(_ context.Context, scope, user, session, filename string, data []byte, mimeType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.dir(scope, user, session, filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating artifact dir: %w", err)
	}
	versions, err := readVersions(dir)
	if err != nil {
		return 0, err
	}
	version := 0
	if len(versions) > 0 {
		version = versions[len(versions)-1] + 1
	}
	meta := Metadata{
		Filename:  filename,
		Version:   version,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: s.now(),
	}
	if err := os.WriteFile(filepath.Join(dir, strconv.Itoa(version)+".bin"), data, 0o644); err != nil {
		return 0, fmt.Errorf("writing artifact %s v%d: %w", filename, version, err)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encoding artifact metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, strconv.Itoa(version)+".json"), raw, 0o644); err != nil {
		return 0, fmt.Errorf("writing artifact metadata %s v%d: %w", filename, version, err)
	}
	return version, nil
}

func (s *FilesystemStore) Load(_ context.Context, scope, user, session, filename string, version *int) ([]byte, *Metadata, error) {
	dir := s.dir(scope, user, session, filename)
	v, err := resolveVersion(dir, filename, version)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(v)+".bin"))
	if err != nil {
		return nil, nil, fmt.Errorf("reading artifact %s v%d: %w", filename, v, err)
	}
	meta, err := readMetadata(dir, v)
	if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

func (s *FilesystemStore) ListKeys(_ context.Context, scope, user, session string) ([]string, error) {
	dir := s.dir(scope, user, session, "")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *FilesystemStore) ListVersions(_ context.Context, scope, user, session, filename string) ([]int, error) {
	versions, err := readVersions(s.dir(scope, user, session, filename))
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	return versions, nil
}

func (s *FilesystemStore) GetMetadata(_ context.Context, scope, user, session, filename string, version *int) (*Metadata, error) {
	dir := s.dir(scope, user, session, filename)
	v, err := resolveVersion(dir, filename, version)
	if err != nil {
		return nil, err
	}
	return readMetadata(dir, v)
}

func (s *FilesystemStore) Delete(_ context.Context, scope, user, session, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.dir(scope, user, session, filename)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting artifact %s: %w", filename, err)
	}
	return nil
}

func readVersions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing artifact versions: %w", err)
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(name, ".bin"))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func resolveVersion(dir, filename string, version *int) (int, error) {
	versions, err := readVersions(dir)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if version == nil {
		return versions[len(versions)-1], nil
	}
	for _, v := range versions {
		if v == *version {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: %s version %d", ErrNotFound, filename, *version)
}

func readMetadata(dir string, version int) (*Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(version)+".json"))
	if err != nil {
		return nil, fmt.Errorf("reading artifact metadata v%d: %w", version, err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding artifact metadata v%d: %w", version, err)
	}
	return &meta, nil
}
