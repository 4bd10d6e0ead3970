package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

func intPtr(v int) *int { return &v }

func runBackendSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("versions are monotonic from zero", func(t *testing.T) {
		st := newStore(t)
		v0, err := st.Save(ctx, "ns", "alice", "s1", "report.txt", []byte("one"), "text/plain")
		require.NoError(t, err)
		assert.Equal(t, 0, v0)
		v1, err := st.Save(ctx, "ns", "alice", "s1", "report.txt", []byte("two"), "text/plain")
		require.NoError(t, err)
		assert.Equal(t, 1, v1)

		versions, err := st.ListVersions(ctx, "ns", "alice", "s1", "report.txt")
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, versions)
	})

	t.Run("load latest and pinned", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Save(ctx, "ns", "alice", "s1", "report.txt", []byte("one"), "text/plain")
		require.NoError(t, err)
		_, err = st.Save(ctx, "ns", "alice", "s1", "report.txt", []byte("two"), "text/plain")
		require.NoError(t, err)

		data, meta, err := st.Load(ctx, "ns", "alice", "s1", "report.txt", nil)
		require.NoError(t, err)
		assert.Equal(t, "two", string(data))
		assert.Equal(t, 1, meta.Version)
		assert.Equal(t, int64(3), meta.Size)

		data, meta, err = st.Load(ctx, "ns", "alice", "s1", "report.txt", intPtr(0))
		require.NoError(t, err)
		assert.Equal(t, "one", string(data))
		assert.Equal(t, "text/plain", meta.MimeType)

		_, _, err = st.Load(ctx, "ns", "alice", "s1", "report.txt", intPtr(9))
		assert.ErrorIs(t, err, ErrNotFound)
		_, _, err = st.Load(ctx, "ns", "alice", "s1", "missing.txt", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list keys and delete", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Save(ctx, "ns", "alice", "s1", "b.txt", []byte("b"), "text/plain")
		require.NoError(t, err)
		_, err = st.Save(ctx, "ns", "alice", "s1", "a.txt", []byte("a"), "text/plain")
		require.NoError(t, err)
		_, err = st.Save(ctx, "ns", "alice", "other", "c.txt", []byte("c"), "text/plain")
		require.NoError(t, err)

		keys, err := st.ListKeys(ctx, "ns", "alice", "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "b.txt"}, keys)

		require.NoError(t, st.Delete(ctx, "ns", "alice", "s1", "a.txt"))
		keys, err = st.ListKeys(ctx, "ns", "alice", "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"b.txt"}, keys)

		assert.ErrorIs(t, st.Delete(ctx, "ns", "alice", "s1", "a.txt"), ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestFilesystemStore(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) Store {
		st, err := NewFilesystemStore(t.TempDir())
		require.NoError(t, err)
		return st
	})
}

func TestFilesystemStoreEscapesFilenames(t *testing.T) {
	ctx := context.Background()
	st, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = st.Save(ctx, "ns", "alice", "s1", "../escape.txt", []byte("x"), "text/plain")
	require.NoError(t, err)
	data, _, err := st.Load(ctx, "ns", "alice", "s1", "../escape.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	keys, err := st.ListKeys(ctx, "ns", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"../escape.txt"}, keys)
}

func newTestService(overrides *config.Overrides) *Service {
	return NewService(NewMemoryStore(), "myorg/prod/", "agent-a", ScopeNamespace, overrides, logger.Default())
}

func TestServiceScopeOverride(t *testing.T) {
	overrides := config.NewOverrides()
	svc := newTestService(overrides)
	assert.Equal(t, "myorg/prod", svc.Scope())

	overrides.Set(ScopeOverrideKey, ScopeApp)
	assert.Equal(t, "agent-a", svc.Scope(), "override checked at call time")

	overrides.Reset()
	assert.Equal(t, "myorg/prod", svc.Scope())
}

func TestAgentDefaultFallback(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(nil)

	_, err := svc.Save(ctx, AgentDefaultsUser, "s1", "prompt.md", []byte("default"), "text/markdown")
	require.NoError(t, err)

	// Per-user miss falls back to the default.
	data, _, err := svc.Load(ctx, "alice", "s1", "prompt.md", nil)
	require.NoError(t, err)
	assert.Equal(t, "default", string(data))

	// A user save shadows the default.
	_, err = svc.Save(ctx, "alice", "s1", "prompt.md", []byte("mine"), "text/markdown")
	require.NoError(t, err)
	data, _, err = svc.Load(ctx, "alice", "s1", "prompt.md", nil)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))
}

func TestDeleteDefaultRejected(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(nil)

	_, err := svc.Save(ctx, AgentDefaultsUser, "s1", "prompt.md", []byte("default"), "text/markdown")
	require.NoError(t, err)

	err = svc.Delete(ctx, "alice", "s1", "prompt.md")
	assert.ErrorIs(t, err, ErrDefaultProtected)

	// The defaults owner can delete it.
	require.NoError(t, svc.Delete(ctx, AgentDefaultsUser, "s1", "prompt.md"))

	// Deleting a shadowing copy leaves the default in place.
	_, err = svc.Save(ctx, AgentDefaultsUser, "s1", "logo.png", []byte("d"), "image/png")
	require.NoError(t, err)
	_, err = svc.Save(ctx, "alice", "s1", "logo.png", []byte("u"), "image/png")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "alice", "s1", "logo.png"))
	data, _, err := svc.Load(ctx, "alice", "s1", "logo.png", nil)
	require.NoError(t, err)
	assert.Equal(t, "d", string(data))
}

func TestMergedListings(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(nil)

	_, err := svc.Save(ctx, AgentDefaultsUser, "s1", "prompt.md", []byte("d"), "text/markdown")
	require.NoError(t, err)
	_, err = svc.Save(ctx, AgentDefaultsUser, "s1", "logo.png", []byte("d"), "image/png")
	require.NoError(t, err)
	_, err = svc.Save(ctx, "alice", "s1", "prompt.md", []byte("u"), "text/markdown")
	require.NoError(t, err)
	_, err = svc.Save(ctx, "alice", "s1", "notes.txt", []byte("u"), "text/plain")
	require.NoError(t, err)

	keys, err := svc.ListKeys(ctx, "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"logo.png", "notes.txt", "prompt.md"}, keys)
}

func TestURIRoundTrip(t *testing.T) {
	uri := URI{Scope: "myorg/prod", User: "alice", Session: "s1", Filename: "report 1.txt", Version: intPtr(2)}
	raw := uri.String()
	parsed, err := ParseURI(raw)
	require.NoError(t, err)
	assert.Equal(t, uri.Scope, parsed.Scope)
	assert.Equal(t, uri.User, parsed.User)
	assert.Equal(t, uri.Session, parsed.Session)
	assert.Equal(t, uri.Filename, parsed.Filename)
	require.NotNil(t, parsed.Version)
	assert.Equal(t, 2, *parsed.Version)

	latest, err := ParseURI("artifact://ns/alice/s1/report.txt")
	require.NoError(t, err)
	assert.Nil(t, latest.Version)
}

func TestParseURIRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"http://ns/alice/s1/report.txt",
		"artifact://ns/alice/report.txt",
		"artifact:///alice/s1/report.txt",
		"artifact://ns/alice/s1/report.txt?version=-1",
		"artifact://ns/alice/s1/report.txt?version=latest",
	} {
		_, err := ParseURI(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseURIMultiLevelScope(t *testing.T) {
	parsed, err := ParseURI("artifact://myorg/prod/alice/s1/report.txt")
	require.NoError(t, err)
	assert.Equal(t, "myorg/prod", parsed.Scope)
	assert.Equal(t, "alice", parsed.User)
	assert.Equal(t, "s1", parsed.Session)
	assert.Equal(t, "report.txt", parsed.Filename)
}

func TestResolveURIHonoursEmbeddedScope(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, "myorg/prod/", "agent-a", ScopeNamespace, nil, logger.Default())

	_, err := store.Save(ctx, "other-app", "alice", "s1", "x.txt", []byte("appscoped"), "text/plain")
	require.NoError(t, err)

	data, meta, err := svc.ResolveURI(ctx, "artifact://other-app/alice/s1/x.txt")
	require.NoError(t, err)
	assert.Equal(t, "appscoped", string(data))
	assert.Equal(t, 0, meta.Version)
}
