package embeds

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/artifact"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

func newResolver() *Resolver {
	return NewResolver("", "", 0, logger.Default())
}

func TestNoEmbedIsIdentity(t *testing.T) {
	r := newResolver()
	in := "plain text, no templates here"
	out, signals := r.ResolveEarly(context.Background(), in, nil)
	assert.Equal(t, in, out)
	assert.Empty(t, signals)
}

func TestSingleEmbedSubstitution(t *testing.T) {
	r := newResolver()
	r.Register("greet", PhaseEarly, func(_ context.Context, expr string, _ *RequestContext) (string, *Signal, error) {
		return "hello " + expr, nil, nil
	})
	out, signals := r.ResolveEarly(context.Background(), "say «greet:world» now", nil)
	assert.Equal(t, "say hello world now", out)
	assert.Empty(t, signals)
}

func TestUUIDAndDatetime(t *testing.T) {
	r := newResolver()
	out, _ := r.ResolveEarly(context.Background(), "id=«uuid:»", nil)
	id := strings.TrimPrefix(out, "id=")
	_, err := uuid.Parse(id)
	assert.NoError(t, err)

	out, _ = r.ResolveEarly(context.Background(), "«datetime:2006»", nil)
	year := time.Now().UTC().Format("2006")
	assert.Equal(t, year, out)
}

func TestStatusUpdateSignal(t *testing.T) {
	r := newResolver()
	out, signals := r.ResolveEarly(context.Background(), "working«status_update:step 2 of 5» on it", nil)
	assert.Equal(t, "working on it", out)
	require.Len(t, signals, 1)
	assert.Equal(t, SignalStatusUpdate, signals[0].Kind)
	assert.Equal(t, "step 2 of 5", signals[0].Data)
	assert.Equal(t, len([]rune("working")), signals[0].Index)
}

func TestPhasesDoNotCross(t *testing.T) {
	r := newResolver()
	r.Register("late_thing", PhaseLate, func(_ context.Context, _ string, _ *RequestContext) (string, *Signal, error) {
		return "LATE", nil, nil
	})
	in := "«uuid:» and «late_thing:x»"

	out, _ := r.ResolveEarly(context.Background(), in, nil)
	assert.Contains(t, out, "«late_thing:x»", "late embeds survive the early pass")
	assert.NotContains(t, out, "«uuid:»")

	out, _ = r.ResolveLate(context.Background(), out, nil)
	assert.Contains(t, out, "LATE")
}

func TestUnknownTypeLeftVerbatim(t *testing.T) {
	r := newResolver()
	in := "keep «nosuchtype:abc» as is"
	out, _ := r.ResolveEarly(context.Background(), in, nil)
	assert.Equal(t, in, out)
}

func TestHandlerErrorKeepsOriginal(t *testing.T) {
	r := newResolver()
	r.Register("boom", PhaseEarly, func(_ context.Context, _ string, _ *RequestContext) (string, *Signal, error) {
		return "", nil, assert.AnError
	})
	in := "before «boom:x» after"
	out, _ := r.ResolveEarly(context.Background(), in, nil)
	assert.Equal(t, in, out)
}

func TestRecursionBoundedByMaxDepth(t *testing.T) {
	r := NewResolver("", "", 2, logger.Default())
	// Each resolution produces another embed of the same type.
	r.Register("loop", PhaseEarly, func(_ context.Context, expr string, _ *RequestContext) (string, *Signal, error) {
		return "«loop:" + expr + "x»", nil, nil
	})
	out, _ := r.ResolveEarly(context.Background(), "«loop:a»", nil)
	assert.Equal(t, "«loop:axx»", out, "stops after maxDepth passes")
}

func TestRecursiveSubstitution(t *testing.T) {
	r := newResolver()
	r.Register("outer", PhaseEarly, func(_ context.Context, _ string, _ *RequestContext) (string, *Signal, error) {
		return "«inner:y»", nil, nil
	})
	r.Register("inner", PhaseEarly, func(_ context.Context, expr string, _ *RequestContext) (string, *Signal, error) {
		return "resolved-" + expr, nil, nil
	})
	out, _ := r.ResolveEarly(context.Background(), "«outer:x»", nil)
	assert.Equal(t, "resolved-y", out)
}

func TestIsContainer(t *testing.T) {
	r := newResolver()
	assert.True(t, r.IsContainer("text/plain", "has «uuid:» inside"))
	assert.True(t, r.IsContainer("application/json", `{"v":"«uuid:»"}`))
	assert.False(t, r.IsContainer("text/plain", "no embeds"))
	assert.False(t, r.IsContainer("image/png", "binary with « byte"))
}

func TestArtifactEmbeds(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	svc := artifact.NewService(store, "ns/", "app", artifact.ScopeNamespace, config.NewOverrides(), logger.Default())
	_, err := svc.Save(ctx, "alice", "s1", "notes.txt", []byte("first"), "text/plain")
	require.NoError(t, err)
	_, err = svc.Save(ctx, "alice", "s1", "notes.txt", []byte("second"), "text/plain")
	require.NoError(t, err)

	r := newResolver()
	RegisterArtifactHandlers(r, svc)
	rctx := &RequestContext{TaskID: "t1", UserID: "alice", SessionID: "s1"}

	out, _ := r.ResolveLate(ctx, "content: «artifact_content:notes.txt»", rctx)
	assert.Equal(t, "content: second", out)

	out, _ = r.ResolveLate(ctx, "«artifact_content:notes.txt:0»", rctx)
	assert.Equal(t, "first", out)

	out, _ = r.ResolveLate(ctx, "«artifact_meta:notes.txt»", rctx)
	assert.Contains(t, out, `"version":1`)
	assert.Contains(t, out, `"filename":"notes.txt"`)

	// A missing artifact keeps the embed verbatim.
	in := "«artifact_content:missing.txt»"
	out, _ = r.ResolveLate(ctx, in, rctx)
	assert.Equal(t, in, out)
}
