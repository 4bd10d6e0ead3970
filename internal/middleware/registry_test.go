package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyingResolver struct {
	defaultConfigResolver
}

func (denyingResolver) ValidateAgentAccess(_ context.Context, _ string, _ UserConfig, _ ValidationContext) error {
	return assert.AnError
}

func TestDefaultsArePermissive(t *testing.T) {
	r := Get()
	t.Cleanup(r.ResetBindings)

	cr := r.ConfigResolver()
	cfg, err := cr.ResolveUserConfig(context.Background(), "alice", UserConfig{"role": "admin"})
	require.NoError(t, err)
	assert.Equal(t, "admin", cfg["role"])

	assert.NoError(t, cr.ValidateAgentAccess(context.Background(), "planner", cfg, ValidationContext{}))
	assert.NoError(t, cr.ValidateOperationConfig(context.Background(), cfg, OperationSpec{}, ValidationContext{}))
}

func TestDenyAllSetting(t *testing.T) {
	r := Get()
	t.Cleanup(r.ResetBindings)

	cfg := UserConfig{SettingDenyAll: true}
	err := r.ConfigResolver().ValidateOperationConfig(context.Background(), cfg,
		OperationSpec{OperationType: "control_plane_access"}, ValidationContext{})
	assert.Error(t, err)
}

func TestRebindAndReset(t *testing.T) {
	r := Get()
	t.Cleanup(r.ResetBindings)

	r.BindConfigResolver(denyingResolver{})
	assert.Error(t, r.ConfigResolver().ValidateAgentAccess(context.Background(), "planner", nil, ValidationContext{}))
	assert.Equal(t, "custom", r.Status()["config_resolver"])

	r.ResetBindings()
	assert.NoError(t, r.ConfigResolver().ValidateAgentAccess(context.Background(), "planner", nil, ValidationContext{}))
	assert.Equal(t, "default", r.Status()["config_resolver"])
}

func TestCallbacksRunInOrder(t *testing.T) {
	r := Get()
	t.Cleanup(r.ResetBindings)

	var order []int
	r.AddInitializationCallback(func(context.Context) error { order = append(order, 1); return nil })
	r.AddInitializationCallback(func(context.Context) error { order = append(order, 2); return nil })
	require.NoError(t, r.RunInitializationCallbacks(context.Background()))
	assert.Equal(t, []int{1, 2}, order)

	var gotURL string
	r.AddPostMigrationHook(func(_ context.Context, dbURL string) error { gotURL = dbURL; return nil })
	require.NoError(t, r.RunPostMigrationHooks(context.Background(), "file:mesh.db"))
	assert.Equal(t, "file:mesh.db", gotURL)
}
