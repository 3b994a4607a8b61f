package app

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/permission"
)

func newTestApp(t *testing.T, cfg *config.Config, autoApprove bool) *App {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	a, err := New(Options{
		WorkDir:     t.TempDir(),
		Config:      cfg,
		StoragePath: filepath.Join(t.TempDir(), "storage"),
		AutoApprove: autoApprove,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNewWiresComponents(t *testing.T) {
	cfg := &config.Config{
		Provider: map[string]config.ProviderConfig{
			"anthropic": {APIKey: "sk-test"},
		},
	}
	a := newTestApp(t, cfg, false)

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Bus)
	assert.NotNil(t, a.Engine)
	assert.NotNil(t, a.Sessions)
	assert.NotNil(t, a.Snapshots)
	assert.NotNil(t, a.Permissions)

	_, err := a.Providers.Get("anthropic")
	assert.NoError(t, err)
}

func TestNewAutoApproveSkipsPermissions(t *testing.T) {
	a := newTestApp(t, &config.Config{}, true)
	assert.Nil(t, a.Permissions)
}

func TestNewDisabledProviderSkipped(t *testing.T) {
	cfg := &config.Config{
		Provider: map[string]config.ProviderConfig{
			"anthropic": {APIKey: "sk-test", Disabled: true},
		},
	}
	a := newTestApp(t, cfg, true)
	_, err := a.Providers.Get("anthropic")
	assert.Error(t, err)
}

func TestNewRejectsMalformedModel(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())

	_, err := New(Options{
		WorkDir: t.TempDir(),
		Config:  &config.Config{Model: "not-a-model-ref"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model")
}

func TestBuildAgentsLayersOverBuiltin(t *testing.T) {
	temp := 0.2
	cfg := &config.Config{
		Agent: map[string]config.AgentConfig{
			"plan": {
				Temperature:   &temp,
				DisabledTools: []string{"glob"},
				Permission:    map[string]string{"read": "ask"},
			},
		},
	}
	agents := buildAgents(cfg)
	require.Contains(t, agents, "plan")

	plan := agents["plan"]
	assert.Equal(t, &temp, plan.Temperature)
	// Builtin plan restrictions survive the overlay.
	assert.False(t, plan.ToolEnabled("write"))
	assert.False(t, plan.ToolEnabled("glob"))
	assert.Equal(t, permission.ActionAsk, plan.PermissionFor("read"))
}
