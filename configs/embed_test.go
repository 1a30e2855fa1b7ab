package configs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanindex/internal/config"
)

func TestTemplates_LoadAsDefaults(t *testing.T) {
	// Given: both templates written where Load looks for them
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	userPath := config.GetUserConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(userPath), 0o755))
	require.NoError(t, os.WriteFile(userPath, []byte(UserConfigTemplate), 0o644))

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, config.ProjectConfigFile), []byte(ProjectConfigTemplate), 0o644))

	// When: loading
	cfg, err := config.Load(root)

	// Then: the commented templates change nothing
	require.NoError(t, err)
	want := config.NewConfig()
	assert.Equal(t, want.Embedder, cfg.Embedder)
	assert.Equal(t, want.Watch, cfg.Watch)
	assert.Equal(t, want.Store, cfg.Store)
}
