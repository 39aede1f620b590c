package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "go", cfg.Forge.Toolchain)
	assert.Equal(t, ModeCompiled, cfg.Forge.Mode)
	assert.True(t, cfg.Forge.RequireAuthorization, "authorization must be required by default")
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Forge.Toolchain, cfg.Forge.Toolchain)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
forge:
  toolchain: /usr/local/go/bin/go
  mode: interpreted
  compile_timeout: 90s
logging:
  debug_mode: true
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/go/bin/go", cfg.Forge.Toolchain)
	assert.Equal(t, ModeInterpreted, cfg.Forge.Mode)
	assert.Equal(t, "90s", cfg.Forge.CompileTimeout)
	assert.True(t, cfg.Logging.DebugMode)
	// Untouched sections keep defaults.
	assert.Equal(t, DefaultConfig().Store.DatabasePath, cfg.Store.DatabasePath)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORGE_TOOLCHAIN", "tinygo")
	t.Setenv("FORGE_MODE", "interpreted")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "tinygo", cfg.Forge.Toolchain)
	assert.Equal(t, ModeInterpreted, cfg.Forge.Mode)
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Forge.Mode = "jit"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Forge.CompileTimeout = "soon"
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Forge.Toolchain = "go1.24"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "go1.24", loaded.Forge.Toolchain)
}
