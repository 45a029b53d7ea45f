package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progressdb/openmemory-core/internal/config"
)

func Test_Default_IsValid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, config.Validate(config.Default()))
}

func Test_Load_AppliesYAMLThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openmemory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("graph_cache_size: 100\ndecay_default_rate: 0.05\n"), 0o600))

	t.Setenv("OPENMEMORY_GRAPH_CACHE_SIZE", "500")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.GraphCacheSize)
	assert.Equal(t, 0.05, cfg.DecayDefaultRate)
}

func Test_Validate_RejectsShortPrimarySecretWhenEncryptionEnabled(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.EncryptionEnabled = true
	cfg.EncryptionPrimarySecret = "short"
	assert.Error(t, config.Validate(cfg))
}

func Test_Validate_RequiresPostgresDSNForRemoteRelational(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.MetadataBackend = config.BackendRemoteRelational
	assert.Error(t, config.Validate(cfg))

	cfg.PostgresDSN = "postgres://localhost/openmemory"
	assert.NoError(t, config.Validate(cfg))
}

func Test_Validate_RejectsUnknownBackend(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.MetadataBackend = "bogus"
	assert.Error(t, config.Validate(cfg))
}
