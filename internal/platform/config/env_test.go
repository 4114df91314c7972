package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	NodeID   string        `env:"ARENA_TEST_NODE_ID" envDefault:"node-1"`
	Interval time.Duration `env:"ARENA_TEST_INTERVAL" envDefault:"50ms"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg sample
	require.NoError(t, ParseEnv(&cfg))
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, 50*time.Millisecond, cfg.Interval)
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("ARENA_TEST_NODE_ID", "node-9")
	var cfg sample
	require.NoError(t, ParseEnv(&cfg))
	assert.Equal(t, "node-9", cfg.NodeID)
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("ARENA_TEST_NODE_ID=from-file\n"), 0o600))
	t.Setenv("ARENA_TEST_NODE_ID", "from-env")

	require.NoError(t, LoadDotEnv(path))
	var cfg sample
	require.NoError(t, ParseEnv(&cfg))
	assert.Equal(t, "from-env", cfg.NodeID)
}
