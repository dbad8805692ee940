package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 15*time.Minute, cfg.EditWindow)
	assert.Equal(t, 8*time.Second, cfg.TypingTTL)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, "0.0.0.0:8000", cfg.HTTPAddr())
	assert.NotEmpty(t, cfg.NodeID)
	assert.Empty(t, cfg.CacheURL)
	assert.Empty(t, cfg.AMQPURL)
}

func TestLoadEnvFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("EDIT_WINDOW=30m\nTURN_URIS=turn:a:3478, turn:b:3478\n"), 0o600))

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("HTTP_PORT", "9001")
	// godotenv never overrides a set variable, even an empty one; t.Setenv
	// restores the original state after the test.
	for _, key := range []string{"EDIT_WINDOW", "TURN_URIS"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load(filepath.Join(dir, "missing.env"), path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.EditWindow)
	assert.Equal(t, []string{"turn:a:3478", "turn:b:3478"}, cfg.TURNURIs)
	assert.Equal(t, 9001, cfg.Port)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_DRIVER", "mysql")
	_, err := Load()
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
