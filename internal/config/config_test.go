package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad rest scheme", func(c *Config) { c.Server.RestURL = "ftp://x" }},
		{"bad ws scheme", func(c *Config) { c.Server.WSURL = "http://x" }},
		{"no ice servers", func(c *Config) { c.ICE.Servers = nil }},
		{"bad ice url", func(c *Config) { c.ICE.Servers = []ICEServer{{URLs: []string{"http://stun"}}} }},
		{"zero width", func(c *Config) { c.Media.Width = 0 }},
		{"empty data dir", func(c *Config) { c.Paths.DataDir = " " }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"negative user id", func(c *Config) { c.User.ID = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btalk.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user":{"id":7}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.User.ID)
	// Everything else falls back to defaults.
	assert.Equal(t, Default().Server.WSURL, cfg.Server.WSURL)
	assert.NotEmpty(t, cfg.ICE.Servers)
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btalk.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"user":{"id":7}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.User.ID)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btalk.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user":{"id":7},"server":{"token":"file-token"}}`), 0o644))

	t.Setenv("BTALK_TOKEN", "env-token")
	t.Setenv("BTALK_USER_ID", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Server.Token)
	assert.Equal(t, int64(42), cfg.User.ID)
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btalk.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)
	assert.Equal(t, Default().Server.RestURL, cfg.Server.RestURL)

	// Second call loads the existing file.
	_, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.ICE.Servers = nil
	assert.Error(t, Save(filepath.Join(t.TempDir(), "btalk.json"), cfg))
}
