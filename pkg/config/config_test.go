package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcsobral/customer-tools/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "projects", cfg.Table)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 100, cfg.Total)
	assert.Equal(t, ".projectBinaryData.B", cfg.BinaryPath)
	assert.Equal(t, ".projectData.S", cfg.TextPath)
}

func TestLoad(t *testing.T) {
	t.Run("overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
source: sqlite:///var/lib/extract/projects.db
table: archive
batchSize: 50
timeout: 30s
headers:
  Authorization: Bearer abc
textPath: .attrs.payload.S
`)
		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, "sqlite:///var/lib/extract/projects.db", cfg.Source)
		assert.Equal(t, "archive", cfg.Table)
		assert.Equal(t, 50, cfg.BatchSize)
		assert.Equal(t, 30*time.Second, cfg.Timeout)
		assert.Equal(t, map[string]string{"Authorization": "Bearer abc"}, cfg.Headers)
		assert.Equal(t, ".attrs.payload.S", cfg.TextPath)
		assert.Equal(t, 100, cfg.Total)
		assert.Equal(t, ".projectBinaryData.B", cfg.BinaryPath)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := config.Load(writeConfig(t, "batchsize: 10\n"))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *config.Config)
		wantMsg string
	}{
		{
			name:    "zero batch size",
			modify:  func(c *config.Config) { c.BatchSize = 0 },
			wantMsg: "batchSize must be at least 1",
		},
		{
			name:    "too many workers",
			modify:  func(c *config.Config) { c.Workers = 1000 },
			wantMsg: "workers must be at most 256",
		},
		{
			name:    "empty table",
			modify:  func(c *config.Config) { c.Table = "" },
			wantMsg: "table is required",
		},
		{
			name:    "invalid path",
			modify:  func(c *config.Config) { c.BinaryPath = "projectBinaryData" },
			wantMsg: `binaryPath "projectBinaryData" is not a valid path`,
		},
		{
			name:   "negative total is allowed",
			modify: func(c *config.Config) { c.Total = -1 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, config.ErrInvalid)
			assert.ErrorContains(t, err, tt.wantMsg)
		})
	}
}

func TestConfig_Paths(t *testing.T) {
	binary, text, err := config.Default().Paths()
	require.NoError(t, err)
	assert.Equal(t, ".projectBinaryData.B", binary.Path.String())
	assert.Equal(t, "H4sIAAAAAAAC/6uuBQBDv6ajAgAAAA==", binary.Default)
	assert.Equal(t, ".projectData.S", text.Path.String())
	assert.Equal(t, "{}", text.Default)
}
