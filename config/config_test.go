package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "weft.db", cfg.Database.Path)
	assert.Equal(t, "identity-queue", cfg.Queue.Dir)
	assert.Empty(t, cfg.Queue.ImportDir)
	assert.Equal(t, 5*time.Second, cfg.Processor.Delay())
	assert.Equal(t, 0, cfg.Processor.MaxFilesPerMinute)
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, `
[database]
path = "/var/lib/weft/weft.db"

[queue]
dir = "/var/lib/weft/queue"
import_dir = "/var/lib/weft/import"

[processor]
delay_ms = 250
max_files_per_minute = 120
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/weft/weft.db", cfg.Database.Path)
	assert.Equal(t, "/var/lib/weft/queue", cfg.Queue.Dir)
	assert.Equal(t, "/var/lib/weft/import", cfg.Queue.ImportDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Processor.Delay())
	assert.Equal(t, 120, cfg.Processor.MaxFilesPerMinute)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, `
[processor]
delay_ms = 100
`))
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.Processor.Delay())
	assert.Equal(t, "weft.db", cfg.Database.Path)
	assert.Equal(t, "identity-queue", cfg.Queue.Dir)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WEFT_DATABASE_PATH", "/tmp/env-override.db")
	t.Setenv("WEFT_PROCESSOR_DELAY_MS", "750")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env-override.db", cfg.Database.Path)
	assert.Equal(t, 750*time.Millisecond, cfg.Processor.Delay())
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}
