package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	c, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "default", c.Ledger)
	assert.Equal(t, 100*time.Millisecond, c.Merge.Debounce)
	assert.Equal(t, PolicyLWW, c.Merge.Policy)
	assert.Equal(t, 30*time.Second, c.Cloud.PollInterval)
	assert.Equal(t, 100*time.Millisecond, c.Cloud.Backoff.Initial)
	assert.Equal(t, time.Minute, c.Cloud.Backoff.Max)
	assert.Equal(t, 10*time.Second, c.P2P.RequestTimeout)
	assert.Equal(t, 1024, c.Sync.PendingLimit)
	assert.Equal(t, 5*time.Minute, c.Sync.PendingTTL)
	assert.Equal(t, 1024, c.Storage.ObjectCache)
	assert.True(t, c.Storage.Compress)
	assert.Empty(t, c.Metrics.Listen)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pagesync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/var/lib/pagesync"
ledger = "notes"

[merge]
debounce = "250ms"

[cloud]
enabled = true
poll_interval = "5s"

[p2p]
enabled = true
listen = ":7420"
peers = ["ws://laptop:7420/sync", "ws://phone:7420/sync"]
`), 0644))
	t.Setenv("PAGESYNC_LEDGER", "journal")
	t.Setenv("PAGESYNC_LOG_LEVEL", "debug")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/pagesync", c.DataDir)
	assert.Equal(t, "journal", c.Ledger)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 250*time.Millisecond, c.Merge.Debounce)
	assert.True(t, c.Cloud.Enabled)
	assert.Equal(t, 5*time.Second, c.Cloud.PollInterval)
	assert.Equal(t, []string{"ws://laptop:7420/sync", "ws://phone:7420/sync"}, c.P2P.Peers)
	assert.Equal(t, filepath.Join("/var/lib/pagesync", "journal.db"), c.DbPath())
	assert.Equal(t, filepath.Join("/var/lib/pagesync", "identity.json"), c.IdentityPath())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		v := viper.New()
		SetDefaults(v)
		c, err := LoadWithViper(v)
		require.NoError(t, err)
		return c
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"ledger with slash", func(c *Config) { c.Ledger = "a/b" }},
		{"unknown policy", func(c *Config) { c.Merge.Policy = "first-wins" }},
		{"negative debounce", func(c *Config) { c.Merge.Debounce = -time.Second }},
		{"cloud without api", func(c *Config) { c.Cloud.Enabled = true; c.Cloud.KuboAPI = "" }},
		{"backoff max below initial", func(c *Config) { c.Cloud.Backoff.Max = time.Millisecond }},
		{"zero request timeout", func(c *Config) { c.P2P.RequestTimeout = 0 }},
		{"zero pending limit", func(c *Config) { c.Sync.PendingLimit = 0 }},
		{"negative object cache", func(c *Config) { c.Storage.ObjectCache = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, valid().Validate())
}
