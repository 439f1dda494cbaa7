package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediahunt/mediahunt/internal/downloadclient"
	"github.com/mediahunt/mediahunt/internal/indexer"
	"github.com/mediahunt/mediahunt/internal/nntp"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"empty instance", func(c *Config) { c.InstanceID = "" }, "instance_id"},
		{"bad state backend", func(c *Config) { c.State.Backend = "redis" }, "state backend"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"empty temp dir", func(c *Config) { c.NZB.TempDir = "" }, "temp_dir"},
		{"bad torrent port", func(c *Config) { c.Torrent.ListenPort = 70000 }, "listen_port"},
		{"bad encryption", func(c *Config) { c.Torrent.Encryption = "rot13" }, "encryption"},
		{"indexer without url", func(c *Config) {
			c.Indexers = append(c.Indexers, testIndexer("idx", ""))
		}, "base_url"},
		{"indexer priority out of range", func(c *Config) {
			idx := testIndexer("idx", "https://x")
			idx.Priority = 100
			c.Indexers = append(c.Indexers, idx)
		}, "priority"},
		{"client without host", func(c *Config) {
			c.Clients = append(c.Clients, downloadclient.Config{Name: "sab", Type: downloadclient.TypeSABnzbd})
		}, "host"},
		{"client unknown type", func(c *Config) {
			c.Clients = append(c.Clients, downloadclient.Config{Name: "x", Type: "deluge"})
		}, "unknown type"},
		{"server without host", func(c *Config) {
			c.Servers = append(c.Servers, nntp.ServerConfig{Port: 563, MaxConnections: 4})
		}, "server 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func testIndexer(name, baseURL string) indexer.Config {
	return indexer.Config{Name: name, BaseURL: baseURL, Priority: 1}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.InstanceID)
	assert.Equal(t, "file", cfg.State.Backend)
}

func TestLoadConfigReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
instance_id: movies
log:
  level: debug
servers:
  - name: primary
    host: news.example.com
    port: 563
    tls: true
    max_connections: 20
    priority: 1
    enabled: true
indexers:
  - name: nzbindex
    base_url: https://indexer.example/api
    api_key: secret
    priority: 5
    enabled: true
download_clients:
  - name: engine
    type: nzb_engine
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "movies", cfg.InstanceID)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "news.example.com", cfg.Servers[0].Host)
	assert.True(t, cfg.Servers[0].TLS)
	require.Len(t, cfg.Indexers, 1)
	assert.Equal(t, 5, cfg.Indexers[0].Priority)
	require.Len(t, cfg.Clients, 1)
	assert.Equal(t, "nzb_engine", cfg.Clients[0].Type)

	// Unset sections keep their defaults.
	assert.Equal(t, "./downloads", cfg.NZB.DownloadDir)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.InstanceID = "roundtrip"

	require.NoError(t, SaveToFile(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.InstanceID)
}

func TestManagerUpdateNotifiesCallbacks(t *testing.T) {
	manager := NewManager(DefaultConfig(), "")

	var gotOld, gotNew *Config
	manager.OnConfigChange(func(oldConfig, newConfig *Config) {
		gotOld, gotNew = oldConfig, newConfig
	})

	updated := DefaultConfig()
	updated.Log.Level = "debug"
	require.NoError(t, manager.UpdateConfig(updated))

	require.NotNil(t, gotOld)
	assert.Equal(t, "info", gotOld.Log.Level)
	assert.Equal(t, "debug", gotNew.Log.Level)
	assert.Equal(t, "debug", manager.GetConfig().Log.Level)
}

func TestManagerUpdateRejectsInvalid(t *testing.T) {
	manager := NewManager(DefaultConfig(), "")

	bad := DefaultConfig()
	bad.InstanceID = ""
	require.Error(t, manager.UpdateConfig(bad))
	assert.Equal(t, "default", manager.GetConfig().InstanceID)
}

func TestServersEqual(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	assert.True(t, ServersEqual(a, b))

	server := nntp.ServerConfig{Name: "s", Host: "h", Port: 119, MaxConnections: 4, Enabled: true}
	a.Servers = append(a.Servers, server)
	assert.False(t, ServersEqual(a, b))

	b.Servers = append(b.Servers, server)
	assert.True(t, ServersEqual(a, b))

	b.Servers[0].Password = "changed"
	assert.False(t, ServersEqual(a, b))
}
