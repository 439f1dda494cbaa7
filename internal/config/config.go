// Package config defines the application configuration, its defaults and
// validation, and a manager that supports live reload with change
// callbacks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mediahunt/mediahunt/internal/downloadclient"
	"github.com/mediahunt/mediahunt/internal/indexer"
	"github.com/mediahunt/mediahunt/internal/nntp"
	"github.com/mediahunt/mediahunt/internal/nzbengine"
	"github.com/mediahunt/mediahunt/internal/orchestrator"
	"github.com/mediahunt/mediahunt/internal/postprocess"
	"github.com/mediahunt/mediahunt/internal/torrent"
)

// Config is the complete application configuration.
type Config struct {
	InstanceID string `yaml:"instance_id" mapstructure:"instance_id"`

	Log      LogConfig               `yaml:"log" mapstructure:"log"`
	State    StateConfig             `yaml:"state" mapstructure:"state"`
	Debug    DebugConfig             `yaml:"debug" mapstructure:"debug"`
	NZB      NZBConfig               `yaml:"nzb" mapstructure:"nzb"`
	Torrent  TorrentConfig           `yaml:"torrent" mapstructure:"torrent"`
	Tools    ToolsConfig             `yaml:"tools" mapstructure:"tools"`
	Acquire  AcquireConfig           `yaml:"acquire" mapstructure:"acquire"`
	Arr      ArrConfig               `yaml:"arr" mapstructure:"arr"`
	Servers  []nntp.ServerConfig     `yaml:"servers" mapstructure:"servers"`
	Indexers []indexer.Config        `yaml:"indexers" mapstructure:"indexers"`
	Clients  []downloadclient.Config `yaml:"download_clients" mapstructure:"download_clients"`
}

// LogConfig controls logging output and rotation.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// StateConfig locates the persistent state store.
type StateConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend" mapstructure:"backend"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// DebugConfig controls the optional metrics/pprof listener.
type DebugConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
}

// NZBConfig configures the NZB engine child.
type NZBConfig struct {
	TempDir      string            `yaml:"temp_dir" mapstructure:"temp_dir"`
	DownloadDir  string            `yaml:"download_dir" mapstructure:"download_dir"`
	CategoryDirs map[string]string `yaml:"category_dirs" mapstructure:"category_dirs"`
	FetchWorkers int               `yaml:"fetch_workers" mapstructure:"fetch_workers"`
}

// TorrentConfig configures the torrent engine child.
type TorrentConfig struct {
	ListenPort      int           `yaml:"listen_port" mapstructure:"listen_port"`
	DownloadDir     string        `yaml:"download_dir" mapstructure:"download_dir"`
	ResumeDir       string        `yaml:"resume_dir" mapstructure:"resume_dir"`
	ActiveDownloads int           `yaml:"active_downloads" mapstructure:"active_downloads"`
	ActiveSeeds     int           `yaml:"active_seeds" mapstructure:"active_seeds"`
	ActiveLimit     int           `yaml:"active_limit" mapstructure:"active_limit"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	DHT             bool          `yaml:"dht" mapstructure:"dht"`
	LSD             bool          `yaml:"lsd" mapstructure:"lsd"`
	PortForwarding  bool          `yaml:"port_forwarding" mapstructure:"port_forwarding"`
	SeedRatioLimit  float64       `yaml:"seed_ratio_limit" mapstructure:"seed_ratio_limit"`
	SeedTimeLimit   time.Duration `yaml:"seed_time_limit" mapstructure:"seed_time_limit"`
	Encryption      string        `yaml:"encryption" mapstructure:"encryption"`
}

// ToolsConfig locates the external post-processing binaries.
type ToolsConfig struct {
	Par2Bin     string `yaml:"par2" mapstructure:"par2"`
	UnrarBin    string `yaml:"unrar" mapstructure:"unrar"`
	SevenZipBin string `yaml:"seven_zip" mapstructure:"seven_zip"`
}

// AcquireConfig tunes the acquisition orchestrator.
type AcquireConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	ImportWorkers int           `yaml:"import_workers" mapstructure:"import_workers"`
}

// ArrConfig points at an optional Radarr-compatible application notified
// after imports.
type ArrConfig struct {
	URL    string `yaml:"url" mapstructure:"url"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		InstanceID: "default",
		Log: LogConfig{
			Level:      "info",
			MaxSize:    50,
			MaxAge:     28,
			MaxBackups: 5,
		},
		State: StateConfig{
			Backend: "file",
			Dir:     "./state",
		},
		Debug: DebugConfig{
			ListenAddr: "127.0.0.1:9712",
		},
		NZB: NZBConfig{
			TempDir:     "./incomplete",
			DownloadDir: "./downloads",
		},
		Torrent: TorrentConfig{
			ListenPort:  42069,
			DownloadDir: "./downloads",
			ResumeDir:   "./state/resume",
			DHT:         true,
			LSD:         true,
		},
		Acquire: AcquireConfig{
			PollInterval:  90 * time.Second,
			ImportWorkers: 2,
		},
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("instance_id cannot be empty")
	}

	switch c.State.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("state backend must be file or sqlite")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state dir cannot be empty")
	}

	if c.Log.Level != "" {
		switch c.Log.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("log.level must be one of: debug, info, warn, error")
		}
	}
	if c.Log.MaxSize < 0 || c.Log.MaxAge < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log rotation settings must be non-negative")
	}

	if c.NZB.TempDir == "" {
		return fmt.Errorf("nzb temp_dir cannot be empty")
	}
	if c.NZB.DownloadDir == "" {
		return fmt.Errorf("nzb download_dir cannot be empty")
	}
	if c.NZB.FetchWorkers < 0 {
		return fmt.Errorf("nzb fetch_workers must be non-negative")
	}

	if c.Torrent.ListenPort < 0 || c.Torrent.ListenPort > 65535 {
		return fmt.Errorf("torrent listen_port must be between 0 and 65535")
	}
	switch c.Torrent.Encryption {
	case "", "enabled", "forced", "disabled":
	default:
		return fmt.Errorf("torrent encryption must be enabled, forced or disabled")
	}

	for i, server := range c.Servers {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("server %d: %w", i, err)
		}
	}

	for i, idx := range c.Indexers {
		if idx.Name == "" {
			return fmt.Errorf("indexer %d: name cannot be empty", i)
		}
		if idx.BaseURL == "" {
			return fmt.Errorf("indexer %d: base_url cannot be empty", i)
		}
		if idx.Priority < 1 || idx.Priority > 99 {
			return fmt.Errorf("indexer %d: priority must be between 1 and 99", i)
		}
	}

	for i, client := range c.Clients {
		if client.Name == "" {
			return fmt.Errorf("download client %d: name cannot be empty", i)
		}
		switch client.Type {
		case downloadclient.TypeNZBEngine, downloadclient.TypeTorrentEngine:
		case downloadclient.TypeSABnzbd, downloadclient.TypeNZBGet, downloadclient.TypeQBittorrent:
			if client.Host == "" {
				return fmt.Errorf("download client %d: host cannot be empty", i)
			}
		default:
			return fmt.Errorf("download client %d: unknown type %q", i, client.Type)
		}
	}

	return nil
}

// EnabledServers filters the server list to enabled entries.
func (c *Config) EnabledServers() []nntp.ServerConfig {
	out := make([]nntp.ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// NZBEngineConfig builds the NZB child's engine configuration.
func (c *Config) NZBEngineConfig() nzbengine.Config {
	return nzbengine.Config{
		InstanceID:   c.InstanceID,
		TempDir:      c.NZB.TempDir,
		DownloadDir:  c.NZB.DownloadDir,
		CategoryDirs: c.NZB.CategoryDirs,
		FetchWorkers: c.NZB.FetchWorkers,
	}
}

// TorrentEngineConfig builds the torrent child's engine configuration.
func (c *Config) TorrentEngineConfig() torrent.Config {
	return torrent.Config{
		InstanceID:      c.InstanceID,
		ListenPort:      c.Torrent.ListenPort,
		DownloadDir:     c.Torrent.DownloadDir,
		ResumeDir:       c.Torrent.ResumeDir,
		ActiveDownloads: c.Torrent.ActiveDownloads,
		ActiveSeeds:     c.Torrent.ActiveSeeds,
		ActiveLimit:     c.Torrent.ActiveLimit,
		MaxConnections:  c.Torrent.MaxConnections,
		DHT:             c.Torrent.DHT,
		LSD:             c.Torrent.LSD,
		PortForwarding:  c.Torrent.PortForwarding,
		SeedRatioLimit:  c.Torrent.SeedRatioLimit,
		SeedTimeLimit:   c.Torrent.SeedTimeLimit,
		Encryption:      c.Torrent.Encryption,
	}
}

// PostProcessOptions builds the post-processor tool configuration.
func (c *Config) PostProcessOptions() postprocess.Options {
	return postprocess.Options{
		Par2Bin:     c.Tools.Par2Bin,
		UnrarBin:    c.Tools.UnrarBin,
		SevenZipBin: c.Tools.SevenZipBin,
	}
}

// OrchestratorConfig builds the orchestrator configuration.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		InstanceID:    c.InstanceID,
		PollInterval:  c.Acquire.PollInterval,
		ImportWorkers: c.Acquire.ImportWorkers,
	}
}

// LoadConfig reads, defaults and validates the file at path. A missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v := viper.New()
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", path, err)
			}
			if err := v.Unmarshal(config); err != nil {
				return nil, fmt.Errorf("error unmarshaling config: %w", err)
			}
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// SaveToFile writes the configuration as YAML, creating parent
// directories as needed.
func SaveToFile(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
