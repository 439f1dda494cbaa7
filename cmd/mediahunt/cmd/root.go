package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mediahunt/mediahunt/internal/config"
	"github.com/mediahunt/mediahunt/internal/store"
)

var (
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "mediahunt",
	Short: "MediaHunt media acquisition daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./config.yaml", "config file (default is ./config.yaml)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore builds the state store per the configured backend. The returned
// close func is a no-op for the file backend.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.State.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(filepath.Join(cfg.State.Dir, "mediahunt.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
			return nil, nil, err
		}
		return store.NewFileStore(afero.NewOsFs(), cfg.State.Dir), func() {}, nil
	}
}

// Snapshot files live next to the rest of the state so parent and child
// agree on the path without extra plumbing.
func nzbSnapshotPath(cfg *config.Config) string {
	return filepath.Join(cfg.State.Dir, "nzb-engine.snapshot.json")
}

func torrentSnapshotPath(cfg *config.Config) string {
	return filepath.Join(cfg.State.Dir, "torrent-engine.snapshot.json")
}

func clientTypeEnabled(cfg *config.Config, clientType string) bool {
	for _, c := range cfg.Clients {
		if c.Enabled && c.Type == clientType {
			return true
		}
	}
	return false
}
