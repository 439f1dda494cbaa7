package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mediahunt/mediahunt/internal/config"
	"github.com/mediahunt/mediahunt/internal/ipc"
	"github.com/mediahunt/mediahunt/internal/nzbengine"
	"github.com/mediahunt/mediahunt/internal/postprocess"
	"github.com/mediahunt/mediahunt/internal/slogutil"
	"github.com/mediahunt/mediahunt/internal/torrent"
)

// The engine subcommands are the hidden child halves of the supervisor:
// serve spawns this same binary with one of them and talks JSON lines over
// the child's stdin/stdout.
func init() {
	nzbCmd := &cobra.Command{
		Use:    "engine-nzb",
		Short:  "Run the NZB engine child process",
		Hidden: true,
		RunE:   runEngineNZB,
	}
	torrentCmd := &cobra.Command{
		Use:    "engine-torrent",
		Short:  "Run the torrent engine child process",
		Hidden: true,
		RunE:   runEngineTorrent,
	}
	rootCmd.AddCommand(nzbCmd, torrentCmd)
}

// childLogging routes console logs to stderr; stdout carries the command
// stream back to the supervisor.
func childLogging(cfg *config.Config, component string) {
	slogutil.Setup(slogutil.Options{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSize,
		MaxAgeDays: cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Component:  component,
		Console:    os.Stderr,
	})
}

func runEngineNZB(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	childLogging(cfg, "nzb-engine")

	ctx := cmd.Context()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := nzbengine.NewEngine(ctx, cfg.NZBEngineConfig(), st, postprocess.New(cfg.PostProcessOptions()))
	if err := engine.SetServers(ctx, cfg.EnabledServers()); err != nil {
		return err
	}
	engine.Start(ctx)

	child := ipc.NewChild(&ipc.NZBHandler{Engine: engine}, nzbSnapshotPath(cfg), os.Stdin, os.Stdout)
	return child.Run(ctx)
}

func runEngineTorrent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	childLogging(cfg, "torrent-engine")

	ctx := cmd.Context()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := torrent.New(ctx, cfg.TorrentEngineConfig(), st)
	if err != nil {
		return err
	}
	engine.Start(ctx)

	child := ipc.NewChild(&ipc.TorrentHandler{Engine: engine}, torrentSnapshotPath(cfg), os.Stdin, os.Stdout)
	return child.Run(ctx)
}
