package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mediahunt/mediahunt/internal/config"
	"github.com/mediahunt/mediahunt/internal/downloadclient"
	"github.com/mediahunt/mediahunt/internal/indexer"
	"github.com/mediahunt/mediahunt/internal/ipc"
	"github.com/mediahunt/mediahunt/internal/orchestrator"
)

const shutdownTimeout = 30 * time.Second

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MediaHunt acquisition daemon",
		Long:  `Start the acquisition daemon using configuration from a YAML file.`,
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "error", err)
		return err
	}

	config.ApplyLogging(cfg, "")
	logger := slog.Default()
	logger.Info("starting mediahunt",
		"instance", cfg.InstanceID,
		"log_file", cfg.Log.File,
		"log_level", cfg.Log.Level,
		"state_backend", cfg.State.Backend)

	ctx, cancelSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelSignals()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		return err
	}
	defer closeStore()

	manager := config.NewManager(cfg, configFile)

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	// Engine children are spawned only when a configured client needs them.
	var nzbSup, torSup *ipc.Supervisor
	var nzbClient *ipc.NZBClient
	var torClient *ipc.TorrentClient

	if clientTypeEnabled(cfg, downloadclient.TypeNZBEngine) {
		nzbSup = ipc.NewSupervisor("nzb", exe,
			[]string{"engine-nzb", "--config", configFile}, nzbSnapshotPath(cfg))
		if err := nzbSup.Start(ctx); err != nil {
			logger.Error("failed to start nzb engine child", "error", err)
			return err
		}
		nzbClient = ipc.NewNZBClient(nzbSup.Proxy)
	}
	if clientTypeEnabled(cfg, downloadclient.TypeTorrentEngine) {
		torSup = ipc.NewSupervisor("torrent", exe,
			[]string{"engine-torrent", "--config", configFile}, torrentSnapshotPath(cfg))
		if err := torSup.Start(ctx); err != nil {
			logger.Error("failed to start torrent engine child", "error", err)
			stopSupervisors(nzbSup, nil)
			return err
		}
		torClient = ipc.NewTorrentClient(torSup.Proxy)
	}

	clients := make([]downloadclient.Client, 0, len(cfg.Clients))
	for _, cc := range cfg.Clients {
		if !cc.Enabled {
			continue
		}
		client, err := downloadclient.New(cc, nzbClient, torClient)
		if err != nil {
			logger.Error("failed to build download client", "client", cc.Name, "error", err)
			stopSupervisors(nzbSup, torSup)
			return err
		}
		clients = append(clients, client)
	}

	idx := indexer.NewClient(func(ev indexer.SearchEvent) {
		logger.Debug("indexer search",
			"indexer", ev.Indexer,
			"query", ev.Query,
			"latency", ev.Latency,
			"success", ev.Success,
			"results", ev.Results)
	})

	var importer orchestrator.Importer
	if cfg.Arr.URL != "" {
		importer = orchestrator.NewStarrImporter(cfg.Arr.URL, cfg.Arr.APIKey)
		logger.Info("arr import notifications enabled", "url", cfg.Arr.URL)
	}

	orch := orchestrator.New(cfg.OrchestratorConfig(), st, idx, clients, importer)
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		stopSupervisors(nzbSup, torSup)
		return err
	}

	manager.OnConfigChange(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Log != newConfig.Log {
			config.ApplyLogging(newConfig, "")
		}
		if nzbClient != nil && !config.ServersEqual(oldConfig, newConfig) {
			logger.Info("nntp servers changed, updating engine",
				"old_count", len(oldConfig.Servers),
				"new_count", len(newConfig.Servers))
			updateCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := nzbClient.SetServers(updateCtx, newConfig.EnabledServers()); err != nil {
				logger.Error("failed to update engine servers", "error", err)
			}
		}
	})

	// SIGHUP re-reads the config file.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			logger.Info("reloading configuration")
			if err := manager.ReloadConfig(); err != nil {
				logger.Error("config reload failed", "error", err)
			}
		}
	}()

	var debugServer *http.Server
	if cfg.Debug.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		debugServer = &http.Server{Addr: cfg.Debug.ListenAddr, Handler: mux}
		go func() {
			logger.Info("debug listener started", "addr", cfg.Debug.ListenAddr)
			if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("debug listener failed", "error", err)
			}
		}()
	}

	logger.Info("mediahunt started",
		"clients", len(clients),
		"indexers", len(cfg.Indexers),
		"poll_interval", cfg.Acquire.PollInterval)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	orch.Stop()
	if debugServer != nil {
		_ = debugServer.Shutdown(shutdownCtx)
	}
	stopSupervisors(nzbSup, torSup)

	logger.Info("shutdown complete")
	return nil
}

func stopSupervisors(sups ...*ipc.Supervisor) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, sup := range sups {
		if sup != nil {
			sup.Stop(ctx)
		}
	}
}
