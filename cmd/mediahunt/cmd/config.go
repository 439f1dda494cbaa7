package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mediahunt/mediahunt/internal/config"
	"github.com/mediahunt/mediahunt/internal/downloadclient"
	"github.com/mediahunt/mediahunt/internal/indexer"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		RunE:  runConfig,
	}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Test connectivity to configured indexers and download clients",
		RunE:  runCheck,
	}
	rootCmd.AddCommand(configCmd, checkCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

// runCheck probes every enabled indexer and external download client and
// reports per-target results. Engine-backed clients are skipped because
// their children only run under serve.
func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	failed := 0

	idx := indexer.NewClient(nil)
	for _, ic := range cfg.Indexers {
		if !ic.Enabled {
			continue
		}
		if err := idx.ValidateAPIKey(ctx, ic); err != nil {
			failed++
			fmt.Printf("indexer %s: FAILED: %v\n", ic.Name, err)
			continue
		}
		fmt.Printf("indexer %s: ok\n", ic.Name)
	}

	for _, cc := range cfg.Clients {
		if !cc.Enabled {
			continue
		}
		if cc.Type == downloadclient.TypeNZBEngine || cc.Type == downloadclient.TypeTorrentEngine {
			fmt.Printf("client %s: skipped (built-in engine)\n", cc.Name)
			continue
		}
		client, err := downloadclient.New(cc, nil, nil)
		if err != nil {
			failed++
			fmt.Printf("client %s: FAILED: %v\n", cc.Name, err)
			continue
		}
		if err := client.Test(ctx); err != nil {
			failed++
			fmt.Printf("client %s: FAILED: %v\n", cc.Name, err)
			continue
		}
		fmt.Printf("client %s: ok\n", cc.Name)
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
