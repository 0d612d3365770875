package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/agent"
	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/orchestrator"
	"github.com/fieldsync/fieldsync/internal/ui"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the background sync agent (foreground)",
	Long: `Run the background agent that serves all clients of the store.

The agent:
  1. Activates (or stages) the configured cache generation
  2. Watches the store for foreground enqueues and drains when online
  3. Probes connectivity and redelivers registered sync triggers
  4. Serves the WebSocket control channel and the /status and /resource
     HTTP endpoints

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		logger := logging.New("agent")
		if cfg.LogFile != "" {
			logger = logging.NewRotating("agent", cfg.LogFile)
		}

		db := openStore(cfg)
		defer db.Close()

		var manifest *cache.Manifest
		generation := "default"
		if cfg.ManifestPath != "" {
			m, err := cache.LoadManifest(cfg.ManifestPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
				os.Exit(1)
			}
			manifest = m
			generation = m.Generation
		}

		caller := newCaller(cfg, "transport")

		cacheMgr := cache.NewManager(db.RawDB(), generation, caller, logging.New("cache"))
		if err := cacheMgr.InitSchema(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing cache schema: %v\n", err)
			os.Exit(1)
		}

		monitor := connectivity.NewMonitor(cfg.ProbeURL, cfg.ProbeInterval, nil, logging.New("probe"))

		drainCfg := orchestrator.DefaultConfig()
		drainCfg.EntryDelay = cfg.EntryDelay
		drainCfg.Logger = logging.New("drain")

		agentCfg := agent.DefaultConfig()
		agentCfg.ListenAddr = cfg.AgentListenAddr
		agentCfg.Debounce = cfg.Debounce
		agentCfg.APIPrefix = cfg.APIPrefix
		agentCfg.OfflinePage = cfg.OfflinePage
		agentCfg.Drain = drainCfg
		agentCfg.Logger = logger

		a := agent.New(db, cacheMgr, caller, monitor, manifest, agentCfg)
		if err := a.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting agent: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Agent running on %s\n", ui.RenderAccent("🛰"), a.Addr())
		fmt.Printf("   Store: %s\n", cfg.StorePath)
		fmt.Printf("   Upstream: %s\n", cfg.BaseURL)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		if err := a.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
