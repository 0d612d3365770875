package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/client"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the response cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache generations and entry counts",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		mgr := cache.NewManager(db.RawDB(), "default", nil, logging.New("cache"))
		if err := mgr.InitSchema(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading cache: %v\n", err)
			os.Exit(1)
		}

		current, err := mgr.CurrentGeneration(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading current generation: %v\n", err)
			os.Exit(1)
		}
		gens, err := mgr.Generations(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing generations: %v\n", err)
			os.Exit(1)
		}
		entries, err := mgr.CountEntries(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting entries: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Cache Status\n\n", ui.RenderAccent("📦"))
		fmt.Printf("Current generation: %s\n", orNone(current))
		fmt.Printf("Entries: %d\n", entries)
		if len(gens) > 0 {
			fmt.Printf("Generations on disk:\n")
			for _, g := range gens {
				marker := " "
				if g == current {
					marker = ui.RenderPass("*")
				}
				fmt.Printf("  %s %s\n", marker, g)
			}
		}
		fmt.Println()
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cache generation",
	Long: `Drop every cache generation and the current-generation pointer.

Goes through the running agent when reachable so its in-memory state stays
consistent; falls back to clearing the store directly.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		c := client.NewController(nil, nil, cfg.AgentURL, logging.New("client"))
		if err := c.SendClearCache(cmd.Context()); err == nil {
			fmt.Printf("%s Requested cache clear from agent\n", ui.RenderPass("✓"))
			return
		}

		db := openStore(cfg)
		defer db.Close()

		mgr := cache.NewManager(db.RawDB(), "default", nil, logging.New("cache"))
		if err := mgr.InitSchema(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading cache: %v\n", err)
			os.Exit(1)
		}
		if err := mgr.ClearAll(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cache cleared\n", ui.RenderPass("✓"))
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate the configured manifest generation",
	Long: `Pre-populate and activate the cache generation declared in the
configured manifest. With a running agent prefer 'fieldsync skip-waiting',
which activates through the agent; this command works on the store
directly and suits initial provisioning.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.ManifestPath == "" {
			fmt.Fprintf(os.Stderr, "Error: no manifest_path configured\n")
			os.Exit(1)
		}

		manifest, err := cache.LoadManifest(cfg.ManifestPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
			os.Exit(1)
		}

		db := openStore(cfg)
		defer db.Close()

		mgr := cache.NewManager(db.RawDB(), manifest.Generation, newCaller(cfg, "transport"), logging.New("cache"))
		if err := mgr.InitSchema(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing cache: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Activating generation %s (%d resources)...\n",
			ui.RenderAccent("🔄"), manifest.Generation, len(manifest.Keys()))
		if err := mgr.Activate(cmd.Context(), manifest); err != nil {
			fmt.Fprintf(os.Stderr, "Error activating generation: %v\n", err)
			os.Exit(1)
		}
		mgr.Flush()

		entries, _ := mgr.CountEntries(cmd.Context())
		fmt.Printf("%s Generation %s active (%d entries)\n",
			ui.RenderPass("✓"), manifest.Generation, entries)
	},
}

var skipWaitingCmd = &cobra.Command{
	Use:   "skip-waiting",
	Short: "Activate a staged cache generation through the agent",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		c := client.NewController(nil, nil, cfg.AgentURL, logging.New("client"))
		if err := c.SendSkipWaiting(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Requested generation activation\n", ui.RenderPass("✓"))
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheActivateCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(skipWaitingCmd)
}
