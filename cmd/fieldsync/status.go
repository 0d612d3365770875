package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/client"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, cache, and connectivity status",
	Long: `Display the current state of the sync engine.

Asks the running agent first; when no agent is reachable the shared store
is inspected directly (connectivity is then unknown).`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		c := client.NewController(nil, nil, cfg.AgentURL, logging.New("client"))
		if status, err := c.Status(cmd.Context()); err == nil {
			printAgentStatus(status)
			return
		}

		fmt.Printf("%s Agent not reachable at %s, reading the store directly\n\n",
			ui.RenderWarn("⚠"), cfg.AgentURL)
		printLocalStatus(cmd.Context())
	},
}

func printAgentStatus(status *client.AgentStatus) {
	fmt.Printf("\n%s Fieldsync Status\n\n", ui.RenderAccent("📊"))

	network := ui.RenderFail("offline")
	if status.Online {
		network = ui.RenderPass("online")
	}
	fmt.Printf("Network: %s\n", network)
	fmt.Printf("Queued: %d\n", status.QueueSize)
	fmt.Printf("Failed: %d\n", status.FailedSize)
	fmt.Printf("Cache generation: %s\n", orNone(status.Generation))
	if status.StagedGeneration != "" {
		fmt.Printf("Staged generation: %s %s\n", status.StagedGeneration,
			ui.RenderDim("(send skip-waiting to activate)"))
	}
	fmt.Printf("Connected clients: %d\n", status.Clients)
	if status.LastSync != "" {
		fmt.Printf("Last sync: %s\n", status.LastSync)
	}
	if status.LastSyncError != "" {
		fmt.Printf("Last sync error: %s\n", ui.RenderFail(status.LastSyncError))
	}
	fmt.Println()
}

func printLocalStatus(ctx context.Context) {
	cfg := loadConfig()
	db := openStore(cfg)
	defer db.Close()

	queued, err := db.CountPending(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error counting queue: %v\n", err)
		os.Exit(1)
	}
	failed, err := db.CountFailed(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error counting failed store: %v\n", err)
		os.Exit(1)
	}

	cacheMgr := cache.NewManager(db.RawDB(), "default", nil, logging.New("cache"))
	if err := cacheMgr.InitSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading cache: %v\n", err)
		os.Exit(1)
	}
	gen, err := cacheMgr.CurrentGeneration(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading cache generation: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Fieldsync Status %s\n\n", ui.RenderAccent("📊"), ui.RenderDim("(local)"))
	fmt.Printf("Store: %s\n", cfg.StorePath)
	fmt.Printf("Queued: %d\n", queued)
	fmt.Printf("Failed: %d\n", failed)
	fmt.Printf("Cache generation: %s\n", orNone(gen))
	fmt.Println()
}

func orNone(s string) string {
	if s == "" {
		return ui.RenderDim("(none)")
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
