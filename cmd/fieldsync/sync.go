package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/client"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/orchestrator"
	"github.com/fieldsync/fieldsync/internal/protocol"
	"github.com/fieldsync/fieldsync/internal/trigger"
	"github.com/fieldsync/fieldsync/internal/ui"
)

var (
	syncTag   string
	syncLocal bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the offline queue now",
	Long: `Trigger an immediate drain of the offline queue.

By default the request goes to the running agent, which replays queued
operations in priority order and broadcasts the result. With --local (or
when no agent is reachable) the drain runs in this process; the durable
drain lock keeps the two from replaying the same entries.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		if !syncLocal {
			err := syncViaAgent(cmd.Context(), cfg.AgentURL)
			if err == nil {
				return
			}
			fmt.Printf("%s Agent unreachable (%v), draining locally\n", ui.RenderWarn("⚠"), err)
		}
		syncLocally(cmd.Context())
	},
}

// syncViaAgent connects, requests a drain, and waits for the completion
// broadcast so the summary can be printed.
func syncViaAgent(ctx context.Context, agentURL string) error {
	c := client.NewController(nil, nil, agentURL, logging.New("client"))

	done := make(chan protocol.SyncCompletedData, 1)
	failed := make(chan protocol.SyncFailedData, 1)
	err := c.Connect(ctx, client.Callbacks{
		OnSyncCompleted: func(d protocol.SyncCompletedData) {
			select {
			case done <- d:
			default:
			}
		},
		OnSyncFailed: func(d protocol.SyncFailedData) {
			select {
			case failed <- d:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SendSyncNow(ctx, syncTag); err != nil {
		return err
	}

	fmt.Printf("%s Draining queue...\n", ui.RenderAccent("🔄"))
	select {
	case d := <-done:
		printSummary(d)
		return nil
	case d := <-failed:
		fmt.Fprintf(os.Stderr, "%s Sync failed: %s\n", ui.RenderFail("✗"), d.Reason)
		os.Exit(1)
		return nil
	case <-time.After(5 * time.Minute):
		fmt.Fprintf(os.Stderr, "%s Timed out waiting for the drain to finish\n", ui.RenderFail("✗"))
		os.Exit(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func syncLocally(ctx context.Context) {
	cfg := loadConfig()
	db := openStore(cfg)
	defer db.Close()

	drainCfg := orchestrator.DefaultConfig()
	drainCfg.EntryDelay = cfg.EntryDelay
	drainCfg.Logger = logging.New("drain")

	d := orchestrator.New(db, newCaller(cfg, "transport"), trigger.NewStoreRegistrar(db), nil, drainCfg)

	fmt.Printf("%s Draining queue locally...\n", ui.RenderAccent("🔄"))
	summary, err := d.Drain(ctx, syncTag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), err)
		os.Exit(1)
	}

	printSummary(protocol.SyncCompletedData{
		Total:      summary.Total,
		Succeeded:  summary.Succeeded,
		Failed:     summary.Failed,
		Exhausted:  summary.Exhausted,
		Remaining:  summary.Remaining,
		DurationMS: summary.Duration.Milliseconds(),
	})
}

func printSummary(d protocol.SyncCompletedData) {
	marker := ui.RenderPass("✓")
	if d.Failed > 0 {
		marker = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync complete in %dms\n", marker, d.DurationMS)
	fmt.Printf("   Total: %d\n", d.Total)
	fmt.Printf("   Succeeded: %d\n", d.Succeeded)
	if d.Failed > 0 {
		fmt.Printf("   Failed: %d (%d moved to failed store)\n", d.Failed, d.Exhausted)
	}
	if d.Remaining > 0 {
		fmt.Printf("   Remaining: %d (will retry)\n", d.Remaining)
	}
}

func init() {
	syncCmd.Flags().StringVar(&syncTag, "tag", "", "drain trigger tag (default fieldsync-drain)")
	syncCmd.Flags().BoolVar(&syncLocal, "local", false, "drain in this process instead of the agent")
	rootCmd.AddCommand(syncCmd)
}
