package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations in replay order",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		ops, err := db.ListPending(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing queue: %v\n", err)
			os.Exit(1)
		}

		if len(ops) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%s Pending operations (%d)\n\n", ui.RenderAccent("📋"), len(ops))
		for _, o := range ops {
			fmt.Printf("%s  %-8s %-6s %s\n", o.ID, o.Priority, o.Method, o.Target)
			fmt.Printf("   %s\n", ui.RenderDim(fmt.Sprintf("enqueued %s, attempts %d/%d",
				o.EnqueuedAt.Local().Format(time.RFC3339), o.Attempts, o.AttemptLimit)))
		}
		fmt.Println()
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List operations that exhausted their attempt limit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		failed, err := db.ListFailed(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed store: %v\n", err)
			os.Exit(1)
		}

		if len(failed) == 0 {
			fmt.Printf("%s Failed store is empty\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%s Failed operations (%d)\n\n", ui.RenderFail("✗"), len(failed))
		for _, f := range failed {
			fmt.Printf("%s  %-6s %s\n", f.ID, f.Method, f.Target)
			fmt.Printf("   failed %s after %d attempts: %s\n",
				f.FailedAt.Local().Format(time.RFC3339), f.Attempts, ui.RenderFail(f.TerminalError))
		}
		fmt.Printf("\nUse 'fieldsync queue requeue ID' to retry one.\n\n")
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue ID",
	Short: "Move a failed operation back into the queue",
	Long: `Move an operation from the failed store back into the active queue.

Attempts reset to zero. Nothing requeues automatically; this is the
explicit intervention for operations that exhausted their limit.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		if err := db.Requeue(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error requeueing %s: %v\n", args[0], err)
			os.Exit(1)
		}
		fmt.Printf("%s Requeued %s\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}
