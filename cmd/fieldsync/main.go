// Command fieldsync is the offline-first sync engine CLI.
//
// The agent subcommand runs the long-lived background context; the rest
// are foreground client commands that talk to the agent when it is up and
// fall back to the shared store when it is not.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/internal/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first request queue and response cache",
	Long: `fieldsync keeps field clients usable without a network connection.

State-changing requests are captured in a durable priority queue and
replayed when connectivity returns; reads are served through a
generation-managed response cache. The background agent drains the queue
and pushes sync events to connected clients over WebSocket.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ./fieldsync.yaml or ~/.fieldsync/fieldsync.yaml)")
}

// loadConfig resolves configuration or exits; every subcommand needs it.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(cfg *config.Config) *store.DB {
	db, err := store.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	if err := db.InitSchema(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing store schema: %v\n", err)
		os.Exit(1)
	}
	return db
}

func newCaller(cfg *config.Config, prefix string) *transport.Caller {
	var tokens transport.TokenProvider
	if cfg.CSRFTokenFile != "" {
		tokens = transport.FileToken(cfg.CSRFTokenFile)
	}
	caller, err := transport.New(cfg.BaseURL, nil, tokens, logging.New(prefix))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building caller: %v\n", err)
		os.Exit(1)
	}
	return caller
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
