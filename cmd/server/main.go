package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cashback-engine/internal/app/server"
	"cashback-engine/internal/config"
	"cashback-engine/internal/engine"
	"cashback-engine/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:           "cashbackd",
	Short:         "Affiliate attribution and redirect orchestration service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// serveCmd runs the HTTP service until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the attribution service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		config.SetupLogging(cfg.Server.LogLevel)
		return server.Run(cfg)
	},
}

// statusCmd reports the persisted activation for a domain.
var statusCmd = &cobra.Command{
	Use:   "status <domain>",
	Short: "Show the persisted activation state of a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		config.SetupLogging(cfg.Server.LogLevel)
		return runStatus(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], time.Now())
	},
}

func runStatus(ctx context.Context, out io.Writer, cfg config.Config, domain string, now time.Time) error {
	mirror, _, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer mirror.Close()

	entry, err := storage.FindActivation(ctx, mirror, domain)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(out, "%s: not activated\n", engine.CleanHost(domain))
		return nil
	}
	if err != nil {
		return err
	}

	state := "expired"
	if entry.Active(now, server.EngineOptions(cfg).ActiveTTL) {
		state = "active"
	}
	fmt.Fprintf(out, "%s: %s (activated %s", entry.Domain, state, entry.At.Format(time.RFC3339))
	if entry.ClickID != "" {
		fmt.Fprintf(out, ", click %s", entry.ClickID)
	}
	fmt.Fprintln(out, ")")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
