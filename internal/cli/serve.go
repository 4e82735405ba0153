package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/provara/provara/internal/config"
	"github.com/provara/provara/internal/server"
)

var (
	serveConfig string
	serveListen string
	servePolicy string
	serveDB     string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Path to config YAML")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Path to policy bundle YAML (overrides config)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "Path to ledger database (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger and policy gate server",
	Long:  "Runs the HTTP API, ingestion pipeline, checkpoint service, and approval broker.\nSupports hot-reload of the policy bundle file.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfig)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if servePolicy != "" {
		cfg.PolicyPath = servePolicy
	}
	if serveDB != "" {
		cfg.DBPath = serveDB
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
