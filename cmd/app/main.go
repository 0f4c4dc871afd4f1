// cmd/app/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/captainteodor/vibess/pkg/config"
	"github.com/captainteodor/vibess/pkg/database"
	"github.com/captainteodor/vibess/pkg/utils"
)

var (
	configFile string
	debug      bool
	seedFile   string
	seedLimit  int

	rootCmd = &cobra.Command{
		Use:           "vibess",
		Short:         "Photo rating service",
		Long:          `Serves voting sessions over HTTP and records votes in the configured ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and maintenance jobs",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the PostgreSQL schema",
		RunE:  runMigrate,
	}
	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Load candidates from a YAML file into the ledger",
		RunE:  runSeed,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging to the console")

	seedCmd.Flags().StringVar(&seedFile, "file", "", "YAML file of candidates")
	seedCmd.Flags().IntVar(&seedLimit, "concurrency", 8, "Concurrent ledger writes")
	_ = seedCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the logger every command shares
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if debug {
		cfg.LogLevel = "debug"
		cfg.Log.Debug = true
	}

	logger, err := utils.NewLogger(cfg.LoggerConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, logger, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Ledger.Backend != config.BackendPostgres {
		return fmt.Errorf("migrate needs the %s ledger backend, got %q", config.BackendPostgres, cfg.Ledger.Backend)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := database.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	logger.Info("Schema is up to date")
	return backend.Close(ctx)
}
