// cmd/bolus-calc/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcp-bolus-calc/internal/config"
	"mcp-bolus-calc/internal/logging"
	"mcp-bolus-calc/internal/server"
)

const version = "1.0.0"

var (
	configPath string
	transport  string
	host       string
	address    string
	port       int
	dbPath     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "bolus-calc",
	Short:         "Bolus insulin calculator and tool server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the calculator tools over HTTP",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "bolus-calc version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Config file (falls back to environment variables)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&transport, "transport", "", "Transport mode: http")
		cmd.Flags().IntVar(&port, "port", 0, "Port for HTTP transport")
		cmd.Flags().StringVar(&host, "host", "", "Host address")
		cmd.Flags().StringVar(&address, "address", "", "Address (alias for host)")
		cmd.Flags().StringVar(&dbPath, "db-path", "", "Database path")
	}

	rootCmd.AddCommand(serveCmd, calcCmd, versionCmd)
}

// loadConfig merges the config file (or environment) with flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadOrEnv(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Server.Transport = transport
	}
	if flags.Changed("host") {
		cfg.Server.Host = host
	}
	// address is an alias for host and wins when both are given
	if flags.Changed("address") && address != "" {
		cfg.Server.Host = address
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("db-path") {
		cfg.Storage.DatabasePath = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	srv, err := server.NewBolusServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	var serveErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", zap.Error(serveErr))
		}
	}

	logger.Info("shutting down")
	cancel()
	if err := srv.Stop(); err != nil {
		logger.Warn("error during shutdown", zap.Error(err))
	}
	return serveErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
