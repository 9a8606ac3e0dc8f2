package main

import (
	"fmt"
	"os"

	"preview-gate/internal/config"
	"preview-gate/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logger  *zap.Logger
	cfg     *config.Config
	envFile string
	port    string
	apiURL  string
)

var rootCmd = &cobra.Command{
	Use:   "pgate",
	Short: "preview-gate - review window and auto-publish for generated content",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if port != "" {
			cfg.HTTPPort = port
		}
		if apiURL == "" {
			apiURL = "http://localhost:" + cfg.HTTPPort
		}
		logger, err = logging.New(logging.Options{
			Level:       cfg.LogLevel,
			Development: cfg.Development,
			File:        cfg.LogFile,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default ./.env when present)")
	rootCmd.PersistentFlags().StringVar(&port, "port", "", "HTTP port, overrides PGATE_HTTP_PORT")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Base URL of a running server (default http://localhost:<port>)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd, previewsCmd, submitCmd, approveCmd, rejectCmd, toggleCmd)
	rootCmd.AddCommand(backupCmd, restoreCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
