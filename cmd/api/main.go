/*
Package main is the entry point of the knowledge assistant backend.

Usage:

	kb-assistant [command]

Available Commands:

	serve             Run the HTTP API and background jobs
	maintenance       Run every background job once and exit
	invalidate-cache  Drop all cached answers after a reindex
	index-chunks      Embed and index a file of pre-chunked documents
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kb-assistant/backend/pkg/config"
	appLogger "github.com/kb-assistant/backend/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "kb-assistant",
		Short:         "Retrieval and answer caching service for the knowledge base",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (default: search ./, ./config, /etc/kb-assistant)")

	load := func() (*config.Config, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		return cfg, nil
	}

	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newMaintenanceCmd(load))
	rootCmd.AddCommand(newInvalidateCacheCmd(load))
	rootCmd.AddCommand(newIndexChunksCmd(load))

	err := rootCmd.Execute()
	appLogger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
