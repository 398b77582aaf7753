package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/becomeliminal/nim-memory/config"
	"github.com/becomeliminal/nim-memory/logging"
)

var (
	version = "dev"

	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "nim-memory",
	Short: "Hybrid short-term and long-term memory for chat",
	Long: `nim-memory keeps a rolling window of recent conversation turns per session
and a vector index of everything said and every document ingested, and
assembles both into the context of each chat turn.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "server base URL for client commands")
}

// loadConfig reads --config and builds the logger it names.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

var httpClient = &http.Client{Timeout: 2 * time.Minute}

func apiURL(path string) string {
	return strings.TrimRight(serverURL, "/") + path
}
