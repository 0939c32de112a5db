package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jgoulah/rtenergy/internal/config"
	"github.com/jgoulah/rtenergy/internal/database"
	"github.com/jgoulah/rtenergy/internal/log"
	"github.com/jgoulah/rtenergy/internal/telemetry"
)

var (
	cfgFile string
	baseURL string
	dbPath  string
	debug   bool
	logFile string
)

var rootCmd = &cobra.Command{
	Use:   "rtenergy",
	Short: "Watch a real-time energy monitor",
	Long: `rtenergy polls the telemetry service of an energy monitor (waveform, RMS values,
harmonic spectrum and load type) and keeps a consistent live view of the device.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(debug, logFile)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "telemetry service URL (overrides config and "+config.EnvBaseURL+")")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "live-state database file (default is ./"+config.DefaultStateDB+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")
}

// getConfigPath returns the config file path
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the configuration file and applies command-line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, err
	}

	if baseURL != "" {
		cfg.Service.BaseURL = baseURL
	}
	if dbPath != "" {
		cfg.StateDB = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient builds the telemetry client for cfg
func newClient(cfg *config.Config) *telemetry.Client {
	return telemetry.NewClient(cfg.Service.BaseURL, cfg.GetTimeout())
}

// openDB opens the live-state database
func openDB(cfg *config.Config) (*database.DB, error) {
	path := cfg.StateDB

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	return database.New(path)
}
