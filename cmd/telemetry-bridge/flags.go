package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/config"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath  string
	Validate    bool
	ShowVersion bool
	ShowHelp    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	defaultPath := config.PathFromEnv()

	flag.StringVar(&cfg.ConfigPath, "config", defaultPath,
		"Path to configuration file (env: BRIDGE_CONFIG_PATH)")
	flag.StringVar(&cfg.ConfigPath, "c", defaultPath,
		"Path to configuration file (env: BRIDGE_CONFIG_PATH)")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")

	flag.Usage = printDetailedHelp
	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Companion Satellite telemetry bridge

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a config file
  %s --config=/etc/bridge/bridge.json

  # Run with environment configuration
  export BRIDGE_CONFIG_PATH=/etc/bridge/bridge.yaml
  export BRIDGE_COMPANION_HOST=companion.local
  %s

  # Validate configuration only
  %s --config=bridge.json --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], Version)
}
