package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/peerdht/config"
)

const Version = "1.0.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "peerdht",
	Short: "BitTorrent peer discovery over the mainline DHT and HTTP trackers",
	Long: `peerdht runs a mainline DHT node and talks to HTTP trackers to find
peers for BitTorrent info-hashes. Configuration is read from a YAML file
and PEERDHT_* environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches /etc/peerdht, ~/.peerdht and .)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

// loadConfig reads the configuration and applies logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return cfg, nil
}
