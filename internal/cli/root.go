// Package cli implements the bubble command line.
package cli

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mossy-p/bubble-mesh/config"
)

var (
	version    = "dev"
	cfgFile    string
	verboseLog bool
)

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "bubble",
	Short: "Serverless peer-to-peer mesh messaging node",
	Long: `bubble - Peer-to-peer mesh messaging over WebRTC data channels

Devices find each other over mDNS, negotiate connections through a shared
signal relay and flood chat messages across every peer they are linked to.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file (overrides BUBBLE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "debug logging")
}

// loadConfig reads the configuration, honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		if err := os.Setenv("BUBBLE_CONFIG", cfgFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if verboseLog {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging settings.
func newLogger(cfg config.LoggingConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", cfg.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
