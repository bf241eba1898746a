package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sdvault/internal/config"
	"sdvault/internal/logger"
)

var (
	configPath string
	dataDir    string
	debug      bool
)

func main() {
	defer logger.Sync()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "sdvault",
		Short: "On-device TS segment store with time-indexed playback",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logger.SetDebugMode(true)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}
	c.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	c.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides the config file)")
	c.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	c.AddCommand(newServeCmd(), newIngestCmd(), newInspectCmd())
	return c
}

// loadConfig resolves the configuration from the file, if any, and the
// persistent flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if !debug {
		logger.SetLevel(cfg.LogLevel)
	}
	return cfg, cfg.Validate()
}
