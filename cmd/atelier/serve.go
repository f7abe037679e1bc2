package main

import (
	"github.com/spf13/cobra"

	"github.com/atelier-dev/atelier/internal/config"
	"github.com/atelier-dev/atelier/internal/daemon"
	"github.com/atelier-dev/atelier/internal/logger"
)

func serveCmd() *cobra.Command {
	var configPath string
	var addrFlag string
	var levelFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the atelier daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Addr = addrFlag
			}
			if levelFlag != "" {
				cfg.Logging.Level = levelFlag
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			return daemon.Run(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "atelier.yaml", "config file path")
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&levelFlag, "log-level", "", "log level (overrides config)")
	return cmd
}
