package main

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/firmscr/internal/config"
	"github.com/rewired-gh/firmscr/internal/logger"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	var configPath string
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "firmscr",
		Short: "FIRMS wildfire hotspots for Costa Rica joined to conservation areas and cantons",
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			// Secrets may live in .env; a missing file is fine
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			path := configPath
			if !c.Flags().Changed("config") {
				if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
					path = ""
				}
			}

			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			cfg = loaded

			logger.Init(cfg.Logging.Level, cfg.Logging.Format)
			if path != "" {
				logger.Info("Configuration loaded from %s", path)
			} else {
				logger.Info("No configuration file, using defaults and environment")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(
		newPreprocessCmd(func() *config.Config { return cfg }),
		newServeCmd(func() *config.Config { return cfg }),
	)

	if err := rootCmd.Execute(); err != nil {
		if cfg == nil {
			log.Fatalf("Failed to start: %v", err)
		}
		logger.Fatal("Command failed: %v", err)
	}
}
