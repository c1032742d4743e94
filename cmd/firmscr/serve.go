package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/firmscr/internal/config"
	"github.com/rewired-gh/firmscr/internal/gpkg"
	"github.com/rewired-gh/firmscr/internal/logger"
	"github.com/rewired-gh/firmscr/internal/pipeline"
	"github.com/rewired-gh/firmscr/internal/server"
	"github.com/rewired-gh/firmscr/internal/wfs"
)

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	var warm bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API from the preprocessed GeoPackage or a live run",
		RunE: func(c *cobra.Command, args []string) error {
			conf := cfg()

			inputs, opts, err := pipeline.FromConfig(conf)
			if err != nil {
				return err
			}

			client := wfs.NewClient(conf.HTTP.Timeout, conf.HTTP.UserAgent)
			p := pipeline.New(client, inputs, opts, pipeline.NewCache())
			source := pipeline.NewSource(p, conf.Data.PreprocessedPath, conf.Data.Layer, gpkg.DefaultColumns)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if warm {
				go func() {
					if _, err := source.Load(ctx); err != nil {
						logger.Warn("Failed to warm dataset cache: %v", err)
					}
				}()
			}

			return server.New(source, conf.Server).Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&warm, "warm", true, "Load the dataset at startup instead of on the first request")
	return cmd
}
