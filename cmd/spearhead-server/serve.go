package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spearit/spearhead/internal/config"
	"github.com/spearit/spearhead/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the wrapper server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			srv, err := server.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to build server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Printf("spearhead-server: listening on %s (admin on %s)", cfg.WrapperAddr(), cfg.APIAddr())
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "spearhead.yaml", "path to the YAML configuration file")
	return cmd
}
