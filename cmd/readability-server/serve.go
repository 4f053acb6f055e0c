package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/readability-server/internal/config"
	"github.com/JakeFAU/readability-server/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP service and its worker pool",
		RunE:  runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(cmd.Context(), &cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app.Run(cmd.Context())
}
