package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/readability-server/internal/logging"
	"github.com/JakeFAU/readability-server/internal/readability"
	"github.com/JakeFAU/readability-server/internal/server"
	"github.com/JakeFAU/readability-server/internal/worker"
)

// newWorkerCmd is the entry point of pool worker processes. It is started by the pool, not by
// people, and talks the task protocol on stdin/stdout.
func newWorkerCmd() *cobra.Command {
	var (
		handler     string
		development bool
	)
	cmd := &cobra.Command{
		Use:    server.WorkerCommand,
		Short:  "Runs one pool worker on stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Ctrl-C reaches the whole process group; the pool decides when workers stop.
			signal.Ignore(syscall.SIGINT)

			logger, err := logging.New(development,
				logging.WithOutput("stderr"),
				logging.WithFields(zap.Int("pid", os.Getpid())),
			)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			if err := worker.Serve(cmd.Context(), handler, os.Stdin, os.Stdout, logger); err != nil {
				logger.Error("worker stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&handler, "handler", readability.HandlerName, "registered handler to load")
	cmd.Flags().BoolVar(&development, "development", false, "use the development log format")
	return cmd
}
