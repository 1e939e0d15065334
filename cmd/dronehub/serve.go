package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerfZael/dronehub"
	"github.com/nerfZael/dronehub/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DroneHub server",
	Long:  "Start the DroneHub API server that manages drone containers and their agents.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	app, err := dronehub.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return fmt.Errorf("building hub: %w", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	return app.Start(ctx)
}
