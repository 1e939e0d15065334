// DroneHub
//
// A control plane for ephemeral per-task dev containers. Queue a drone,
// prompt its agent, review the diff, push or merge the result.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "dronehub",
	Short: "DroneHub - per-task dev container control plane",
	Long: `DroneHub manages ephemeral dev containers ("drones"), one per task.
Each drone runs a coding agent against its own copy of a host repository.

  dronehub serve                                Start the hub server
  dronehub create fix-auth --repo ~/src/app     Queue a drone on a repo
  dronehub list                                 List drones
  dronehub status <id>                          Inspect one drone
  dronehub logs <id>                            Stream a drone's events
  dronehub rm <id>                              Delete a drone`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DRONEHUB_SERVER", "http://localhost:7777"), "DroneHub server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
