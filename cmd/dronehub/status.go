package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [drone-id]",
	Short: "Get the status of a drone",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsCmd = &cobra.Command{
	Use:   "logs [drone-id]",
	Short: "Stream a drone's event feed",
	Long:  "Stream the drone's hub events (phase changes, prompts, repo syncs). Interrupt to stop.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]

	resp, err := http.Get(serverURL + "/api/drones/" + id)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Drone struct {
			ID            string   `json:"id"`
			Name          string   `json:"name"`
			Group         string   `json:"group"`
			RepoPath      string   `json:"repoPath"`
			RepoAttached  bool     `json:"repoAttached"`
			ContainerPort int      `json:"containerPort"`
			HostPort      *int     `json:"hostPort"`
			Chats         []string `json:"chats"`
			HubPhase      string   `json:"hubPhase"`
			HubMessage    string   `json:"hubMessage"`
			Busy          bool     `json:"busy"`
			CreatedAt     string   `json:"createdAt"`
		} `json:"drone"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	d := result.Drone

	fmt.Printf("Drone:    %s\n", d.ID)
	fmt.Printf("Name:     %s\n", d.Name)
	if d.Group != "" {
		fmt.Printf("Group:    %s\n", d.Group)
	}
	phase := phaseIcon(d.HubPhase)
	if d.Busy {
		phase += " (busy)"
	}
	fmt.Printf("Phase:    %s\n", phase)
	if d.HubMessage != "" {
		fmt.Printf("Message:  %s\n", d.HubMessage)
	}
	if d.RepoPath != "" {
		attached := "detached"
		if d.RepoAttached {
			attached = "attached"
		}
		fmt.Printf("Repo:     %s (%s)\n", d.RepoPath, attached)
	}
	if d.HostPort != nil {
		fmt.Printf("Port:     localhost:%d -> %d\n", *d.HostPort, d.ContainerPort)
	}
	if len(d.Chats) > 0 {
		fmt.Printf("Chats:    %s\n", strings.Join(d.Chats, ", "))
	}
	fmt.Printf("Created:  %s\n", d.CreatedAt)

	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	return streamEvents(args[0], false)
}
