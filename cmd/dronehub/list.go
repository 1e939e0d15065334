package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all drones",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/drones")
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: dronehub serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Drones []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Group    string `json:"group"`
			RepoPath string `json:"repoPath"`
			HubPhase string `json:"hubPhase"`
			Busy     bool   `json:"busy"`
		} `json:"drones"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(result.Drones) == 0 {
		fmt.Println("No drones found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPHASE\tGROUP\tREPO")
	for _, d := range result.Drones {
		phase := phaseIcon(d.HubPhase)
		if d.Busy {
			phase += " (busy)"
		}
		group := d.Group
		if group == "" {
			group = "-"
		}
		repo := d.RepoPath
		if repo == "" {
			repo = "-"
		} else if len(repo) > 40 {
			repo = "..." + repo[len(repo)-37:]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, phase, group, repo)
	}
	return w.Flush()
}

func phaseIcon(phase string) string {
	switch phase {
	case "creating":
		return "⏳ creating"
	case "starting":
		return "🔄 starting"
	case "seeding":
		return "🔄 seeding"
	case "ready":
		return "✅ ready"
	case "error":
		return "❌ error"
	default:
		return phase
	}
}
