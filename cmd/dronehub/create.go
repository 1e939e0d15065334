package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	createRepo   string
	createGroup  string
	createPrompt string
	createAgent  string
	createModel  string
	createWatch  bool
)

var createCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Queue a new drone",
	Long: `Queue a drone container. With --repo the drone gets its own copy of the
host repository; with --prompt the agent starts working immediately.
Without a name the hub assigns one.

Example:
  dronehub create fix-auth --repo ~/src/app --prompt "fix the login redirect"
  dronehub create --repo ~/src/app`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createRepo, "repo", "r", "", "Host repository path to seed into the drone")
	createCmd.Flags().StringVarP(&createGroup, "group", "g", "", "Group label for the drone")
	createCmd.Flags().StringVarP(&createPrompt, "prompt", "p", "", "Prompt to send once the drone is ready")
	createCmd.Flags().StringVarP(&createAgent, "agent", "a", "", "Coding agent for the drone's default chat")
	createCmd.Flags().StringVarP(&createModel, "model", "m", "", "Model override for the coding agent")
	createCmd.Flags().BoolVarP(&createWatch, "watch", "w", false, "Stream events until the drone is ready")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	spec := map[string]string{}
	if len(args) == 1 {
		spec["name"] = args[0]
	}
	if createRepo != "" {
		spec["repoPath"] = createRepo
	}
	if createGroup != "" {
		spec["group"] = createGroup
	}
	if createPrompt != "" {
		spec["seedPrompt"] = createPrompt
	}
	if createAgent != "" {
		spec["seedAgent"] = createAgent
	}
	if createModel != "" {
		spec["seedModel"] = createModel
	}
	body, _ := json.Marshal(map[string]any{"drones": []map[string]string{spec}})

	resp, err := http.Post(serverURL+"/api/drones", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: dronehub serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Accepted []struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"accepted"`
		Rejected []struct {
			Name  string `json:"name"`
			Error string `json:"error"`
			Code  string `json:"code"`
		} `json:"rejected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if len(result.Rejected) > 0 {
		r := result.Rejected[0]
		return fmt.Errorf("drone rejected (%s): %s", r.Code, r.Error)
	}
	if len(result.Accepted) == 0 {
		return fmt.Errorf("server accepted nothing")
	}

	acc := result.Accepted[0]
	fmt.Printf("Drone %s queued (%s)\n", acc.Name, acc.ID)

	if !createWatch {
		fmt.Printf("Watch it come up with: dronehub logs %s\n", acc.ID)
		return nil
	}
	fmt.Printf("Streaming events...\n\n")
	return streamEvents(acc.ID, true)
}

// streamEvents prints the drone's SSE feed. With untilSettled it returns
// once the drone reaches ready or error; otherwise it streams until the
// connection drops or the drone is deleted.
func streamEvents(droneID string, untilSettled bool) error {
	req, _ := http.NewRequest("GET", serverURL+"/api/drones/"+droneID+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		var event struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "phase":
			fmt.Printf("\033[36m[phase]\033[0m %s\n", event.Data)
			if untilSettled && event.Data == "ready" {
				fmt.Printf("\n\033[32m✓ Drone ready\033[0m\n")
				return nil
			}
			if untilSettled && event.Data == "error" {
				return fmt.Errorf("drone failed; inspect it with: dronehub status %s", droneID)
			}
		case "prompt":
			var pe struct {
				Chat  string `json:"chat"`
				State string `json:"state"`
			}
			if json.Unmarshal([]byte(event.Data), &pe) == nil {
				fmt.Printf("\033[36m[prompt]\033[0m %s: %s\n", pe.Chat, pe.State)
			}
		case "repo":
			fmt.Printf("\033[36m[repo]\033[0m %s\n", event.Data)
		case "error":
			fmt.Fprintf(os.Stderr, "\033[31m[error]\033[0m %s\n", event.Data)
		case "deleted":
			fmt.Printf("\033[33mDrone deleted:\033[0m %s\n", event.Data)
			return nil
		}
	}

	return scanner.Err()
}
