package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// triggerCmd is a thin client for a running server's POST
// /api/v1/trigger endpoint: the request/response shapes live in
// internal/httpapi, this just marshals flags into JSON and reports
// the assigned run id.
func triggerCmd() *cobra.Command {
	var (
		serverAddr   string
		projectID    string
		pipelineName string
		triggerType  string
		branch       string
		commitSHA    string
		apiKey       string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a pipeline run against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}

			body, err := json.Marshal(map[string]string{
				"projectId":    projectID,
				"pipelineName": pipelineName,
				"triggerType":  triggerType,
				"branch":       branch,
				"commitSha":    commitSHA,
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequest(http.MethodPost, serverAddr+"/api/v1/trigger", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if apiKey != "" {
				req.Header.Set("X-API-Key", apiKey)
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("trigger request: %w", err)
			}
			defer resp.Body.Close()

			respBody, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("server returned %s: %s", resp.Status, respBody)
			}

			fmt.Println(string(respBody))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "http://127.0.0.1:8080", "base URL of a running ci-runner server")
	cmd.Flags().StringVar(&projectID, "project", "", "project id to trigger a run for")
	cmd.Flags().StringVar(&pipelineName, "pipeline", "default", "pipeline name recorded on the run")
	cmd.Flags().StringVar(&triggerType, "trigger-type", "manual", "push, pull_request, tag, schedule, or manual")
	cmd.Flags().StringVar(&branch, "branch", "", "branch recorded on the run")
	cmd.Flags().StringVar(&commitSHA, "commit", "", "commit SHA recorded on the run")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key, if the server requires authentication")
	return cmd
}
