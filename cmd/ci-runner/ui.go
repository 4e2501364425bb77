package main

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowforge/runner/internal/logging"
)

// uiCmd serves a minimal auto-refreshing status page against a
// running server's JSON API. The HTML/CSS dashboard itself is the
// thin, out-of-scope external collaborator spec.md §1 names; this is
// only enough to glance at recent runs without a JSON client.
func uiCmd() *cobra.Command {
	var (
		listenAddr string
		apiAddr    string
	)

	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Serve a minimal status dashboard against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InitStructured("text", "info")

			mux := http.NewServeMux()
			mux.HandleFunc("GET /", uiIndexHandler(apiAddr))

			logging.Op().Info("ui server started", "addr", listenAddr, "api", apiAddr)
			return http.ListenAndServe(listenAddr, mux)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8090", "address the dashboard listens on")
	cmd.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "base URL of the ci-runner server's API")
	return cmd
}

var uiTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<title>ci-runner</title>
<meta http-equiv="refresh" content="5">
<style>
body { font-family: monospace; margin: 2rem; }
table { border-collapse: collapse; }
td, th { padding: 0.25rem 0.75rem; border-bottom: 1px solid #ccc; text-align: left; }
.success { color: green; }
.failure { color: red; }
.running { color: darkorange; }
</style>
</head>
<body>
<h1>recent runs</h1>
{{if .Error}}<p class="failure">{{.Error}}</p>{{end}}
<table>
<tr><th>id</th><th>project</th><th>status</th><th>trigger</th><th>created</th></tr>
{{range .Runs}}
<tr>
<td>{{.ID}}</td>
<td>{{.ProjectID}}</td>
<td class="{{.Status}}">{{.Status}}</td>
<td>{{.TriggerType}}</td>
<td>{{.CreatedAt}}</td>
</tr>
{{end}}
</table>
</body>
</html>`))

type uiRun struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Status      string    `json:"status"`
	TriggerType string    `json:"trigger_type"`
	CreatedAt   time.Time `json:"created_at"`
}

func uiIndexHandler(apiAddr string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := struct {
			Runs  []uiRun
			Error string
		}{}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(apiAddr + "/api/v1/runs?limit=50")
		if err != nil {
			data.Error = fmt.Sprintf("fetch runs: %v", err)
		} else {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				data.Error = fmt.Sprintf("server returned %s", resp.Status)
			} else if err := json.NewDecoder(resp.Body).Decode(&data.Runs); err != nil {
				data.Error = fmt.Sprintf("decode runs: %v", err)
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = uiTemplate.Execute(w, data)
	}
}
