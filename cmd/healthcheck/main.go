// Command healthcheck checks the local runner for container health checks.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	appConfig "github.com/Mirai3103/playground-runner/internal/config"
)

func main() {
	cfg, err := appConfig.LoadConfig(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck: load config:", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/health", cfg.Server.Port))
	if err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Status != "online" {
		fmt.Fprintf(os.Stderr, "healthcheck: status %d %q\n", resp.StatusCode, body.Status)
		os.Exit(1)
	}
}
