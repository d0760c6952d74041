package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/leadrelay/internal/http"
)

// serverURL is the base URL of a running leadrelay server
var serverURL string

func init() {
	healthCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "leadrelay server URL")
}

// healthCmd checks the cache health of a running server
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check leadrelay server and cache health",
	Long: `Check the cache health of a running leadrelay server.

Examples:
  # Check health
  leadrelay health

  # Check health on a different server
  leadrelay health --server http://relay.internal:9090`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, _ []string) error {
	url := fmt.Sprintf("%s/api/v1/health/cache", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var health httpapi.CacheHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server URL:       %s\n", serverURL)
	fmt.Fprintf(out, "Cache Status:     %s\n", health.Status)
	fmt.Fprintf(out, "Remote Connected: %t\n", health.RemoteConnected)
	if health.HitRatio >= 0 {
		fmt.Fprintf(out, "Hit Ratio:        %.2f\n", health.HitRatio)
	}
	fmt.Fprintf(out, "Fallback Entries: %d\n", health.FallbackEntries)
	if health.Error != "" {
		fmt.Fprintf(out, "Error:            %s\n", health.Error)
	}
	if health.Status != "healthy" {
		return fmt.Errorf("cache is %s", health.Status)
	}
	return nil
}
