// Leadrelay keeps SMS and voice conversation state for leads and streams
// conversation events to dashboards in real time.
//
// Usage:
//
//	# Start the server with the default config file
//	leadrelay serve
//
//	# Drain a legacy snapshot into the cache
//	leadrelay migrate --snapshot /var/lib/leadrelay/legacy.json
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 CACHE_NATS_URL=nats://localhost:4222 leadrelay serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the config file; empty uses ~/.config/leadrelay/config.yaml.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "leadrelay",
	Short: "Conversation state and live event relay for SMS and voice leads",
	Long: `leadrelay receives SMS and voice provider webhooks, keeps each customer's
conversation context in a shared cache, and streams conversation events to
dashboard subscribers.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/leadrelay/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "leadrelay by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}
